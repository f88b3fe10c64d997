// Command keygen writes an application key file in the layout Zitadel
// hands out for private_key_jwt clients, plus the matching public JWK.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"

	"authgate/auth"
)

type options struct {
	out      string
	jwkOut   string
	keyID    string
	appID    string
	clientID string
	bits     int
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("keygen: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.out, "out", "key.json", "Path of the application key file")
	fs.StringVar(&opts.jwkOut, "jwk-out", "", "Path of the public JWK (stdout when empty)")
	fs.StringVar(&opts.keyID, "kid", "", "Key ID (random when empty)")
	fs.StringVar(&opts.appID, "app-id", "", "Application ID")
	fs.StringVar(&opts.clientID, "client-id", "", "OAuth client ID")
	fs.IntVar(&opts.bits, "bits", 2048, "RSA key size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.clientID == "" {
		return errors.New("-client-id is required")
	}
	if opts.bits < 2048 {
		return fmt.Errorf("-bits must be at least 2048, got %d", opts.bits)
	}
	if opts.keyID == "" {
		opts.keyID = uuid.NewString()
	}

	key, err := rsa.GenerateKey(rand.Reader, opts.bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	kf := auth.KeyFile{
		Type:     "application",
		KeyID:    opts.keyID,
		Key:      string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		AppID:    opts.appID,
		ClientID: opts.clientID,
	}
	if err := writeJSON(opts.out, kf, 0o600); err != nil {
		return err
	}

	pub := jose.JSONWebKey{Key: &key.PublicKey, KeyID: opts.keyID, Algorithm: string(jose.RS256), Use: "sig"}
	if opts.jwkOut == "" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pub)
	}
	return writeJSON(opts.jwkOut, pub, 0o644)
}

func writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
