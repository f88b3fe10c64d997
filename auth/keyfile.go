package auth

import (
	"encoding/json"
	"fmt"
	"os"
)

// KeyFile is the application key JSON Zitadel hands out for private_key_jwt clients.
type KeyFile struct {
	Type     string `json:"type"`
	KeyID    string `json:"keyId"`
	Key      string `json:"key"`
	AppID    string `json:"appId,omitempty"`
	ClientID string `json:"clientId"`
}

// ReadKeyFile loads a key file from disk.
func ReadKeyFile(path string) (KeyFile, error) {
	var kf KeyFile
	b, err := os.ReadFile(path)
	if err != nil {
		return kf, fmt.Errorf("read key file: %w", err)
	}
	if err := json.Unmarshal(b, &kf); err != nil {
		return kf, fmt.Errorf("parse key file: %w", err)
	}
	return kf, nil
}

// JWTConfig returns the client assertion settings carried by the file.
func (k KeyFile) JWTConfig() JWTConfig {
	return JWTConfig{KeyID: k.KeyID, Key: k.Key, AppID: k.AppID, ClientID: k.ClientID}
}
