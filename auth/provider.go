package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Provider endpoint paths, relative to the provider base URL.
const (
	AuthorizePath  = "/oauth/v2/authorize"
	TokenPath      = "/oauth/v2/token"
	IntrospectPath = "/oauth/v2/introspect"
	RevokePath     = "/oauth/v2/revoke"
)

const maxProviderResponse = 64 * 1024

// ErrProviderUnavailable marks transport failures and malformed provider
// responses, as opposed to protocol errors the provider reports itself.
var ErrProviderUnavailable = errors.New("auth: provider unavailable")

// Provider talks to the single configured identity provider.
type Provider struct {
	baseURL  string
	clientID string
	scopes   []string
	client   *http.Client
	signer   *AssertionSigner
}

// NewProvider builds a provider client. signer may be nil when introspection
// is not used.
func NewProvider(baseURL, clientID, scope string, client *http.Client, signer *AssertionSigner) *Provider {
	if client == nil {
		client = &http.Client{Timeout: DefaultProviderTimeout}
	}
	return &Provider{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		clientID: clientID,
		scopes:   strings.Fields(scope),
		client:   client,
		signer:   signer,
	}
}

func (p *Provider) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    p.clientID,
		RedirectURL: redirectURI,
		Scopes:      p.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.baseURL + AuthorizePath,
			TokenURL:  p.baseURL + TokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL builds the authorize redirect for an S256 PKCE flow.
func (p *Provider) AuthCodeURL(redirectURI, state, codeChallenge string) string {
	return p.oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code for an access token. A provider
// reported error is returned as *oauth2.RetrieveError with ErrorCode set.
func (p *Provider) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauthConfig(redirectURI).Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: exchange code: %w", ErrProviderUnavailable, err)
	}
	return tok, nil
}

// Introspect validates accessToken with a freshly signed client assertion.
// An inactive token is not an error: the result has Active == false.
func (p *Provider) Introspect(ctx context.Context, accessToken string) (*Introspection, error) {
	if p.signer == nil {
		return nil, errors.New("auth: introspection requires an assertion signer")
	}
	assertion, err := p.signer.Sign()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("client_assertion_type", ClientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("token", accessToken)

	body, err := p.postForm(ctx, IntrospectPath, form)
	if err != nil {
		return nil, fmt.Errorf("%w: introspect: %w", ErrProviderUnavailable, err)
	}
	in, err := parseIntrospection(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return in, nil
}

// Revoke asks the provider to revoke accessToken.
func (p *Provider) Revoke(ctx context.Context, accessToken string) error {
	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("token", accessToken)

	if _, err := p.postForm(ctx, RevokePath, form); err != nil {
		return fmt.Errorf("%w: revoke: %w", ErrProviderUnavailable, err)
	}
	return nil
}

func (p *Provider) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
