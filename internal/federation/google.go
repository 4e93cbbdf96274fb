// Package federation delegates authentication to an external OAuth2
// identity provider and reports the verified email it asserts.
package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// Google endpoints.
const (
	GoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

var (
	// ErrEmailNotVerified is returned when the provider has not verified the
	// account's email address.
	ErrEmailNotVerified = errors.New("federation: email not verified")
	// ErrNoEmail is returned when the profile carries no email.
	ErrNoEmail = errors.New("federation: profile has no email")
)

// Identity is what the provider asserts about the signed-in user.
type Identity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Provider runs the authorization-code flow.
type Provider interface {
	// AuthCodeURL returns the consent page URL for state, bound to the PKCE
	// verifier.
	AuthCodeURL(state, verifier string) string
	// Exchange trades the callback code for the user's verified identity.
	Exchange(ctx context.Context, code, verifier string) (Identity, error)
}

// Google is a Provider backed by Google's OpenID Connect endpoints.
type Google struct {
	cfg         *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// GoogleOption customises Google.
type GoogleOption func(*Google)

// WithEndpoints overrides the provider URLs, mainly for tests.
func WithEndpoints(authURL, tokenURL, userInfoURL string) GoogleOption {
	return func(g *Google) {
		g.cfg.Endpoint.AuthURL = authURL
		g.cfg.Endpoint.TokenURL = tokenURL
		g.userInfoURL = userInfoURL
	}
}

// WithHTTPClient sets the client used for token and userinfo calls.
func WithHTTPClient(c *http.Client) GoogleOption {
	return func(g *Google) { g.httpClient = c }
}

// NewGoogle builds a provider for the given OAuth client.
func NewGoogle(clientID, clientSecret, redirectURL string, opts ...GoogleOption) *Google {
	g := &Google{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   GoogleAuthURL,
				TokenURL:  GoogleTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: GoogleUserInfoURL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AuthCodeURL implements Provider.
func (g *Google) AuthCodeURL(state, verifier string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

// Exchange implements Provider.
func (g *Google) Exchange(ctx context.Context, code, verifier string) (Identity, error) {
	if g.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	}
	tok, err := g.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Identity{}, fmt.Errorf("exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := g.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("fetch userinfo: status %d", resp.StatusCode)
	}
	var id Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if id.Email == "" {
		return Identity{}, ErrNoEmail
	}
	if !id.EmailVerified {
		return Identity{}, ErrEmailNotVerified
	}
	return id, nil
}

// State is the per-attempt secret pair kept client-side between the two
// legs of the flow.
type State struct {
	Value    string `json:"s"`
	Verifier string `json:"v"`
}

// NewState returns a fresh random state and PKCE verifier.
func NewState() (State, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return State{}, err
	}
	return State{
		Value:    base64.RawURLEncoding.EncodeToString(buf),
		Verifier: oauth2.GenerateVerifier(),
	}, nil
}
