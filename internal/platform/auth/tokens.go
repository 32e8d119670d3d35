// Package auth supplies bearer tokens for requests to a protected FHIR
// server: either a fixed token or one obtained through the SMART Backend
// Services client_credentials flow with a signed JWT client assertion.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// assertionLifetime stays under the 5 minute maximum servers accept.
	assertionLifetime = 4 * time.Minute

	// refreshLeeway renews a cached token this long before it expires.
	refreshLeeway = 30 * time.Second
)

// StaticToken is a pre-issued bearer token.
type StaticToken string

// Token implements fhirclient.TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("static token is empty")
	}
	return string(t), nil
}

// BackendServiceToken is the token endpoint response.
type BackendServiceToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// BackendServicesConfig configures a BackendServicesSource.
type BackendServicesConfig struct {
	TokenURL string
	ClientID string
	Scope    string
	// SigningKey is either a PEM encoded RSA private key (signed RS384, as
	// SMART requires) or a shared secret (signed HS256).
	SigningKey []byte
	KeyID      string
	HTTPClient *http.Client
}

// BackendServicesSource exchanges signed client assertions for access tokens
// and caches each token until shortly before it expires.
type BackendServicesSource struct {
	cfg    BackendServicesConfig
	method jwt.SigningMethod
	key    interface{}
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewBackendServicesSource validates cfg and parses the signing key.
func NewBackendServicesSource(cfg BackendServicesConfig) (*BackendServicesSource, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if cfg.Scope == "" {
		cfg.Scope = "system/*.write system/*.read"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	s := &BackendServicesSource{cfg: cfg, now: time.Now}
	if strings.Contains(string(cfg.SigningKey), "-----BEGIN") {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("parse RSA signing key: %w", err)
		}
		s.method, s.key = jwt.SigningMethodRS384, key
	} else {
		s.method, s.key = jwt.SigningMethodHS256, cfg.SigningKey
	}
	return s, nil
}

// Token returns a cached access token or fetches a new one.
func (s *BackendServicesSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(refreshLeeway).Before(s.expires) {
		return s.token, nil
	}

	tok, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok.AccessToken
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	s.expires = s.now().Add(lifetime)
	return s.token, nil
}

// Assertion builds a signed client assertion: iss == sub == client_id,
// aud == token endpoint, unique jti, short exp.
func (s *BackendServicesSource) Assertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{s.cfg.TokenURL},
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(s.method, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

func (s *BackendServicesSource) fetch(ctx context.Context) (*BackendServiceToken, error) {
	assertion, err := s.Assertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"scope":                 {s.cfg.Scope},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok BackendServiceToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	return &tok, nil
}
