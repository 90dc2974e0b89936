package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
	"golang.org/x/sync/singleflight"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
)

const (
	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	// expiryDelta refreshes the token this long before it actually expires.
	expiryDelta = time.Minute
)

// Credentials hands out the push gateway bearer token, cached until shortly
// before expiry.
type Credentials struct {
	source func(ctx context.Context) oauth2.TokenSource
	clock  clock.Clock

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
}

func NewCredentials(source func(ctx context.Context) oauth2.TokenSource, clk clock.Clock) *Credentials {
	return &Credentials{source: source, clock: clk}
}

type serviceAccount struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// ServiceAccountCredentials exchanges a signed JWT from a service-account key
// for an access token.
func ServiceAccountCredentials(key []byte, clk clock.Clock) (*Credentials, error) {
	var sa serviceAccount
	if err := json.Unmarshal(key, &sa); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("service account key needs client_email and private_key")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = googleTokenURL
	}

	cfg := &jwt.Config{
		Email:        sa.ClientEmail,
		PrivateKey:   []byte(sa.PrivateKey),
		PrivateKeyID: sa.PrivateKeyID,
		TokenURL:     sa.TokenURI,
		Scopes:       []string{messagingScope},
	}
	return NewCredentials(cfg.TokenSource, clk), nil
}

// StaticCredentials always returns token. Used against local gateway emulators.
func StaticCredentials(token string, clk clock.Clock) *Credentials {
	return NewCredentials(func(context.Context) oauth2.TokenSource {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	}, clk)
}

func (c *Credentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if c.fresh(tok) {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		t, err := c.source(ctx).Token()
		if err != nil {
			return nil, fmt.Errorf("fetch push gateway token: %w", err)
		}
		c.mu.Lock()
		c.token = t
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Reset drops the cached token if it is still stale. A token that was
// already replaced by another caller is kept.
func (c *Credentials) Reset(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.AccessToken == stale {
		c.token = nil
	}
}

func (c *Credentials) fresh(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || c.clock.Now().Add(expiryDelta).Before(t.Expiry)
}
