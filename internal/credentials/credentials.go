// Package credentials hands out access tokens for the credential ids that
// workflow nodes reference.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrUnknownCredential means no provider holds the requested id.
var ErrUnknownCredential = errors.New("unknown credential")

// Static serves fixed tokens, typically bot tokens and API keys from config.
type Static map[string]string

func (s Static) GetToken(_ context.Context, id string) (string, error) {
	tok, ok := s[id]
	if !ok || tok == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownCredential, id)
	}
	return tok, nil
}

// OAuthClient describes one OAuth2 credential. With a RefreshToken the
// authorization-code refresh flow is used, otherwise client credentials.
type OAuthClient struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	RefreshToken string   `yaml:"refresh_token"`
}

// OAuth issues tokens through golang.org/x/oauth2. Token sources are built
// lazily and cached per credential id, so refresh happens only on expiry.
type OAuth struct {
	clients map[string]OAuthClient
	httpc   *http.Client

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewOAuth creates a provider. httpc may be nil.
func NewOAuth(clients map[string]OAuthClient, httpc *http.Client) *OAuth {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &OAuth{clients: clients, httpc: httpc, sources: make(map[string]oauth2.TokenSource)}
}

func (o *OAuth) GetToken(ctx context.Context, id string) (string, error) {
	src, err := o.source(id)
	if err != nil {
		return "", err
	}
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		ch <- result{tok, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("credential %s: %w", id, r.err)
		}
		return r.tok.AccessToken, nil
	}
}

func (o *OAuth) source(id string) (oauth2.TokenSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if src, ok := o.sources[id]; ok {
		return src, nil
	}
	c, ok := o.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, id)
	}

	// Refreshes outlive any one request, so they get their own context.
	bg := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpc)
	var src oauth2.TokenSource
	if c.RefreshToken != "" {
		cfg := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
			Scopes:       c.Scopes,
		}
		src = cfg.TokenSource(bg, &oauth2.Token{RefreshToken: c.RefreshToken})
	} else {
		cfg := &clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}
		src = oauth2.ReuseTokenSource(nil, cfg.TokenSource(bg))
	}
	o.sources[id] = src
	return src, nil
}

// Chain asks each provider in turn and returns the first token found.
type Chain []interface {
	GetToken(ctx context.Context, id string) (string, error)
}

func (c Chain) GetToken(ctx context.Context, id string) (string, error) {
	for _, p := range c {
		tok, err := p.GetToken(ctx, id)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrUnknownCredential) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCredential, id)
}
