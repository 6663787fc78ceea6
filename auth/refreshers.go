package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ProviderFunc adapts an auth-provider lookup into a Refresher. The
// provider (an external brokered-credential service) returns a complete
// ready-to-use access token on each call.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

// OAuthRefresher renews tokens through the standard OAuth2 refresh-token
// grant. Providers which rotate refresh tokens return a replacement with
// each grant; the refresher tracks the latest one and reports rotations
// through OnRotate so they can be persisted.
type OAuthRefresher struct {
	config   *oauth2.Config
	onRotate func(refreshToken string)

	mu           sync.Mutex
	refreshToken string
}

// NewOAuthRefresher builds a refresher over an OAuth2 client config and
// the connection's current refresh token. onRotate may be nil.
func NewOAuthRefresher(config *oauth2.Config, refreshToken string, onRotate func(string)) *OAuthRefresher {
	return &OAuthRefresher{
		config:       config,
		onRotate:     onRotate,
		refreshToken: refreshToken,
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var src = r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: r.refreshToken})
	var token, err = src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh token grant: %w", err)
	}
	if token.RefreshToken != "" && token.RefreshToken != r.refreshToken {
		r.refreshToken = token.RefreshToken
		if r.onRotate != nil {
			r.onRotate(token.RefreshToken)
		}
	}
	return token.AccessToken, nil
}

// NewClientCredentialsRefresher builds a Refresher over the OAuth2
// client-credentials grant, for sources authorized as an application
// rather than on behalf of a user.
func NewClientCredentialsRefresher(config *clientcredentials.Config) Refresher {
	return ProviderFunc(func(ctx context.Context) (string, error) {
		var token, err = config.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("client credentials grant: %w", err)
		}
		return token.AccessToken, nil
	})
}
