package truelayer

import (
	"context"
	"net/url"
	"strings"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
)

// AuthURL builds the consent screen URL carrying the given state.
func (c *Client) AuthURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.settings.ClientID)
	q.Set("scope", strings.Join(Scopes, " "))
	q.Set("redirect_uri", c.settings.RedirectURI)
	q.Set("providers", c.settings.Providers)
	q.Set("state", state)
	return strings.TrimRight(c.settings.AuthOrigin, "/") + "/?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*domain.TokenGrant, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.ExchangeCode")
	defer span.End()

	return c.grant(ctx, "exchange_code", map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.settings.ClientID,
		"client_secret": c.settings.ClientSecret,
		"redirect_uri":  c.settings.RedirectURI,
		"code":          code,
	})
}

// RefreshAccessToken obtains a new access token. The grant may carry a
// rotated refresh token.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.RefreshAccessToken")
	defer span.End()

	return c.grant(ctx, "refresh_token", map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.settings.ClientID,
		"client_secret": c.settings.ClientSecret,
		"refresh_token": refreshToken,
	})
}
