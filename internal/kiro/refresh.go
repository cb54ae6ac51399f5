package kiro

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"kiropool/internal/httpclient"
	"kiropool/internal/store"
)

const (
	// AuthMethodSocial is the desktop PKCE login (Google/GitHub).
	AuthMethodSocial = "social"
	// AuthMethodBuilderID is the AWS Builder ID device flow.
	AuthMethodBuilderID = "builder-id"
	// AuthMethodIdC is the IAM Identity Center device flow.
	AuthMethodIdC = "identity-center"
)

// Overridable in tests.
var (
	socialAuthBaseOverride string
	oidcBaseOverride       string
)

func socialAuthBase(region string) string {
	if socialAuthBaseOverride != "" {
		return socialAuthBaseOverride
	}
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev", region)
}

func oidcBase(ssoRegion string) string {
	if oidcBaseOverride != "" {
		return oidcBaseOverride
	}
	if ssoRegion == "" {
		ssoRegion = "us-east-1"
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", ssoRegion)
}

// RefreshCredentials exchanges the refresh token for a fresh access token.
// The returned credentials keep the refresh token, client registration and
// auth method when the response does not rotate them.
func RefreshCredentials(ctx context.Context, region string, creds store.Credentials) (store.Credentials, error) {
	switch creds.AuthMethod {
	case AuthMethodBuilderID, AuthMethodIdC:
		return refreshOIDC(ctx, creds)
	default:
		return refreshSocial(ctx, region, creds)
	}
}

func refreshSocial(ctx context.Context, region string, creds store.Credentials) (store.Credentials, error) {
	var resp SocialRefreshResponse
	r, err := httpclient.GetClient().R().
		SetContext(ctx).
		SetBody(&SocialRefreshRequest{RefreshToken: creds.RefreshToken}).
		SetSuccessResult(&resp).
		Post(socialAuthBase(region) + "/refreshToken")
	if err != nil {
		return creds, fmt.Errorf("social token refresh: %w", err)
	}
	if r.IsErrorState() {
		return creds, &UpstreamError{Status: r.StatusCode, Message: r.String()}
	}
	if resp.AccessToken == "" {
		return creds, fmt.Errorf("social token refresh: empty access token in response")
	}

	next := creds
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.ProfileArn != "" {
		next.ProfileArn = resp.ProfileArn
	}
	next.ExpiresAt = expiryFrom(resp.ExpiresIn)

	log.Debug().Time("expiresAt", next.ExpiresAt).Msg("refreshed social access token")
	return next, nil
}

func refreshOIDC(ctx context.Context, creds store.Credentials) (store.Credentials, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return creds, fmt.Errorf("oidc token refresh: missing client registration")
	}
	if creds.ClientSecretExpiresAt != nil && time.Now().After(*creds.ClientSecretExpiresAt) {
		return creds, fmt.Errorf("oidc token refresh: client registration expired, re-authorization required")
	}

	var resp OIDCTokenResponse
	r, err := httpclient.GetClient().R().
		SetContext(ctx).
		SetBody(&OIDCRefreshRequest{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			GrantType:    "refresh_token",
			RefreshToken: creds.RefreshToken,
		}).
		SetSuccessResult(&resp).
		Post(oidcBase(creds.SSORegion) + "/token")
	if err != nil {
		return creds, fmt.Errorf("oidc token refresh: %w", err)
	}
	if r.IsErrorState() {
		return creds, &UpstreamError{Status: r.StatusCode, Message: r.String()}
	}
	if resp.AccessToken == "" {
		return creds, fmt.Errorf("oidc token refresh: empty access token in response")
	}

	next := creds
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	next.ExpiresAt = expiryFrom(resp.ExpiresIn)

	log.Debug().Time("expiresAt", next.ExpiresAt).Msg("refreshed oidc access token")
	return next, nil
}

func expiryFrom(expiresIn int) time.Time {
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}
