package oauth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kiropool/internal/httpclient"
	"kiropool/internal/kiro"
	"kiropool/internal/store"
)

const builderIDStartURL = "https://view.awsapps.com/start"

var deviceScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
}

// IdC start URLs look like https://d-xxxxxxxxxx.awsapps.com/start or a
// vanity subdomain on the same host.
var startURLPattern = regexp.MustCompile(`^https://(d-[a-z0-9]+|[a-z0-9-]+)\.awsapps\.com/start/?$`)

var allowedSSORegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-central-1":   true,
	"ap-northeast-1": true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
}

// Overridable in tests.
var oidcBaseOverride string

func oidcBase(ssoRegion string) string {
	if oidcBaseOverride != "" {
		return oidcBaseOverride
	}
	if ssoRegion == "" {
		ssoRegion = "us-east-1"
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", ssoRegion)
}

type registerClientRequest struct {
	ClientName string   `json:"clientName"`
	ClientType string   `json:"clientType"`
	Scopes     []string `json:"scopes"`
}

type registerClientResponse struct {
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	ClientSecretExpiresAt int64  `json:"clientSecretExpiresAt"`
}

type deviceAuthRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	StartURL     string `json:"startUrl"`
}

type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

type createTokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	DeviceCode   string `json:"deviceCode"`
}

type createTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type oidcErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// StartBuilderID begins the AWS Builder ID device flow.
func (e *Engine) StartBuilderID(ssoRegion string) (*StartResult, error) {
	if ssoRegion == "" {
		ssoRegion = "us-east-1"
	}
	return e.startDeviceFlow(kiro.AuthMethodBuilderID, builderIDStartURL, ssoRegion)
}

// StartIdC begins the IAM Identity Center device flow against the
// caller's SSO portal.
func (e *Engine) StartIdC(startURL, ssoRegion string) (*StartResult, error) {
	startURL = strings.TrimSpace(startURL)
	if !ValidStartURL(startURL) {
		return nil, fmt.Errorf("invalid start URL %q", startURL)
	}
	if !allowedSSORegions[ssoRegion] {
		return nil, fmt.Errorf("unsupported SSO region %q", ssoRegion)
	}
	return e.startDeviceFlow(kiro.AuthMethodIdC, startURL, ssoRegion)
}

// ValidStartURL reports whether s is an acceptable Identity Center portal URL.
func ValidStartURL(s string) bool {
	return startURLPattern.MatchString(s)
}

func (e *Engine) startDeviceFlow(authMethod, startURL, ssoRegion string) (*StartResult, error) {
	reg, err := registerClient(ssoRegion)
	if err != nil {
		return nil, err
	}

	var auth deviceAuthResponse
	r, err := httpclient.GetClient().R().
		SetBody(&deviceAuthRequest{
			ClientID:     reg.ClientID,
			ClientSecret: reg.ClientSecret,
			StartURL:     startURL,
		}).
		SetSuccessResult(&auth).
		Post(oidcBase(ssoRegion) + "/device_authorization")
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	if r.IsErrorState() {
		return nil, fmt.Errorf("device authorization: status %d: %s", r.StatusCode, r.String())
	}

	interval := auth.Interval
	if interval <= 0 {
		interval = 5
	}
	ttl := sessionTTL
	if auth.ExpiresIn > 0 && time.Duration(auth.ExpiresIn)*time.Second < ttl {
		ttl = time.Duration(auth.ExpiresIn) * time.Second
	}

	sessionID := newSessionID()
	expiresAt := time.Now().Add(ttl)
	secretExpires := time.Unix(reg.ClientSecretExpiresAt, 0)
	sess := &store.OAuthSession{
		SessionID:             sessionID,
		Type:                  authMethod,
		Region:                ssoRegion,
		ClientID:              reg.ClientID,
		ClientSecret:          reg.ClientSecret,
		ClientSecretExpiresAt: &secretExpires,
		DeviceCode:            auth.DeviceCode,
		UserCode:              auth.UserCode,
		PollInterval:          interval,
		StartURL:              startURL,
		SSORegion:             ssoRegion,
		ExpiresAt:             expiresAt,
	}
	if err := e.store.CreateOAuthSession(sess); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithDeadline(context.Background(), expiresAt)
	e.register(sessionID, cancel)
	go e.pollDeviceToken(ctx, sess)

	log.Info().Str("session", sessionID).Str("authMethod", authMethod).Msg("device flow started")
	return &StartResult{
		SessionID:               sessionID,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		UserCode:                auth.UserCode,
		ExpiresAt:               expiresAt,
	}, nil
}

func registerClient(ssoRegion string) (*registerClientResponse, error) {
	var reg registerClientResponse
	r, err := httpclient.GetClient().R().
		SetBody(&registerClientRequest{
			ClientName: "kiropool-" + time.Now().Format("20060102150405"),
			ClientType: "public",
			Scopes:     deviceScopes,
		}).
		SetSuccessResult(&reg).
		Post(oidcBase(ssoRegion) + "/client/register")
	if err != nil {
		return nil, fmt.Errorf("client registration: %w", err)
	}
	if r.IsErrorState() {
		return nil, fmt.Errorf("client registration: status %d: %s", r.StatusCode, r.String())
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("client registration: empty client credentials")
	}
	return &reg, nil
}

// pollDeviceToken polls CreateToken until the user approves, the code
// expires, or the session is cancelled. slow_down doubles the interval.
func (e *Engine) pollDeviceToken(ctx context.Context, sess *store.OAuthSession) {
	defer e.unregister(sess.SessionID)

	interval := time.Duration(sess.PollInterval) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		var token createTokenResponse
		var oidcErr oidcErrorResponse
		r, err := httpclient.GetClient().R().
			SetContext(ctx).
			SetBody(&createTokenRequest{
				ClientID:     sess.ClientID,
				ClientSecret: sess.ClientSecret,
				GrantType:    "urn:ietf:params:oauth:grant-type:device_code",
				DeviceCode:   sess.DeviceCode,
			}).
			SetSuccessResult(&token).
			SetErrorResult(&oidcErr).
			Post(oidcBase(sess.SSORegion) + "/token")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("session", sess.SessionID).Msg("device token poll failed, retrying")
			continue
		}

		if r.IsSuccessState() {
			if token.AccessToken == "" {
				e.fail(sess.SessionID, store.SessionError, "empty access token from token endpoint")
				return
			}
			expiresIn := token.ExpiresIn
			if expiresIn <= 0 {
				expiresIn = 3600
			}
			e.complete(sess.SessionID, store.Credentials{
				AccessToken:           token.AccessToken,
				RefreshToken:          token.RefreshToken,
				ExpiresAt:             time.Now().Add(time.Duration(expiresIn) * time.Second),
				AuthMethod:            sess.Type,
				ClientID:              sess.ClientID,
				ClientSecret:          sess.ClientSecret,
				ClientSecretExpiresAt: sess.ClientSecretExpiresAt,
				StartURL:              sess.StartURL,
				SSORegion:             sess.SSORegion,
			})
			return
		}

		switch oidcErr.Error {
		case "authorization_pending":
			// User has not approved yet.
		case "slow_down":
			interval *= 2
			log.Debug().Str("session", sess.SessionID).Dur("interval", interval).Msg("device poll slowed down")
		case "expired_token":
			e.fail(sess.SessionID, store.SessionExpired, "device code expired")
			return
		case "access_denied":
			e.fail(sess.SessionID, store.SessionError, "access denied by user")
			return
		default:
			e.fail(sess.SessionID, store.SessionError,
				fmt.Sprintf("token endpoint error %q: %s", oidcErr.Error, oidcErr.ErrorDescription))
			return
		}
	}
}
