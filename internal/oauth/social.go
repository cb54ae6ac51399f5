package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"kiropool/internal/httpclient"
	"kiropool/internal/kiro"
	"kiropool/internal/store"
)

const socialClientID = "kiro-ide"

// Loopback redirect ports tried in order.
var loopbackPorts = []int{19876, 19877, 19878, 19879, 19880}

// Overridable in tests.
var socialAuthBaseOverride string

func socialAuthBase(region string) string {
	if socialAuthBaseOverride != "" {
		return socialAuthBaseOverride
	}
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev", region)
}

type socialTokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
	GrantType    string `json:"grantType"`
}

type socialTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	ProfileArn   string `json:"profileArn"`
}

// StartSocial begins the desktop PKCE login for Google or GitHub. The
// returned AuthorizeURL must be opened by the user; a loopback listener
// captures the redirect and exchanges the code in the background.
func (e *Engine) StartSocial(provider, region string) (*StartResult, error) {
	if provider != "Google" && provider != "GitHub" {
		return nil, fmt.Errorf("unsupported social provider %q", provider)
	}

	verifier, challenge, err := newPKCEPair()
	if err != nil {
		return nil, err
	}
	state, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	listener, port, err := listenLoopback()
	if err != nil {
		return nil, err
	}
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	sessionID := newSessionID()
	expiresAt := time.Now().Add(sessionTTL)
	sess := &store.OAuthSession{
		SessionID:    sessionID,
		Type:         kiro.AuthMethodSocial,
		Provider:     provider,
		Region:       region,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		State:        state,
		ExpiresAt:    expiresAt,
	}
	if err := e.store.CreateOAuthSession(sess); err != nil {
		listener.Close()
		return nil, err
	}

	authorizeURL := socialAuthBase(region) + "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {socialClientID},
		"provider":              {provider},
		"state":                 {state},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scopes":                {"openid profile email"},
	}.Encode()

	ctx, cancel := context.WithDeadline(context.Background(), expiresAt)
	e.register(sessionID, cancel)
	go e.runSocialCallback(ctx, listener, sess)

	log.Info().Str("session", sessionID).Str("provider", provider).Int("port", port).Msg("social login started")
	return &StartResult{
		SessionID:    sessionID,
		AuthorizeURL: authorizeURL,
		ExpiresAt:    expiresAt,
	}, nil
}

func (e *Engine) runSocialCallback(ctx context.Context, listener net.Listener, sess *store.OAuthSession) {
	defer e.unregister(sess.SessionID)

	type callback struct {
		code string
		err  string
	}
	result := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != sess.State {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			select {
			case result <- callback{err: "state mismatch"}:
			default:
			}
			return
		}
		if errParam := q.Get("error"); errParam != "" {
			fmt.Fprint(w, "<html><body>Login failed. You can close this window.</body></html>")
			select {
			case result <- callback{err: errParam}:
			default:
			}
			return
		}
		fmt.Fprint(w, "<html><body>Login complete. You can close this window.</body></html>")
		select {
		case result <- callback{code: q.Get("code")}:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	defer srv.Close()

	select {
	case <-ctx.Done():
		// Cancel, timeout, or session expiry; the store side is handled
		// by whoever cancelled (or the reaper).
		return
	case cb := <-result:
		if cb.err != "" {
			e.fail(sess.SessionID, store.SessionError, cb.err)
			return
		}
		creds, err := e.exchangeSocialCode(ctx, sess, cb.code)
		if err != nil {
			e.fail(sess.SessionID, store.SessionError, err.Error())
			return
		}
		e.complete(sess.SessionID, creds)
	}
}

func (e *Engine) exchangeSocialCode(ctx context.Context, sess *store.OAuthSession, code string) (store.Credentials, error) {
	var resp socialTokenResponse
	r, err := httpclient.GetClient().R().
		SetContext(ctx).
		SetBody(&socialTokenRequest{
			Code:         code,
			CodeVerifier: sess.CodeVerifier,
			RedirectURI:  sess.RedirectURI,
			GrantType:    "authorization_code",
		}).
		SetSuccessResult(&resp).
		Post(socialAuthBase(sess.Region) + "/token")
	if err != nil {
		return store.Credentials{}, fmt.Errorf("token exchange: %w", err)
	}
	if r.IsErrorState() {
		return store.Credentials{}, fmt.Errorf("token exchange: status %d: %s", r.StatusCode, r.String())
	}
	if resp.AccessToken == "" {
		return store.Credentials{}, fmt.Errorf("token exchange: empty access token")
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return store.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		AuthMethod:   kiro.AuthMethodSocial,
		ProfileArn:   resp.ProfileArn,
	}, nil
}

func listenLoopback() (net.Listener, int, error) {
	for _, port := range loopbackPorts {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free loopback port in %v", loopbackPorts)
}

func newPKCEPair() (verifier, challenge string, err error) {
	verifier, err = randomToken(32)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
