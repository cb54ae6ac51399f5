// Package oauth runs the interactive authorization flows that mint
// upstream account credentials: the desktop social login (PKCE with a
// loopback redirect), the Builder ID device flow, and the IAM Identity
// Center device flow.
package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kiropool/internal/store"
)

// Pending sessions live this long before the reaper expires them.
const sessionTTL = 10 * time.Minute

// Terminal sessions are kept around for UI polling before deletion.
const sessionRetention = 10 * time.Minute

var (
	ErrSessionNotFound = errors.New("oauth session not found")
	ErrSessionNotDone  = errors.New("oauth session not completed")
)

type Engine struct {
	store *store.Store

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st, active: make(map[string]context.CancelFunc)}
}

// Run sweeps sessions until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := e.store.SweepOAuthSessions(sessionRetention)
			if err != nil {
				log.Error().Err(err).Msg("oauth session sweep")
				continue
			}
			if expired > 0 {
				log.Info().Int64("expired", expired).Msg("expired pending oauth sessions")
			}
		}
	}
}

// StartResult is what a flow returns to the caller for user interaction.
type StartResult struct {
	SessionID string `json:"sessionId"`
	// Social flow: browser URL for the user.
	AuthorizeURL string `json:"authorizeUrl,omitempty"`
	// Device flows: where to enter the code.
	VerificationURI         string    `json:"verificationUri,omitempty"`
	VerificationURIComplete string    `json:"verificationUriComplete,omitempty"`
	UserCode                string    `json:"userCode,omitempty"`
	ExpiresAt               time.Time `json:"expiresAt"`
}

func (e *Engine) register(sessionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[sessionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregister(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}

// Status returns the session's public state.
func (e *Engine) Status(sessionID string) (*store.OAuthSession, error) {
	sess, err := e.store.GetOAuthSession(sessionID)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// Cancel stops a pending flow. Cancelling a terminal session is a no-op
// error so the caller can distinguish it.
func (e *Engine) Cancel(sessionID string) error {
	err := e.store.FailOAuthSession(sessionID, store.SessionCancelled, "cancelled by user")
	if err == sql.ErrNoRows {
		if _, statusErr := e.Status(sessionID); statusErr != nil {
			return statusErr
		}
		return fmt.Errorf("session is no longer pending")
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.active[sessionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// WaitForAuth blocks until the session reaches a terminal state or the
// timeout passes; on timeout the session is marked timed out.
func (e *Engine) WaitForAuth(ctx context.Context, sessionID string, timeout time.Duration) (*store.OAuthSession, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		sess, err := e.Status(sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status != store.SessionPending {
			return sess, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			if err := e.store.FailOAuthSession(sessionID, store.SessionTimeout, "wait timeout"); err != nil && err != sql.ErrNoRows {
				return nil, err
			}
			e.mu.Lock()
			cancel := e.active[sessionID]
			e.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return e.Status(sessionID)
		case <-ticker.C:
		}
	}
}

// Complete turns a completed session into a pooled provider.
func (e *Engine) Complete(sessionID, name string) (*store.Provider, error) {
	sess, err := e.Status(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.SessionCompleted {
		return nil, fmt.Errorf("%w: status %s", ErrSessionNotDone, sess.Status)
	}

	var creds store.Credentials
	if err := json.Unmarshal([]byte(sess.CredentialsJSON), &creds); err != nil {
		return nil, fmt.Errorf("decode session credentials: %w", err)
	}

	if name == "" {
		name = fmt.Sprintf("%s-%s", sess.Type, sessionID[:8])
	}
	region := sess.Region
	if region == "" {
		region = "us-east-1"
	}

	p := &store.Provider{
		Name:        name,
		Region:      region,
		Credentials: creds,
		CheckHealth: true,
	}
	if err := e.store.CreateProvider(p); err != nil {
		return nil, err
	}

	// The credential payload has been consumed; drop the session rather
	// than leaving tokens in the sessions table until the reaper runs.
	if err := e.store.DeleteOAuthSession(sessionID); err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("delete consumed oauth session")
	}

	log.Info().Int64("provider", p.ID).Str("authMethod", creds.AuthMethod).Msg("provider created from oauth session")
	return p, nil
}

// fail records a terminal failure, tolerating races with cancel/timeout.
func (e *Engine) fail(sessionID, status, message string) {
	if err := e.store.FailOAuthSession(sessionID, status, message); err != nil && err != sql.ErrNoRows {
		log.Error().Err(err).Str("session", sessionID).Msg("mark oauth session failed")
	}
}

func (e *Engine) complete(sessionID string, creds store.Credentials) {
	payload, err := json.Marshal(creds)
	if err != nil {
		e.fail(sessionID, store.SessionError, "encode credentials: "+err.Error())
		return
	}
	if err := e.store.CompleteOAuthSession(sessionID, string(payload)); err != nil && err != sql.ErrNoRows {
		log.Error().Err(err).Str("session", sessionID).Msg("complete oauth session")
	}
}

func newSessionID() string {
	return uuid.New().String()
}
