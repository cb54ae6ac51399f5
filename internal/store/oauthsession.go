package store

import (
	"database/sql"
	"time"
)

// OAuth session statuses.
const (
	SessionPending   = "pending"
	SessionCompleted = "completed"
	SessionError     = "error"
	SessionExpired   = "expired"
	SessionTimeout   = "timeout"
	SessionCancelled = "cancelled"
)

// OAuthSession tracks one in-flight authorization flow. Terminal statuses
// are kept until the reaper sweeps them so the UI can poll the outcome.
type OAuthSession struct {
	SessionID             string     `json:"sessionId"`
	Type                  string     `json:"type"` // social | builder-id | identity-center
	Provider              string     `json:"provider,omitempty"`
	Region                string     `json:"region,omitempty"`
	CodeVerifier          string     `json:"-"`
	RedirectURI           string     `json:"-"`
	State                 string     `json:"-"`
	ClientID              string     `json:"-"`
	ClientSecret          string     `json:"-"`
	ClientSecretExpiresAt *time.Time `json:"-"`
	DeviceCode            string     `json:"-"`
	UserCode              string     `json:"userCode,omitempty"`
	PollInterval          int        `json:"-"`
	StartURL              string     `json:"startUrl,omitempty"`
	SSORegion             string     `json:"ssoRegion,omitempty"`
	Status                string     `json:"status"`
	Error                 string     `json:"error,omitempty"`
	CredentialsJSON       string     `json:"-"`
	ExpiresAt             time.Time  `json:"expiresAt"`
	CreatedAt             time.Time  `json:"createdAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
}

const oauthSessionColumns = `session_id, type, provider, region, code_verifier, redirect_uri,
	state, client_id, client_secret, client_secret_expires_at, device_code, user_code,
	poll_interval, start_url, sso_region, status, error, credentials,
	expires_at, created_at, completed_at`

func scanOAuthSession(row interface{ Scan(...interface{}) error }) (*OAuthSession, error) {
	var sess OAuthSession
	var secretExpires, completedAt sql.NullTime

	err := row.Scan(&sess.SessionID, &sess.Type, &sess.Provider, &sess.Region,
		&sess.CodeVerifier, &sess.RedirectURI, &sess.State, &sess.ClientID,
		&sess.ClientSecret, &secretExpires, &sess.DeviceCode, &sess.UserCode,
		&sess.PollInterval, &sess.StartURL, &sess.SSORegion, &sess.Status,
		&sess.Error, &sess.CredentialsJSON, &sess.ExpiresAt, &sess.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if secretExpires.Valid {
		sess.ClientSecretExpiresAt = &secretExpires.Time
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

func (s *Store) CreateOAuthSession(sess *OAuthSession) error {
	if sess.Status == "" {
		sess.Status = SessionPending
	}
	_, err := s.db.Exec(`INSERT INTO oauth_sessions
		(session_id, type, provider, region, code_verifier, redirect_uri, state,
		 client_id, client_secret, client_secret_expires_at, device_code, user_code,
		 poll_interval, start_url, sso_region, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.Type, sess.Provider, sess.Region, sess.CodeVerifier,
		sess.RedirectURI, sess.State, sess.ClientID, sess.ClientSecret,
		sess.ClientSecretExpiresAt, sess.DeviceCode, sess.UserCode,
		sess.PollInterval, sess.StartURL, sess.SSORegion, sess.Status, sess.ExpiresAt.UTC())
	return err
}

func (s *Store) GetOAuthSession(sessionID string) (*OAuthSession, error) {
	row := s.db.QueryRow(`SELECT `+oauthSessionColumns+` FROM oauth_sessions WHERE session_id = ?`,
		sessionID)
	return scanOAuthSession(row)
}

// CompleteOAuthSession transitions a pending session to completed and stores
// the credential payload for later pickup. Transitions from terminal states
// are rejected by the WHERE clause.
func (s *Store) CompleteOAuthSession(sessionID, credentialsJSON string) error {
	return s.finishSession(sessionID, SessionCompleted, "", credentialsJSON)
}

// FailOAuthSession transitions a pending session to a terminal failure
// status (error, expired, timeout, or cancelled).
func (s *Store) FailOAuthSession(sessionID, status, message string) error {
	return s.finishSession(sessionID, status, message, "")
}

func (s *Store) finishSession(sessionID, status, message, credentialsJSON string) error {
	result, err := s.db.Exec(`UPDATE oauth_sessions SET
		status = ?, error = ?, credentials = ?, completed_at = datetime('now')
		WHERE session_id = ? AND status = ?`,
		status, message, credentialsJSON, sessionID, SessionPending)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteOAuthSession removes a session outright. Used once its
// credentials have been consumed; the payload should not linger.
func (s *Store) DeleteOAuthSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_sessions WHERE session_id = ?`, sessionID)
	return err
}

// SweepOAuthSessions marks overdue pending sessions expired and removes
// terminal sessions older than the retention cutoff. Returns the number of
// sessions expired.
func (s *Store) SweepOAuthSessions(retention time.Duration) (int64, error) {
	result, err := s.db.Exec(`UPDATE oauth_sessions SET
		status = ?, completed_at = datetime('now')
		WHERE status = ? AND expires_at < datetime('now')`,
		SessionExpired, SessionPending)
	if err != nil {
		return 0, err
	}
	expired, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	// datetime('now') writes UTC text, so the cutoff is compared as text.
	cutoff := time.Now().Add(-retention).UTC().Format("2006-01-02 15:04:05")
	_, err = s.db.Exec(`DELETE FROM oauth_sessions
		WHERE status != ? AND completed_at < ?`, SessionPending, cutoff)
	return expired, err
}
