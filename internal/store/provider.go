package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credentials is the decrypted credential blob for one upstream account.
// It is stored as a single JSON column and must never be serialized into
// API responses.
type Credentials struct {
	AccessToken           string     `json:"accessToken"`
	RefreshToken          string     `json:"refreshToken"`
	ExpiresAt             time.Time  `json:"expiresAt"`
	AuthMethod            string     `json:"authMethod"` // social | builder-id | identity-center
	ProfileArn            string     `json:"profileArn,omitempty"`
	ClientID              string     `json:"clientId,omitempty"`
	ClientSecret          string     `json:"clientSecret,omitempty"`
	ClientSecretExpiresAt *time.Time `json:"clientSecretExpiresAt,omitempty"`
	StartURL              string     `json:"startUrl,omitempty"`
	SSORegion             string     `json:"ssoRegion,omitempty"`
}

// Provider is one pooled upstream account.
type Provider struct {
	ID               int64       `json:"id"`
	UUID             string      `json:"uuid"`
	Name             string      `json:"name"`
	Region           string      `json:"region"`
	AccountType      string      `json:"accountType"` // FREE | PRO | UNKNOWN
	AccountEmail     string      `json:"accountEmail"`
	Credentials      Credentials `json:"-"`
	IsHealthy        bool        `json:"isHealthy"`
	ErrorCount       int         `json:"errorCount"`
	LastErrorTime    *time.Time  `json:"lastErrorTime,omitempty"`
	LastErrorMessage string      `json:"lastErrorMessage,omitempty"`
	MaxErrorCount    int         `json:"maxErrorCount"`
	LastUsedAt       *time.Time  `json:"lastUsedAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	CachedUsageData  string      `json:"-"`
	LastUsageSync    *time.Time  `json:"lastUsageSync,omitempty"`
	UsageUsed        float64     `json:"usageUsed"`
	UsageLimit       float64     `json:"usageLimit"`
	UsagePercent     float64     `json:"usagePercent"`
	UsageExhausted   bool        `json:"usageExhausted"`
	IsDisabled       bool        `json:"isDisabled"`
	AllowedModels    []string    `json:"allowedModels,omitempty"` // nil = all models
	CheckHealth      bool        `json:"checkHealth"`
	CheckModelName   string      `json:"checkModelName,omitempty"`
}

// SupportsModel reports whether this provider may serve the given model.
// A nil allow-list means every model is permitted.
func (p *Provider) SupportsModel(model string) bool {
	if p.AllowedModels == nil {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

const providerColumns = `id, uuid, name, region, account_type, account_email, credentials,
	is_healthy, error_count, last_error_time, last_error_message, max_error_count,
	last_used_at, created_at, cached_usage_data, last_usage_sync,
	usage_used, usage_limit, usage_percent, usage_exhausted,
	is_disabled, allowed_models, check_health, check_model_name`

func scanProvider(row interface{ Scan(...interface{}) error }) (*Provider, error) {
	var p Provider
	var credentialsJSON string
	var allowedModels sql.NullString
	var lastErrorTime, lastUsedAt, lastUsageSync sql.NullTime

	err := row.Scan(&p.ID, &p.UUID, &p.Name, &p.Region, &p.AccountType, &p.AccountEmail,
		&credentialsJSON, &p.IsHealthy, &p.ErrorCount, &lastErrorTime, &p.LastErrorMessage,
		&p.MaxErrorCount, &lastUsedAt, &p.CreatedAt, &p.CachedUsageData, &lastUsageSync,
		&p.UsageUsed, &p.UsageLimit, &p.UsagePercent, &p.UsageExhausted,
		&p.IsDisabled, &allowedModels, &p.CheckHealth, &p.CheckModelName)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(credentialsJSON), &p.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials for provider %d: %w", p.ID, err)
	}
	if lastErrorTime.Valid {
		p.LastErrorTime = &lastErrorTime.Time
	}
	if lastUsedAt.Valid {
		p.LastUsedAt = &lastUsedAt.Time
	}
	if lastUsageSync.Valid {
		p.LastUsageSync = &lastUsageSync.Time
	}
	if allowedModels.Valid {
		if err := json.Unmarshal([]byte(allowedModels.String), &p.AllowedModels); err != nil {
			return nil, fmt.Errorf("decode allowed_models for provider %d: %w", p.ID, err)
		}
	}

	return &p, nil
}

// CreateProvider inserts a new provider and fills in ID and UUID.
func (s *Store) CreateProvider(p *Provider) error {
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	if p.Region == "" {
		p.Region = "us-east-1"
	}
	if p.AccountType == "" {
		p.AccountType = "UNKNOWN"
	}
	if p.MaxErrorCount <= 0 {
		p.MaxErrorCount = 3
	}

	credentialsJSON, err := json.Marshal(p.Credentials)
	if err != nil {
		return err
	}
	allowedModels, err := marshalAllowedModels(p.AllowedModels)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`INSERT INTO providers
		(uuid, name, region, account_type, account_email, credentials,
		 is_healthy, max_error_count, is_disabled, allowed_models,
		 check_health, check_model_name)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		p.UUID, p.Name, p.Region, p.AccountType, p.AccountEmail, string(credentialsJSON),
		p.MaxErrorCount, p.IsDisabled, allowedModels, p.CheckHealth, p.CheckModelName)
	if err != nil {
		return err
	}

	p.ID, err = result.LastInsertId()
	p.IsHealthy = true
	return err
}

func marshalAllowedModels(models []string) (interface{}, error) {
	if models == nil {
		return nil, nil
	}
	b, err := json.Marshal(models)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// GetProviderByID returns a provider or sql.ErrNoRows.
func (s *Store) GetProviderByID(id int64) (*Provider, error) {
	row := s.db.QueryRow(`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	return scanProvider(row)
}

// GetProviderByUUID returns a provider or sql.ErrNoRows.
func (s *Store) GetProviderByUUID(id string) (*Provider, error) {
	row := s.db.QueryRow(`SELECT `+providerColumns+` FROM providers WHERE uuid = ?`, id)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by id.
func (s *Store) ListProviders() ([]*Provider, error) {
	return s.queryProviders(`SELECT ` + providerColumns + ` FROM providers ORDER BY id ASC`)
}

// GetAvailableProviders returns enabled, healthy, non-exhausted providers.
// Model filtering happens in the pool since allow-lists live in JSON.
func (s *Store) GetAvailableProviders() ([]*Provider, error) {
	return s.queryProviders(`SELECT ` + providerColumns + ` FROM providers
		WHERE is_disabled = 0 AND is_healthy = 1 AND usage_exhausted = 0
		ORDER BY id ASC`)
}

// GetEnabledHealthyProviders returns enabled healthy providers including
// exhausted ones. This is the fallback set when every non-exhausted
// provider is filtered out.
func (s *Store) GetEnabledHealthyProviders() ([]*Provider, error) {
	return s.queryProviders(`SELECT ` + providerColumns + ` FROM providers
		WHERE is_disabled = 0 AND is_healthy = 1
		ORDER BY id ASC`)
}

// GetProvidersByStrategy returns eligible providers pre-ordered for the
// given selection strategy. Unknown strategies fall back to lru ordering.
func (s *Store) GetProvidersByStrategy(strategy string) ([]*Provider, error) {
	var orderBy string
	switch strategy {
	case "least_usage":
		// Ascending remaining quota: providers with the least headroom first.
		orderBy = `(usage_limit - usage_used) ASC, id ASC`
	case "most_usage":
		// Descending remaining quota: the account with the most headroom first.
		orderBy = `(usage_limit - usage_used) DESC, id ASC`
	case "oldest_first":
		orderBy = `created_at ASC, id ASC`
	case "round_robin":
		orderBy = `id ASC`
	default: // lru
		orderBy = `last_used_at ASC NULLS FIRST, id ASC`
	}

	return s.queryProviders(`SELECT ` + providerColumns + ` FROM providers
		WHERE is_disabled = 0 AND is_healthy = 1 AND usage_exhausted = 0
		ORDER BY ` + orderBy)
}

// GetProvidersForHealthCheck returns enabled providers with checks turned on.
func (s *Store) GetProvidersForHealthCheck() ([]*Provider, error) {
	return s.queryProviders(`SELECT ` + providerColumns + ` FROM providers
		WHERE is_disabled = 0 AND check_health = 1
		ORDER BY id ASC`)
}

// GetProvidersNeedingUsageSync returns enabled providers whose usage data is
// older than the cutoff (or never synced).
func (s *Store) GetProvidersNeedingUsageSync(olderThan time.Time) ([]*Provider, error) {
	cutoff := olderThan.UTC().Format("2006-01-02 15:04:05")
	return s.queryProviders(`SELECT `+providerColumns+` FROM providers
		WHERE is_disabled = 0 AND (last_usage_sync IS NULL OR last_usage_sync < ?)
		ORDER BY id ASC`, cutoff)
}

func (s *Store) queryProviders(query string, args ...interface{}) ([]*Provider, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates the mutable admin-facing fields.
func (s *Store) UpdateProvider(p *Provider) error {
	allowedModels, err := marshalAllowedModels(p.AllowedModels)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE providers SET
		name = ?, region = ?, account_type = ?, max_error_count = ?,
		is_disabled = ?, allowed_models = ?, check_health = ?, check_model_name = ?
		WHERE id = ?`,
		p.Name, p.Region, p.AccountType, p.MaxErrorCount,
		p.IsDisabled, allowedModels, p.CheckHealth, p.CheckModelName, p.ID)
	return err
}

// UpdateProviderCredentials replaces the stored credential blob.
func (s *Store) UpdateProviderCredentials(id int64, creds Credentials) error {
	credentialsJSON, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE providers SET credentials = ? WHERE id = ?`,
		string(credentialsJSON), id)
	return err
}

// UpdateProviderAccountEmail records the account email discovered during
// health checks or usage sync.
func (s *Store) UpdateProviderAccountEmail(id int64, email string) error {
	_, err := s.db.Exec(`UPDATE providers SET account_email = ? WHERE id = ?`, email, id)
	return err
}

// UpdateProviderAllowedModels replaces the model allow-list. A nil slice
// clears the restriction.
func (s *Store) UpdateProviderAllowedModels(id int64, models []string) error {
	allowedModels, err := marshalAllowedModels(models)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE providers SET allowed_models = ? WHERE id = ?`, allowedModels, id)
	return err
}

// UpdateProviderUsage bumps last_used_at after a successful request.
func (s *Store) UpdateProviderUsage(id int64) error {
	_, err := s.db.Exec(`UPDATE providers SET last_used_at = datetime('now') WHERE id = ?`, id)
	return err
}

// UpdateProviderUsageCache writes the usage snapshot pulled from upstream.
func (s *Store) UpdateProviderUsageCache(id int64, rawJSON string, used, limit, percent float64, exhausted bool, accountType string) error {
	_, err := s.db.Exec(`UPDATE providers SET
		cached_usage_data = ?, last_usage_sync = datetime('now'),
		usage_used = ?, usage_limit = ?, usage_percent = ?, usage_exhausted = ?,
		account_type = ?
		WHERE id = ?`,
		rawJSON, used, limit, percent, exhausted, accountType, id)
	return err
}

// RecordProviderError increments the error count and trips the provider to
// unhealthy once the count reaches the effective threshold. maxOverride
// replaces the provider's own max_error_count when > 0 (health probes use 1).
// The count and healthy flag move in one transaction so readers never see
// error_count >= max with is_healthy still set.
func (s *Store) RecordProviderError(id int64, message string, maxOverride int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count, max int
	err = tx.QueryRow(`SELECT error_count, max_error_count FROM providers WHERE id = ?`, id).
		Scan(&count, &max)
	if err != nil {
		return err
	}

	if maxOverride > 0 {
		max = maxOverride
	}
	count++

	if count >= max {
		// Pin the stored count to at least max_error_count so the
		// unhealthy state is self-consistent even under an override.
		_, err = tx.Exec(`UPDATE providers SET
			error_count = MAX(?, max_error_count), is_healthy = 0,
			last_error_time = datetime('now'), last_error_message = ?
			WHERE id = ?`, count, message, id)
	} else {
		_, err = tx.Exec(`UPDATE providers SET
			error_count = ?,
			last_error_time = datetime('now'), last_error_message = ?
			WHERE id = ?`, count, message, id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// MarkProviderHealthy resets the breaker: error count to zero, healthy set.
func (s *Store) MarkProviderHealthy(id int64) error {
	_, err := s.db.Exec(`UPDATE providers SET
		error_count = 0, is_healthy = 1, last_error_message = ''
		WHERE id = ?`, id)
	return err
}

// MarkProviderUnhealthy trips the provider directly, keeping the invariant
// error_count >= max_error_count while unhealthy.
func (s *Store) MarkProviderUnhealthy(id int64, message string) error {
	_, err := s.db.Exec(`UPDATE providers SET
		error_count = MAX(error_count + 1, max_error_count), is_healthy = 0,
		last_error_time = datetime('now'), last_error_message = ?
		WHERE id = ?`, message, id)
	return err
}

// DeleteProvider removes a provider permanently.
func (s *Store) DeleteProvider(id int64) error {
	result, err := s.db.Exec(`DELETE FROM providers WHERE id = ?`, id)
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
