package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrKeyNotFound  = errors.New("api key not found")
	ErrKeyDisabled  = errors.New("api key disabled")
	ErrKeyExhausted = errors.New("api key daily limit reached")
)

// APIKey is a client-facing ingress key. The secret is stored as a SHA-256
// hash and only revealed once, at creation time.
type APIKey struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	KeyPrefix  string    `json:"keyPrefix"`
	DailyLimit int64     `json:"dailyLimit"` // -1 = unlimited
	UsageToday int64     `json:"usageToday"`
	UsageDate  string    `json:"usageDate"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey generates a new key, persists its hash, and returns the model
// together with the plaintext secret. The secret is not recoverable later.
func (s *Store) CreateAPIKey(name string, dailyLimit int64) (*APIKey, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	secret := "kp-" + hex.EncodeToString(raw)
	// Listings show the first 8 characters so admins can tell keys apart.
	prefix := secret[:8]

	result, err := s.db.Exec(`INSERT INTO api_keys
		(name, key_prefix, key_hash, daily_limit, usage_date)
		VALUES (?, ?, ?, ?, ?)`,
		name, prefix, hashKey(secret), dailyLimit, time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		return nil, "", err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, "", err
	}

	key, err := s.GetAPIKeyByID(id)
	if err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

const apiKeyColumns = `id, name, key_prefix, daily_limit, usage_today, usage_date, is_active, created_at`

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.DailyLimit,
		&k.UsageToday, &k.UsageDate, &k.IsActive, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) GetAPIKeyByID(id int64) (*APIKey, error) {
	row := s.db.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

// ListAPIKeys returns all keys, prefix only, never the hash.
func (s *Store) ListAPIKeys() ([]*APIKey, error) {
	rows, err := s.db.Query(`SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ValidateAPIKey checks the secret against the stored hashes, enforces the
// daily limit, and increments today's usage on success. The daily counter
// resets when the stored usage_date is not today (UTC).
func (s *Store) ValidateAPIKey(secret string) (*APIKey, error) {
	today := time.Now().UTC().Format("2006-01-02")

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hashKey(secret))
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, ErrKeyDisabled
	}

	if key.UsageDate != today {
		key.UsageToday = 0
		key.UsageDate = today
	}
	if key.DailyLimit >= 0 && key.UsageToday >= key.DailyLimit {
		return nil, ErrKeyExhausted
	}

	key.UsageToday++
	_, err = tx.Exec(`UPDATE api_keys SET usage_today = ?, usage_date = ? WHERE id = ?`,
		key.UsageToday, key.UsageDate, key.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return key, nil
}

// SetAPIKeyActive enables or disables a key.
func (s *Store) SetAPIKeyActive(id int64, active bool) error {
	_, err := s.db.Exec(`UPDATE api_keys SET is_active = ? WHERE id = ?`, active, id)
	return err
}

func (s *Store) DeleteAPIKey(id int64) error {
	result, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
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
