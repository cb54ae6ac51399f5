package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// Serialize writers; sqlite handles one writer at a time anyway and this
	// keeps error_count transitions monotone between reads.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT 'us-east-1',
			account_type TEXT NOT NULL DEFAULT 'UNKNOWN',
			account_email TEXT DEFAULT '',
			credentials TEXT NOT NULL,
			is_healthy BOOLEAN DEFAULT 1,
			error_count INTEGER DEFAULT 0,
			last_error_time DATETIME,
			last_error_message TEXT DEFAULT '',
			max_error_count INTEGER DEFAULT 3,
			last_used_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			cached_usage_data TEXT DEFAULT '',
			last_usage_sync DATETIME,
			usage_used REAL DEFAULT 0,
			usage_limit REAL DEFAULT 0,
			usage_percent REAL DEFAULT 0,
			usage_exhausted BOOLEAN DEFAULT 0,
			is_disabled BOOLEAN DEFAULT 0,
			allowed_models TEXT,
			check_health BOOLEAN DEFAULT 1,
			check_model_name TEXT DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_providers_healthy ON providers(is_healthy)`,
		`CREATE INDEX IF NOT EXISTS idx_providers_disabled ON providers(is_disabled)`,
		`CREATE INDEX IF NOT EXISTS idx_providers_last_used ON providers(last_used_at)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER DEFAULT 0,
			name TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			daily_limit INTEGER DEFAULT -1,
			usage_today INTEGER DEFAULT 0,
			usage_date TEXT DEFAULT '',
			is_active BOOLEAN DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,

		`CREATE TABLE IF NOT EXISTS oauth_sessions (
			session_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			provider TEXT DEFAULT '',
			region TEXT DEFAULT '',
			code_verifier TEXT DEFAULT '',
			redirect_uri TEXT DEFAULT '',
			state TEXT DEFAULT '',
			client_id TEXT DEFAULT '',
			client_secret TEXT DEFAULT '',
			client_secret_expires_at DATETIME,
			device_code TEXT DEFAULT '',
			user_code TEXT DEFAULT '',
			poll_interval INTEGER DEFAULT 5,
			start_url TEXT DEFAULT '',
			sso_region TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT DEFAULT '',
			credentials TEXT DEFAULT '',
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_sessions_status ON oauth_sessions(status)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Settings operations

func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) SetSetting(key, value string) error {
	query := `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`
	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *Store) ListSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
