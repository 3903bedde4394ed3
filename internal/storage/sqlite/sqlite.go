// Package sqlite implements storage.Store on an embedded SQLite database.
// Bearer credentials (access/refresh/id tokens, client secrets) are
// encrypted with AES-256-GCM before they touch disk.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"authbridge/internal/domain"
	"authbridge/internal/secrets"
	"authbridge/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	provider_id   TEXT PRIMARY KEY,
	subject       TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	id_token      TEXT NOT NULL DEFAULT '',
	expires_at    TEXT NOT NULL DEFAULT '',
	raw_claims    TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ambient_tokens (
	provider     TEXT PRIMARY KEY,
	id           TEXT NOT NULL,
	access_token TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS providers (
	id            TEXT PRIMARY KEY,
	position      INTEGER NOT NULL,
	config        TEXT NOT NULL,
	client_secret TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

// Store implements storage.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	key []byte // 32-byte AES-256 key for token columns
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the database at dsn and initializes the
// schema. key is the 32-byte at-rest encryption key.
func New(dsn string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, secrets.ErrInvalidKey
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, key: key}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return secrets.Encrypt(plaintext, s.key)
}

func (s *Store) open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	return secrets.Decrypt(ciphertext, s.key)
}

// PutSession stores a session, replacing any prior one for the provider.
func (s *Store) PutSession(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ProviderID == "" {
		return storage.ErrValidation
	}
	access, err := s.seal(sess.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.seal(sess.RefreshToken)
	if err != nil {
		return err
	}
	idTok, err := s.seal(sess.IDToken)
	if err != nil {
		return err
	}
	claims, err := json.Marshal(sess.RawClaims)
	if err != nil {
		return err
	}
	expires := ""
	if !sess.ExpiresAt.IsZero() {
		expires = sess.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (provider_id, subject, display_name, email, access_token, refresh_token, id_token, expires_at, raw_claims, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id) DO UPDATE SET
		   subject=excluded.subject, display_name=excluded.display_name, email=excluded.email,
		   access_token=excluded.access_token, refresh_token=excluded.refresh_token, id_token=excluded.id_token,
		   expires_at=excluded.expires_at, raw_claims=excluded.raw_claims, created_at=excluded.created_at`,
		sess.ProviderID, sess.Subject, sess.DisplayName, sess.Email,
		access, refresh, idTok, expires, string(claims),
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetSession retrieves the session for a provider; nil, nil if absent.
func (s *Store) GetSession(ctx context.Context, providerID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT provider_id, subject, display_name, email, access_token, refresh_token, id_token, expires_at, raw_claims, created_at
		 FROM sessions WHERE provider_id = ?`, providerID)

	var sess domain.Session
	var access, refresh, idTok, expires, claims, created string
	if err := row.Scan(&sess.ProviderID, &sess.Subject, &sess.DisplayName, &sess.Email,
		&access, &refresh, &idTok, &expires, &claims, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var err error
	if sess.AccessToken, err = s.open(access); err != nil {
		return nil, err
	}
	if sess.RefreshToken, err = s.open(refresh); err != nil {
		return nil, err
	}
	if sess.IDToken, err = s.open(idTok); err != nil {
		return nil, err
	}
	if expires != "" {
		if t, e := time.Parse(time.RFC3339Nano, expires); e == nil {
			sess.ExpiresAt = t
		}
	}
	if t, e := time.Parse(time.RFC3339Nano, created); e == nil {
		sess.CreatedAt = t
	}
	_ = json.Unmarshal([]byte(claims), &sess.RawClaims)
	return &sess, nil
}

// DeleteSession removes the session for a provider.
func (s *Store) DeleteSession(ctx context.Context, providerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE provider_id = ?`, providerID)
	return err
}

// DeleteAllSessions removes every stored session.
func (s *Store) DeleteAllSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

// PutToken stores a token, replacing any prior one for the provider.
func (s *Store) PutToken(ctx context.Context, t *domain.StoredToken) error {
	if t == nil || t.Provider == "" {
		return storage.ErrValidation
	}
	access, err := s.seal(t.AccessToken)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ambient_tokens (provider, id, access_token, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET id=excluded.id, access_token=excluded.access_token, created_at=excluded.created_at`,
		t.Provider, t.ID, access, t.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListTokens returns all stored tokens ordered by creation time.
func (s *Store) ListTokens(ctx context.Context) ([]*domain.StoredToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, id, access_token, created_at FROM ambient_tokens ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.StoredToken
	for rows.Next() {
		var t domain.StoredToken
		var access, created string
		if err := rows.Scan(&t.Provider, &t.ID, &access, &created); err != nil {
			return nil, err
		}
		if t.AccessToken, err = s.open(access); err != nil {
			return nil, err
		}
		if ts, e := time.Parse(time.RFC3339Nano, created); e == nil {
			t.CreatedAt = ts
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteToken removes the token for a provider.
func (s *Store) DeleteToken(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ambient_tokens WHERE provider = ?`, provider)
	return err
}

// UpsertProvider creates or replaces a provider record. The non-secret
// fields are stored as JSON; the client secret is encrypted separately.
func (s *Store) UpsertProvider(ctx context.Context, p *domain.Provider) error {
	if p == nil || p.ID == "" {
		return storage.ErrValidation
	}
	secret, err := s.seal(p.ClientSecret)
	if err != nil {
		return err
	}
	cp := *p
	cp.ClientSecret = ""
	cp.ClientSecretMasked = ""
	cfg, err := json.Marshal(&cp)
	if err != nil {
		return err
	}

	var pos int
	err = s.db.QueryRowContext(ctx, `SELECT position FROM providers WHERE id = ?`, p.ID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM providers`).Scan(&pos); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (id, position, config, client_secret, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET config=excluded.config, client_secret=excluded.client_secret, updated_at=excluded.updated_at`,
		p.ID, pos, string(cfg), secret, now, now)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	return err
}

// ListProviders returns all providers in registration order.
func (s *Store) ListProviders(ctx context.Context) ([]*domain.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config, client_secret FROM providers ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Provider
	for rows.Next() {
		var cfg, secret string
		if err := rows.Scan(&cfg, &secret); err != nil {
			return nil, err
		}
		var p domain.Provider
		if err := json.Unmarshal([]byte(cfg), &p); err != nil {
			return nil, err
		}
		p.ClientSecretMasked = ""
		if p.ClientSecret, err = s.open(secret); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider by id.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
