// Package secrets is the key/value collaborator backed by the ConfigStore
// table, with an environment override for local development.
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Store reads and writes named secrets.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	SaveRefreshToken(ctx context.Context, name, value string) error
}

// DB is a Store over the embedded database's ConfigStore table. An
// environment variable CHASER_SECRET_<NAME> (upper-cased, non-alphanumerics
// replaced with underscores) takes precedence over the table.
type DB struct {
	db *sql.DB
}

func NewDB(db *sql.DB) *DB {
	return &DB{db: db}
}

func envKey(name string) string {
	var b strings.Builder
	b.WriteString("CHASER_SECRET_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Get returns the secret value, or "" when the secret does not exist.
func (s *DB) Get(ctx context.Context, name string) (string, error) {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		return v, nil
	}

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT Value FROM ConfigStore WHERE Name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return value, nil
}

func (s *DB) SaveRefreshToken(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ConfigStore (Name, Value, UpdatedUtc) VALUES (?, ?, ?)
		ON CONFLICT(Name) DO UPDATE SET Value = excluded.Value, UpdatedUtc = excluded.UpdatedUtc
	`, name, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save secret %s: %w", name, err)
	}
	return nil
}
