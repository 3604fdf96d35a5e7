// Package credentials stores provider API keys in the database so they can be
// rotated without redeploying.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"storyreel/internal/infra"
)

const (
	ProviderGemini    = "gemini"
	ProviderDashScope = "dashscope"
)

// Querier is the slice of pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the credentials table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS provider_credentials (
    provider   TEXT PRIMARY KEY,
    api_key    TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	return err
}

// APIKey returns the stored key for a provider, or "" when none is stored.
func (s *Store) APIKey(ctx context.Context, provider string) (string, error) {
	row := s.db.QueryRow(ctx, `SELECT api_key FROM provider_credentials WHERE provider = $1;`, provider)
	var key string
	if err := row.Scan(&key); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(key), nil
}

// SetAPIKey stores or replaces the key for a provider.
func (s *Store) SetAPIKey(ctx context.Context, provider, key string) error {
	provider = strings.TrimSpace(provider)
	key = strings.TrimSpace(key)
	if provider == "" {
		return errors.New("provider is required")
	}
	if key == "" {
		return errors.New("api key is required")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO provider_credentials (provider, api_key, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (provider) DO UPDATE SET api_key = EXCLUDED.api_key, updated_at = now();`,
		provider, key)
	return err
}

// Resolve prefers the environment value and falls back to the stored key.
func (s *Store) Resolve(ctx context.Context, provider, envValue string) (string, error) {
	if v := strings.TrimSpace(envValue); v != "" {
		return v, nil
	}
	return s.APIKey(ctx, provider)
}
