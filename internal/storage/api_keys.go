package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/keystone/internal/model"
)

// CreateAPIKey inserts a new API key. KeyHash must already be set.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, org_id, key_id, role, key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.OrgID, key.KeyID, string(key.Role), key.KeyHash, key.CreatedAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// UpsertAPIKey creates or replaces the key with key.KeyID. Used to seed the
// bootstrap admin credential from configuration on every start.
func (db *DB) UpsertAPIKey(ctx context.Context, key model.APIKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, org_id, key_id, role, key_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key_id) DO UPDATE
		 SET org_id = EXCLUDED.org_id, role = EXCLUDED.role, key_hash = EXCLUDED.key_hash`,
		key.ID, key.OrgID, key.KeyID, string(key.Role), key.KeyHash,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByKeyID looks up a key by its public identifier. Global (no org_id)
// because it is called during authentication, before the org is known.
func (db *DB) GetAPIKeyByKeyID(ctx context.Context, keyID string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, key_id, role, key_hash, created_at FROM api_keys WHERE key_id = $1`,
		keyID,
	).Scan(&k.ID, &k.OrgID, &k.KeyID, &k.Role, &k.KeyHash, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}
