package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIKey is a tenant credential. Sensors, dashboards and operators each get
// their own key; the role decides what the exchanged token may do.
type APIKey struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"organization_id"`
	KeyID     string    `json:"key_id"`
	Role      Role      `json:"role"`
	KeyHash   string    `json:"-"` // Never serialized.
	CreatedAt time.Time `json:"created_at"`
}

const (
	// keyIDLen is the number of random bytes in a key identifier (12 hex chars).
	keyIDLen = 6
	// keySecretLen is the number of random bytes for the secret (48 hex chars).
	keySecretLen = 24
	// keyFormatPrefix is the static prefix for all Keystone API secrets.
	keyFormatPrefix = "ks_"
)

// GenerateAPIKey produces a new public key identifier and raw secret.
// Only the argon2 hash of the secret is ever stored.
func GenerateAPIKey() (keyID, rawKey string, err error) {
	idBytes := make([]byte, keyIDLen)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key id: %w", err)
	}
	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}
	return hex.EncodeToString(idBytes), keyFormatPrefix + hex.EncodeToString(secretBytes), nil
}

// ValidateKeyID checks that a key identifier is 1-64 ASCII characters:
// alphanumeric, dots, hyphens and underscores.
func ValidateKeyID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("key_id is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("key_id must be at most 64 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("key_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
