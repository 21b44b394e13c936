package key

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// APIKey authenticates another subsystem. Only the sha256 of the key is stored.
type APIKey struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	Service     string         `gorm:"type:varchar(64);not null;index" json:"service"`
	Key         string         `gorm:"uniqueIndex;not null" json:"-"`
	MaskedKey   string         `json:"masked_key"`
	Permissions pq.StringArray `gorm:"type:text[]" json:"permissions"`
	Name        string         `json:"name"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	IsRevoked   bool           `gorm:"default:false" json:"is_revoked"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Expired reports whether the key has an expiry that is past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

type Permission string

const (
	PermissionPaymentsWrite Permission = "PAYMENTS_WRITE"
	PermissionPaymentsRead  Permission = "PAYMENTS_READ"
	PermissionWalletRead    Permission = "WALLET_READ"
	PermissionWalletDebit   Permission = "WALLET_DEBIT"
)

var AllowedPermissions = []Permission{
	PermissionPaymentsWrite,
	PermissionPaymentsRead,
	PermissionWalletRead,
	PermissionWalletDebit,
}
