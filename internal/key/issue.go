package key

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/zjoart/go-payment-ledger/pkg/id"
)

type IssueRequest struct {
	Service     string
	Name        string
	Permissions []string
	// Expiry is 1H, 1D, 1M or 1Y; empty means the key does not expire.
	Expiry string
}

// Issue creates a key and returns its plain value, which is not stored and
// cannot be recovered later.
func Issue(ctx context.Context, repo Repository, req IssueRequest) (string, *APIKey, error) {
	if strings.TrimSpace(req.Service) == "" {
		return "", nil, fmt.Errorf("service name is required")
	}
	perms, err := validatePermissions(req.Permissions)
	if err != nil {
		return "", nil, err
	}

	var expiresAt *time.Time
	if req.Expiry != "" {
		t, err := parseExpiry(req.Expiry, time.Now())
		if err != nil {
			return "", nil, fmt.Errorf("invalid expiry %q: %w", req.Expiry, err)
		}
		expiresAt = &t
	}

	keyString, err := generateSecureKey()
	if err != nil {
		return "", nil, err
	}

	apiKey := &APIKey{
		ID:          id.Generate(),
		Service:     req.Service,
		Name:        req.Name,
		Key:         hashKey(keyString),
		MaskedKey:   maskKey(keyString),
		Permissions: pq.StringArray(perms),
		ExpiresAt:   expiresAt,
	}
	if err := repo.CreateKey(ctx, apiKey); err != nil {
		return "", nil, err
	}
	return keyString, apiKey, nil
}

func parseExpiry(expiry string, now time.Time) (time.Time, error) {
	switch strings.ToUpper(expiry) {
	case "1H":
		return now.Add(time.Hour), nil
	case "1D":
		return now.Add(24 * time.Hour), nil
	case "1M":
		return now.Add(30 * 24 * time.Hour), nil
	case "1Y":
		return now.Add(365 * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("invalid format")
	}
}

func generateSecureKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "svc_" + hex.EncodeToString(bytes), nil
}

func validatePermissions(requested []string) ([]string, error) {
	var normalized []string
	for _, p := range requested {
		upperP := strings.ToUpper(strings.TrimSpace(p))
		if upperP == "" {
			continue
		}
		isValid := false
		for _, allowed := range AllowedPermissions {
			if Permission(upperP) == allowed {
				isValid = true
				break
			}
		}
		if !isValid {
			return nil, fmt.Errorf("invalid permission: %s", p)
		}
		normalized = append(normalized, upperP)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	return normalized, nil
}

func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
