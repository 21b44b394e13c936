package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-payment-ledger/internal/key"
	"github.com/zjoart/go-payment-ledger/pkg/utils"
)

const secret = "test-secret"

func TestRequirePermission(t *testing.T) {
	tests := []struct {
		name           string
		userPerms      []string
		requiredPerm   key.Permission
		expectedStatus int
	}{
		{
			name:           "Exact Match - Access Granted",
			userPerms:      []string{"PAYMENTS_WRITE"},
			requiredPerm:   key.PermissionPaymentsWrite,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Superset - Access Granted",
			userPerms:      []string{"WALLET_READ", "WALLET_DEBIT"},
			requiredPerm:   key.PermissionWalletDebit,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Missing Perm - Access Denied",
			userPerms:      []string{"WALLET_READ"},
			requiredPerm:   key.PermissionWalletDebit,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "No Wildcards - Access Denied",
			userPerms:      []string{"*"},
			requiredPerm:   key.PermissionPaymentsRead,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "No Perms - Access Denied",
			userPerms:      []string{},
			requiredPerm:   key.PermissionPaymentsRead,
			expectedStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			middleware := RequirePermission(tt.requiredPerm)(nextHandler)

			req := httptest.NewRequest("GET", "/", nil)
			req = req.WithContext(utils.WithPermissions(req.Context(), tt.userPerms))

			rr := httptest.NewRecorder()
			middleware.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

type stubKeys struct {
	keys map[string]*key.APIKey
}

func (s stubKeys) CreateKey(ctx context.Context, k *key.APIKey) error { return nil }

func (s stubKeys) FindByKey(ctx context.Context, value string) (*key.APIKey, error) {
	if k, ok := s.keys[value]; ok {
		return k, nil
	}
	return nil, key.ErrKeyNotFound
}

func (s stubKeys) ListByService(ctx context.Context, service string) ([]key.APIKey, error) {
	return nil, nil
}

func (s stubKeys) RevokeKey(ctx context.Context, keyID string) error { return nil }

// principalEcho writes 200 and captures the principal the chain produced.
func principalEcho(got *utils.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got, _ = utils.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func token(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestAuthenticateWithServiceKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	keys := stubKeys{keys: map[string]*key.APIKey{
		"svc_good":    {Service: "checkout", Permissions: pq.StringArray{"PAYMENTS_WRITE"}},
		"svc_revoked": {Service: "checkout", IsRevoked: true},
		"svc_expired": {Service: "checkout", ExpiresAt: &past},
	}}

	tests := []struct {
		key    string
		status int
	}{
		{"svc_good", http.StatusOK},
		{"svc_revoked", http.StatusUnauthorized},
		{"svc_expired", http.StatusUnauthorized},
		{"svc_unknown", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var got utils.Principal
			h := Authenticate(secret, keys)(RequirePermission(key.PermissionPaymentsWrite)(principalEcho(&got)))

			req := httptest.NewRequest("POST", "/api/payments", nil)
			req.Header.Set("x-api-key", tt.key)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "checkout", got.Service)
				assert.True(t, got.CanAct("anyone"))
			}
		})
	}
}

func TestAuthenticateWithJWT(t *testing.T) {
	valid := jwt.MapClaims{
		"user_id":     "user-1",
		"permissions": []string{"WALLET_READ"},
		"exp":         time.Now().Add(time.Hour).Unix(),
	}

	var got utils.Principal
	h := Authenticate(secret, stubKeys{})(RequirePermission(key.PermissionWalletRead)(principalEcho(&got)))

	req := httptest.NewRequest("GET", "/api/wallets/user-1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte(secret), valid))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.CanAct("user-1"))
	assert.False(t, got.CanAct("user-2"))
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	expired := jwt.MapClaims{"user_id": "user-1", "exp": time.Now().Add(-time.Minute).Unix()}
	noUser := jwt.MapClaims{"permissions": []string{"WALLET_READ"}}
	good := jwt.MapClaims{"user_id": "user-1", "permissions": []string{"WALLET_READ"}}

	tests := map[string]string{
		"missing":      "",
		"garbage":      "Bearer not.a.jwt",
		"wrong secret": "Bearer " + token(t, jwt.SigningMethodHS256, []byte("other"), good),
		"wrong alg":    "Bearer " + token(t, jwt.SigningMethodHS512, []byte(secret), good),
		"expired":      "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), expired),
		"no user":      "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), noUser),
	}

	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			var got utils.Principal
			h := Authenticate(secret, stubKeys{})(principalEcho(&got))

			req := httptest.NewRequest("GET", "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestJWTWithoutPermissionClaimIsForbidden(t *testing.T) {
	var got utils.Principal
	h := JWTMiddleware(secret)(RequirePermission(key.PermissionWalletRead)(principalEcho(&got)))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": "user-1"}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
