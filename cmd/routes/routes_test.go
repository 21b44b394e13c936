package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/middleware"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/reconcile"
	"github.com/zjoart/go-payment-ledger/internal/store"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/internal/webhook"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"golang.org/x/time/rate"
)

const secret = "routes-secret"

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	gateways := gateway.NewRegistry()
	engine := reconcile.NewEngine(mem, nil)
	wallets := wallet.NewService(mem.Wallets())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Config{JWTSecret: secret, Env: "production", AllowedOrigins: []string{"*"}}
	return RegisterRoutes(mux.NewRouter(), cfg, Dependencies{
		Payments: payment.NewService(mem.Payments(), gateways, payment.Settings{SupportedCurrencies: []string{"KES"}, MinAmount: 1}, wallets, engine),
		Wallets:  wallets,
		Receiver: webhook.NewReceiver(gateways, mem.Payments(), webhook.EngineDispatcher{Engine: engine}, nil),
		Limiter:  middleware.NewRateLimiter(ctx, rate.Limit(100), 100),
	})
}

func bearer(t *testing.T, userID string, perms ...string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":     userID,
		"permissions": perms,
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + s
}

func TestRoutes(t *testing.T) {
	h := newRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"health", "GET", "/health", "", http.StatusOK},
		{"metrics", "GET", "/metrics", "", http.StatusOK},
		{"webhook skips auth", "POST", "/api/webhooks/card-intent", "", http.StatusNotFound},
		{"payments need auth", "GET", "/api/payments/abc", "", http.StatusUnauthorized},
		{"payments need permission", "GET", "/api/payments/abc", bearer(t, "user-1", "WALLET_READ"), http.StatusForbidden},
		{"bad payment id", "GET", "/api/payments/abc", bearer(t, "user-1", "PAYMENTS_READ"), http.StatusBadRequest},
		{"own balance", "GET", "/api/wallets/user-1/balance", bearer(t, "user-1", "WALLET_READ"), http.StatusOK},
		{"other user's balance", "GET", "/api/wallets/user-2/balance", bearer(t, "user-1", "WALLET_READ"), http.StatusForbidden},
		{"debit needs its own permission", "POST", "/api/wallets/user-1/debit", bearer(t, "user-1", "WALLET_READ"), http.StatusForbidden},
		{"swagger hidden in production", "GET", "/swagger.yaml", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
