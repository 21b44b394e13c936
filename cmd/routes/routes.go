package routes

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/zjoart/go-payment-ledger/internal/auth"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/key"
	"github.com/zjoart/go-payment-ledger/internal/middleware"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/internal/webhook"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
)

type Dependencies struct {
	Payments *payment.Service
	Wallets  *wallet.Service
	Receiver *webhook.Receiver
	Keys     key.Repository
	Limiter  *middleware.RateLimiter
}

func RegisterRoutes(r *mux.Router, cfg config.Config, deps Dependencies) http.Handler {
	paymentHandler := payment.NewHandler(deps.Payments)
	walletHandler := wallet.NewHandler(deps.Wallets)

	r.Use(middleware.LoggingMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// gateways authenticate their own callbacks, so these sit outside the api auth chain
	hooks := r.PathPrefix("/api/webhooks").Subrouter()
	hooks.HandleFunc("/mobile-money", deps.Receiver.Handler(gateway.MobileMoney)).Methods("POST")
	hooks.HandleFunc("/redirect-wallet", deps.Receiver.Handler(gateway.RedirectWallet)).Methods("POST")
	hooks.HandleFunc("/card-intent", deps.Receiver.Handler(gateway.CardIntent)).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	if deps.Limiter != nil {
		api.Use(deps.Limiter.Limit)
	}
	api.Use(auth.Authenticate(cfg.JWTSecret, deps.Keys))

	paymentsR := api.PathPrefix("/payments").Subrouter()
	paymentsR.Handle("", guard(key.PermissionPaymentsWrite, paymentHandler.InitiatePayment)).Methods("POST")
	paymentsR.Handle("/{id}", guard(key.PermissionPaymentsRead, paymentHandler.GetTransaction)).Methods("GET")
	paymentsR.Handle("/{id}/history", guard(key.PermissionPaymentsRead, paymentHandler.GetHistory)).Methods("GET")
	paymentsR.Handle("/{id}/verify", guard(key.PermissionPaymentsWrite, paymentHandler.VerifyTransaction)).Methods("POST")

	walletsR := api.PathPrefix("/wallets/{user_id}").Subrouter()
	walletsR.Handle("/balance", guard(key.PermissionWalletRead, walletHandler.GetWalletBalance)).Methods("GET")
	walletsR.Handle("/entries", guard(key.PermissionWalletRead, walletHandler.GetEntries)).Methods("GET")
	walletsR.Handle("/debit", guard(key.PermissionWalletDebit, walletHandler.DebitWallet)).Methods("POST")

	if cfg.Env != "production" {

		r.HandleFunc("/swagger.yaml", func(w http.ResponseWriter, r *http.Request) {
			content, err := os.ReadFile("docs/swagger.yaml")
			if err != nil {
				logger.Error("Failed to read swagger.yaml", logger.Fields{"error": err.Error()})
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			modifiedContent := strings.ReplaceAll(string(content), "{{BASE_URL}}", "/")
			modifiedContent = strings.ReplaceAll(modifiedContent, "{{MIN_TRANSACTION_AMOUNT}}", fmt.Sprintf("%d", cfg.MinTransactionAmount))
			modifiedContent = strings.ReplaceAll(modifiedContent, "{{SUPPORTED_CURRENCIES}}", strings.Join(cfg.SupportedCurrencies, ", "))

			w.Header().Set("Content-Type", "application/yaml")
			w.Write([]byte(modifiedContent))
		})

		r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL("/swagger.yaml"),
		))
		logger.Info("Swagger documentation enabled at /swagger/index.html")
	}

	corsObj := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "x-api-key"}),
	)

	return corsObj(r)
}

func guard(perm key.Permission, h http.HandlerFunc) http.Handler {
	return auth.RequirePermission(perm)(h)
}
