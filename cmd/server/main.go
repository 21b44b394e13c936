package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/zjoart/go-payment-ledger/cmd/routes"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/gateway/cardintent"
	"github.com/zjoart/go-payment-ledger/internal/gateway/mobilemoney"
	"github.com/zjoart/go-payment-ledger/internal/gateway/redirectwallet"
	"github.com/zjoart/go-payment-ledger/internal/key"
	"github.com/zjoart/go-payment-ledger/internal/middleware"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/reconcile"
	"github.com/zjoart/go-payment-ledger/internal/store"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/internal/webhook"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"github.com/zjoart/go-payment-ledger/pkg/database"
	"github.com/zjoart/go-payment-ledger/pkg/events"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"golang.org/x/time/rate"
)

func main() {
	cfg := config.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := database.Connect(cfg.DBUrl)
	database.Migrate(db, append(store.Models(), &key.APIKey{})...)
	st := store.NewGorm(db)

	gateways := gateway.NewRegistry(enabledGateways(cfg)...)
	if len(gateways.Names()) == 0 {
		logger.Warn("No payment gateway is configured")
	}

	publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer publisher.Close()

	engine := reconcile.NewEngine(st, publisher).WithGateways(gateways)
	wallets := wallet.NewService(st.Wallets())
	payments := payment.NewService(st.Payments(), gateways, payment.Settings{
		SupportedCurrencies: cfg.SupportedCurrencies,
		Routes:              cfg.CurrencyRoutes,
		MinAmount:           cfg.MinTransactionAmount,
	}, wallets, engine)

	// without redis, notifications reconcile inline and the sweeper covers anything lost
	var (
		dispatcher webhook.Dispatcher = webhook.EngineDispatcher{Engine: engine}
		seen       webhook.SeenSet
		worker     *reconcile.Worker
	)
	if cfg.RedisURL != "" {
		redisClient := events.NewRedisClient(cfg)
		dispatcher = webhook.QueueDispatcher{Queue: redisClient}
		seen = redisClient
		worker = reconcile.NewWorker(engine, redisClient, cfg.WorkerConcurrency)
		worker.Start(ctx)
	} else {
		logger.Warn("REDIS_URL not set, reconciling notifications inline")
	}

	sweeper := reconcile.NewSweeper(st, gateways, engine, reconcile.SweeperConfig{
		Interval:    cfg.SweepInterval,
		VerifyAfter: cfg.VerifyAfter,
	})
	sweeper.Start(ctx)

	r := mux.NewRouter()
	handler := routes.RegisterRoutes(r, cfg, routes.Dependencies{
		Payments: payments,
		Wallets:  wallets,
		Receiver: webhook.NewReceiver(gateways, st.Payments(), dispatcher, seen),
		Keys:     key.NewRepository(db),
		Limiter:  middleware.NewRateLimiter(ctx, rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("Server starting", logger.Fields{"port": cfg.Port, "env": cfg.Env, "gateways": gateways.Names()})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen", logger.Fields{"port": cfg.Port, "error": err.Error()})
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", logger.WithError(err))
	}
	if worker != nil {
		worker.Stop()
	}
	sweeper.Stop()
	logger.Info("Server gracefully shut down")
}

func enabledGateways(cfg config.Config) []gateway.Adapter {
	var adapters []gateway.Adapter
	if cfg.Mpesa.Enabled() {
		adapters = append(adapters, mobilemoney.New(cfg.Mpesa, cfg.GatewayTimeout))
	}
	if cfg.RedirectWallet.Enabled() {
		adapters = append(adapters, redirectwallet.New(cfg.RedirectWallet, cfg.GatewayTimeout))
	}
	if cfg.CardIntent.Enabled() {
		adapters = append(adapters, cardintent.New(cfg.CardIntent, cfg.GatewayTimeout))
	}
	return adapters
}
