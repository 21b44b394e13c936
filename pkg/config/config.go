package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUrl          string
	JWTSecret      string
	Port           string
	Host           string
	Env            string
	AllowedOrigins []string

	RedisURL      string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string

	SupportedCurrencies  []string
	CurrencyRoutes       map[string]string
	MinTransactionAmount int64

	GatewayTimeout    time.Duration
	VerifyAfter       time.Duration
	SweepInterval     time.Duration
	WorkerConcurrency int
	RateLimitRPS      float64
	RateLimitBurst    int

	Mpesa          MpesaConfig
	RedirectWallet RedirectWalletConfig
	CardIntent     CardIntentConfig
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackToken  string
	CallbackURL    string
}

func (c MpesaConfig) Enabled() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.ShortCode != "" && c.Passkey != "" && c.CallbackToken != ""
}

type RedirectWalletConfig struct {
	BaseURL             string
	ClientID            string
	ClientSecret        string
	WebhookUser         string
	WebhookPasswordHash string
	ReturnURL           string
	CancelURL           string
}

func (c RedirectWalletConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.WebhookUser != "" && c.WebhookPasswordHash != ""
}

type CardIntentConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
}

func (c CardIntentConfig) Enabled() bool {
	return c.SecretKey != "" && c.WebhookSecret != ""
}

func LoadConfig() Config {
	godotenv.Load()

	host := getEnv("HOST")
	mpesaToken := os.Getenv("MPESA_CALLBACK_TOKEN")

	return Config{
		DBUrl:          getEnv("DATABASE_URL"),
		JWTSecret:      getEnv("JWT_SECRET"),
		Port:           getEnv("PORT"),
		Host:           host,
		Env:            getEnv("ENV"),
		AllowedOrigins: splitList(getEnvDefault("ALLOWED_ORIGINS", "*")),

		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnvDefault("KAFKA_TOPIC", "payments.settlement"),

		SupportedCurrencies:  splitList(strings.ToUpper(getEnvDefault("SUPPORTED_CURRENCIES", "KES,USD,EUR,GBP,NGN"))),
		CurrencyRoutes:       parseRoutes(getEnvDefault("CURRENCY_ROUTES", "KES:mobile_money,USD:card_intent,EUR:redirect_wallet,GBP:redirect_wallet")),
		MinTransactionAmount: getInt64("MIN_TRANSACTION_AMOUNT", 1),

		GatewayTimeout:    getDuration("GATEWAY_TIMEOUT", 10*time.Second),
		VerifyAfter:       getDuration("VERIFY_AFTER", 2*time.Minute),
		SweepInterval:     getDuration("SWEEP_INTERVAL", time.Minute),
		WorkerConcurrency: int(getInt64("WORKER_CONCURRENCY", 4)),
		RateLimitRPS:      getFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:    int(getInt64("RATE_LIMIT_BURST", 40)),

		Mpesa: MpesaConfig{
			BaseURL:        getEnvDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORTCODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CallbackToken:  mpesaToken,
			CallbackURL:    fmt.Sprintf("%s/api/webhooks/mobile-money?token=%s", host, mpesaToken),
		},
		RedirectWallet: RedirectWalletConfig{
			BaseURL:             getEnvDefault("REDIRECT_WALLET_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:            os.Getenv("REDIRECT_WALLET_CLIENT_ID"),
			ClientSecret:        os.Getenv("REDIRECT_WALLET_CLIENT_SECRET"),
			WebhookUser:         os.Getenv("REDIRECT_WALLET_WEBHOOK_USER"),
			WebhookPasswordHash: os.Getenv("REDIRECT_WALLET_WEBHOOK_PASSWORD_HASH"),
			ReturnURL:           getEnvDefault("REDIRECT_WALLET_RETURN_URL", host+"/payments/return"),
			CancelURL:           getEnvDefault("REDIRECT_WALLET_CANCEL_URL", host+"/payments/cancel"),
		},
		CardIntent: CardIntentConfig{
			BaseURL:       getEnvDefault("CARD_INTENT_BASE_URL", "https://api.stripe.com"),
			SecretKey:     os.Getenv("CARD_INTENT_SECRET_KEY"),
			WebhookSecret: os.Getenv("CARD_INTENT_WEBHOOK_SECRET"),
		},
	}
}

func getEnv(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	panic(fmt.Sprintf("%s is required", key))
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("%s must be a valid integer", key))
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		panic(fmt.Sprintf("%s must be a valid number", key))
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		panic(fmt.Sprintf("%s must be a duration like 30s or 2m", key))
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseRoutes reads "KES:mobile_money,USD:card_intent" into a currency -> gateway map.
func parseRoutes(raw string) map[string]string {
	routes := make(map[string]string)
	for _, pair := range splitList(raw) {
		currency, gw, ok := strings.Cut(pair, ":")
		if !ok {
			panic(fmt.Sprintf("CURRENCY_ROUTES entry %q must look like CUR:gateway", pair))
		}
		routes[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(gw)
	}
	return routes
}
