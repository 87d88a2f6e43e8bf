package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProviderKeys holds the environment-level credentials of one third-party provider.
// SiteKey is public and is only used when the policy row leaves its key NULL.
type ProviderKeys struct {
	Secret  string
	SiteKey string
}

// Config contains runtime configuration values.
type Config struct {
	Environment string
	Port        string
	Store       string // postgres|memory

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	Turnstile   ProviderKeys
	RecaptchaV3 ProviderKeys
	RecaptchaV2 ProviderKeys
	HCaptcha    ProviderKeys

	ProviderTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	VerifyRPM     int

	NatsURL       string
	WebhookURLs   []string
	WebhookSecret string

	RetentionDays int
	PurgeCron     string
	SweepCron     string

	ServiceKeyHash string
	JWTSecret      string

	CORSOrigins    []string
	TrustedProxies []string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = getEnv("AURA_PORT", "8081")
	}
	cfg := Config{
		Environment: getEnv("APP_ENV", "production"),
		Port:        port,
		Store:       strings.ToLower(getEnv("AURA_STORE", "postgres")),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "aura_user"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "aura_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		Turnstile:   providerKeys("AURA_TURNSTILE"),
		RecaptchaV3: providerKeys("AURA_RECAPTCHA_V3"),
		RecaptchaV2: providerKeys("AURA_RECAPTCHA_V2"),
		HCaptcha:    providerKeys("AURA_HCAPTCHA"),

		ProviderTimeout: time.Duration(getInt("AURA_CAPTCHA_PROVIDER_TIMEOUT_MS", 5000)) * time.Millisecond,

		RedisAddr:     os.Getenv("AURA_REDIS_ADDR"),
		RedisPassword: os.Getenv("AURA_REDIS_PASSWORD"),
		RedisDB:       getInt("AURA_REDIS_DB", 0),
		VerifyRPM:     getInt("AURA_V1_VERIFY_RPM", 60),

		NatsURL:       os.Getenv("AURA_NATS_URL"),
		WebhookURLs:   getList("AURA_CAPTCHA_WEBHOOK_URLS", nil),
		WebhookSecret: os.Getenv("AURA_CAPTCHA_WEBHOOK_SECRET"),

		RetentionDays: getInt("AURA_CAPTCHA_RETENTION_DAYS", 30),
		PurgeCron:     getEnv("AURA_CAPTCHA_PURGE_CRON", "0 3 * * *"),
		SweepCron:     getEnv("AURA_CAPTCHA_SWEEP_CRON", "*/5 * * * *"),

		ServiceKeyHash: os.Getenv("AURA_SERVICE_KEY_HASH"),
		JWTSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),

		CORSOrigins:    getList("AURA_CORS_ORIGINS", nil),
		TrustedProxies: getList("AURA_TRUSTED_PROXIES", nil),

		OTelEnabled:  getBool("AURA_OTEL_ENABLE", false),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return Config{}, fmt.Errorf("AURA_STORE must be postgres or memory, got %q", cfg.Store)
	}
	if cfg.Store == "postgres" && cfg.DBPassword == "" {
		return Config{}, fmt.Errorf("DB_PASSWORD is required when AURA_STORE=postgres")
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 5 * time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return cfg, nil
}

// DSN builds the pgx connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Development reports whether verbose logging and relaxed defaults apply.
func (c Config) Development() bool { return c.Environment == "development" }

func providerKeys(prefix string) ProviderKeys {
	return ProviderKeys{
		Secret:  strings.TrimSpace(os.Getenv(prefix + "_SECRET")),
		SiteKey: strings.TrimSpace(os.Getenv(prefix + "_SITE_KEY")),
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cleaned = append(cleaned, s)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
