// Package config loads application configuration from the environment.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// Config holds application configuration for the locksmith dispatch service.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string
	FrontendURL   string

	CORSAllowedOrigins []string
	RateLimitPerSecond float64
	RateLimitBurst     int

	DatabaseURL string
	RedisURL    string

	SMSAccountSID string
	SMSAuthToken  string
	SMSFromNumber string
	SMSWebhookURL string

	PaymentSecret        string
	PaymentWebhookSecret string
	AllowFakePayments    bool

	GeocoderAPIKey string

	ServiceAreas       []string
	WaveSize           int
	WaveDelaySeconds   int
	DispatchConcurrency int

	DepositAmountsCents map[string]int

	S3Bucket      string
	S3PhotoPrefix string
	AWSRegion     string
	AWSAccessKey  string
	AWSSecretKey  string

	AdminToken string
}

var defaultDepositAmounts = map[string]int{
	"home_lockout": 4900,
	"car_lockout":  5900,
	"rekey":        7900,
	"smart_lock":   9900,
}

// IsDevelopment reports whether the configured environment permits the
// relaxed validation paths spec.md §4.1/§4.5 describe for dev mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load reads configuration from environment variables, matching the env var
// list in SPEC_FULL.md §6.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("APP_ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("BASE_URL", ""),
		FrontendURL:   getEnv("FRONTEND_URL", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		SMSAccountSID: getEnv("SMS_ACCOUNT", ""),
		SMSAuthToken:  getEnv("SMS_TOKEN", ""),
		SMSFromNumber: getEnv("SMS_FROM", ""),
		SMSWebhookURL: getEnv("SMS_WEBHOOK_URL", ""),

		PaymentSecret:        getEnv("PAYMENT_SECRET", ""),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		AllowFakePayments:    getEnvAsBool("ALLOW_FAKE_PAYMENTS", false),

		GeocoderAPIKey: getEnv("GEOCODER_API_KEY", ""),

		ServiceAreas:        getEnvAsList("SERVICE_AREAS", []string{"laredo"}),
		WaveSize:            getEnvAsInt("WAVE_SIZE", 3),
		WaveDelaySeconds:    getEnvAsInt("WAVE_DELAY_SECONDS", 120),
		DispatchConcurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 1),

		DepositAmountsCents: getEnvAsDepositMap("DEPOSIT_AMOUNTS", defaultDepositAmounts),

		S3Bucket:      getEnv("BUCKET", ""),
		S3PhotoPrefix: getEnv("PHOTO_PREFIX", "photos/"),
		AWSRegion:     getEnv("REGION", "us-east-1"),
		AWSAccessKey:  getEnv("ACCESS_KEY", ""),
		AWSSecretKey:  getEnv("SECRET", ""),

		AdminToken: getEnv("ADMIN_TOKEN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsDepositMap(key string, defaultValue map[string]int) map[string]int {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	parsed := map[string]int{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return defaultValue
	}
	for k, v := range defaultValue {
		if _, ok := parsed[k]; !ok {
			parsed[k] = v
		}
	}
	return parsed
}
