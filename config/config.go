package config

import (
	"fmt"
	"os"
)

type Config struct {
	AppPort string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string

	TokenSecret string

	GatewayBaseURL      string
	GatewayClientID     string
	GatewayClientSecret string

	// WebhookSecret enables HMAC verification of gateway callbacks when set.
	WebhookSecret string

	// DeepLinkScheme is prepended to payment-success deep links returned to the app.
	DeepLinkScheme string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func Load() (Config, error) {
	cfg := Config{
		AppPort:             getenv("PORT", "8080"),
		DBHost:              getenv("DB_HOST", "localhost"),
		DBUser:              getenv("DB_USER", "postgres"),
		DBPassword:          os.Getenv("DB_PASSWORD"),
		DBName:              getenv("DB_NAME", "culturesnews"),
		DBPort:              getenv("DB_PORT", "5432"),
		TokenSecret:         os.Getenv("TOKEN_SECRET"),
		GatewayBaseURL:      getenv("GATEWAY_BASE_URL", "https://api.sandbox.maviance.com/v2"),
		GatewayClientID:     os.Getenv("GATEWAY_CLIENT_ID"),
		GatewayClientSecret: os.Getenv("GATEWAY_CLIENT_SECRET"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		DeepLinkScheme:      getenv("DEEP_LINK_SCHEME", "culturesnews"),
	}

	if cfg.TokenSecret == "" {
		return cfg, fmt.Errorf("TOKEN_SECRET must be set")
	}
	if cfg.GatewayClientID == "" || cfg.GatewayClientSecret == "" {
		return cfg, fmt.Errorf("GATEWAY_CLIENT_ID and GATEWAY_CLIENT_SECRET must be set")
	}
	return cfg, nil
}

func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort,
	)
}
