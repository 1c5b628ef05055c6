package app

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/pkg/httpx"
)

type Config struct {
	Issuer       string // Required: upstream provider issuer URL
	ClientID     string // Required: this relying party's client id
	ClientSecret string // Optional: shared-secret client auth

	SigningKeyFile  string // Optional: PEM private key for private_key_jwt auth
	CertificateFile string // Optional: PEM certificate matching the signing key

	RedirectURL string   // Optional: callback URL registered with the provider
	Scopes      []string // Optional: requested scopes (default: openid profile email)

	SessionBackend   string        // Optional: session/token storage (memory, sqlite) (default: sqlite)
	DatabaseFile     string        // Optional: path to SQLite database file (default: ./authgate.db)
	DiscoveryMaxAge  time.Duration // Optional: discovery metadata cache lifetime (default: 15m)

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:          os.Getenv("AUTHGATE_ISSUER"),
		ClientID:        os.Getenv("AUTHGATE_CLIENT_ID"),
		ClientSecret:    os.Getenv("AUTHGATE_CLIENT_SECRET"),
		SigningKeyFile:  os.Getenv("AUTHGATE_SIGNING_KEY_FILE"),
		CertificateFile: os.Getenv("AUTHGATE_CERTIFICATE_FILE"),
		RedirectURL:     os.Getenv("AUTHGATE_REDIRECT_URL"),

		SessionBackend:  getEnvOrDefault("AUTHGATE_SESSION_BACKEND", "sqlite"),
		DatabaseFile:    getEnvOrDefault("AUTHGATE_DATABASE_FILE", "authgate.db"),
		DiscoveryMaxAge: getEnvDurationOrDefault("AUTHGATE_DISCOVERY_MAX_AGE", provider.DefaultMetadataMaxAge),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	cfg.Scopes = httpx.ParseSpaceDelimitedFields(os.Getenv("AUTHGATE_SCOPES"))

	return cfg
}

// Validate catches configuration the process cannot start without.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("AUTHGATE_ISSUER is required")
	}
	if c.ClientID == "" {
		return errors.New("AUTHGATE_CLIENT_ID is required")
	}
	if c.SessionBackend != "memory" && c.SessionBackend != "sqlite" {
		return errors.New("AUTHGATE_SESSION_BACKEND must be memory or sqlite")
	}
	if (c.SigningKeyFile == "") != (c.CertificateFile == "") {
		return errors.New("AUTHGATE_SIGNING_KEY_FILE and AUTHGATE_CERTIFICATE_FILE must be set together")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
