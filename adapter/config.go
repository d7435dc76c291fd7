package fincharts

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	defaultBaseURL      = "https://platform.fintacharts.com"
	defaultWebSocketURL = "wss://platform.fintacharts.com/api/streaming/ws/v1/realtime"
	defaultClientID     = "app-cli"
	defaultProvider     = "oanda"

	// identityTokenPath is the Keycloak password-grant endpoint, relative
	// to the base URL.
	identityTokenPath = "/identity/realms/fintatech/protocol/openid-connect/token"
)

// Config holds the platform endpoints and credentials.
type Config struct {
	BaseURL          string
	WebSocketURL     string
	ClientID         string
	Username         string
	Password         string
	Provider         string
	BarsCount        int
	TokenStoragePath string
}

// LoadConfig reads configuration from the environment, loading a .env file
// first when one is present. Username and password are required; everything
// else has platform defaults.
func LoadConfig(logger *log.Logger) (Config, error) {
	// Missing .env is fine, real environments set variables directly.
	_ = godotenv.Load()

	cfg := Config{
		BaseURL:          getEnv("FINTACHARTS_BASE_URL", defaultBaseURL),
		WebSocketURL:     getEnv("FINTACHARTS_WS_URL", defaultWebSocketURL),
		ClientID:         getEnv("FINTACHARTS_CLIENT_ID", defaultClientID),
		Username:         os.Getenv("FINTACHARTS_USERNAME"),
		Password:         os.Getenv("FINTACHARTS_PASSWORD"),
		Provider:         getEnv("FINTACHARTS_PROVIDER", defaultProvider),
		BarsCount:        getEnvInt("FINTACHARTS_BARS_COUNT", 10),
		TokenStoragePath: getEnv("FINTACHARTS_TOKEN_PATH", "data"),
	}

	if cfg.Username == "" || cfg.Password == "" {
		return Config{}, fmt.Errorf("missing credentials: FINTACHARTS_USERNAME and FINTACHARTS_PASSWORD must be set")
	}

	logger.Printf("Platform base URL: %s", cfg.BaseURL)
	logger.Printf("Streaming URL: %s", cfg.WebSocketURL)
	logger.Printf("Provider: %s", cfg.Provider)
	logger.Printf("Username: %s", maskCredential(cfg.Username))

	return cfg, nil
}

// tokenURL returns the absolute password-grant endpoint.
func (c Config) tokenURL() string {
	return c.BaseURL + identityTokenPath
}

// maskCredential masks a credential for logging.
func maskCredential(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
