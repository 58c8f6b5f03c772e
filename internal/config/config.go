package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every setting the engine needs.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	AI     AIConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Store: store, AI: ai}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr            string
	MaxMessageBytes int64
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	addr := port
	if !strings.Contains(port, ":") {
		if strings.Contains(port, " ") {
			return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
		}
		addr = ":" + port
	}

	maxBytes, err := parseOptionalIntEnv("WS_MAX_MESSAGE_BYTES")
	if err != nil {
		return ServerConfig{}, err
	}
	limit := int64(1 << 20)
	if maxBytes != nil {
		limit = int64(*maxBytes)
	}

	return ServerConfig{Addr: addr, MaxMessageBytes: limit}, nil
}

// StoreConfig describes the persistent document store. When the store
// is disabled or fails to open, the engine degrades to memory-only
// operation.
type StoreConfig struct {
	Dir     string
	Enabled bool
}

func loadStoreConfig() (StoreConfig, error) {
	enabled, err := parseBoolEnv("STORE_ENABLED", true)
	if err != nil {
		return StoreConfig{}, err
	}

	return StoreConfig{
		Dir:     getEnvOrDefault("STORE_DIR", "data/switchboard"),
		Enabled: enabled,
	}, nil
}

// AIConfig describes the generation provider.
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds the ark chat model from this configuration. The
// per-request model name and temperature come from the trigger
// payload, not from here.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("generation credentials missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:   c.BaseURL,
		Region:    c.Region,
		APIKey:    c.APIKey,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Model:     c.Model,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	retries, err := parseOptionalIntEnv("ARK_MAX_RETRIES")
	if err != nil {
		return AIConfig{}, err
	}
	maxRetries := 3
	if retries != nil {
		maxRetries = *retries
	}

	backoffMs, err := parseOptionalIntEnv("ARK_RETRY_BACKOFF_MS")
	if err != nil {
		return AIConfig{}, err
	}
	backoff := 500 * time.Millisecond
	if backoffMs != nil {
		backoff = time.Duration(*backoffMs) * time.Millisecond
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		MaxRetries:   maxRetries,
		RetryBackoff: backoff,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
