package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"subroute/observability"
	"subroute/types"
)

// Config holds the application configuration
type Config struct {
	ProxyServerPort string                 `json:"proxy_server_port"`
	APIServerPort   string                 `json:"api_server_port"`
	ProxyTimeout    int                    `json:"proxy_timeout"`  // Seconds to wait for a backend response
	CreateTimeout   int                    `json:"create_timeout"` // Seconds allowed for pull + create + start
	ChangeOrigin    bool                   `json:"change_origin"`  // Rewrite Host to the backend address
	RouteSuffix     string                 `json:"route_suffix"`   // Domain suffix reported for new containers
	LogLevel        string                 `json:"log_level"`
	LogFormat       string                 `json:"log_format"`
	ServerAddress   string                 `json:"server_address"` // Public IP used for published DNS records
	Cloudflare      types.CloudflareConfig `json:"cloudflare"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ProxyServerPort: ":80",
		APIServerPort:   ":8080",
		ProxyTimeout:    30,
		CreateTimeout:   300,
		ChangeOrigin:    false,
		RouteSuffix:     "localhost",
		LogLevel:        "info",
		LogFormat:       "json",
		ServerAddress:   "127.0.0.1",
		Cloudflare: types.CloudflareConfig{
			Enabled: false,
			Proxied: true,
		},
	}
}

// LoadConfig loads configuration from a file or environment variables
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(&config, configPath); err != nil {
			return config, err
		}
	}

	overrideFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks that the configuration can be used to start the proxy
func (c Config) Validate() error {
	if c.ProxyServerPort == "" || c.APIServerPort == "" {
		return fmt.Errorf("proxy and API ports are required")
	}
	if c.ProxyServerPort == c.APIServerPort {
		return fmt.Errorf("proxy and API servers cannot share port %s", c.ProxyServerPort)
	}
	if c.ProxyTimeout <= 0 {
		return fmt.Errorf("proxy_timeout must be positive, got %d", c.ProxyTimeout)
	}
	if c.CreateTimeout <= 0 {
		return fmt.Errorf("create_timeout must be positive, got %d", c.CreateTimeout)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be 'json' or 'console', got %q", c.LogFormat)
	}
	if c.Cloudflare.Enabled {
		if c.Cloudflare.APIToken == "" || c.Cloudflare.ZoneID == "" || c.Cloudflare.BaseDomain == "" {
			return fmt.Errorf("cloudflare integration requires api_token, zone_id and base_domain")
		}
	}
	return nil
}

// ProxyTimeoutDuration returns ProxyTimeout as a time.Duration
func (c Config) ProxyTimeoutDuration() time.Duration {
	return time.Duration(c.ProxyTimeout) * time.Second
}

// CreateTimeoutDuration returns CreateTimeout as a time.Duration
func (c Config) CreateTimeoutDuration() time.Duration {
	return time.Duration(c.CreateTimeout) * time.Second
}

// LogConfig returns the logger settings
func (c Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{Level: c.LogLevel, Format: c.LogFormat}
}

// loadFromFile loads configuration from a JSON file
func loadFromFile(config *Config, path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(bytes, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv(config *Config) {
	if val := os.Getenv("SUBROUTE_PROXY_PORT"); val != "" {
		config.ProxyServerPort = ensurePortFormat(val)
	}

	if val := os.Getenv("SUBROUTE_API_PORT"); val != "" {
		config.APIServerPort = ensurePortFormat(val)
	}

	if val := os.Getenv("SUBROUTE_PROXY_TIMEOUT"); val != "" {
		if timeout, err := parseEnvInt(val); err == nil {
			config.ProxyTimeout = timeout
		}
	}

	if val := os.Getenv("SUBROUTE_CREATE_TIMEOUT"); val != "" {
		if timeout, err := parseEnvInt(val); err == nil {
			config.CreateTimeout = timeout
		}
	}

	if val := os.Getenv("SUBROUTE_CHANGE_ORIGIN"); val != "" {
		config.ChangeOrigin = parseEnvBool(val)
	}

	if val := os.Getenv("SUBROUTE_ROUTE_SUFFIX"); val != "" {
		config.RouteSuffix = strings.Trim(strings.TrimSpace(val), ".")
	}

	if val := os.Getenv("SUBROUTE_LOG_LEVEL"); val != "" {
		config.LogLevel = strings.ToLower(val)
	}

	if val := os.Getenv("SUBROUTE_LOG_FORMAT"); val != "" {
		config.LogFormat = strings.ToLower(val)
	}

	if val := os.Getenv("SUBROUTE_SERVER_ADDRESS"); val != "" {
		config.ServerAddress = val
	}

	// Cloudflare settings
	if val := os.Getenv("SUBROUTE_CLOUDFLARE_ENABLED"); val != "" {
		config.Cloudflare.Enabled = parseEnvBool(val)
	}

	if val := os.Getenv("SUBROUTE_CLOUDFLARE_API_TOKEN"); val != "" {
		config.Cloudflare.APIToken = val
	}

	if val := os.Getenv("SUBROUTE_CLOUDFLARE_ZONE_ID"); val != "" {
		config.Cloudflare.ZoneID = val
	}

	if val := os.Getenv("SUBROUTE_CLOUDFLARE_BASE_DOMAIN"); val != "" {
		config.Cloudflare.BaseDomain = val
	}

	if val := os.Getenv("SUBROUTE_CLOUDFLARE_PROXIED"); val != "" {
		config.Cloudflare.Proxied = parseEnvBool(val)
	}
}

// ensurePortFormat ensures port is in the format ":8080"
func ensurePortFormat(port string) string {
	port = strings.TrimSpace(port)
	if !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

// parseEnvInt parses an integer from an environment variable
func parseEnvInt(val string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(val))
}

func parseEnvBool(val string) bool {
	return strings.ToLower(strings.TrimSpace(val)) == "true"
}
