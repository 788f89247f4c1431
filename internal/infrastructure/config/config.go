package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for pnp-hooks.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Models     ModelsConfig     `yaml:"models"`
	Allocation AllocationConfig `yaml:"allocation"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Security   SecurityConfig   `yaml:"security"`
}

// ServiceConfig identifies this webhook deployment.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket event feed settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ModelsConfig configures where device model (DTDL) documents are fetched from.
type ModelsConfig struct {
	// PublicURL is the base URL of the public models repository.
	// Default: "https://devicemodels.azure.com"
	PublicURL string `yaml:"public_url"`

	// PrivateURL is an optional base URL of a private repository.
	// When set it is consulted before the public repository.
	PrivateURL string `yaml:"private_url"`

	// Token authenticates requests to the private repository.
	// Never set this in the YAML file; use GIT_TOKEN or PNPHOOKS_MODELS_TOKEN.
	Token string `yaml:"token"`

	// LocalDir is an optional directory laid out like a models repository.
	// It is consulted before any remote source, for offline sites.
	LocalDir string `yaml:"local_dir"`

	// CacheSize bounds the number of parsed models kept in memory.
	CacheSize int `yaml:"cache_size"`

	// FetchTimeout is the per-document HTTP timeout in seconds.
	FetchTimeout int `yaml:"fetch_timeout"`

	// MaxDependencyDepth bounds recursive resolution of components and extends.
	MaxDependencyDepth int `yaml:"max_dependency_depth"`
}

// AllocationConfig controls the custom allocation policy.
type AllocationConfig struct {
	// HubStrategy selects the IoT hub from the linked hubs: "last" or "hash".
	HubStrategy string `yaml:"hub_strategy"`

	// Tags are applied to the initial twin of every allocated device.
	Tags map[string]string `yaml:"tags"`

	// Desired are static desired properties applied to every allocated device.
	// The value "{registration_id}" is replaced with the device registration ID.
	Desired map[string]string `yaml:"desired"`

	// WritableProperties are model-driven desired property presets.
	WritableProperties []WritablePropertyPreset `yaml:"writable_properties"`
}

// WritablePropertyPreset sets a writable property when the device model declares it.
type WritablePropertyPreset struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LifecycleConfig controls device lifecycle event handling.
type LifecycleConfig struct {
	// CommandRules map model IDs to the command invoked on DeviceConnected.
	CommandRules []CommandRule `yaml:"command_rules"`

	// CommandTimeout is how long to wait for a direct method response (seconds).
	CommandTimeout int `yaml:"command_timeout"`

	// CreatedTags are written to the twin when a DeviceCreated event arrives.
	CreatedTags map[string]string `yaml:"created_tags"`
}

// CommandRule selects a command for devices whose model ID contains Match.
type CommandRule struct {
	Match   string `yaml:"match"`
	Command string `yaml:"command"`
	Payload string `yaml:"payload"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// FunctionKey protects the webhook routes. Empty disables the check.
	FunctionKey string    `yaml:"function_key"`
	JWT         JWTConfig `yaml:"jwt"`
}

// JWTConfig contains settings for validating admin API bearer tokens.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PNPHOOKS_SECTION_KEY
// For example: PNPHOOKS_DATABASE_PATH, PNPHOOKS_API_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration with environment overrides applied.
// Used when no configuration file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
// The allocation and lifecycle defaults reproduce the demo behaviour the
// service was built for.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "pnp-hooks",
			Name: "PnP provisioning hooks",
		},
		Database: DatabaseConfig{
			Path:        "./data/pnphooks.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pnp-hooks",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 7071,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Models: ModelsConfig{
			PublicURL:          "https://devicemodels.azure.com",
			CacheSize:          128,
			FetchTimeout:       10,
			MaxDependencyDepth: 8,
		},
		Allocation: AllocationConfig{
			HubStrategy: "last",
			Tags: map[string]string{
				"TagExample": "CustomAllocationSample",
			},
			Desired: map[string]string{
				"DesiredTest1":      "InitilTwinByCustomAllocation",
				"DesiredTest2":      "{registration_id}",
				"DpsRegistrationId": "{registration_id}",
			},
			WritableProperties: []WritablePropertyPreset{
				{Name: "Hostname", Value: "impinj-14-04-63-01-Functions"},
			},
		},
		Lifecycle: LifecycleConfig{
			CommandRules: []CommandRule{
				{Match: "impinj", Command: "Presets"},
				{Match: "wioterminal_aziot_example", Command: "ringBuzzer", Payload: "500"},
			},
			CommandTimeout: 30,
			CreatedTags: map[string]string{
				"TagFromEventGrid": "Processed",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PNPHOOKS_SECTION_KEY. The variable
// names used by the original function app deployment are honoured as well.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("PNPHOOKS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PNPHOOKS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PNPHOOKS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PNPHOOKS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("PNPHOOKS_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("PNPHOOKS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Models. The misspelt variable is what existing deployments set.
	for _, name := range []string{"PRIVATE_MODEL_REPOSIROTY_URL", "PRIVATE_MODEL_REPOSITORY_URL", "PNPHOOKS_MODELS_PRIVATE_URL"} {
		if v := os.Getenv(name); v != "" {
			cfg.Models.PrivateURL = v
		}
	}
	for _, name := range []string{"GIT_TOKEN", "PNPHOOKS_MODELS_TOKEN"} {
		if v := os.Getenv(name); v != "" {
			cfg.Models.Token = v
		}
	}
	if v := os.Getenv("PNPHOOKS_MODELS_LOCAL_DIR"); v != "" {
		cfg.Models.LocalDir = v
	}

	// Security
	if v := os.Getenv("PNPHOOKS_FUNCTION_KEY"); v != "" {
		cfg.Security.FunctionKey = v
	}
	if v := os.Getenv("PNPHOOKS_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Models.PublicURL == "" && c.Models.PrivateURL == "" {
		errs = append(errs, "models.public_url or models.private_url is required")
	}
	if c.Models.CacheSize < 1 {
		errs = append(errs, "models.cache_size must be at least 1")
	}

	switch c.Allocation.HubStrategy {
	case "last", "hash":
	default:
		errs = append(errs, `allocation.hub_strategy must be "last" or "hash"`)
	}

	for i, p := range c.Allocation.WritableProperties {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("allocation.writable_properties[%d].name is required", i))
		}
	}

	for i, r := range c.Lifecycle.CommandRules {
		if r.Match == "" || r.Command == "" {
			errs = append(errs, fmt.Sprintf("lifecycle.command_rules[%d] requires match and command", i))
		}
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetFetchTimeout returns the model fetch timeout as a Duration.
func (c *ModelsConfig) GetFetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// GetCommandTimeout returns the direct method response timeout as a Duration.
func (c *LifecycleConfig) GetCommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Second
}
