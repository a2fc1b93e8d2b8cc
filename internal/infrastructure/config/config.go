package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultTopicStructure is the topic layout used by stock OVMS firmware.
const DefaultTopicStructure = "{prefix}/{mqtt_username}/{vehicle_id}"

// Config is the root configuration structure for the OVMS bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	OVMS      OVMSConfig      `yaml:"ovms"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	// CommandLogRetentionDays bounds the command history. Zero keeps it forever.
	CommandLogRetentionDays int `yaml:"command_log_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker         MQTTBrokerConfig `yaml:"broker"`
	Auth           MQTTAuthConfig   `yaml:"auth"`
	QoS            int              `yaml:"qos"`
	KeepAlive      int              `yaml:"keep_alive"`
	ConnectTimeout int              `yaml:"connect_timeout"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TLS forces an encrypted connection. Port 8883 implies TLS regardless.
	TLS bool `yaml:"tls"`
	// VerifyTLS controls server certificate verification. Defaults to true.
	VerifyTLS bool   `yaml:"verify_tls"`
	ClientID  string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// secureMQTTPort is the conventional MQTT-over-TLS port.
const secureMQTTPort = 8883

// UseTLS reports whether the broker connection should be encrypted.
func (m MQTTConfig) UseTLS() bool {
	return m.Broker.TLS || m.Broker.Port == secureMQTTPort
}

// OVMSConfig describes where a vehicle publishes and how commands are throttled.
type OVMSConfig struct {
	TopicPrefix    string `yaml:"topic_prefix"`
	TopicStructure string `yaml:"topic_structure"`
	VehicleID      string `yaml:"vehicle_id"`
	// OriginalVehicleID is the vehicle id as first entered. It anchors entity
	// unique ids even if VehicleID is later corrected.
	OriginalVehicleID string `yaml:"original_vehicle_id"`
	// MQTTUsername is the username segment in topics. Empty means the broker
	// auth username is used.
	MQTTUsername   string                 `yaml:"mqtt_username"`
	CommandTimeout int                    `yaml:"command_timeout"`
	RateLimit      CommandRateLimitConfig `yaml:"rate_limit"`
}

// CommandRateLimitConfig bounds outbound vehicle commands.
type CommandRateLimitConfig struct {
	MaxCalls int `yaml:"max_calls"`
	Period   int `yaml:"period"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

// SecurityConfig contains security settings for the HTTP API.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains JWT token settings. An empty secret disables API auth.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// RateLimitConfig contains HTTP request rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: OVMS_BRIDGE_SECTION_KEY
// For example: OVMS_BRIDGE_MQTT_HOST, OVMS_BRIDGE_VEHICLE_ID
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

// LoadDotEnv loads KEY=VALUE files into the process environment.
// Missing files are skipped and variables that are already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/ovms-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,

			CommandLogRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:      "localhost",
				Port:      1883,
				VerifyTLS: true,
				ClientID:  "ovms-bridge",
			},
			QoS:            1,
			KeepAlive:      60,
			ConnectTimeout: 5,
		},
		OVMS: OVMSConfig{
			TopicPrefix:    "ovms",
			TopicStructure: DefaultTopicStructure,
			CommandTimeout: 10,
			RateLimit: CommandRateLimitConfig{
				MaxCalls: 5,
				Period:   60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: OVMS_BRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("OVMS_BRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("OVMS_BRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("OVMS_BRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("OVMS_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("OVMS_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("OVMS_BRIDGE_MQTT_VERIFY_TLS"); v != "" {
		if verify, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.Broker.VerifyTLS = verify
		}
	}

	// OVMS
	if v := os.Getenv("OVMS_BRIDGE_VEHICLE_ID"); v != "" {
		cfg.OVMS.VehicleID = v
	}
	if v := os.Getenv("OVMS_BRIDGE_TOPIC_PREFIX"); v != "" {
		cfg.OVMS.TopicPrefix = v
	}

	// API
	if v := os.Getenv("OVMS_BRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("OVMS_BRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("OVMS_BRIDGE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.CommandLogRetentionDays < 0 {
		errs = append(errs, "database.command_log_retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// OVMS validation
	if c.OVMS.TopicPrefix == "" {
		errs = append(errs, "ovms.topic_prefix is required")
	}
	if c.OVMS.TopicStructure == "" {
		errs = append(errs, "ovms.topic_structure is required")
	}
	if c.OVMS.VehicleID == "" {
		errs = append(errs, "ovms.vehicle_id is required (set OVMS_BRIDGE_VEHICLE_ID environment variable)")
	}
	if c.OVMS.CommandTimeout < 1 {
		errs = append(errs, "ovms.command_timeout must be at least 1 second")
	}
	if c.OVMS.RateLimit.MaxCalls < 1 {
		errs = append(errs, "ovms.rate_limit.max_calls must be at least 1")
	}
	if c.OVMS.RateLimit.Period < 1 {
		errs = append(errs, "ovms.rate_limit.period must be at least 1 second")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	// The JWT secret is optional; when set it must be long enough to resist brute force.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// TopicUsername returns the username segment used in vehicle topics.
func (c *Config) TopicUsername() string {
	if c.OVMS.MQTTUsername != "" {
		return c.OVMS.MQTTUsername
	}
	return c.MQTT.Auth.Username
}

// OriginalVehicleID returns the vehicle id that anchors entity unique ids.
func (c *Config) OriginalVehicleID() string {
	if c.OVMS.OriginalVehicleID != "" {
		return c.OVMS.OriginalVehicleID
	}
	return c.OVMS.VehicleID
}

// GetCommandLogRetention returns how long command history is kept.
func (c *Config) GetCommandLogRetention() time.Duration {
	return time.Duration(c.Database.CommandLogRetentionDays) * 24 * time.Hour
}

// GetCommandTimeout returns the default command response timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.OVMS.CommandTimeout) * time.Second
}

// GetRateLimitPeriod returns the command rate limit window as a Duration.
func (c *Config) GetRateLimitPeriod() time.Duration {
	return time.Duration(c.OVMS.RateLimit.Period) * time.Second
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
