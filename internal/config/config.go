package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Directory DirectoryConfig `yaml:"directory"`
	Tenants   TenantsConfig   `yaml:"tenants"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig represents the master database. SharedDSN holds the
// tenant directory table and defaults to DSN.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	SharedDSN       string        `yaml:"shared_dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig represents Redis configuration. An empty Addr keeps the
// directory cache in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig represents NATS configuration. An empty URL disables
// cross-instance events.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DirectoryConfig selects where tenant connection metadata comes from.
type DirectoryConfig struct {
	// Source is "http" (accounts service) or "store" (local table).
	Source         string        `yaml:"source"`
	URL            string        `yaml:"url"`
	InternalToken  string        `yaml:"internal_token"`
	Timeout        time.Duration `yaml:"timeout"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	ByIDPath       string        `yaml:"by_id_path"`
	ByUsernamePath string        `yaml:"by_username_path"`
}

// TenantsConfig holds the pool settings of tenant aliases and the
// registration behaviour.
type TenantsConfig struct {
	ConnMaxAge      time.Duration `yaml:"conn_max_age"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	TestTimeout     time.Duration `yaml:"test_timeout"`
	HealthChecks    bool          `yaml:"health_checks"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	SSLMode         string        `yaml:"ssl_mode"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	StrictRouting   bool          `yaml:"strict_routing"`
	RollbackTimeout time.Duration `yaml:"rollback_timeout"`
}

// SecurityConfig holds the credential vault keys.
type SecurityConfig struct {
	EncryptionKey          string `yaml:"encryption_key"`
	SecretKey              string `yaml:"secret_key"`
	EncryptionKeySecretARN string `yaml:"encryption_key_secret_arn"`
	AWSRegion              string `yaml:"aws_region"`
	AllowPlaintextFallback bool   `yaml:"allow_plaintext_fallback"`
}

// Load loads configuration from file. An empty filename starts from the
// defaults and the environment only.
func Load(filename string) (*Config, error) {
	// booleans that default to true are set before the file is read
	cfg := Config{Tenants: TenantsConfig{HealthChecks: true}}

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if dsn := os.Getenv("SHARED_DATABASE_URL"); dsn != "" {
		c.Database.SharedDSN = dsn
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if url := os.Getenv("ACCOUNTS_SERVICE_URL"); url != "" {
		c.Directory.URL = url
	}

	if token := os.Getenv("INTERNAL_REGISTER_DB_TOKEN"); token != "" {
		c.Directory.InternalToken = token
	}

	if d, ok := envSeconds("ACCOUNTS_HTTP_TIMEOUT"); ok {
		c.Directory.Timeout = d
	}

	if key := os.Getenv("DB_ENCRYPTION_KEY"); key != "" {
		c.Security.EncryptionKey = key
	}

	if secret := os.Getenv("SECRET_KEY"); secret != "" {
		c.Security.SecretKey = secret
	}

	if arn := os.Getenv("DB_ENCRYPTION_KEY_SECRET_ARN"); arn != "" {
		c.Security.EncryptionKeySecretARN = arn
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		c.Security.AWSRegion = region
	}

	if d, ok := envSeconds("TENANT_CONN_MAX_AGE"); ok {
		c.Tenants.ConnMaxAge = d
	}

	if d, ok := envSeconds("TENANT_CONN_TIMEOUT"); ok {
		c.Tenants.ConnectTimeout = d
	}

	if b, ok := envBool("ASSET_AUTO_MIGRATE"); ok {
		c.Tenants.AutoMigrate = b
	}

	if b, ok := envBool("STRICT_TENANT_ROUTING"); ok {
		c.Tenants.StrictRouting = b
	}

	if b, ok := envBool("TENANT_CONN_HEALTH_CHECKS"); ok {
		c.Tenants.HealthChecks = b
	}
}

func envSeconds(name string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}

func envBool(name string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// setDefaults fills unset values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "communication-server"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}
	if c.Database.SharedDSN == "" {
		c.Database.SharedDSN = c.Database.DSN
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "accounts"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Directory.Source == "" {
		if c.Directory.URL != "" {
			c.Directory.Source = "http"
		} else {
			c.Directory.Source = "store"
		}
	}
	if c.Directory.Timeout == 0 {
		c.Directory.Timeout = 10 * time.Second
	}
	if c.Directory.CacheTTL == 0 {
		c.Directory.CacheTTL = 2000 * time.Second
	}
	if c.Tenants.ConnMaxAge == 0 {
		c.Tenants.ConnMaxAge = 60 * time.Second
	}
	if c.Tenants.ConnectTimeout == 0 {
		c.Tenants.ConnectTimeout = 5 * time.Second
	}
	if c.Tenants.TestTimeout == 0 {
		c.Tenants.TestTimeout = 10 * time.Second
	}
	if c.Tenants.RollbackTimeout == 0 {
		c.Tenants.RollbackTimeout = 30 * time.Second
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn (DATABASE_URL) is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	switch c.Directory.Source {
	case "store":
	case "http":
		if c.Directory.URL == "" {
			return fmt.Errorf("directory.url (ACCOUNTS_SERVICE_URL) is required for the http source")
		}
	default:
		return fmt.Errorf("unknown directory source %q", c.Directory.Source)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
