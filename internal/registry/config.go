package registry

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/models"
)

// EnginePostgres is the only engine tenant databases run on.
const EnginePostgres = "postgres"

// ConnectionConfig is everything needed to open a pool for one alias.
// It holds the plaintext password and is never persisted.
type ConnectionConfig struct {
	Engine   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string

	SSLMode        string
	ConnectTimeout time.Duration
	ConnMaxAge     time.Duration
	MaxOpenConns   int
	MaxIdleConns   int
	HealthChecks   bool
}

// Validate checks the fields required to open a connection.
func (c ConnectionConfig) Validate() error {
	switch {
	case c.Host == "":
		return errs.New(errs.Validation, "host is required")
	case c.Name == "":
		return errs.New(errs.Validation, "database name is required")
	case c.User == "":
		return errs.New(errs.Validation, "user is required")
	case c.Port < 1 || c.Port > 65535:
		return errs.New(errs.Validation, "port %d out of range", c.Port)
	case c.Engine != "" && c.Engine != EnginePostgres:
		return errs.New(errs.Validation, "unsupported engine %q", c.Engine)
	}
	return nil
}

// DSN renders the config as a lib/pq key/value connection string.
func (c ConnectionConfig) DSN() string {
	var b strings.Builder
	kv := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quote(v))
	}

	kv("host", c.Host)
	kv("port", strconv.Itoa(c.Port))
	kv("dbname", c.Name)
	kv("user", c.User)
	if c.Password != "" {
		kv("password", c.Password)
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	kv("sslmode", sslmode)
	if c.ConnectTimeout > 0 {
		secs := int(math.Ceil(c.ConnectTimeout.Seconds()))
		kv("connect_timeout", strconv.Itoa(secs))
	}
	return b.String()
}

// quote escapes a value for a key/value connection string.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// String masks the password.
func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s://%s:***@%s:%d/%s", c.engine(), c.User, c.Host, c.Port, c.Name)
}

// MarshalZerologObject logs the config without the password.
func (c ConnectionConfig) MarshalZerologObject(e *zerolog.Event) {
	e.Str("engine", c.engine()).
		Str("host", c.Host).
		Int("port", c.Port).
		Str("db", c.Name).
		Str("user", c.User).
		Bool("health_checks", c.HealthChecks)
}

func (c ConnectionConfig) engine() string {
	if c.Engine == "" {
		return EnginePostgres
	}
	return c.Engine
}

// FromRecord builds the config for a tenant record. password is the
// decrypted password; pool settings come from defaults.
func FromRecord(rec *models.TenantRecord, password string, defaults ConnectionConfig) ConnectionConfig {
	cfg := defaults
	cfg.Engine = EnginePostgres
	cfg.Host = rec.DBHost
	cfg.Port = rec.DBPort
	cfg.Name = rec.DBName
	cfg.User = rec.DBUser
	cfg.Password = password
	return cfg
}

// ParseURL builds a config from a postgres:// connection URL.
func ParseURL(dsn string) (ConnectionConfig, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return ConnectionConfig{}, errs.Wrap(errs.Configuration, err, "parse database URL")
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return ConnectionConfig{}, errs.New(errs.Configuration, "unsupported database URL scheme %q", u.Scheme)
	}

	cfg := ConnectionConfig{
		Engine:  EnginePostgres,
		Host:    u.Hostname(),
		Port:    5432,
		Name:    strings.TrimPrefix(u.Path, "/"),
		SSLMode: u.Query().Get("sslmode"),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return ConnectionConfig{}, errs.Wrap(errs.Configuration, err, "invalid port in database URL")
		}
		cfg.Port = port
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if t := u.Query().Get("connect_timeout"); t != "" {
		if secs, err := strconv.Atoi(t); err == nil {
			cfg.ConnectTimeout = time.Duration(secs) * time.Second
		}
	}
	return cfg, cfg.Validate()
}
