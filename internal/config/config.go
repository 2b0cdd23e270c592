// Package config loads the newsletterd runtime configuration: built-in
// defaults, then an optional YAML file, then environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigPathEnv      = "NEWSLETTERD_CONFIG"
	storeBackendEnv    = "NEWSLETTERD_STORE_BACKEND"
	sqlitePathEnv      = "NEWSLETTERD_DB_PATH"
	postgresDSNEnv     = "NEWSLETTERD_POSTGRES_DSN"
	databaseURLEnv     = "DATABASE_URL"
	smtpPasswordEnv    = "NEWSLETTERD_SMTP_PASSWORD"
	emailAPITokenEnv   = "NEWSLETTERD_EMAIL_API_TOKEN"
	emailSigningEnv    = "NEWSLETTERD_EMAIL_SIGNING_SECRET"
	logLevelEnv        = "NEWSLETTERD_LOG_LEVEL"
	apiTokenEnv        = "NEWSLETTERD_API_TOKEN"
	workerPoolSizeEnv  = "NEWSLETTERD_WORKERS"
	tracingEndpointEnv = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	TransportSMTP = "smtp"
	TransportHTTP = "http"
)

type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Workers       WorkersConfig       `yaml:"workers"`
	Retry         RetryConfig         `yaml:"retry"`
	Email         EmailConfig         `yaml:"email"`
	Observability ObservabilityConfig `yaml:"observability"`
	API           APIConfig           `yaml:"api"`
}

type StoreConfig struct {
	// Backend is one of memory, sqlite or postgres.
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type WorkersConfig struct {
	Size         int           `yaml:"size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

type RetryConfig struct {
	Max    int           `yaml:"max"`
	Base   time.Duration `yaml:"base"`
	Cap    time.Duration `yaml:"cap"`
	Jitter float64       `yaml:"jitter"`
}

type EmailConfig struct {
	Transport       string     `yaml:"transport"`
	From            string     `yaml:"from"`
	MessageIDDomain string     `yaml:"message_id_domain"`
	SMTP            SMTPConfig `yaml:"smtp"`
	HTTP            HTTPConfig `yaml:"http"`
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      string        `yaml:"tls"`
	Timeout  time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Token         string        `yaml:"token"`
	SigningSecret string        `yaml:"signing_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogOutput string `yaml:"log_output"`
	LogPath   string `yaml:"log_path"`

	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingInsecure bool   `yaml:"tracing_insecure"`
}

// APIConfig holds listen addresses. An empty address disables that listener.
type APIConfig struct {
	HTTPListen    string `yaml:"http_listen"`
	GRPCListen    string `yaml:"grpc_listen"`
	MetricsListen string `yaml:"metrics_listen"`
	// Token, when set, is required as a bearer token on the progress API.
	Token         string `yaml:"token"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:  BackendSQLite,
			Path:     "./newsletterd.db",
			MaxConns: 16,
		},
		Workers: WorkersConfig{
			Size:         4,
			PollInterval: 10 * time.Second,
			ErrorBackoff: time.Second,
			SendTimeout:  30 * time.Second,
			LeaseTTL:     5 * time.Minute,
		},
		Retry: RetryConfig{
			Max:    8,
			Base:   2 * time.Second,
			Cap:    5 * time.Minute,
			Jitter: 0.2,
		},
		Email: EmailConfig{
			Transport:       TransportSMTP,
			MessageIDDomain: "newsletterd.local",
			SMTP: SMTPConfig{
				Port:    587,
				TLS:     "mandatory",
				Timeout: 10 * time.Second,
			},
			HTTP: HTTPConfig{
				Timeout: 10 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stderr",
		},
		API: APIConfig{
			HTTPListen: "127.0.0.1:8080",
		},
	}
}

// Load reads path (when non-empty) on top of the defaults and applies
// environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeInto(&cfg, data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes data on top of the defaults without environment overrides.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeInto(&cfg, data); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(storeBackendEnv, &c.Store.Backend)
	set(sqlitePathEnv, &c.Store.Path)
	set(databaseURLEnv, &c.Store.DSN)
	set(postgresDSNEnv, &c.Store.DSN)
	set(smtpPasswordEnv, &c.Email.SMTP.Password)
	set(emailAPITokenEnv, &c.Email.HTTP.Token)
	set(emailSigningEnv, &c.Email.HTTP.SigningSecret)
	set(logLevelEnv, &c.Observability.LogLevel)
	set(apiTokenEnv, &c.API.Token)
	if v, ok := lookup(tracingEndpointEnv); ok && strings.TrimSpace(v) != "" {
		c.Observability.TracingEndpoint = strings.TrimSpace(v)
		c.Observability.TracingEnabled = true
	}
	if v, ok := lookup(workerPoolSizeEnv); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", workerPoolSizeEnv, err)
		}
		c.Workers.Size = n
	}
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			bad("store.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			bad("store.dsn is required for the postgres backend")
		}
		// Every in-flight claim pins one connection; the rest serve the
		// API, the scheduler and the lease sweep.
		if int(c.Store.MaxConns) <= c.Workers.Size {
			bad("store.max_conns (%d) must exceed workers.size (%d)", c.Store.MaxConns, c.Workers.Size)
		}
	default:
		bad("store.backend %q (use: %s|%s|%s)", c.Store.Backend, BackendMemory, BackendSQLite, BackendPostgres)
	}

	if c.Workers.Size <= 0 {
		bad("workers.size must be positive")
	}
	if c.Workers.PollInterval <= 0 {
		bad("workers.poll_interval must be positive")
	}
	if c.Workers.ErrorBackoff <= 0 {
		bad("workers.error_backoff must be positive")
	}
	if c.Workers.SendTimeout <= 0 {
		bad("workers.send_timeout must be positive")
	}
	if c.Workers.LeaseTTL <= 0 {
		bad("workers.lease_ttl must be positive")
	} else if c.Workers.LeaseTTL <= c.Workers.SendTimeout+c.Workers.ErrorBackoff {
		bad("workers.lease_ttl (%s) must exceed workers.send_timeout + workers.error_backoff (%s)",
			c.Workers.LeaseTTL, c.Workers.SendTimeout+c.Workers.ErrorBackoff)
	}

	errs = append(errs, c.Retry.validate()...)

	switch c.Email.Transport {
	case TransportSMTP:
		if strings.TrimSpace(c.Email.SMTP.Host) == "" {
			bad("email.smtp.host is required for the smtp transport")
		}
		switch c.Email.SMTP.TLS {
		case "", "mandatory", "opportunistic", "none":
		default:
			bad("email.smtp.tls %q (use: mandatory|opportunistic|none)", c.Email.SMTP.TLS)
		}
	case TransportHTTP:
		if err := validateEndpoint(c.Email.HTTP.Endpoint); err != nil {
			bad("email.http.endpoint: %v", err)
		}
	default:
		bad("email.transport %q (use: %s|%s)", c.Email.Transport, TransportSMTP, TransportHTTP)
	}
	if strings.TrimSpace(c.Email.From) == "" {
		bad("email.from is required")
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		bad("observability.log_level %q (use: debug|info|warn|error)", c.Observability.LogLevel)
	}
	if c.Observability.LogOutput == "file" && strings.TrimSpace(c.Observability.LogPath) == "" {
		bad("observability.log_path is required when log_output is file")
	}

	return errors.Join(errs...)
}

func (r RetryConfig) validate() []error {
	var errs []error
	if r.Max <= 0 {
		errs = append(errs, errors.New("retry.max must be positive"))
	}
	if r.Base < 0 || r.Cap < 0 {
		errs = append(errs, errors.New("retry.base and retry.cap must not be negative"))
	}
	if r.Cap > 0 && r.Base > r.Cap {
		errs = append(errs, errors.New("retry.base must not exceed retry.cap"))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0,1]"))
	}
	return errs
}

func validateEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ReloadableEqual reports whether everything except the hot-reloadable
// settings (log level and retry policy) is unchanged.
func ReloadableEqual(a, b Config) bool {
	a.Observability.LogLevel = ""
	b.Observability.LogLevel = ""
	a.Retry = RetryConfig{}
	b.Retry = RetryConfig{}
	return a == b
}
