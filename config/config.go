package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	OnMisbehavingAbort   = "abort"
	OnMisbehavingExclude = "exclude"
)

const envPrefix = "REDIRECT"

var resourcePattern = regexp.MustCompile(`^\S+$`)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
	IdleTimeout string `mapstructure:"idle_timeout"`
	ConnTimeout string `mapstructure:"conn_timeout"`
	AssetsDir   string `mapstructure:"assets_dir"`
}

type ProbeConfig struct {
	Resource      string `mapstructure:"resource"`
	Timeout       string `mapstructure:"timeout"`
	OnMisbehaving string `mapstructure:"on_misbehaving"`
}

type AdminConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Address         string `mapstructure:"address"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	WriteTimeout    string `mapstructure:"write_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"address":        "server.address",
	"env":            "server.environment",
	"idle-timeout":   "server.idle_timeout",
	"conn-timeout":   "server.conn_timeout",
	"assets-dir":     "server.assets_dir",
	"probe-resource": "probe.resource",
	"probe-timeout":  "probe.timeout",
	"on-misbehaving": "probe.on_misbehaving",
	"admin":          "admin.enabled",
	"admin-address":  "admin.address",
	"log-level":      "logging.level",
}

// NewFlagSet declares every flag Load understands.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("address", ":0", "listen address for redirected clients")
	fs.String("env", EnvDev, "environment: dev, staging or prod")
	fs.String("idle-timeout", "300s", "re-probe backends after this long without a client")
	fs.String("conn-timeout", "30s", "deadline for a single client connection")
	fs.String("assets-dir", "", "directory with response pages, embedded pages when empty")
	fs.String("probe-resource", "test.jpg", "resource fetched from each backend to measure latency")
	fs.String("probe-timeout", "10s", "deadline for a single backend probe")
	fs.String("on-misbehaving", OnMisbehavingAbort, "what a backend answering badly does: abort or exclude")
	fs.Bool("admin", false, "serve /metrics and /stats on the admin address")
	fs.String("admin-address", "127.0.0.1:9090", "listen address for the admin endpoints")
	fs.String("log-level", LogLevelInfo, "log level: debug, info, warn or error")
	return fs
}

// Load merges defaults, an optional config file, REDIRECT_ environment
// variables and flags, in increasing order of precedence. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":0")
	v.SetDefault("server.idle_timeout", "300s")
	v.SetDefault("server.conn_timeout", "30s")
	v.SetDefault("server.assets_dir", "")
	v.SetDefault("probe.resource", "test.jpg")
	v.SetDefault("probe.timeout", "10s")
	v.SetDefault("probe.on_misbehaving", OnMisbehavingAbort)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.address", "127.0.0.1:9090")
	v.SetDefault("admin.read_timeout", "15s")
	v.SetDefault("admin.write_timeout", "15s")
	v.SetDefault("admin.shutdown_timeout", "5s")
	v.SetDefault("logging.level", LogLevelInfo)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}

		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Debug("config file not found, using defaults, flags and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.IdleTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&sc.ConnTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Probe,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProbeConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProbeConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.Resource,
						validation.Required,
						validation.Match(resourcePattern).Error("must not contain whitespace"),
					),
					validation.Field(&pc.Timeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&pc.OnMisbehaving,
						validation.Required,
						validation.In(OnMisbehavingAbort, OnMisbehavingExclude),
					),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address,
						validation.When(ac.Enabled, validation.Required),
						validation.By(validateHostPort),
					),
					validation.Field(&ac.ReadTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&ac.WriteTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&ac.ShutdownTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
	)
}

// IdleTimeout is the accept deadline that triggers a new probe cycle.
func (c *Config) IdleTimeout() time.Duration {
	return mustDuration(c.Server.IdleTimeout)
}

// ConnTimeout bounds the handling of a single client connection.
func (c *Config) ConnTimeout() time.Duration {
	return mustDuration(c.Server.ConnTimeout)
}

// ProbeTimeout bounds a single backend probe.
func (c *Config) ProbeTimeout() time.Duration {
	return mustDuration(c.Probe.Timeout)
}

// AdminTimeouts returns the read, write and shutdown bounds of the admin
// server.
func (c *Config) AdminTimeouts() (read, write, shutdown time.Duration) {
	return mustDuration(c.Admin.ReadTimeout), mustDuration(c.Admin.WriteTimeout), mustDuration(c.Admin.ShutdownTimeout)
}

// mustDuration expects a value that already passed Validate.
func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be positive")
	}

	return nil
}
