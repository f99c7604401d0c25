// Package config loads server settings from defaults, an optional YAML
// file, QUERYDESK_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "QUERYDESK"

type Config struct {
	Addr          string
	Socket        string
	DB            string
	KeysFile      string
	JWTSecret     string
	NATSURL       string
	TransferTTL   time.Duration
	PendingTTL    time.Duration
	SweepInterval time.Duration
	FanoutBuffer  int
	LogLevel      string
	LogFormat     string
}

// flag name, config key, default, usage
var settings = []struct {
	flag, key string
	def       any
	usage     string
}{
	{"addr", "addr", "127.0.0.1:7338", "HTTP listen address"},
	{"socket", "socket", "", "optional unix socket path"},
	{"db", "db", "querydesk.db", "SQLite database path (:memory: for ephemeral)"},
	{"keys-file", "keys_file", "querydesk.keys.yaml", "API keys file"},
	{"jwt-secret", "jwt_secret", "", "HS256 secret for session tokens"},
	{"nats-url", "nats_url", "", "NATS server for cross-instance fanout"},
	{"transfer-ttl", "transfer_ttl", 24 * time.Hour, "auto-decline transfers older than this"},
	{"pending-ttl", "pending_ttl", 72 * time.Hour, "expire pending queries older than this"},
	{"sweep-interval", "sweep_interval", time.Minute, "how often the sweeper runs"},
	{"fanout-buffer", "fanout_buffer", 1024, "queued notifications before dropping"},
	{"log-level", "log_level", "info", "debug, info, warn or error"},
	{"log-format", "log_format", "text", "text or json"},
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// RegisterFlags adds one flag per setting to fs and binds it into v.
func RegisterFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, s := range settings {
		switch def := s.def.(type) {
		case string:
			fs.String(s.flag, def, s.usage)
		case int:
			fs.Int(s.flag, def, s.usage)
		case time.Duration:
			fs.Duration(s.flag, def, s.usage)
		}
		if err := v.BindPFlag(s.key, fs.Lookup(s.flag)); err != nil {
			return fmt.Errorf("bind %s: %w", s.flag, err)
		}
	}
	return nil
}

// Load reads path when set and returns the merged settings.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := Config{
		Addr:          v.GetString("addr"),
		Socket:        v.GetString("socket"),
		DB:            v.GetString("db"),
		KeysFile:      v.GetString("keys_file"),
		JWTSecret:     v.GetString("jwt_secret"),
		NATSURL:       v.GetString("nats_url"),
		TransferTTL:   v.GetDuration("transfer_ttl"),
		PendingTTL:    v.GetDuration("pending_ttl"),
		SweepInterval: v.GetDuration("sweep_interval"),
		FanoutBuffer:  v.GetInt("fanout_buffer"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DB == "" {
		errs = append(errs, errors.New("db is required"))
	}
	for name, d := range map[string]time.Duration{
		"transfer_ttl":   c.TransferTTL,
		"pending_ttl":    c.PendingTTL,
		"sweep_interval": c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.FanoutBuffer <= 0 {
		errs = append(errs, fmt.Errorf("fanout_buffer must be positive, got %d", c.FanoutBuffer))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
