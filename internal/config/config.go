// Package config loads runtime settings from an optional scriptgate.yaml and
// SCRIPTGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "SCRIPTGATE"

type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	Database  Database  `mapstructure:"database"`
	Auth      Auth      `mapstructure:"auth"`
	Authority Authority `mapstructure:"authority"`
	Backup    Backup    `mapstructure:"backup"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Catalog   Catalog   `mapstructure:"catalog"`
	Admin     Admin     `mapstructure:"admin"`
}

type HTTP struct {
	Addr         string        `mapstructure:"addr"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"`
	RateBurst    int           `mapstructure:"rate_burst"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	ShutdownWait time.Duration `mapstructure:"shutdown_wait"`
}

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Auth struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// PendingTTL bounds the gap between redeeming a key and enrolling.
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}

type Authority struct {
	// Target is the gRPC address of the remote authority. Empty selects the
	// in-process authority.
	Target     string        `mapstructure:"target"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	RateBurst  int           `mapstructure:"rate_burst"`
	AuthTTL    time.Duration `mapstructure:"auth_ttl"`
}

type Backup struct {
	Dir          string        `mapstructure:"dir"`
	Compress     bool          `mapstructure:"compress"`
	AutoKeep     int           `mapstructure:"auto_keep"`
	AutoInterval time.Duration `mapstructure:"auto_interval"`
	AutoOnStart  bool          `mapstructure:"auto_on_start"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type Catalog struct {
	// SeedFile replaces the built-in default catalog when set.
	SeedFile string `mapstructure:"seed_file"`
}

type Admin struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// New returns a viper instance with defaults, the config search path and
// environment binding applied. file may be empty.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("scriptgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.scriptgate")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_per_sec", 20.0)
	v.SetDefault("http.rate_burst", 40)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.shutdown_wait", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:scriptgate.db?_pragma=busy_timeout(5000)")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "scriptgate")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.pending_ttl", 15*time.Minute)

	v.SetDefault("authority.target", "")
	v.SetDefault("authority.api_key", "")
	v.SetDefault("authority.timeout", 15*time.Second)
	v.SetDefault("authority.rate_per_sec", 5.0)
	v.SetDefault("authority.rate_burst", 5)
	v.SetDefault("authority.auth_ttl", 5*time.Minute)

	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.compress", false)
	v.SetDefault("backup.auto_keep", 10)
	v.SetDefault("backup.auto_interval", time.Duration(0))
	v.SetDefault("backup.auto_on_start", true)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "scriptgate.audit")

	v.SetDefault("catalog.seed_file", "")

	v.SetDefault("admin.email", "")
	v.SetDefault("admin.password", "")
}

// Load reads file (or the default search path) and the environment. A
// missing default config file is not an error; a missing explicit one is.
func Load(file string) (Config, error) {
	v := New(file)
	if err := ReadIn(v, file); err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// ReadIn reads the config file into a viper built by New with the same file.
func ReadIn(v *viper.Viper, file string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Lists from the environment arrive comma separated and untrimmed.
	cfg.Kafka.Brokers = splitList(strings.Join(cfg.Kafka.Brokers, ","))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "pgx", "postgres", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Authority.Target != "" && c.Authority.APIKey == "" {
		return errors.New("config: authority.api_key is required with authority.target")
	}
	if c.Backup.AutoKeep < 1 {
		return errors.New("config: backup.auto_keep must be at least 1")
	}
	if c.Authority.Timeout <= 0 {
		return errors.New("config: authority.timeout must be positive")
	}
	return nil
}

// KafkaEnabled reports whether audit entries should be fanned out to Kafka.
func (c Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 && c.Kafka.Topic != "" }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
