package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures runtime settings for the app builder service.
type Config struct {
	ServiceName  string        `mapstructure:"service_name"`
	ListenAddr   string        `mapstructure:"listen_addr"`
	UserSecret   string        `mapstructure:"user_secret"`
	TempDir      string        `mapstructure:"temp_dir"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	LogLevel     string        `mapstructure:"log_level"`
	Store        StoreConfig   `mapstructure:"store"`
	Publisher    string        `mapstructure:"publisher"`
	GitHub       GitHubConfig  `mapstructure:"github"`
	SFTP         SFTPConfig    `mapstructure:"sftp"`
	Generator    GenConfig     `mapstructure:"generator"`
	Notify       NotifyConfig  `mapstructure:"notify"`
	Pipeline     PipelineCfg   `mapstructure:"pipeline"`
	License      LicenseConfig `mapstructure:"license"`
	Telemetry    Telemetry     `mapstructure:"telemetry"`
}

type StoreConfig struct {
	Backend     string        `mapstructure:"backend"`
	Path        string        `mapstructure:"path"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	RedisTTL    time.Duration `mapstructure:"redis_ttl"`
}

type GitHubConfig struct {
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	APIURL   string `mapstructure:"api_url"`
	Branch   string `mapstructure:"branch"`
}

type SFTPConfig struct {
	Addr        string        `mapstructure:"addr"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	KeyPath     string        `mapstructure:"key_path"`
	Root        string        `mapstructure:"root"`
	SiteBaseURL string        `mapstructure:"site_base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type GenConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	BaseURL    string        `mapstructure:"base_url"`
	APIVersion string        `mapstructure:"api_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Attempts     int           `mapstructure:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type PipelineCfg struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LicenseConfig struct {
	Holder string `mapstructure:"holder"`
}

type Telemetry struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from defaults, an optional .env file, an optional
// configs/config.yaml, and APPBUILDER_* environment variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("APPBUILDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	// Comma separated lists arrive from the environment as a single string.
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = splitList(cfg.CORSOrigins[0])
	}

	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "appbuilder")
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("user_secret", "")
	v.SetDefault("temp_dir", os.TempDir()+"/appbuilder-attachments")
	v.SetDefault("cors_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("max_body_bytes", 25<<20)
	v.SetDefault("log_level", "info")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", os.TempDir()+"/appbuilder/processed_requests.json")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.redis_ttl", 0)

	v.SetDefault("publisher", "github")
	v.SetDefault("github.token", "")
	v.SetDefault("github.username", "")
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.branch", "main")

	v.SetDefault("sftp.addr", "")
	v.SetDefault("sftp.user", "")
	v.SetDefault("sftp.password", "")
	v.SetDefault("sftp.key_path", "")
	v.SetDefault("sftp.root", "/var/www")
	v.SetDefault("sftp.site_base_url", "")
	v.SetDefault("sftp.timeout", 30*time.Second)

	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.model", "gemini-2.5-flash")
	v.SetDefault("generator.base_url", "https://generativelanguage.googleapis.com/")
	v.SetDefault("generator.api_version", "v1beta")
	v.SetDefault("generator.timeout", 120*time.Second)

	v.SetDefault("notify.attempts", 5)
	v.SetDefault("notify.initial_delay", time.Second)
	v.SetDefault("notify.timeout", 30*time.Second)

	v.SetDefault("pipeline.timeout", 10*time.Minute)
	v.SetDefault("license.holder", "")
	v.SetDefault("telemetry.enabled", false)
}

// Validate reports settings that would make the service unusable.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "file", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && strings.TrimSpace(c.Store.DatabaseURL) == "" {
		return fmt.Errorf("store.database_url is required for the postgres backend")
	}
	switch c.Publisher {
	case "github", "sftp":
	default:
		return fmt.Errorf("unknown publisher %q", c.Publisher)
	}
	if c.Publisher == "sftp" && (c.SFTP.Addr == "" || c.SFTP.SiteBaseURL == "") {
		return fmt.Errorf("sftp.addr and sftp.site_base_url are required for the sftp publisher")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
