// Package config loads the orchestrator's settings: an optional TOML
// file as the base layer, overridden by ICICLE_-prefixed environment
// variables using a double-underscore nesting convention
// (ICICLE_SERVER__PORT overrides server.port).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address returns the bind address in host:port form.
func (s ServerSettings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type WebhookSettings struct {
	// Secret is the optional shared secret used to verify the
	// X-Hub-Signature-256 header on incoming events. Verification is
	// skipped when empty.
	Secret string `mapstructure:"secret"`
}

type CacheSettings struct {
	// CacheURL is the binary cache substituter queried for existing
	// outputs (nix path-info --store <url>).
	CacheURL string `mapstructure:"cache_url"`
	// AtticCacheName is the push target (attic push <name> <paths>).
	AtticCacheName string `mapstructure:"attic_cache_name"`
}

type NixSettings struct {
	EvalTimeoutSecs int64 `mapstructure:"eval_timeout_secs"`
	// DefaultAttrSet is the attribute path evaluated when an event
	// doesn't select one explicitly (e.g. "checks.x86_64-linux").
	DefaultAttrSet string `mapstructure:"default_attr_set"`
}

func (s NixSettings) EvalTimeout() time.Duration {
	return time.Duration(s.EvalTimeoutSecs) * time.Second
}

type BuildSettings struct {
	MaxConcurrentBuilds int64 `mapstructure:"max_concurrent_builds"`
	BuildTimeoutSecs    int64 `mapstructure:"build_timeout_secs"`
}

func (s BuildSettings) BuildTimeout() time.Duration {
	return time.Duration(s.BuildTimeoutSecs) * time.Second
}

type DatabaseSettings struct {
	// Path is the location of the embedded sqlite database, or a
	// postgres:// connection string for a shared deployment.
	Path string `mapstructure:"path"`
}

type GitHubSettings struct {
	// AppID and PrivateKeyPath authenticate commit-status updates as a
	// GitHub App installation. Status posting is disabled when AppID is
	// zero.
	AppID          int64  `mapstructure:"app_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	InstallationID int64  `mapstructure:"installation_id"`
	// StatusTargetURL is the base URL linked from posted commit
	// statuses, typically this server's own dashboard address.
	StatusTargetURL string `mapstructure:"status_target_url"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
	// Levels holds per-subsystem overrides ("Scheduler=debug,WebhookAPI=trace").
	// Names are matched exactly against the names passed to the log
	// factory.
	Levels string `mapstructure:"levels"`
}

// Settings is the complete configuration surface of the orchestrator.
type Settings struct {
	Server   ServerSettings   `mapstructure:"server"`
	Webhook  WebhookSettings  `mapstructure:"webhook"`
	Cache    CacheSettings    `mapstructure:"cache"`
	Nix      NixSettings      `mapstructure:"nix"`
	Build    BuildSettings    `mapstructure:"build"`
	Database DatabaseSettings `mapstructure:"database"`
	GitHub   GitHubSettings   `mapstructure:"github"`
	Log      LogSettings      `mapstructure:"log"`
}

// Validate checks settings combinations that cannot work at runtime.
func (s *Settings) Validate() error {
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", s.Server.Port)
	}
	if s.Build.MaxConcurrentBuilds <= 0 {
		return fmt.Errorf("build.max_concurrent_builds must be positive, got %d", s.Build.MaxConcurrentBuilds)
	}
	if s.Build.BuildTimeoutSecs <= 0 {
		return fmt.Errorf("build.build_timeout_secs must be positive, got %d", s.Build.BuildTimeoutSecs)
	}
	if s.Nix.EvalTimeoutSecs <= 0 {
		return fmt.Errorf("nix.eval_timeout_secs must be positive, got %d", s.Nix.EvalTimeoutSecs)
	}
	if s.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if s.GitHub.AppID != 0 && s.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github.private_key_path must be set when github.app_id is configured")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("cache.cache_url", "")
	v.SetDefault("cache.attic_cache_name", "")
	v.SetDefault("nix.eval_timeout_secs", 300)
	v.SetDefault("nix.default_attr_set", "checks")
	v.SetDefault("build.max_concurrent_builds", 4)
	v.SetDefault("build.build_timeout_secs", 3600)
	v.SetDefault("database.path", "icicle.db")
	v.SetDefault("github.app_id", 0)
	v.SetDefault("github.private_key_path", "")
	v.SetDefault("github.installation_id", 0)
	v.SetDefault("github.status_target_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.levels", "")
}

// Load reads configFile (optional; the default config/default.toml is
// used when empty and simply skipped if absent), applies environment
// overrides and validates the result.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ICICLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("default")
		v.SetConfigType("toml")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("reading default config: %w", err)
			}
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("unmarshalling settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}
