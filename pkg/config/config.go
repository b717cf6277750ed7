// Package config provides YAML-based configuration loading for lxmesh.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // DisplayName is the human-readable name carried in announces
    DisplayName string `mapstructure:"display_name"`

    // DataDir base directory for persistent data
    DataDir string `mapstructure:"data_dir"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Identity controls the node's cryptographic identity.
    Identity IdentityConfig `mapstructure:"identity"`

    // Router holds delivery-router tuning
    Router RouterConfig `mapstructure:"router"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// IdentityConfig describes cryptographic identity settings.
type IdentityConfig struct {
    PrivateKey     string `mapstructure:"private_key"`      // base64url(no padding) of raw private key bytes
    PrivateKeyFile string `mapstructure:"private_key_file"` // path to file containing base64 or raw bytes
}

// RouterConfig tunes the delivery router.
type RouterConfig struct {
    // StampCost is the proof-of-work cost required for inbound delivery; 0 disables
    StampCost int `mapstructure:"stamp_cost"`
    // EnforceStamps rejects inbound messages without a valid stamp
    EnforceStamps bool `mapstructure:"enforce_stamps"`
    // PropagationOnly forces all outbound traffic through a propagation node
    PropagationOnly bool `mapstructure:"propagation_only"`
    // FallbackToPropagation reroutes to a relay when the recipient is unreachable
    FallbackToPropagation bool `mapstructure:"fallback_to_propagation"`
    // PropagationNode optionally pins a relay by hex destination hash
    PropagationNode string `mapstructure:"propagation_node"`

    QueueCapacity  int `mapstructure:"queue_capacity"`
    FailedCapacity int `mapstructure:"failed_capacity"`
    TableCapacity  int `mapstructure:"table_capacity"`
    LinkCapacity   int `mapstructure:"link_capacity"`

    // AnnounceIntervalS is the periodic announce interval in seconds; 0 announces once at startup
    AnnounceIntervalS int `mapstructure:"announce_interval_s"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        DisplayName: "lxmesh-node",
        DataDir:     "./data",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/lxmesh.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Router: RouterConfig{
            AnnounceIntervalS: 1800,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix LXMESH and `.`/`-` are replaced with `_`.
// Example: LXMESH_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("LXMESH")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("display_name", cfg.DisplayName)
    v.SetDefault("data_dir", cfg.DataDir)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    // Identity defaults
    v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
    v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
    // Router defaults
    v.SetDefault("router.stamp_cost", cfg.Router.StampCost)
    v.SetDefault("router.enforce_stamps", cfg.Router.EnforceStamps)
    v.SetDefault("router.propagation_only", cfg.Router.PropagationOnly)
    v.SetDefault("router.fallback_to_propagation", cfg.Router.FallbackToPropagation)
    v.SetDefault("router.propagation_node", cfg.Router.PropagationNode)
    v.SetDefault("router.queue_capacity", cfg.Router.QueueCapacity)
    v.SetDefault("router.failed_capacity", cfg.Router.FailedCapacity)
    v.SetDefault("router.table_capacity", cfg.Router.TableCapacity)
    v.SetDefault("router.link_capacity", cfg.Router.LinkCapacity)
    v.SetDefault("router.announce_interval_s", cfg.Router.AnnounceIntervalS)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("LXMESH_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `lxmesh`
        v.SetConfigName("lxmesh")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".lxmesh"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if c.Router.StampCost < 0 || c.Router.StampCost > 255 {
        return fmt.Errorf("invalid router.stamp_cost: %d", c.Router.StampCost)
    }
    if strings.TrimSpace(c.DisplayName) == "" {
        c.DisplayName = "lxmesh-node"
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
