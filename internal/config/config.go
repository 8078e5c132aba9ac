// Package config loads the client configuration from config.yaml,
// HORUS_* environment variables and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/horus/internal/paths"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HORUS"

// Keys as they appear in config.yaml.
const (
	KeyDataDir                  = "data_dir"
	KeyBaseURL                  = "base_url"
	KeyOwnerID                  = "owner_id"
	KeyPushBatchSize            = "push_batch_size"
	KeyPushExpirationWindow     = "push_expiration_window"
	KeyPushPacing               = "push_pacing"
	KeyReadableEntityRefreshTTL = "readable_entity_refresh_ttl"
	KeyHTTPTimeout              = "http_timeout"
	KeyLogLevel                 = "log_level"
	KeyLogFormat                = "log_format"
	KeyLogFile                  = "log_file"
)

// envKeys are bound to HORUS_<KEY>. data_dir is resolved by paths so the
// config file outranks HORUS_DATA_DIR.
var envKeys = []string{
	KeyBaseURL, KeyOwnerID, KeyPushBatchSize, KeyPushExpirationWindow, KeyPushPacing,
	KeyReadableEntityRefreshTTL, KeyHTTPTimeout, KeyLogLevel, KeyLogFormat, KeyLogFile,
}

const header = "# horus client configuration\n# Environment variables HORUS_<KEY> override these values.\n\n"

// Load builds a Config from, in increasing precedence, defaults, config.yaml
// in configDir, environment variables and overrides. Empty override values
// are ignored. A missing config file is not an error.
func Load(configDir string, overrides map[string]any) (types.Config, error) {
	v := viper.New()
	defaults := types.Config{}.WithDefaults()
	v.SetDefault(KeyPushBatchSize, defaults.PushBatchSize)
	v.SetDefault(KeyPushExpirationWindow, defaults.PushExpirationWindow)
	v.SetDefault(KeyPushPacing, defaults.PushPacing)
	v.SetDefault(KeyReadableEntityRefreshTTL, defaults.ReadableEntityRefreshTTL)
	v.SetDefault(KeyHTTPTimeout, defaults.HTTPTimeout)
	v.SetDefault(KeyLogLevel, defaults.LogLevel)
	v.SetDefault(KeyLogFormat, defaults.LogFormat)
	v.SetDefault(KeyDataDir, "")
	v.SetDefault(KeyBaseURL, "")
	v.SetDefault(KeyOwnerID, "")
	v.SetDefault(KeyLogFile, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return types.Config{}, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	v.SetConfigFile(paths.ConfigFile(configDir))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	flagDataDir := ""
	for k, val := range overrides {
		if s, ok := val.(string); ok && s == "" {
			continue
		}
		if k == KeyDataDir {
			flagDataDir, _ = val.(string)
			continue
		}
		v.Set(k, val)
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	dataDir, err := paths.ResolveDataDir(flagDataDir, v.GetString(KeyDataDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = dataDir

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// fileConfig is the subset of Config written to a fresh config.yaml.
type fileConfig struct {
	BaseURL                  string `yaml:"base_url"`
	DataDir                  string `yaml:"data_dir,omitempty"`
	OwnerID                  string `yaml:"owner_id"`
	PushBatchSize            int    `yaml:"push_batch_size"`
	PushExpirationWindow     string `yaml:"push_expiration_window"`
	PushPacing               string `yaml:"push_pacing"`
	ReadableEntityRefreshTTL string `yaml:"readable_entity_refresh_ttl"`
	HTTPTimeout              string `yaml:"http_timeout"`
	LogLevel                 string `yaml:"log_level"`
	LogFormat                string `yaml:"log_format"`
}

// EnsureFile creates configDir and writes a default config.yaml when none
// exists. The file carries a fresh device owner id. It reports whether a
// file was written.
func EnsureFile(configDir, baseURL, dataDir string) (bool, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	path := paths.ConfigFile(configDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	d := types.Config{}.WithDefaults()
	data, err := yaml.Marshal(fileConfig{
		BaseURL:                  baseURL,
		DataDir:                  dataDir,
		OwnerID:                  uuid.NewString(),
		PushBatchSize:            d.PushBatchSize,
		PushExpirationWindow:     d.PushExpirationWindow.String(),
		PushPacing:               d.PushPacing.String(),
		ReadableEntityRefreshTTL: d.ReadableEntityRefreshTTL.String(),
		HTTPTimeout:              d.HTTPTimeout.String(),
		LogLevel:                 d.LogLevel,
		LogFormat:                d.LogFormat,
	})
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
