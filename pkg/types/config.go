package types

import "time"

// Defaults applied by Config.WithDefaults.
const (
	DefaultPushBatchSize            = 1000
	DefaultPushExpirationWindow     = 5 * time.Second
	DefaultPushPacing               = 500 * time.Millisecond
	DefaultReadableEntityRefreshTTL = 10 * time.Minute
	DefaultHTTPTimeout              = 30 * time.Second
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
)

// Recognized log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

var knownLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Config holds the settings consumed by the client core.
type Config struct {
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`

	// OwnerID is stamped into sync_owner_id on locally inserted rows when
	// the entity declares that attribute.
	OwnerID string `json:"owner_id" yaml:"owner_id" mapstructure:"owner_id"`

	PushBatchSize            int           `json:"push_batch_size" yaml:"push_batch_size" mapstructure:"push_batch_size"`
	PushExpirationWindow     time.Duration `json:"push_expiration_window" yaml:"push_expiration_window" mapstructure:"push_expiration_window"`
	PushPacing               time.Duration `json:"push_pacing" yaml:"push_pacing" mapstructure:"push_pacing"`
	ReadableEntityRefreshTTL time.Duration `json:"readable_entity_refresh_ttl" yaml:"readable_entity_refresh_ttl" mapstructure:"readable_entity_refresh_ttl"`
	HTTPTimeout              time.Duration `json:"http_timeout" yaml:"http_timeout" mapstructure:"http_timeout"`

	LogLevel  string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" mapstructure:"log_format"`
	LogFile   string `json:"log_file" yaml:"log_file" mapstructure:"log_file"`
}

// WithDefaults returns a copy of c with zero-valued settings replaced by
// their defaults. Negative durations are left alone so Validate rejects them.
func (c Config) WithDefaults() Config {
	if c.PushBatchSize == 0 {
		c.PushBatchSize = DefaultPushBatchSize
	}
	if c.PushExpirationWindow == 0 {
		c.PushExpirationWindow = DefaultPushExpirationWindow
	}
	if c.PushPacing == 0 {
		c.PushPacing = DefaultPushPacing
	}
	if c.ReadableEntityRefreshTTL == 0 {
		c.ReadableEntityRefreshTTL = DefaultReadableEntityRefreshTTL
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	return c
}

// Validate checks that the Config is well-formed. It returns a sentinel
// error from this package on failure. BaseURL is only required by callers
// that talk to the remote, so it is checked by ValidateRemote.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirEmpty
	}
	if c.PushBatchSize <= 0 {
		return ErrBatchSizeInvalid
	}
	for _, d := range []time.Duration{
		c.PushExpirationWindow, c.PushPacing, c.ReadableEntityRefreshTTL, c.HTTPTimeout,
	} {
		if d < 0 {
			return ErrDurationInvalid
		}
	}
	if c.LogLevel != "" && !knownLogLevels[c.LogLevel] {
		return ErrLogLevelUnknown
	}
	if c.LogFormat != "" && c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		return ErrLogFormatUnknown
	}
	return nil
}

// ValidateRemote runs Validate and additionally requires a base URL.
func (c Config) ValidateRemote() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BaseURL == "" {
		return ErrBaseURLEmpty
	}
	return nil
}
