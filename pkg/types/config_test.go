package types

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{DataDir: "/tmp/data"}.WithDefaults()

	tests := []struct {
		name    string
		config  func() Config
		wantErr error
	}{
		{
			name:    "empty DataDir returns ErrDataDirEmpty",
			config:  func() Config { c := valid; c.DataDir = ""; return c },
			wantErr: ErrDataDirEmpty,
		},
		{
			name:    "zero batch size returns ErrBatchSizeInvalid",
			config:  func() Config { c := valid; c.PushBatchSize = 0; return c },
			wantErr: ErrBatchSizeInvalid,
		},
		{
			name:    "negative pacing returns ErrDurationInvalid",
			config:  func() Config { c := valid; c.PushPacing = -time.Second; return c },
			wantErr: ErrDurationInvalid,
		},
		{
			name:    "unknown log level",
			config:  func() Config { c := valid; c.LogLevel = "loud"; return c },
			wantErr: ErrLogLevelUnknown,
		},
		{
			name:    "unknown log format",
			config:  func() Config { c := valid; c.LogFormat = "xml"; return c },
			wantErr: ErrLogFormatUnknown,
		},
		{
			name:    "defaults are valid",
			config:  func() Config { return valid },
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config().Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{DataDir: "/tmp/data", PushBatchSize: 50}.WithDefaults()

	if c.PushBatchSize != 50 {
		t.Errorf("PushBatchSize = %d, want explicit 50 kept", c.PushBatchSize)
	}
	if c.PushExpirationWindow != DefaultPushExpirationWindow {
		t.Errorf("PushExpirationWindow = %v, want %v", c.PushExpirationWindow, DefaultPushExpirationWindow)
	}
	if c.ReadableEntityRefreshTTL != DefaultReadableEntityRefreshTTL {
		t.Errorf("ReadableEntityRefreshTTL = %v, want %v", c.ReadableEntityRefreshTTL, DefaultReadableEntityRefreshTTL)
	}
	if c.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", c.LogLevel, DefaultLogLevel)
	}
}

func TestConfigValidateRemote(t *testing.T) {
	c := Config{DataDir: "/tmp/data"}.WithDefaults()
	if err := c.ValidateRemote(); !errors.Is(err, ErrBaseURLEmpty) {
		t.Fatalf("expected ErrBaseURLEmpty, got %v", err)
	}
	c.BaseURL = "https://sync.example.com/api"
	if err := c.ValidateRemote(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
