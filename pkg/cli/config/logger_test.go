package config_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/m-mizutani/flakewatch/pkg/cli/config"
	"github.com/m-mizutani/gt"
)

func TestLogger_Configure(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{
			name:    "Valid level: debug",
			level:   "debug",
			wantErr: false,
		},
		{
			name:    "Valid level: DEBUG (case insensitive)",
			level:   "DEBUG",
			wantErr: false,
		},
		{
			name:    "Valid level: info",
			level:   "info",
			wantErr: false,
		},
		{
			name:    "Valid level: WARN",
			level:   "WARN",
			wantErr: false,
		},
		{
			name:    "Valid level: error",
			level:   "error",
			wantErr: false,
		},
		{
			name:    "Invalid level: invalid",
			level:   "invalid",
			wantErr: true,
		},
		{
			name:    "Invalid level: empty string",
			level:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &config.Logger{
				Level: tt.level,
				JSON:  false,
			}

			result, err := logger.Configure()
			if (err != nil) != tt.wantErr {
				t.Errorf("Configure() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && result == nil {
				t.Error("Configure() returned nil logger for valid input")
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := (&config.Logger{Level: "warn", JSON: true}).New(&buf)
	gt.NoError(t, err)

	logger.Info("hidden message")
	logger.Warn("shown message")

	gt.False(t, strings.Contains(buf.String(), "hidden message"))
	gt.True(t, strings.Contains(buf.String(), "shown message"))
}

func TestLogger_RedactsSecrets(t *testing.T) {
	for _, json := range []bool{true, false} {
		var buf bytes.Buffer
		logger, err := (&config.Logger{Level: "info", JSON: json}).New(&buf)
		gt.NoError(t, err)

		cfg := config.GitHub{
			WebhookSecret: "super-secret-value",
			AppID:         12345,
		}
		logger.Info("configured", slog.Any("github", cfg))

		gt.False(t, strings.Contains(buf.String(), "super-secret-value"))
		gt.True(t, strings.Contains(buf.String(), "12345"))
	}
}

func TestLogger_Flags(t *testing.T) {
	logger := &config.Logger{}
	flags := logger.Flags()

	if len(flags) != 2 {
		t.Errorf("Flags() returned %d flags, want 2", len(flags))
	}

	flagNames := make(map[string]bool)
	for _, flag := range flags {
		names := flag.Names()
		if len(names) > 0 {
			flagNames[names[0]] = true
		}
	}

	if !flagNames["log-level"] {
		t.Error("Missing log-level flag")
	}
	if !flagNames["log-json"] {
		t.Error("Missing log-json flag")
	}
}
