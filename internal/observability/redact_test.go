package observability

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/feedrelay/internal/config"
)

func TestSensitiveKeysRedacted(t *testing.T) {
	tests := []struct {
		fieldName     string
		sensitiveData string
	}{
		{"password", "secret123"},
		{"Password", "MyP@ssw0rd"},
		{"token", "jwt-token-abc"},
		{"api_key", "api-key-value"},
		{"ApiKey", "AK_67890"},
		{"credential", "cred-abc"},
		{"dsn", "postgres://feedrelay:hunter2@db/feedrelay"},
	}

	for _, tt := range tests {
		t.Run(tt.fieldName, func(t *testing.T) {
			var buf bytes.Buffer
			logger := jsonLogger(&buf, "info")
			logger.Info("test message", slog.String(tt.fieldName, tt.sensitiveData))

			assert.NotContains(t, buf.String(), tt.sensitiveData)
			assert.Contains(t, buf.String(), redacted)
		})
	}
}

func TestSensitiveKeyInGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")
	logger.Info("grouped",
		slog.Group("credentials",
			slog.String("username", "admin"),
			slog.String("password", "secret123"),
		),
	)

	assert.Contains(t, buf.String(), "admin")
	assert.NotContains(t, buf.String(), "secret123")
}

func TestURLParameterRedaction(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		value string
		param string
	}{
		{"password", "tcp://cam.local:6000?password=secret123", "secret123", "password"},
		{"upper case", "http://example.com/api?PASSWORD=MySecret", "MySecret", "PASSWORD"},
		{"token", "http://example.com/v1?token=abc123xyz", "abc123xyz", "token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := jsonLogger(&buf, "info")
			logger.Info("request", slog.String("url", tt.url))

			assert.NotContains(t, buf.String(), tt.value)
			assert.Contains(t, buf.String(), tt.param+"=[REDACTED]")
		})
	}
}

func TestNonSensitiveDataNotRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")
	logger.Info("feed",
		slog.String("feed_id", "1"),
		slog.String("url", "udp://10.0.0.2:8554?pkt_size=1316"),
		slog.Int("count", 42),
	)

	assert.Contains(t, buf.String(), "pkt_size=1316")
	assert.Contains(t, buf.String(), "42")
	assert.NotContains(t, buf.String(), redacted)
}

func TestTaggedStructFieldRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")
	logger.Info("database", slog.Any("config", config.DatabaseConfig{
		Driver: "postgres",
		DSN:    "host=db password=hunter2",
	}))

	assert.Contains(t, buf.String(), "postgres")
	assert.NotContains(t, buf.String(), "hunter2")
}
