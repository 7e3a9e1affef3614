package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procapi-go/health"
	"github.com/glimte/procapi-go/internal/config"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "queue", "health", "version"})

	for _, flag := range []string{"config", "queue", "redis", "timeout", "listen-addr", "otlp-endpoint"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--timeout", "0s"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "procapi dev")
}

func TestNewLogger(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	logger := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = newLogger(config.LogConfig{Level: "error", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestPrintHealth(t *testing.T) {
	var out bytes.Buffer
	printHealth(&out, health.OverallHealth{
		Status:   health.StatusDegraded,
		Metadata: map[string]interface{}{"version": "dev", "queue": "rpc_queue"},
		Checks:   map[string]health.CheckResult{
			"redis":    {Name: "redis", Status: health.StatusDegraded, Message: "Redis ping failed", Error: "connection refused"},
			"rabbitmq": {Name: "rabbitmq", Status: health.StatusHealthy, Message: "Connected"},
		},
	})

	text := out.String()
	require.Contains(t, text, "System Health: degraded")
	assert.Contains(t, text, "queue=rpc_queue version=dev")
	assert.Contains(t, text, "connection refused")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("rabbitmq")), bytes.Index(out.Bytes(), []byte("redis")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
