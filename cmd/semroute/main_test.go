package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/config"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/transport/memory"
)

func TestParseFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{"-config", "a.yaml, b.yaml", "-debug", "-seed", "defs.yaml"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "defs.yaml", cfg.SeedFile)
}

func TestValidateFlags(t *testing.T) {
	assert.NoError(t, validateFlags(&CLIConfig{LogLevel: "info", LogFormat: "json"}))
	assert.Error(t, validateFlags(&CLIConfig{LogLevel: "loud", LogFormat: "json"}))
	assert.Error(t, validateFlags(&CLIConfig{LogLevel: "info", LogFormat: "xml"}))
	assert.Error(t, validateFlags(&CLIConfig{LogLevel: "info", LogFormat: "json", ConfigPaths: []string{"/nope.yaml"}}))
	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true, LogLevel: "loud"}))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
}

const seedYAML = `
tags:
  hot: {name: Hot}
rules:
  mark-hot:
    enabled: true
    match:
      conditions: [{field: payload.value, operator: gt, value: 30}]
    action: {type: add-tag, tags: [hot]}
pipelines:
  temps:
    topic: sensors/+/temp
    modules: [convert-units]
    rules: [mark-hot]
    republish_topic: "{topic}/f"
    enabled: true
`

func TestApp_MemoryTransportEndToEnd(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "definitions.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0o600))

	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Transport.Subscriptions = []string{"sensors/#"}
	cfg.Definitions.SeedFile = seed
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Modules = []module.Install{{ID: "convert-units", Autostart: true}}
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	a, err := newCore(ctx, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, a.buildBroker())
	require.NoError(t, a.start(ctx))
	defer func() { assert.NoError(t, a.shutdown(2*time.Second)) }()

	broker := a.broker.(*memory.Broker)
	require.NoError(t, broker.Publish(ctx, "sensors/1/temp", []byte(`{"value":40}`), 0, false))

	require.Eventually(t, func() bool {
		for _, p := range broker.Published() {
			if p.Topic == "sensors/1/temp/f" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.admin.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_ShutdownCancelsIntakeBeforeRouter(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Transport.Subscriptions = []string{"sensors/#"}
	cfg.Admin.Addr = ""
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	a, err := newCore(ctx, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, a.buildBroker())
	require.NoError(t, a.start(ctx))

	broker := a.broker.(*memory.Broker)
	for i := 0; i < 50; i++ {
		require.NoError(t, broker.Publish(ctx, "sensors/1/temp", []byte(`{"value":1}`), 0, false))
	}

	start := time.Now()
	require.NoError(t, a.shutdown(2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)

	stats := a.router.Stats()
	assert.False(t, stats.Running)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stats.Received, a.router.Stats().Received)
}
