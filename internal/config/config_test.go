package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7878", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Normalizer.Window)
	assert.Equal(t, 2*time.Minute, cfg.Policy.ConfirmTimeout)
	assert.Equal(t, EnforcerNoop, cfg.Policy.Enforcer)
	assert.Equal(t, 10, cfg.Detectors.PortScanThreshold)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
http_addr: "[::1]:9000"
nats_url: nats://127.0.0.1:4222
rules:
  dir: /etc/nets/rules.d
  hot_reload: true
  debounce: 2s
normalizer:
  window: 10s
  ingest_ceiling: 5000
detectors:
  port_scan_threshold: 25
  proxy_ports: [8080, 3128]
policy:
  confirm_timeout: 5m
  max_retries: 1
  auto_confirm: [c2-beacon]
  escalations:
    builtin.port_scan: 15m
  enforcer: iptables
storage:
  archive_path: /var/lib/nets/archive.jsonl.zst
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "[::1]:9000", cfg.HTTPAddr)
	assert.True(t, cfg.Rules.HotReload)
	assert.Equal(t, 2*time.Second, cfg.Rules.Debounce)
	assert.Equal(t, 10*time.Second, cfg.Normalizer.Window)
	assert.Equal(t, 65536, cfg.Normalizer.MaxKeys, "unset keys keep defaults")
	assert.Equal(t, 5000, cfg.Normalizer.IngestCeiling)
	assert.Equal(t, 25, cfg.Detectors.PortScanThreshold)
	assert.Equal(t, []uint16{8080, 3128}, cfg.Detectors.ProxyPorts)
	assert.Equal(t, 5*time.Minute, cfg.Policy.ConfirmTimeout)
	assert.Equal(t, 1, cfg.Policy.MaxRetries)
	assert.Equal(t, []string{"c2-beacon"}, cfg.Policy.AutoConfirm)
	assert.Equal(t, 15*time.Minute, cfg.Policy.Escalations["builtin.port_scan"])
	assert.Equal(t, EnforcerIptables, cfg.Policy.Enforcer)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NETS_HTTP_ADDR", "localhost:8000")
	t.Setenv("NETS_WORKERS", "8")
	t.Setenv("NETS_CONFIRM_TIMEOUT", "30s")
	t.Setenv("NETS_AUTO_CONFIRM", "a, b,,c")
	t.Setenv("NETS_HOT_RELOAD", "true")
	t.Setenv("NETS_MAX_KEYS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:8000", cfg.HTTPAddr)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 30*time.Second, cfg.Policy.ConfirmTimeout)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Policy.AutoConfirm)
	assert.True(t, cfg.Rules.HotReload)
	assert.Equal(t, 65536, cfg.Normalizer.MaxKeys)
}

func TestValidate_RejectsNonLocalEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http wildcard", func(c *Config) { c.HTTPAddr = ":7878" }},
		{"http lan", func(c *Config) { c.HTTPAddr = "192.168.1.10:7878" }},
		{"nats remote", func(c *Config) { c.NATSURL = "nats://broker.example.com:4222" }},
		{"nats cluster with remote member", func(c *Config) { c.NATSURL = "nats://127.0.0.1:4222,nats://10.0.0.2:4222" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotLoopback)
		})
	}
}

func TestValidate_Ranges(t *testing.T) {
	cfg := Default()
	cfg.Normalizer.Window = time.Millisecond
	cfg.Pipeline.Workers = 0
	cfg.Policy.Enforcer = "pf"
	cfg.Policy.Escalations = map[string]time.Duration{"builtin.port_scan": 0}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"normalizer.window", "pipeline", "policy.enforcer", "policy.escalations.builtin.port_scan"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "rules: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "nets.example.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Rules.HotReload)
	assert.Equal(t, 20000, cfg.Normalizer.IngestCeiling)
	assert.Equal(t, 10*time.Minute, cfg.Policy.Escalations["builtin.arp_spoofing"])
	assert.Equal(t, EnforcerNoop, cfg.Policy.Enforcer)
	assert.Equal(t, "/var/lib/nets/archive.zst", cfg.Storage.ArchivePath)
}
