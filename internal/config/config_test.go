package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"decisions":{"response_timeout":"10s","history_limit":50},"storage":{"driver":"sqlite","path":"x.db"}}`)
	cfg, err := NewConfigManager(jsonPath).Load(false)
	require.NoError(t, err)
	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, r.Decisions.ResponseTimeout)
	assert.Equal(t, 50, r.Decisions.HistoryLimit)
	assert.Equal(t, "sqlite", r.Storage.Driver)

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "cleanup:\n  schedule: \"*/2 * * * *\"\nchannel:\n  rate_per_sec: 5\n")
	cfg, err = NewConfigManager(yamlPath).Load(false)
	require.NoError(t, err)
	assert.Equal(t, "*/2 * * * *", cfg.Cleanup.Schedule)
	assert.Equal(t, 5, cfg.Channel.RatePerSec)
}

func TestStrictDecodeRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()

	p := filepath.Join(dir, "config.json")
	writeFile(t, p, `{"decisions":{"respons_timeout":"10s"}}`)
	_, err := NewConfigManager(p).Load(false)
	assert.ErrorContains(t, err, "unknown field")

	writeFile(t, p, `{}{}`)
	_, err = NewConfigManager(p).Load(false)
	assert.ErrorContains(t, err, "trailing data")

	y := filepath.Join(dir, "config.yml")
	writeFile(t, y, "telegram:\n  token: x\n")
	_, err = NewConfigManager(y).Load(false)
	assert.ErrorContains(t, err, "unknown field")
}

func TestLoadMissingFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "absent.json")
	_, err := NewConfigManager(p).Load(false)
	assert.ErrorIs(t, err, os.ErrNotExist)

	m := NewConfigManager(p)
	cfg, err := m.Load(true)
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, DefaultStorageDriver, cfg.Storage.Driver)
}

func TestResolveDefaults(t *testing.T) {
	r, err := (&Config{}).Resolve()
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, r.Server.Addr)
	assert.Equal(t, 30*time.Second, r.Decisions.ResponseTimeout)
	assert.Equal(t, 5*time.Minute, r.Decisions.ExpiryThreshold)
	assert.Equal(t, 500, r.Decisions.HistoryLimit)
	assert.Equal(t, "1m", r.Cleanup.Schedule)
	assert.Equal(t, "file", r.Storage.Driver)
	assert.Equal(t, 32, r.Channel.QueueSize)
	assert.Greater(t, r.Server.WriteTimeout, r.Server.MaxPollWait)
}

func TestResolveCollectsErrors(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Decisions: DecisionsConfig{ResponseTimeout: "soon", HistoryLimit: -1},
		Server:    ServerConfig{WriteTimeout: "5s", Pprof: PprofConfig{Enabled: true}},
		Storage:   StorageConfig{Driver: "redis"},
		Cleanup:   CleanupConfig{Timezone: "Mars/Olympus"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"logging.level",
		"decisions.response_timeout",
		"decisions.history_limit",
		"server.write_timeout",
		"server.pprof.token",
		"storage.driver",
		"cleanup.timezone",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Cleanup.Schedule = "30s"
	b.Storage.Driver = "sqlite"
	b.Server.Pprof = PprofConfig{Enabled: true, Token: "secret"}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"server", "cleanup", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"server", "storage"}, RestartRequired(a, b))

	changed, _ = SummarizeConfigChange(a, Default())
	assert.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, p, `{"cleanup":{"schedule":"1m"}}`)

	m := NewConfigManager(p)
	_, err := m.Load(false)
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return cfg.Validate() })
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, p, `{"storage":{"driver":"redis"}}`)
	select {
	case <-ch:
		t.Fatal("invalid config must not be published")
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, p, `{"cleanup":{"schedule":"30s"}}`)
	select {
	case cfg := <-ch:
		assert.Equal(t, "30s", cfg.Cleanup.Schedule)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}

	cancel()
	assert.NoError(t, <-done)
	m.Unsubscribe(ch)
}
