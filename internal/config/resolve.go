package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "popupguard/pkg/logx"
)

// Defaults applied by Resolve when a field is omitted.
const (
	DefaultAddr            = "127.0.0.1:8787"
	DefaultResponseTimeout = 30 * time.Second
	DefaultExpiryThreshold = 5 * time.Minute
	DefaultHistoryLimit    = 500
	DefaultNotifyTimeout   = 5 * time.Second
	DefaultCleanupSchedule = "1m"
	DefaultCleanupTimeout  = 30 * time.Second
	DefaultQueueSize       = 32
	DefaultRatePerSec      = 50
	DefaultRetryMax        = 3
	DefaultRetryBase       = 200 * time.Millisecond
	DefaultRetryMaxDelay   = 2 * time.Second
	DefaultSendTimeout     = 2 * time.Second
	DefaultStorageDriver   = "file"
	DefaultStoragePath     = "./data/popupguard.db"
	DefaultMaxPollWait     = 25 * time.Second
)

// Resolved is Config with defaults applied and durations parsed.
type Resolved struct {
	Logging logx.Config

	Server struct {
		Addr           string
		AllowedOrigins []string
		ReadTimeout    time.Duration
		WriteTimeout   time.Duration
		IdleTimeout    time.Duration
		MaxPollWait    time.Duration
		Pprof          PprofConfig
	}

	Decisions struct {
		ResponseTimeout time.Duration
		ExpiryThreshold time.Duration
		HistoryLimit    int
		NotifyTimeout   time.Duration
		RearmRecovered  bool
	}

	Cleanup struct {
		Schedule string
		Timezone string
		Timeout  time.Duration
	}

	Channel struct {
		QueueSize     int
		RatePerSec    int
		RetryMax      int
		RetryBase     time.Duration
		RetryMaxDelay time.Duration
		SendTimeout   time.Duration
	}

	Storage struct {
		Driver       string
		Path         string
		BusyTimeout  time.Duration
		CompactEvery int
	}
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Server:  ServerConfig{Addr: DefaultAddr},
		Cleanup: CleanupConfig{Schedule: DefaultCleanupSchedule},
		Storage: StorageConfig{Driver: DefaultStorageDriver, Path: DefaultStoragePath},
	}
}

// Resolve validates c and applies defaults. All problems are reported together.
func (c *Config) Resolve() (*Resolved, error) {
	if c == nil {
		c = Default()
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDuration(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	r := &Resolved{}

	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}
	r.Logging = logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       strings.TrimSpace(c.Logging.File.Path),
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
			Compress:   c.Logging.File.Compress,
		},
	}

	r.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if r.Server.Addr == "" {
		r.Server.Addr = DefaultAddr
	}
	r.Server.AllowedOrigins = c.Server.AllowedOrigins
	r.Server.ReadTimeout = dur("server.read_timeout", c.Server.ReadTimeout, 10*time.Second)
	r.Server.MaxPollWait = dur("server.max_poll_wait", c.Server.MaxPollWait, DefaultMaxPollWait)
	r.Server.WriteTimeout = dur("server.write_timeout", c.Server.WriteTimeout, r.Server.MaxPollWait+15*time.Second)
	r.Server.IdleTimeout = dur("server.idle_timeout", c.Server.IdleTimeout, 60*time.Second)
	if r.Server.WriteTimeout <= r.Server.MaxPollWait {
		errs = append(errs, fmt.Errorf("server.write_timeout (%s) must exceed server.max_poll_wait (%s)", r.Server.WriteTimeout, r.Server.MaxPollWait))
	}
	r.Server.Pprof = c.Server.Pprof
	if r.Server.Pprof.Enabled && strings.TrimSpace(r.Server.Pprof.Token) == "" {
		errs = append(errs, errors.New("server.pprof.token: required when pprof is enabled"))
	}

	r.Decisions.ResponseTimeout = dur("decisions.response_timeout", c.Decisions.ResponseTimeout, DefaultResponseTimeout)
	r.Decisions.ExpiryThreshold = dur("decisions.expiry_threshold", c.Decisions.ExpiryThreshold, DefaultExpiryThreshold)
	r.Decisions.NotifyTimeout = dur("decisions.notify_timeout", c.Decisions.NotifyTimeout, DefaultNotifyTimeout)
	r.Decisions.HistoryLimit = defaultInt(c.Decisions.HistoryLimit, DefaultHistoryLimit)
	r.Decisions.RearmRecovered = c.Decisions.RearmRecovered
	if c.Decisions.HistoryLimit < 0 {
		errs = append(errs, errors.New("decisions.history_limit: must be >= 0"))
	}

	r.Cleanup.Schedule = strings.TrimSpace(c.Cleanup.Schedule)
	if r.Cleanup.Schedule == "" {
		r.Cleanup.Schedule = DefaultCleanupSchedule
	}
	r.Cleanup.Timezone = strings.TrimSpace(c.Cleanup.Timezone)
	if r.Cleanup.Timezone != "" {
		if _, err := time.LoadLocation(r.Cleanup.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("cleanup.timezone: %w", err))
		}
	}
	r.Cleanup.Timeout = dur("cleanup.timeout", c.Cleanup.Timeout, DefaultCleanupTimeout)

	r.Channel.QueueSize = defaultInt(c.Channel.QueueSize, DefaultQueueSize)
	r.Channel.RatePerSec = defaultInt(c.Channel.RatePerSec, DefaultRatePerSec)
	r.Channel.RetryMax = c.Channel.RetryMax
	if r.Channel.RetryMax == 0 {
		r.Channel.RetryMax = DefaultRetryMax
	}
	if r.Channel.RetryMax < 0 {
		// Negative disables retries.
		r.Channel.RetryMax = 0
	}
	r.Channel.RetryBase = dur("channel.retry_base", c.Channel.RetryBase, DefaultRetryBase)
	r.Channel.RetryMaxDelay = dur("channel.retry_max_delay", c.Channel.RetryMaxDelay, DefaultRetryMaxDelay)
	r.Channel.SendTimeout = dur("channel.send_timeout", c.Channel.SendTimeout, DefaultSendTimeout)

	r.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if r.Storage.Driver == "" {
		r.Storage.Driver = DefaultStorageDriver
	}
	switch r.Storage.Driver {
	case "memory", "none", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	r.Storage.Path = strings.TrimSpace(c.Storage.Path)
	if r.Storage.Path == "" {
		r.Storage.Path = DefaultStoragePath
	}
	r.Storage.BusyTimeout = dur("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	r.Storage.CompactEvery = c.Storage.CompactEvery

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Validate reports whether c resolves cleanly.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses an optional non-negative duration; empty or zero
// yields def.
func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
