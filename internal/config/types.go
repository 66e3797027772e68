package config

// Config is the on-disk configuration. Unknown fields are rejected.
//
// All durations are Go duration strings ("500ms", "30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Server    ServerConfig    `json:"server"`
	Decisions DecisionsConfig `json:"decisions"`
	Cleanup   CleanupConfig   `json:"cleanup"`
	Channel   ChannelConfig   `json:"channel"`
	Storage   StorageConfig   `json:"storage"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

// FileLogConfig is the rotating JSON log file. Sizes are megabytes, ages days.
type FileLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ServerConfig controls the HTTP API the extension talks to.
//
// Defaults:
//   - addr: "127.0.0.1:8787"
//   - read_timeout: "10s"
//   - write_timeout: "40s" (must exceed the long-poll wait)
//   - idle_timeout: "60s"
//   - max_poll_wait: "25s"
type ServerConfig struct {
	Addr           string      `json:"addr"`
	AllowedOrigins []string    `json:"allowed_origins,omitempty"`
	ReadTimeout    string      `json:"read_timeout,omitempty"`
	WriteTimeout   string      `json:"write_timeout,omitempty"`
	IdleTimeout    string      `json:"idle_timeout,omitempty"`
	MaxPollWait    string      `json:"max_poll_wait,omitempty"`
	Pprof          PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts net/http/pprof under /debug/pprof on the API server.
// A non-empty Token is required as a bearer token or ?token= query.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// DecisionsConfig holds the two independent expiry mechanisms.
type DecisionsConfig struct {
	ResponseTimeout string `json:"response_timeout,omitempty"`
	ExpiryThreshold string `json:"expiry_threshold,omitempty"`
	HistoryLimit    int    `json:"history_limit,omitempty"`
	NotifyTimeout   string `json:"notify_timeout,omitempty"`

	// RearmRecovered gives entries restored after a restart a soft timer for
	// the rest of their response window.
	RearmRecovered bool `json:"rearm_recovered,omitempty"`
}

// CleanupConfig controls the periodic hard-expiry sweep.
//
// Schedule accepts cron ("*/1 * * * *"), HH:MM ("00:01") or a duration ("1m").
type CleanupConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// ChannelConfig controls outbound tab notifications.
type ChannelConfig struct {
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig selects the persistence driver: "file" (default), "sqlite" or "memory".
type StorageConfig struct {
	Driver       string `json:"driver,omitempty"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}
