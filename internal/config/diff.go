package config

import (
	"reflect"

	logx "popupguard/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and safe log attributes
// describing the new values. Tokens are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Int("server.origins", len(newCfg.Server.AllowedOrigins)),
			logx.Bool("server.pprof", newCfg.Server.Pprof.Enabled),
		)
	}
	if oldCfg.Decisions != newCfg.Decisions {
		changed = append(changed, "decisions")
		attrs = append(attrs,
			logx.String("decisions.response_timeout", newCfg.Decisions.ResponseTimeout),
			logx.String("decisions.expiry_threshold", newCfg.Decisions.ExpiryThreshold),
		)
	}
	if oldCfg.Cleanup != newCfg.Cleanup {
		changed = append(changed, "cleanup")
		attrs = append(attrs, logx.String("cleanup.schedule", newCfg.Cleanup.Schedule))
	}
	if oldCfg.Channel != newCfg.Channel {
		changed = append(changed, "channel")
		attrs = append(attrs, logx.Int("channel.rate_per_sec", newCfg.Channel.RatePerSec))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		out = append(out, "server")
	}
	if oldCfg.Decisions != newCfg.Decisions {
		out = append(out, "decisions")
	}
	if oldCfg.Channel.QueueSize != newCfg.Channel.QueueSize {
		out = append(out, "channel.queue_size")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	return out
}
