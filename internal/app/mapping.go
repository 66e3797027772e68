package app

import (
	"context"
	"fmt"

	"popupguard/internal/config"
	"popupguard/internal/decision"
	"popupguard/internal/eventbus"
	"popupguard/internal/messaging"
	"popupguard/internal/storage"
	"popupguard/internal/task/scheduler"
	"popupguard/internal/transport/httpapi"
	logx "popupguard/pkg/logx"
)

// CleanupJobName is the scheduler entry that sweeps expired decisions.
const CleanupJobName = "decisions.cleanup"

// validateConfig is the hot-reload gate. A rejected config is never committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	r, err := cfg.Resolve()
	if err != nil {
		return err
	}
	if _, err := scheduler.ParseSchedule(r.Cleanup.Schedule); err != nil {
		return fmt.Errorf("cleanup.schedule: %w", err)
	}
	return nil
}

func storageConfig(r *config.Resolved) storage.Config {
	return storage.Config{
		Driver:       r.Storage.Driver,
		Path:         r.Storage.Path,
		BusyTimeout:  r.Storage.BusyTimeout,
		CompactEvery: r.Storage.CompactEvery,
	}
}

func limitedConfig(r *config.Resolved) messaging.LimitedConfig {
	return messaging.LimitedConfig{
		RatePerSec:    r.Channel.RatePerSec,
		RetryMax:      r.Channel.RetryMax,
		RetryBase:     r.Channel.RetryBase,
		RetryMaxDelay: r.Channel.RetryMaxDelay,
		SendTimeout:   r.Channel.SendTimeout,
	}
}

func decisionOptions(r *config.Resolved, bus eventbus.Bus, log logx.Logger) decision.Options {
	return decision.Options{
		ResponseTimeout: r.Decisions.ResponseTimeout,
		ExpiryThreshold: r.Decisions.ExpiryThreshold,
		HistoryLimit:    r.Decisions.HistoryLimit,
		RearmRecovered:  r.Decisions.RearmRecovered,
		NotifyTimeout:   r.Decisions.NotifyTimeout,
		Bus:             bus,
		Log:             log,
	}
}

func schedulerConfig(r *config.Resolved) scheduler.Config {
	return scheduler.Config{
		Timezone:       r.Cleanup.Timezone,
		DefaultTimeout: r.Cleanup.Timeout,
	}
}

func serverConfig(r *config.Resolved) httpapi.Config {
	cfg := httpapi.Config{
		Addr:           r.Server.Addr,
		AllowedOrigins: r.Server.AllowedOrigins,
		ReadTimeout:    r.Server.ReadTimeout,
		WriteTimeout:   r.Server.WriteTimeout,
		IdleTimeout:    r.Server.IdleTimeout,
		MaxPollWait:    r.Server.MaxPollWait,
	}
	if r.Server.Pprof.Enabled {
		cfg.PprofToken = r.Server.Pprof.Token
	}
	return cfg
}
