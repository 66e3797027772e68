package app

import (
	"context"
	"fmt"

	"popupguard/internal/config"
	"popupguard/internal/decision"
	"popupguard/internal/messaging"
	"popupguard/internal/storage"
	logx "popupguard/pkg/logx"
)

// Offline binds a decision manager to the configured store with no transport.
// One-shot CLI commands use it to inspect or maintain state while the server
// is not running. Restored entries are never re-armed and notifications are
// dropped.
type Offline struct {
	Manager *decision.Manager
	Store   storage.Store
}

// OpenOffline loads cfgPath, opens its store and restores pending decisions.
// Logs go to stderr at warn level so command output stays parseable.
func OpenOffline(ctx context.Context, cfgPath string) (*Offline, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load(true)
	if err != nil {
		return nil, err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole("warn")

	store, err := storage.Open(storageConfig(r), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	opt := decisionOptions(r, nil, log.With(logx.String("comp", "decision")))
	opt.RearmRecovered = false
	mgr := decision.New(store, messaging.Discard, opt)
	if _, err := mgr.Restore(ctx); err != nil {
		mgr.Close()
		_ = store.Close()
		return nil, err
	}
	return &Offline{Manager: mgr, Store: store}, nil
}

func (o *Offline) Close() error {
	o.Manager.Close()
	return o.Store.Close()
}
