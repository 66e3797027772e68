package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logx "popupguard/pkg/logx"
)

// Store is the persistence API used by the decision manager.
//
// Get returns only the keys that exist. Set writes all items atomically with
// respect to other calls on the same store.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, items map[string]json.RawMessage) error
	Remove(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "none":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// GetJSON decodes the value stored under key into out.
// It reports false (and leaves out untouched) when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	m, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := m[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Items encodes key/value pairs for Set. kv must alternate string keys and values.
func Items(kv ...any) (map[string]json.RawMessage, error) {
	if len(kv)%2 != 0 {
		return nil, errors.New("storage.Items: odd number of arguments")
	}
	out := make(map[string]json.RawMessage, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || strings.TrimSpace(k) == "" {
			return nil, ErrEmptyKey
		}
		b, err := json.Marshal(kv[i+1])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func validKeys(keys []string) error {
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return ErrEmptyKey
		}
	}
	return nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
