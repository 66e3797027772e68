package decision

import (
	"context"
	"time"

	"popupguard/internal/popup"
	"popupguard/internal/storage"
)

// Store keys of the two persisted collections.
const (
	KeyUserDecisions    = "userDecisions"
	KeyPendingDecisions = "pendingDecisions"
)

// PendingMirror is the serializable form of a pending entry. The timer is never
// persisted; TimeoutID is always null.
type PendingMirror struct {
	Record    popup.ClassificationRecord `json:"record"`
	TabID     string                     `json:"tabId"`
	CreatedAt time.Time                  `json:"createdAt"`
	Status    popup.Decision             `json:"status"`
	TimeoutID *int64                     `json:"timeoutId"`
}

// mirrorLocked snapshots the pending map. Call with m.mu held.
func (m *Manager) mirrorLocked() map[string]PendingMirror {
	out := make(map[string]PendingMirror, len(m.pending))
	for id, e := range m.pending {
		out[id] = PendingMirror{
			Record:    e.record,
			TabID:     e.tabID,
			CreatedAt: e.createdAt,
			Status:    popup.DecisionPending,
		}
	}
	return out
}

func (m *Manager) mirror() map[string]PendingMirror {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mirrorLocked()
}

// persistPending writes the current pending mirror.
func (m *Manager) persistPending(ctx context.Context, op string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	items, err := storage.Items(KeyPendingDecisions, m.mirror())
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if err := m.store.Set(ctx, items); err != nil {
		return &StoreError{Op: op, Err: err}
	}
	return nil
}

// commit appends rec to history and writes it together with the current
// pending mirror in a single Set.
func (m *Manager) commit(ctx context.Context, rec popup.HistoryRecord, op string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	var history []popup.HistoryRecord
	if _, err := storage.GetJSON(ctx, m.store, KeyUserDecisions, &history); err != nil {
		return &StoreError{Op: op, Err: err}
	}
	history = popup.Upsert(history, rec, m.opt.HistoryLimit)

	items, err := storage.Items(
		KeyUserDecisions, history,
		KeyPendingDecisions, m.mirror(),
	)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if err := m.store.Set(ctx, items); err != nil {
		return &StoreError{Op: op, Err: err}
	}
	return nil
}

func (m *Manager) loadHistory(ctx context.Context) ([]popup.HistoryRecord, error) {
	var history []popup.HistoryRecord
	if _, err := storage.GetJSON(ctx, m.store, KeyUserDecisions, &history); err != nil {
		return nil, &StoreError{Op: "history", Err: err}
	}
	return history, nil
}

func (m *Manager) loadMirror(ctx context.Context) (map[string]PendingMirror, error) {
	var mirror map[string]PendingMirror
	if _, err := storage.GetJSON(ctx, m.store, KeyPendingDecisions, &mirror); err != nil {
		return nil, &StoreError{Op: "restore", Err: err}
	}
	return mirror, nil
}
