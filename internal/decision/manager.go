package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"popupguard/internal/eventbus"
	"popupguard/internal/messaging"
	"popupguard/internal/popup"
	"popupguard/internal/storage"
	logx "popupguard/pkg/logx"
)

const (
	// DefaultResponseTimeout is the soft per-popup deadline.
	DefaultResponseTimeout = 30 * time.Second
	// DefaultExpiryThreshold is the hard staleness bound used by cleanup.
	DefaultExpiryThreshold = 5 * time.Minute
	// DefaultNotifyTimeout bounds one outbound notification.
	DefaultNotifyTimeout = 5 * time.Second
	// DefaultPersistTimeout bounds store calls made from timer callbacks.
	DefaultPersistTimeout = 10 * time.Second
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	ResponseTimeout time.Duration
	ExpiryThreshold time.Duration
	HistoryLimit    int
	// RearmRecovered gives entries loaded by Restore a fresh soft timer for
	// their remaining deadline. Otherwise only cleanup can remove them.
	RearmRecovered bool
	NotifyTimeout  time.Duration
	PersistTimeout time.Duration

	Clock Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

func (o Options) withDefaults() Options {
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.ExpiryThreshold <= 0 {
		o.ExpiryThreshold = DefaultExpiryThreshold
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = popup.DefaultHistoryLimit
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = DefaultNotifyTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// Manager owns the set of popups awaiting a decision.
//
// The in-memory map is authoritative: every state change happens there first,
// under mu, and only then are the store and the tab channel called. A call that
// races with another one therefore observes an already-resolved entry instead of
// resolving it twice. persistMu serializes store read-modify-write sequences and
// is always taken before mu.
type Manager struct {
	store   storage.Store
	channel messaging.Channel
	opt     Options
	log     logx.Logger

	mu      sync.Mutex
	pending map[string]*entry
	gen     uint64
	closed  bool

	persistMu sync.Mutex

	notifyFailures atomic.Uint64
}

type entry struct {
	record    popup.ClassificationRecord
	tabID     string
	createdAt time.Time
	// timer is nil for entries restored after a restart that were not re-armed.
	timer Timer
	// gen identifies the timer armed for this entry; a callback whose gen no
	// longer matches belongs to a previous incarnation and is ignored.
	gen       uint64
	recovered bool
}

// RequestResult is the envelope returned by RequestDecision.
type RequestResult struct {
	Success   bool           `json:"success"`
	PopupID   string         `json:"popupId,omitempty"`
	Status    popup.Decision `json:"status,omitempty"`
	Persisted bool           `json:"persisted"`
	Error     string         `json:"error,omitempty"`
}

// ResolveResult is the envelope returned by ResolveDecision.
type ResolveResult struct {
	Success   bool           `json:"success"`
	PopupID   string         `json:"popupId,omitempty"`
	Decision  popup.Decision `json:"decision,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
	Error     string         `json:"error,omitempty"`
}

// PendingInfo is the read-only projection of one pending entry.
type PendingInfo struct {
	PopupID   string         `json:"popupId"`
	Domain    string         `json:"domain"`
	Timestamp time.Time      `json:"timestamp"`
	Status    popup.Decision `json:"status"`
	TabID     string         `json:"tabId"`
	Recovered bool           `json:"recovered,omitempty"`
}

func New(store storage.Store, channel messaging.Channel, opt Options) *Manager {
	opt = opt.withDefaults()
	if channel == nil {
		channel = messaging.Discard
	}
	return &Manager{
		store:   store,
		channel: channel,
		opt:     opt,
		log:     opt.Log,
		pending: map[string]*entry{},
	}
}

// RequestDecision starts waiting for a decision on rec, which was detected in tabID.
//
// The entry is pending as soon as this returns, even if the mirror write fails;
// in that case the result has Persisted=false and err is a *StoreError.
// A second request for an id that is still pending fails with ErrDuplicateID and
// leaves the in-flight entry untouched.
func (m *Manager) RequestDecision(ctx context.Context, rec popup.ClassificationRecord, tabID string) (RequestResult, error) {
	tabID = strings.TrimSpace(tabID)
	if err := rec.Validate(); err != nil {
		return RequestResult{Error: MsgInvalidRecord}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if tabID == "" {
		return RequestResult{PopupID: rec.ID, Error: MsgInvalidRecord}, fmt.Errorf("%w: tab id is required", ErrInvalidRecord)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return RequestResult{PopupID: rec.ID, Error: MsgClosed}, ErrClosed
	}
	if _, exists := m.pending[rec.ID]; exists {
		m.mu.Unlock()
		return RequestResult{PopupID: rec.ID, Error: MsgDuplicateID}, ErrDuplicateID
	}
	rec.UserDecision = popup.DecisionPending
	e := &entry{record: rec, tabID: tabID, createdAt: m.opt.Clock.Now()}
	m.armLocked(rec.ID, e, m.opt.ResponseTimeout)
	m.pending[rec.ID] = e
	m.mu.Unlock()

	m.log.Debug("decision requested", logx.String("popup", rec.ID), logx.String("tab", tabID), logx.String("domain", rec.Domain))
	m.publish(eventbus.TypeRequested, eventbus.DecisionEvent{PopupID: rec.ID, TabID: tabID, Domain: rec.Domain})

	res := RequestResult{Success: true, PopupID: rec.ID, Status: popup.DecisionPending, Persisted: true}
	if err := m.persistPending(ctx, "request"); err != nil {
		m.log.Error("pending mirror write failed", logx.String("popup", rec.ID), logx.Err(err))
		res.Persisted = false
		return res, err
	}
	return res, nil
}

// ResolveDecision records the user's decision for popupID.
//
// Unknown ids fail with ErrNotFound and invalid decisions with ErrInvalidDecision;
// neither mutates any state. If the store write fails the entry is put back so a
// retry can succeed, and err is a *StoreError. A failed tab notification does
// not fail the call.
func (m *Manager) ResolveDecision(ctx context.Context, popupID string, d popup.Decision) (ResolveResult, error) {
	m.mu.Lock()
	e, ok := m.pending[popupID]
	if !ok {
		m.mu.Unlock()
		return ResolveResult{PopupID: popupID, Error: MsgNotFound}, ErrNotFound
	}
	if !d.IsUserChoice() {
		m.mu.Unlock()
		return ResolveResult{PopupID: popupID, Error: MsgInvalidDecision}, fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
	delete(m.pending, popupID)
	armed := e.timer != nil
	stopTimer(e)
	now := m.opt.Clock.Now()
	m.mu.Unlock()

	rec := popup.Finalize(e.record, d, e.createdAt, now)
	if err := m.commit(ctx, rec, "resolve"); err != nil {
		m.log.Error("decision not persisted; entry reinstated", logx.String("popup", popupID), logx.Err(err))
		m.reinstate(popupID, e, armed)
		return ResolveResult{PopupID: popupID, Error: MsgStoreFailure}, err
	}

	m.log.Info("decision resolved",
		logx.String("popup", popupID),
		logx.String("decision", string(d)),
		logx.Int64("response_ms", rec.ResponseTimeMS),
	)
	m.publish(eventbus.TypeResolved, eventbus.DecisionEvent{
		PopupID: popupID, TabID: e.tabID, Domain: rec.Domain, Decision: string(d), ResponseTimeMS: rec.ResponseTimeMS,
	})
	m.notify(ctx, e.tabID, messaging.NewResult(popupID, d, now))

	return ResolveResult{Success: true, PopupID: popupID, Decision: d, Timestamp: now}, nil
}

// onTimeout is the soft-deadline path. It resolves the entry as timeout unless
// it was settled or re-armed in the meantime.
func (m *Manager) onTimeout(popupID string, gen uint64) {
	m.mu.Lock()
	e, ok := m.pending[popupID]
	if !ok || e.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.pending, popupID)
	// The firing timer is already inert; nothing to stop.
	e.timer = nil
	now := m.opt.Clock.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opt.PersistTimeout)
	defer cancel()

	rec := popup.Finalize(e.record, popup.DecisionTimeout, e.createdAt, now)
	if err := m.commit(ctx, rec, "timeout"); err != nil {
		// Keep it visible and resolvable; cleanup removes it if nobody does.
		m.log.Error("timeout not persisted; entry kept for cleanup", logx.String("popup", popupID), logx.Err(err))
		e.recovered = true
		m.reinstateUnarmed(popupID, e)
		return
	}

	m.log.Info("decision timed out", logx.String("popup", popupID), logx.Int64("response_ms", rec.ResponseTimeMS))
	m.publish(eventbus.TypeTimeout, eventbus.DecisionEvent{
		PopupID: popupID, TabID: e.tabID, Domain: rec.Domain, Decision: string(popup.DecisionTimeout), ResponseTimeMS: rec.ResponseTimeMS,
	})
	m.notify(ctx, e.tabID, messaging.NewTimeout(popupID, now))
}

// CleanupExpiredDecisions removes entries older than the expiry threshold
// without recording history. It returns how many were removed.
func (m *Manager) CleanupExpiredDecisions(ctx context.Context) (int, error) {
	m.mu.Lock()
	now := m.opt.Clock.Now()
	var expired []*entry
	var ids []string
	for id, e := range m.pending {
		if now.Sub(e.createdAt) > m.opt.ExpiryThreshold {
			stopTimer(e)
			delete(m.pending, id)
			expired = append(expired, e)
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	for i, id := range ids {
		m.publish(eventbus.TypeExpired, eventbus.DecisionEvent{PopupID: id, TabID: expired[i].tabID, Domain: expired[i].record.Domain})
	}
	m.log.Info("expired pending decisions removed", logx.Int("count", len(ids)))

	if err := m.persistPending(ctx, "cleanup"); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}

// ListPendingDecisions returns every pending entry, oldest first.
func (m *Manager) ListPendingDecisions() []PendingInfo {
	m.mu.Lock()
	out := make([]PendingInfo, 0, len(m.pending))
	for id, e := range m.pending {
		out = append(out, PendingInfo{
			PopupID:   id,
			Domain:    e.record.Domain,
			Timestamp: e.createdAt,
			Status:    popup.DecisionPending,
			TabID:     e.tabID,
			Recovered: e.recovered,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].PopupID < out[j].PopupID
	})
	return out
}

// PendingCount returns the number of pending entries.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// QueryHistory returns persisted outcomes matching f, most recent first.
func (m *Manager) QueryHistory(ctx context.Context, f popup.HistoryFilter) ([]popup.HistoryRecord, error) {
	history, err := m.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	return popup.Query(history, f), nil
}

// Stats summarizes persisted history.
func (m *Manager) Stats(ctx context.Context, topDomains int) (popup.Stats, error) {
	history, err := m.loadHistory(ctx)
	if err != nil {
		return popup.Stats{}, err
	}
	return popup.Summarize(history, topDomains), nil
}

// ClearHistory deletes all persisted outcomes. Pending entries are unaffected.
func (m *Manager) ClearHistory(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.store.Remove(ctx, KeyUserDecisions); err != nil {
		return &StoreError{Op: "clear history", Err: err}
	}
	m.log.Info("decision history cleared")
	return nil
}

// Restore loads the persisted pending mirror after a restart. Entries already
// in memory are kept. Restored entries have no soft timer unless
// Options.RearmRecovered is set.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	mirror, err := m.loadMirror(ctx)
	if err != nil {
		return 0, err
	}

	now := m.opt.Clock.Now()
	n := 0
	m.mu.Lock()
	for id, pm := range mirror {
		if _, exists := m.pending[id]; exists || strings.TrimSpace(id) == "" {
			continue
		}
		rec := pm.Record
		rec.ID = id
		rec.UserDecision = popup.DecisionPending
		e := &entry{record: rec, tabID: pm.TabID, createdAt: pm.CreatedAt, recovered: true}
		if m.opt.RearmRecovered {
			remaining := pm.CreatedAt.Add(m.opt.ResponseTimeout).Sub(now)
			m.armLocked(id, e, max(remaining, 0))
		}
		m.pending[id] = e
		n++
	}
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("pending decisions restored", logx.Int("count", n), logx.Bool("rearmed", m.opt.RearmRecovered))
		m.publish(eventbus.TypeRecovered, eventbus.DecisionEvent{})
	}
	return n, nil
}

// Close stops every timer and rejects new requests. Pending entries stay in the
// persisted mirror for the next process.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, e := range m.pending {
		stopTimer(e)
	}
}

// NotifyFailures counts tab notifications that could not be delivered.
func (m *Manager) NotifyFailures() uint64 { return m.notifyFailures.Load() }

// armLocked starts the soft timer for e. Call with m.mu held.
func (m *Manager) armLocked(popupID string, e *entry, d time.Duration) {
	m.gen++
	gen := m.gen
	e.gen = gen
	e.timer = m.opt.Clock.AfterFunc(d, func() { m.onTimeout(popupID, gen) })
}

// reinstate puts e back after a failed resolve, re-arming its remaining soft
// deadline if it had one.
func (m *Manager) reinstate(popupID string, e *entry, armed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[popupID]; exists || m.closed {
		return
	}
	if armed {
		remaining := e.createdAt.Add(m.opt.ResponseTimeout).Sub(m.opt.Clock.Now())
		m.armLocked(popupID, e, max(remaining, 0))
	}
	m.pending[popupID] = e
}

func (m *Manager) reinstateUnarmed(popupID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[popupID]; exists || m.closed {
		return
	}
	e.timer = nil
	m.pending[popupID] = e
}

func (m *Manager) notify(ctx context.Context, tabID string, msg messaging.Message) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opt.NotifyTimeout)
	defer cancel()
	if err := m.channel.SendToTab(nctx, tabID, msg); err != nil {
		m.notifyFailures.Add(1)
		m.log.Warn("tab notification failed",
			logx.String("tab", tabID),
			logx.String("popup", msg.PopupID),
			logx.String("type", string(msg.Type)),
			logx.Err(err),
		)
	}
}

func (m *Manager) publish(typ string, ev eventbus.DecisionEvent) {
	if m.opt.Bus == nil {
		return
	}
	m.opt.Bus.Publish(eventbus.Event{Type: typ, Time: m.opt.Clock.Now(), Data: ev})
}

// stopTimer cancels e's timer. Stopping a fired or stopped timer is a no-op.
func stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
