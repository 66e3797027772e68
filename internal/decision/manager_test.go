package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popupguard/internal/eventbus"
	"popupguard/internal/messaging"
	"popupguard/internal/popup"
	"popupguard/internal/storage"
)

// fakeClock fires timers synchronously from Advance, outside its own lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c    *fakeClock
	at   time.Time
	f    func()
	done bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.done && !t.at.After(c.now) {
				t.done = true
				due = append(due, t)
			}
		}
		c.mu.Unlock()
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		for _, t := range due {
			t.f()
		}
	}
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type flakyStore struct {
	storage.Store
	failSet atomic.Bool
}

func (s *flakyStore) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if s.failSet.Load() {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, items)
}

type sent struct {
	tabID string
	msg   messaging.Message
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
	fail atomic.Bool
}

func (r *recorder) SendToTab(ctx context.Context, tabID string, msg messaging.Message) error {
	if r.fail.Load() {
		return messaging.ErrTabNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{tabID: tabID, msg: msg})
	return nil
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.msgs...)
}

type harness struct {
	m     *Manager
	clock *fakeClock
	store *flakyStore
	tabs  *recorder
}

func newHarness(t *testing.T, opt Options) *harness {
	t.Helper()
	h := &harness{
		clock: newFakeClock(),
		store: &flakyStore{Store: storage.NewMemory()},
		tabs:  &recorder{},
	}
	opt.Clock = h.clock
	h.m = New(h.store, h.tabs, opt)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) history(t *testing.T) []popup.HistoryRecord {
	t.Helper()
	var out []popup.HistoryRecord
	_, err := storage.GetJSON(context.Background(), h.store, KeyUserDecisions, &out)
	require.NoError(t, err)
	return out
}

func (h *harness) mirror(t *testing.T) map[string]PendingMirror {
	t.Helper()
	var out map[string]PendingMirror
	_, err := storage.GetJSON(context.Background(), h.store, KeyPendingDecisions, &out)
	require.NoError(t, err)
	return out
}

func record(id, domain string) popup.ClassificationRecord {
	return popup.ClassificationRecord{
		ID:         id,
		URL:        "https://" + domain + "/page",
		Domain:     domain,
		Timestamp:  time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC),
		Confidence: 0.87,
		Characteristics: popup.Characteristics{
			Dimensions: popup.Dimensions{Width: 400, Height: 300},
		},
	}
}

func TestResolveRecordsHistoryAndNotifiesTab(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	res, err := h.m.RequestDecision(ctx, record("p1", "news.example"), "42")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Persisted)
	assert.Equal(t, popup.DecisionPending, res.Status)
	assert.Contains(t, h.mirror(t), "p1")

	h.clock.Advance(2 * time.Second)
	out, err := h.m.ResolveDecision(ctx, "p1", popup.DecisionClose)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, popup.DecisionClose, out.Decision)
	assert.Equal(t, h.clock.Now(), out.Timestamp)

	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, "p1", hist[0].ID)
	assert.Equal(t, popup.DecisionClose, hist[0].UserDecision)
	assert.Equal(t, int64(2000), hist[0].ResponseTimeMS)
	assert.Equal(t, 0.87, hist[0].Confidence)
	assert.Empty(t, h.mirror(t))
	assert.Zero(t, h.m.PendingCount())

	msgs := h.tabs.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].tabID)
	assert.Equal(t, messaging.TypeDecisionResult, msgs[0].msg.Type)
	assert.Equal(t, popup.DecisionClose, msgs[0].msg.Decision)

	// The soft timer was cancelled.
	assert.Zero(t, h.clock.active())
	h.clock.Advance(time.Minute)
	assert.Len(t, h.history(t), 1)
}

func TestTimeoutRecordsTimeoutOutcome(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.m.RequestDecision(context.Background(), record("p1", "a.example"), "1")
	require.NoError(t, err)

	h.clock.Advance(29 * time.Second)
	assert.Empty(t, h.history(t))

	h.clock.Advance(time.Second)
	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, popup.DecisionTimeout, hist[0].UserDecision)
	assert.Equal(t, int64(30000), hist[0].ResponseTimeMS)
	assert.Zero(t, h.m.PendingCount())
	assert.Empty(t, h.mirror(t))

	msgs := h.tabs.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.TypeDecisionTimeout, msgs[0].msg.Type)
	assert.Equal(t, "p1", msgs[0].msg.PopupID)

	out, err := h.m.ResolveDecision(context.Background(), "p1", popup.DecisionKeep)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, MsgNotFound, out.Error)
	assert.Len(t, h.history(t), 1)
}

func TestResolveRejectsUnknownAndInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	out, err := h.m.ResolveDecision(ctx, "missing", popup.DecisionClose)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, out.Success)
	assert.Equal(t, "Popup not found in pending decisions", out.Error)

	// Existence is checked before the decision value.
	_, err = h.m.ResolveDecision(ctx, "missing", popup.Decision("maybe"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	require.NoError(t, err)

	for _, d := range []popup.Decision{"maybe", popup.DecisionTimeout, popup.DecisionPending, ""} {
		out, err = h.m.ResolveDecision(ctx, "p1", d)
		assert.ErrorIs(t, err, ErrInvalidDecision, "decision %q", d)
		assert.Equal(t, MsgInvalidDecision, out.Error)
	}
	assert.Equal(t, 1, h.m.PendingCount())
	assert.Empty(t, h.history(t))
	assert.Empty(t, h.tabs.all())

	_, err = h.m.ResolveDecision(ctx, "p1", popup.DecisionDismiss)
	require.NoError(t, err)
}

func TestRequestRejectsDuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	_, err := h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	require.NoError(t, err)
	h.clock.Advance(20 * time.Second)

	res, err := h.m.RequestDecision(ctx, record("p1", "a.example"), "2")
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.False(t, res.Success)

	// The original deadline is unchanged by the rejected duplicate.
	h.clock.Advance(10 * time.Second)
	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, popup.DecisionTimeout, hist[0].UserDecision)

	_, err = h.m.RequestDecision(ctx, record("", "a.example"), "1")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = h.m.RequestDecision(ctx, record("p2", "a.example"), " ")
	assert.ErrorIs(t, err, ErrInvalidRecord)

	// A settled id may be requested again.
	_, err = h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	assert.NoError(t, err)
}

func TestConcurrentPopupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	for i, tab := range []string{"1", "1", "2"} {
		_, err := h.m.RequestDecision(ctx, record(fmt.Sprintf("p%d", i), "a.example"), tab)
		require.NoError(t, err)
	}
	assert.Len(t, h.m.ListPendingDecisions(), 3)

	h.clock.Advance(5 * time.Second)
	_, err := h.m.ResolveDecision(ctx, "p1", popup.DecisionKeep)
	require.NoError(t, err)
	assert.Len(t, h.m.ListPendingDecisions(), 2)

	h.clock.Advance(25 * time.Second)
	assert.Zero(t, h.m.PendingCount())

	byID := map[string]popup.HistoryRecord{}
	for _, r := range h.history(t) {
		byID[r.ID] = r
	}
	require.Len(t, byID, 3)
	assert.Equal(t, popup.DecisionTimeout, byID["p0"].UserDecision)
	assert.Equal(t, popup.DecisionKeep, byID["p1"].UserDecision)
	assert.Equal(t, popup.DecisionTimeout, byID["p2"].UserDecision)
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	seed := make([]popup.HistoryRecord, popup.DefaultHistoryLimit)
	for i := range seed {
		seed[i] = popup.Finalize(record(fmt.Sprintf("old-%03d", i), "a.example"), popup.DecisionKeep, h.clock.Now(), h.clock.Now())
	}
	items, err := storage.Items(KeyUserDecisions, seed)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, items))

	_, err = h.m.RequestDecision(ctx, record("new", "b.example"), "1")
	require.NoError(t, err)
	_, err = h.m.ResolveDecision(ctx, "new", popup.DecisionClose)
	require.NoError(t, err)

	hist := h.history(t)
	require.Len(t, hist, popup.DefaultHistoryLimit)
	assert.Equal(t, "old-001", hist[0].ID)
	assert.Equal(t, "new", hist[len(hist)-1].ID)
}

func TestCleanupRemovesStaleEntriesWithoutHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	now := h.clock.Now()

	mirror := map[string]PendingMirror{
		"stale": {Record: record("stale", "a.example"), TabID: "1", CreatedAt: now.Add(-10 * time.Minute), Status: popup.DecisionPending},
		"fresh": {Record: record("fresh", "a.example"), TabID: "1", CreatedAt: now.Add(-time.Minute), Status: popup.DecisionPending},
	}
	items, err := storage.Items(KeyPendingDecisions, mirror)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, items))

	n, err := h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, p := range h.m.ListPendingDecisions() {
		assert.True(t, p.Recovered)
	}
	assert.Zero(t, h.clock.active())

	removed, err := h.m.CleanupExpiredDecisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	pending := h.m.ListPendingDecisions()
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].PopupID)
	assert.Empty(t, h.history(t))
	assert.NotContains(t, h.mirror(t), "stale")
	assert.Empty(t, h.tabs.all())

	// A recovered entry can still be resolved by the user.
	_, err = h.m.ResolveDecision(ctx, "fresh", popup.DecisionClose)
	require.NoError(t, err)
	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(time.Minute/time.Millisecond), hist[0].ResponseTimeMS)
}

func TestCleanupStopsTimers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{ResponseTimeout: time.Hour, ExpiryThreshold: time.Minute})
	_, err := h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	removed, err := h.m.CleanupExpiredDecisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, h.clock.active())

	h.clock.Advance(time.Hour)
	assert.Empty(t, h.history(t))
}

func TestRestoreRearmsRemainingDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{RearmRecovered: true})
	now := h.clock.Now()

	mirror := map[string]PendingMirror{
		"overdue": {Record: record("overdue", "a.example"), TabID: "1", CreatedAt: now.Add(-time.Minute)},
		"later":   {Record: record("later", "a.example"), TabID: "1", CreatedAt: now.Add(-10 * time.Second)},
	}
	items, err := storage.Items(KeyPendingDecisions, mirror)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, items))

	_, err = h.m.Restore(ctx)
	require.NoError(t, err)

	h.clock.Advance(0)
	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, "overdue", hist[0].ID)

	h.clock.Advance(20 * time.Second)
	assert.Len(t, h.history(t), 2)
	assert.Zero(t, h.m.PendingCount())
}

func TestResolveStoreFailureKeepsEntryPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_, err := h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	require.NoError(t, err)

	h.store.failSet.Store(true)
	out, err := h.m.ResolveDecision(ctx, "p1", popup.DecisionClose)
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.False(t, out.Success)
	assert.Equal(t, MsgStoreFailure, out.Error)
	assert.Equal(t, 1, h.m.PendingCount())
	assert.Empty(t, h.tabs.all())

	h.store.failSet.Store(false)
	_, err = h.m.ResolveDecision(ctx, "p1", popup.DecisionClose)
	require.NoError(t, err)
	assert.Len(t, h.history(t), 1)
	assert.Zero(t, h.clock.active())
}

func TestResolveStoreFailureKeepsDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_, err := h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	h.store.failSet.Store(true)
	_, err = h.m.ResolveDecision(ctx, "p1", popup.DecisionClose)
	require.Error(t, err)
	h.store.failSet.Store(false)

	h.clock.Advance(20 * time.Second)
	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, popup.DecisionTimeout, hist[0].UserDecision)
	assert.Equal(t, int64(30000), hist[0].ResponseTimeMS)
}

func TestRequestStoreFailureStillPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.failSet.Store(true)

	res, err := h.m.RequestDecision(context.Background(), record("p1", "a.example"), "1")
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.True(t, res.Success)
	assert.False(t, res.Persisted)
	assert.Equal(t, 1, h.m.PendingCount())
}

func TestTimeoutStoreFailureLeavesEntryForCleanup(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.m.RequestDecision(context.Background(), record("p1", "a.example"), "1")
	require.NoError(t, err)

	h.store.failSet.Store(true)
	h.clock.Advance(30 * time.Second)
	pending := h.m.ListPendingDecisions()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Recovered)
	assert.Empty(t, h.tabs.all())

	h.store.failSet.Store(false)
	h.clock.Advance(5 * time.Minute)
	removed, err := h.m.CleanupExpiredDecisions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, h.history(t))
}

func TestNotificationFailureDoesNotFailResolve(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.m.RequestDecision(context.Background(), record("p1", "a.example"), "1")
	require.NoError(t, err)

	h.tabs.fail.Store(true)
	out, err := h.m.ResolveDecision(context.Background(), "p1", popup.DecisionKeep)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, uint64(1), h.m.NotifyFailures())
	assert.Len(t, h.history(t), 1)
}

func TestQueryHistoryAndStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	steps := []struct {
		id, domain string
		d          popup.Decision
	}{
		{"a", "x.example", popup.DecisionClose},
		{"b", "y.example", popup.DecisionKeep},
		{"c", "x.example", popup.DecisionDismiss},
	}
	for _, s := range steps {
		_, err := h.m.RequestDecision(ctx, record(s.id, s.domain), "1")
		require.NoError(t, err)
		h.clock.Advance(time.Second)
		_, err = h.m.ResolveDecision(ctx, s.id, s.d)
		require.NoError(t, err)
	}

	got, err := h.m.QueryHistory(ctx, popup.HistoryFilter{Domain: "x.example"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	got, err = h.m.QueryHistory(ctx, popup.HistoryFilter{Decision: popup.DecisionKeep})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	st, err := h.m.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, int64(1000), st.AvgResponseTimeMS)
	require.Len(t, st.TopDomains, 1)
	assert.Equal(t, "x.example", st.TopDomains[0].Domain)

	require.NoError(t, h.m.ClearHistory(ctx))
	got, err = h.m.QueryHistory(ctx, popup.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	h := newHarness(t, Options{Bus: bus})
	ctx := context.Background()
	_, err := h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	require.NoError(t, err)
	_, err = h.m.ResolveDecision(ctx, "p1", popup.DecisionClose)
	require.NoError(t, err)
	_, err = h.m.RequestDecision(ctx, record("p2", "a.example"), "1")
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{
		eventbus.TypeRequested,
		eventbus.TypeResolved,
		eventbus.TypeRequested,
		eventbus.TypeTimeout,
	}, types)
}

func TestCloseRejectsRequests(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.m.RequestDecision(context.Background(), record("p1", "a.example"), "1")
	require.NoError(t, err)

	h.m.Close()
	assert.Zero(t, h.clock.active())
	_, err = h.m.RequestDecision(context.Background(), record("p2", "a.example"), "1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, MsgClosed, Message(err))
	// Pending state survives in the mirror for the next process.
	assert.Contains(t, h.mirror(t), "p1")
}

func TestConcurrentResolveSettlesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_, err := h.m.RequestDecision(ctx, record("p1", "a.example"), "1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for _, d := range []popup.Decision{popup.DecisionClose, popup.DecisionKeep, popup.DecisionDismiss, popup.DecisionClose} {
		wg.Add(1)
		go func(d popup.Decision) {
			defer wg.Done()
			if _, err := h.m.ResolveDecision(ctx, "p1", d); err == nil {
				wins.Add(1)
			}
		}(d)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, h.history(t), 1)
	assert.Len(t, h.tabs.all(), 1)
}
