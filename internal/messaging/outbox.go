package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	logx "popupguard/pkg/logx"
)

// DefaultQueueSize bounds each tab's undelivered messages.
const DefaultQueueSize = 32

// Outbox is a Channel backed by per-tab queues that the page context drains by
// long-polling. Tabs must be opened before they can receive messages.
//
// When a tab's queue is full the oldest message is dropped to make room.
type Outbox struct {
	mu        sync.Mutex
	tabs      map[string]*tabQueue
	queueSize int
	log       logx.Logger
}

type tabQueue struct {
	msgs     []Message
	notify   chan struct{} // cap 1; signals new messages to a poller
	closed   chan struct{} // closed when the tab is closed
	openedAt time.Time
	lastPoll time.Time
	dropped  int
}

// TabInfo is a read-only view of one registered tab.
type TabInfo struct {
	TabID    string    `json:"tabId"`
	Queued   int       `json:"queued"`
	Dropped  int       `json:"dropped"`
	OpenedAt time.Time `json:"openedAt"`
	LastPoll time.Time `json:"lastPoll,omitzero"`
}

func NewOutbox(queueSize int, log logx.Logger) *Outbox {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Outbox{tabs: map[string]*tabQueue{}, queueSize: queueSize, log: log}
}

// tabKey is the map key for tabID. Every method looks tabs up through it.
func tabKey(tabID string) string { return strings.TrimSpace(tabID) }

// Open registers tabID. It reports false if the tab was already open.
func (o *Outbox) Open(tabID string) (bool, error) {
	tabID = tabKey(tabID)
	if tabID == "" {
		return false, ErrEmptyTabID
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tabs[tabID]; ok {
		return false, nil
	}
	o.tabs[tabID] = &tabQueue{
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		openedAt: time.Now(),
	}
	return true, nil
}

// Close unregisters tabID, discarding undelivered messages and waking pollers.
func (o *Outbox) Close(tabID string) bool {
	tabID = tabKey(tabID)
	o.mu.Lock()
	q, ok := o.tabs[tabID]
	undelivered := 0
	if ok {
		delete(o.tabs, tabID)
		undelivered = len(q.msgs)
		close(q.closed)
	}
	o.mu.Unlock()
	if undelivered > 0 {
		o.log.Debug("tab closed with undelivered messages", logx.String("tab", tabID), logx.Int("count", undelivered))
	}
	return ok
}

func (o *Outbox) SendToTab(ctx context.Context, tabID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tabID = tabKey(tabID)
	o.mu.Lock()
	q, ok := o.tabs[tabID]
	if !ok {
		o.mu.Unlock()
		return ErrTabNotFound
	}
	if len(q.msgs) >= o.queueSize {
		q.msgs = q.msgs[1:]
		q.dropped++
		o.log.Warn("tab queue overflow; dropped oldest message", logx.String("tab", tabID), logx.Int("size", o.queueSize))
	}
	q.msgs = append(q.msgs, msg)
	o.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Poll drains queued messages for tabID. If none are queued it waits up to wait
// for one to arrive. An empty result with nil error means the wait elapsed.
func (o *Outbox) Poll(ctx context.Context, tabID string, wait time.Duration) ([]Message, error) {
	msgs, q, err := o.drain(tabID)
	if err != nil || len(msgs) > 0 || wait <= 0 {
		return msgs, err
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-q.notify:
	case <-q.closed:
		return nil, ErrTabNotFound
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	msgs, _, err = o.drain(tabID)
	return msgs, err
}

func (o *Outbox) drain(tabID string) ([]Message, *tabQueue, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.tabs[tabKey(tabID)]
	if !ok {
		return nil, nil, ErrTabNotFound
	}
	q.lastPoll = time.Now()
	msgs := q.msgs
	q.msgs = nil
	return msgs, q, nil
}

// Tabs lists registered tabs sorted by id.
func (o *Outbox) Tabs() []TabInfo {
	o.mu.Lock()
	out := make([]TabInfo, 0, len(o.tabs))
	for id, q := range o.tabs {
		out = append(out, TabInfo{TabID: id, Queued: len(q.msgs), Dropped: q.dropped, OpenedAt: q.openedAt, LastPoll: q.lastPoll})
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}
