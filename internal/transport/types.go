// Package transport holds the contracts shared by inbound adapters.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"popupguard/internal/decision"
	"popupguard/internal/messaging"
	"popupguard/internal/popup"
)

// Decisions is the part of the decision manager an adapter drives.
type Decisions interface {
	RequestDecision(ctx context.Context, rec popup.ClassificationRecord, tabID string) (decision.RequestResult, error)
	ResolveDecision(ctx context.Context, popupID string, d popup.Decision) (decision.ResolveResult, error)
	CleanupExpiredDecisions(ctx context.Context) (int, error)
	ListPendingDecisions() []decision.PendingInfo
	QueryHistory(ctx context.Context, f popup.HistoryFilter) ([]popup.HistoryRecord, error)
	Stats(ctx context.Context, topDomains int) (popup.Stats, error)
	ClearHistory(ctx context.Context) error
	PendingCount() int
	NotifyFailures() uint64
}

// Tabs is the page-facing side of the outbound channel.
type Tabs interface {
	Open(tabID string) (bool, error)
	Close(tabID string) bool
	Poll(ctx context.Context, tabID string, wait time.Duration) ([]messaging.Message, error)
	Tabs() []messaging.TabInfo
}

// DecisionRequest is the body of a requestDecision call.
type DecisionRequest struct {
	Record popup.ClassificationRecord `json:"record"`
	TabID  TabID                      `json:"tabId"`
}

// UnmarshalJSON accepts a record timestamp given as epoch milliseconds.
func (r *DecisionRequest) UnmarshalJSON(b []byte) error {
	var w struct {
		Record struct {
			popup.ClassificationRecord
			Timestamp Timestamp `json:"timestamp"`
		} `json:"record"`
		TabID TabID `json:"tabId"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Record = w.Record.ClassificationRecord
	r.Record.Timestamp = time.Time(w.Record.Timestamp)
	r.TabID = w.TabID
	return nil
}

// TabID is a browser tab id. Extensions send it as an integer; a string is
// accepted too. Either form decodes to the trimmed string key.
type TabID string

func (t *TabID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TabID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("tabId must be an integer or string: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("tabId %s is not an integer", n)
	}
	*t = TabID(n.String())
	return nil
}

// Timestamp is a detection time sent as RFC 3339 text or as epoch
// milliseconds, possibly fractional.
type Timestamp time.Time

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var t time.Time
		if err := t.UnmarshalJSON(b); err != nil {
			return err
		}
		*ts = Timestamp(t)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp must be RFC 3339 or epoch milliseconds: %w", err)
	}
	if ms, err := n.Int64(); err == nil {
		*ts = Timestamp(time.UnixMilli(ms).UTC())
		return nil
	}
	ms, err := n.Float64()
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", n, err)
	}
	*ts = Timestamp(time.Unix(0, int64(ms*float64(time.Millisecond))).UTC())
	return nil
}

// ResolveRequest is the body of a resolveDecision call.
type ResolveRequest struct {
	Decision string `json:"decision"`
}

// CleanupResult reports a cleanup sweep.
type CleanupResult struct {
	Success bool   `json:"success"`
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// Health is the liveness payload.
type Health struct {
	Status         string `json:"status"`
	Pending        int    `json:"pending"`
	Tabs           int    `json:"tabs"`
	NotifyFailures uint64 `json:"notifyFailures"`
	Uptime         string `json:"uptime"`
}

// ErrorBody is returned for failures that have no operation-specific envelope.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
