package popup

import (
	"sort"
	"strings"
	"time"
)

// DefaultHistoryLimit caps the persisted history list.
const DefaultHistoryLimit = 500

// Upsert replaces the record with the same id in place, or appends it.
// When the list grows past limit, the oldest entries (front of the list) are evicted.
// The input slice is not modified.
func Upsert(history []HistoryRecord, rec HistoryRecord, limit int) []HistoryRecord {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	out := make([]HistoryRecord, 0, len(history)+1)
	out = append(out, history...)

	replaced := false
	for i := range out {
		if out[i].ID == rec.ID {
			out[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		out = append(out, rec)
	}
	if over := len(out) - limit; over > 0 {
		out = append([]HistoryRecord(nil), out[over:]...)
	}
	return out
}

// HistoryFilter selects history records. Empty fields match everything and
// multiple fields combine with AND.
type HistoryFilter struct {
	Domain   string   `json:"domain,omitempty"`
	Decision Decision `json:"decision,omitempty"`
	// Limit caps the result size after sorting; 0 means no cap.
	Limit int `json:"limit,omitempty"`
}

func (f HistoryFilter) match(h HistoryRecord) bool {
	if f.Domain != "" && h.Domain != f.Domain {
		return false
	}
	if f.Decision != "" && h.UserDecision != f.Decision {
		return false
	}
	return true
}

// Query filters history and returns it sorted by DecisionTimestamp, most recent first.
func Query(history []HistoryRecord, f HistoryFilter) []HistoryRecord {
	out := make([]HistoryRecord, 0, len(history))
	for _, h := range history {
		if f.match(h) {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DecisionTimestamp.After(out[j].DecisionTimestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// DomainCount is one row of the per-domain breakdown.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// Stats summarizes a history list.
type Stats struct {
	Total      int              `json:"total"`
	ByDecision map[Decision]int `json:"byDecision"`
	// AvgResponseTimeMS averages explicit user decisions only; timeouts would
	// pin it to the soft deadline.
	AvgResponseTimeMS int64         `json:"avgResponseTime"`
	TopDomains        []DomainCount `json:"topDomains"`
	LastDecisionAt    time.Time     `json:"lastDecisionAt,omitzero"`
}

// Summarize computes Stats over history, keeping at most topN domains.
func Summarize(history []HistoryRecord, topN int) Stats {
	st := Stats{ByDecision: map[Decision]int{}}
	domains := map[string]int{}
	var sum int64
	var n int64
	for _, h := range history {
		st.Total++
		st.ByDecision[h.UserDecision]++
		if h.UserDecision.IsUserChoice() {
			sum += h.ResponseTimeMS
			n++
		}
		if d := strings.TrimSpace(h.Domain); d != "" {
			domains[d]++
		}
		if h.DecisionTimestamp.After(st.LastDecisionAt) {
			st.LastDecisionAt = h.DecisionTimestamp
		}
	}
	if n > 0 {
		st.AvgResponseTimeMS = sum / n
	}

	st.TopDomains = make([]DomainCount, 0, len(domains))
	for d, c := range domains {
		st.TopDomains = append(st.TopDomains, DomainCount{Domain: d, Count: c})
	}
	sort.Slice(st.TopDomains, func(i, j int) bool {
		if st.TopDomains[i].Count != st.TopDomains[j].Count {
			return st.TopDomains[i].Count > st.TopDomains[j].Count
		}
		return st.TopDomains[i].Domain < st.TopDomains[j].Domain
	})
	if topN > 0 && len(st.TopDomains) > topN {
		st.TopDomains = st.TopDomains[:topN]
	}
	return st
}
