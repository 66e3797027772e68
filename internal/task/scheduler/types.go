package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "popupguard/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	// Timezone is an IANA name, e.g. "Asia/Jakarta". Empty means local time.
	Timezone string
	// DefaultTimeout applies to jobs registered afterwards with a zero timeout.
	DefaultTimeout time.Duration
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastRun time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	defs   map[string]*scheduleDef
}

// ScheduleInfo is a read-only view of one registered schedule.
type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	Failed  uint64        `json:"failed"`
	LastRun time.Time     `json:"lastRun,omitzero"`
	LastErr string        `json:"lastErr,omitempty"`
}
