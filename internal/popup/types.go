package popup

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome assigned to a detected popup.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionClose   Decision = "close"
	DecisionKeep    Decision = "keep"
	DecisionDismiss Decision = "dismiss"
	DecisionTimeout Decision = "timeout"
)

// UserChoices are the decisions a user may submit explicitly.
var UserChoices = []Decision{DecisionClose, DecisionKeep, DecisionDismiss}

// IsUserChoice reports whether d may be submitted by a user.
func (d Decision) IsUserChoice() bool {
	switch d {
	case DecisionClose, DecisionKeep, DecisionDismiss:
		return true
	}
	return false
}

// Valid reports whether d is any known decision value.
func (d Decision) Valid() bool {
	return d == DecisionPending || d == DecisionTimeout || d.IsUserChoice()
}

// ParseDecision maps wire text to a Decision. Matching is exact, so "Close" or
// " close" comes back unchanged and fails Valid.
func ParseDecision(s string) Decision {
	return Decision(s)
}

// Position is the computed CSS position of the popup element.
type Position string

const (
	PositionFixed    Position = "fixed"
	PositionAbsolute Position = "absolute"
	PositionSticky   Position = "sticky"
	PositionRelative Position = "relative"
	PositionStatic   Position = "static"
)

// Dimensions describes the element box relative to the viewport.
type Dimensions struct {
	Width            float64 `json:"width"`
	Height           float64 `json:"height"`
	ViewportCoverage float64 `json:"viewportCoverage"` // fraction in [0,1]
}

// ContentFlags are text/markup signals found inside the element.
type ContentFlags struct {
	HasNewsletterText bool `json:"hasNewsletterText"`
	HasCookieText     bool `json:"hasCookieText"`
	HasSubscribeText  bool `json:"hasSubscribeText"`
	HasEmailInput     bool `json:"hasEmailInput"`
	HasForm           bool `json:"hasForm"`
	TextLength        int  `json:"textLength"`
}

// VisualFlags are rendering signals.
type VisualFlags struct {
	HasBackdrop   bool    `json:"hasBackdrop"`
	BlurredBehind bool    `json:"blurredBehind"`
	Opacity       float64 `json:"opacity"`
	IsModal       bool    `json:"isModal"`
}

// InteractionFlags describe how the element affects page interaction.
type InteractionFlags struct {
	BlocksScroll      bool `json:"blocksScroll"`
	BlocksInteraction bool `json:"blocksInteraction"`
	AppearedOnLoad    bool `json:"appearedOnLoad"`
	AppearedOnScroll  bool `json:"appearedOnScroll"`
	AppearedOnExit    bool `json:"appearedOnExit"`
}

// Characteristics is the detector's signal record. It is immutable after detection.
type Characteristics struct {
	Position       Position         `json:"position"`
	ZIndex         int              `json:"zIndex"`
	Dimensions     Dimensions       `json:"dimensions"`
	HasOverlay     bool             `json:"hasOverlay"`
	HasBackdrop    bool             `json:"hasBackdrop"`
	HasCloseButton bool             `json:"hasCloseButton"`
	Content        ContentFlags     `json:"content"`
	Visual         VisualFlags      `json:"visual"`
	Interaction    InteractionFlags `json:"interaction"`
}

// ClassificationRecord describes one detected popup.
type ClassificationRecord struct {
	ID              string          `json:"id"`
	URL             string          `json:"url"`
	Domain          string          `json:"domain"`
	Timestamp       time.Time       `json:"timestamp"`
	Characteristics Characteristics `json:"characteristics"`
	UserDecision    Decision        `json:"userDecision"`
	Confidence      float64         `json:"confidence"`
}

// Validate checks the fields the decision manager depends on.
func (r ClassificationRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	if r.UserDecision != "" && !r.UserDecision.Valid() {
		return fmt.Errorf("record %s: unknown userDecision %q", r.ID, r.UserDecision)
	}
	return nil
}

// HistoryRecord is the terminal, persisted outcome for one popup id.
type HistoryRecord struct {
	ClassificationRecord
	DecisionTimestamp time.Time `json:"decisionTimestamp"`
	// ResponseTimeMS is decisionTimestamp - createdAt, in milliseconds.
	ResponseTimeMS int64 `json:"responseTime"`
}

// ResponseTime returns the recorded response time as a duration.
func (h HistoryRecord) ResponseTime() time.Duration {
	return time.Duration(h.ResponseTimeMS) * time.Millisecond
}

// Finalize builds the history record for rec resolved with d at decidedAt.
// A negative elapsed time (clock skew) is clamped to zero.
func Finalize(rec ClassificationRecord, d Decision, createdAt, decidedAt time.Time) HistoryRecord {
	rec.UserDecision = d
	rt := decidedAt.Sub(createdAt)
	if rt < 0 {
		rt = 0
	}
	return HistoryRecord{
		ClassificationRecord: rec,
		DecisionTimestamp:    decidedAt,
		ResponseTimeMS:       rt.Milliseconds(),
	}
}
