package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"popupguard/internal/popup"
)

var (
	// ErrTabNotFound means the destination tab is not registered (closed or never opened).
	ErrTabNotFound = errors.New("tab not found")
	ErrEmptyTabID  = errors.New("tab id is empty")
)

// MessageType names the outbound message kinds sent to an originating tab.
type MessageType string

const (
	TypeDecisionResult  MessageType = "decision_result"
	TypeDecisionTimeout MessageType = "decision_timeout"
)

// Message is delivered to a tab. Decision is empty for timeouts.
type Message struct {
	ID       string         `json:"id"`
	Type     MessageType    `json:"type"`
	PopupID  string         `json:"popupId"`
	Decision popup.Decision `json:"decision,omitempty"`
	At       time.Time      `json:"at"`
}

// NewResult builds a decision_result message.
func NewResult(popupID string, d popup.Decision, at time.Time) Message {
	return Message{ID: uuid.NewString(), Type: TypeDecisionResult, PopupID: popupID, Decision: d, At: at}
}

// NewTimeout builds a decision_timeout message.
func NewTimeout(popupID string, at time.Time) Message {
	return Message{ID: uuid.NewString(), Type: TypeDecisionTimeout, PopupID: popupID, At: at}
}

// Channel delivers outcome messages to the tab a popup was detected in.
// Delivery is best-effort; errors are reported but callers may ignore them.
type Channel interface {
	SendToTab(ctx context.Context, tabID string, msg Message) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, tabID string, msg Message) error

func (f ChannelFunc) SendToTab(ctx context.Context, tabID string, msg Message) error {
	return f(ctx, tabID, msg)
}

// Discard is a Channel that accepts and drops every message.
var Discard Channel = ChannelFunc(func(context.Context, string, Message) error { return nil })
