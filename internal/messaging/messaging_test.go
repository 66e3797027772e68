package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popupguard/internal/popup"
	logx "popupguard/pkg/logx"
)

func TestOutboxRequiresOpenTab(t *testing.T) {
	o := NewOutbox(4, logx.Nop())
	err := o.SendToTab(context.Background(), "7", NewTimeout("p1", time.Now()))
	assert.ErrorIs(t, err, ErrTabNotFound)

	created, err := o.Open("7")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = o.Open("7")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = o.Open("  ")
	assert.ErrorIs(t, err, ErrEmptyTabID)
}

func TestOutboxTabIDIsTrimmedEverywhere(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(4, logx.Nop())
	created, err := o.Open(" 9 ")
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, o.SendToTab(ctx, " 9 ", NewTimeout("p1", time.Now())))
	require.NoError(t, o.SendToTab(ctx, "9", NewTimeout("p2", time.Now())))
	msgs, err := o.Poll(ctx, "9 ", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "9", o.Tabs()[0].TabID)

	assert.True(t, o.Close(" 9 "))
	assert.Empty(t, o.Tabs())
	assert.False(t, o.Close("9"))
}

func TestOutboxDeliversInOrderAndDropsOldest(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(2, logx.Nop())
	_, _ = o.Open("1")

	require.NoError(t, o.SendToTab(ctx, "1", NewResult("a", popup.DecisionClose, time.Now())))
	require.NoError(t, o.SendToTab(ctx, "1", NewResult("b", popup.DecisionKeep, time.Now())))
	require.NoError(t, o.SendToTab(ctx, "1", NewTimeout("c", time.Now())))

	msgs, err := o.Poll(ctx, "1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].PopupID)
	assert.Equal(t, TypeDecisionTimeout, msgs[1].Type)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)

	tabs := o.Tabs()
	require.Len(t, tabs, 1)
	assert.Equal(t, 1, tabs[0].Dropped)
	assert.Equal(t, 0, tabs[0].Queued)
}

func TestOutboxLongPollWakesOnSend(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(0, logx.Nop())
	_, _ = o.Open("9")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = o.SendToTab(ctx, "9", NewResult("p", popup.DecisionDismiss, time.Now()))
	}()

	msgs, err := o.Poll(ctx, "9", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, popup.DecisionDismiss, msgs[0].Decision)
}

func TestOutboxPollReturnsWhenTabClosed(t *testing.T) {
	o := NewOutbox(0, logx.Nop())
	_, _ = o.Open("3")
	go func() {
		time.Sleep(20 * time.Millisecond)
		o.Close("3")
	}()
	_, err := o.Poll(context.Background(), "3", 2*time.Second)
	assert.ErrorIs(t, err, ErrTabNotFound)

	msgs, err := NewOutbox(0, logx.Nop()).Poll(context.Background(), "none", 0)
	assert.Nil(t, msgs)
	assert.ErrorIs(t, err, ErrTabNotFound)
}

func TestLimitedRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := ChannelFunc(func(ctx context.Context, tabID string, msg Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	l := NewLimited(flaky, LimitedConfig{RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, logx.Nop())

	require.NoError(t, l.SendToTab(context.Background(), "1", NewTimeout("p", time.Now())))
	assert.Equal(t, int32(3), calls.Load())
}

func TestLimitedDoesNotRetryMissingTab(t *testing.T) {
	var calls atomic.Int32
	gone := ChannelFunc(func(ctx context.Context, tabID string, msg Message) error {
		calls.Add(1)
		return ErrTabNotFound
	})
	l := NewLimited(gone, LimitedConfig{RatePerSec: 100, RetryMax: 5, RetryBase: time.Millisecond}, logx.Nop())

	err := l.SendToTab(context.Background(), "1", NewTimeout("p", time.Now()))
	assert.ErrorIs(t, err, ErrTabNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := LimitedConfig{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, cfg.RetryMaxDelay)
		assert.Greater(t, d, time.Duration(0))
	}
}
