package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TypeRequested, Data: DecisionEvent{PopupID: "p"}})
	}

	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1, "slow subscriber keeps only what fits")
	assert.Equal(t, uint64(2), b.Dropped())

	e := <-fast
	assert.Equal(t, TypeRequested, e.Type)
	assert.False(t, e.Time.IsZero())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeExpired})
}
