package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankrelay.org/internal/audit"
)

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	assert.Equal(t, 2, s.Subscribers())

	require.NoError(t, s.Write(context.Background(), audit.Entry{ID: "e1", Action: audit.ActionPromote}))

	for _, ch := range []<-chan audit.Entry{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, "e1", e.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive entry")
		}
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)

	for i := 0; i < subscriberBuffer+5; i++ {
		s.Publish(audit.Entry{ID: "x"})
	}
	assert.Equal(t, uint64(5), s.Dropped())
}
