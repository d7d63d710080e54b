package undo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankrelay.org/internal/audit"
	"rankrelay.org/internal/rank"
)

type fakeReverter struct {
	calls []uint8
	err   error
}

func (f *fakeReverter) Revert(_ context.Context, userID int64, to uint8) (rank.Result, error) {
	f.calls = append(f.calls, to)
	if f.err != nil {
		return rank.Result{}, f.err
	}
	return rank.Result{UserID: userID, OldRank: 50, NewRank: to, Changed: true}, nil
}

func changed() rank.Result {
	return rank.Result{
		UserID: 1, Username: "builder_7",
		OldRank: 10, OldRankName: "Member",
		NewRank: 50, NewRankName: "Veteran",
		Changed: true,
	}
}

func TestUndo_RestoresPriorRankAndClears(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := New(clock, 5*time.Minute)
	c.Observe(audit.ActionSetRank, changed())

	la, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, audit.ActionSetRank, la.Type)
	assert.Equal(t, clock.Now().UTC().Add(5*time.Minute), la.ExpiresAt)

	r := &fakeReverter{}
	la, res, err := c.Undo(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "Veteran", la.NewRankName)
	assert.Equal(t, uint8(10), res.NewRank)
	assert.Equal(t, []uint8{10}, r.calls)

	_, ok = c.Get()
	assert.False(t, ok)
	_, _, err = c.Undo(context.Background(), r)
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestUndo_ExpiredSlot(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := New(clock, 0)
	c.Observe(audit.ActionPromote, changed())

	clock.Advance(DefaultWindow + time.Second)
	_, ok := c.Get()
	assert.False(t, ok)

	r := &fakeReverter{}
	_, _, err := c.Undo(context.Background(), r)
	assert.ErrorIs(t, err, ErrNothingToUndo)
	assert.Empty(t, r.calls)
}

func TestUndo_ClearsSlotEvenWhenRevertFails(t *testing.T) {
	t.Parallel()

	c := New(clockwork.NewFakeClock(), time.Minute)
	c.Observe(audit.ActionDemote, changed())

	r := &fakeReverter{err: errors.New("platform unavailable")}
	_, _, err := c.Undo(context.Background(), r)
	require.Error(t, err)

	_, ok := c.Get()
	assert.False(t, ok)
}

func TestObserve_IgnoresUnchangedAndOverwrites(t *testing.T) {
	t.Parallel()

	c := New(clockwork.NewFakeClock(), time.Minute)
	c.Observe(audit.ActionSetRank, rank.Result{UserID: 1})
	_, ok := c.Get()
	assert.False(t, ok)

	first := changed()
	second := changed()
	second.UserID = 2
	c.Observe(audit.ActionSetRank, first)
	c.Observe(audit.ActionPromote, second)

	la, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, int64(2), la.UserID)
	assert.Equal(t, audit.ActionPromote, la.Type)
}

func TestUndo_UnassignableOldRankIsRefusedAndCleared(t *testing.T) {
	t.Parallel()

	c := New(clockwork.NewFakeClock(), time.Minute)
	fromGuest := changed()
	fromGuest.OldRank, fromGuest.OldRankName = 0, "Guest"
	c.Observe(audit.ActionPromote, fromGuest)

	r := &fakeReverter{err: rank.ErrPermission}
	la, _, err := c.Undo(context.Background(), r)
	assert.ErrorIs(t, err, rank.ErrPermission)
	assert.Equal(t, uint8(0), la.OldRank)
	assert.Equal(t, []uint8{0}, r.calls)

	_, ok := c.Get()
	assert.False(t, ok)
}
