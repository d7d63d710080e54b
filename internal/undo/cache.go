// Package undo remembers the most recent rank change so it can be reverted
// once within a fixed window. The slot is shared by all callers.
//
// Reverting goes through the same checks as any rank change, so a change
// whose old rank is not assignable (rank 0, at or above the bot, or outside
// the configured bounds) cannot be undone: Undo returns rank.ErrPermission
// and the slot is still cleared.
package undo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"rankrelay.org/internal/rank"
)

// ErrNothingToUndo is returned when the slot is empty or expired.
var ErrNothingToUndo = errors.New("no action to undo")

// DefaultWindow is how long a change stays revertible.
const DefaultWindow = 5 * time.Minute

// LastAction is the remembered change.
type LastAction struct {
	Type        string    `json:"type"`
	UserID      int64     `json:"userId"`
	Username    string    `json:"username"`
	OldRank     uint8     `json:"oldRank"`
	OldRankName string    `json:"oldRankName"`
	NewRank     uint8     `json:"newRank"`
	NewRankName string    `json:"newRankName"`
	Timestamp   time.Time `json:"timestamp"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Reverter restores a member's previous rank.
type Reverter interface {
	Revert(ctx context.Context, userID int64, to uint8) (rank.Result, error)
}

// Cache holds at most one LastAction.
type Cache struct {
	clock  clockwork.Clock
	window time.Duration

	mu   sync.Mutex
	slot *LastAction
}

// New returns an empty cache. A zero window means DefaultWindow.
func New(clock clockwork.Clock, window time.Duration) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{clock: clock, window: window}
}

// Observe overwrites the slot with a changed result.
func (c *Cache) Observe(action string, r rank.Result) {
	if !r.Changed {
		return
	}
	now := c.clock.Now().UTC()
	la := &LastAction{
		Type:        action,
		UserID:      r.UserID,
		Username:    r.Username,
		OldRank:     r.OldRank,
		OldRankName: r.OldRankName,
		NewRank:     r.NewRank,
		NewRankName: r.NewRankName,
		Timestamp:   now,
		ExpiresAt:   now.Add(c.window),
	}
	c.mu.Lock()
	c.slot = la
	c.mu.Unlock()
}

// Get returns the slot if it has not expired, clearing it otherwise.
func (c *Cache) Get() (LastAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked()
}

func (c *Cache) getLocked() (LastAction, bool) {
	if c.slot == nil {
		return LastAction{}, false
	}
	if !c.clock.Now().Before(c.slot.ExpiresAt) {
		c.slot = nil
		return LastAction{}, false
	}
	return *c.slot, true
}

// Undo reverts the remembered change and clears the slot whatever the outcome.
func (c *Cache) Undo(ctx context.Context, r Reverter) (LastAction, rank.Result, error) {
	c.mu.Lock()
	la, ok := c.getLocked()
	c.slot = nil
	c.mu.Unlock()
	if !ok {
		return LastAction{}, rank.Result{}, ErrNothingToUndo
	}
	res, err := r.Revert(ctx, la.UserID, la.OldRank)
	return la, res, err
}
