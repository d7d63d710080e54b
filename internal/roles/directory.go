// Package roles keeps an atomically swapped snapshot of the group's roles.
package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound      = errors.New("role not found")
	ErrNotReady      = errors.New("role directory not loaded")
	ErrDuplicateRank = errors.New("duplicate role rank")
)

// Role is one tier of the group hierarchy.
type Role struct {
	ID          int64  `json:"id"`
	Rank        uint8  `json:"rank"`
	Name        string `json:"name"`
	MemberCount uint64 `json:"memberCount"`
	CanAssign   bool   `json:"canAssign"`
}

// Source is where roles and the bot's own rank come from.
type Source interface {
	ListRoles(ctx context.Context, force bool) ([]Role, error)
	BotRank(ctx context.Context, force bool) (uint8, error)
}

type snapshot struct {
	sorted      []Role
	byRank      map[uint8]Role
	byName      map[string]Role
	botRank     uint8
	refreshedAt time.Time
}

// Directory answers role lookups against the latest snapshot.
type Directory struct {
	src  Source
	now  func() time.Time
	snap atomic.Pointer[snapshot]
}

// NewDirectory returns an empty directory; call Refresh before use.
func NewDirectory(src Source, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{src: src, now: now}
}

// Refresh replaces the snapshot with a freshly fetched one. On error the
// previous snapshot stays in place.
func (d *Directory) Refresh(ctx context.Context) error {
	list, err := d.src.ListRoles(ctx, true)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	bot, err := d.src.BotRank(ctx, true)
	if err != nil {
		return fmt.Errorf("bot rank: %w", err)
	}
	snap, err := build(list, bot)
	if err != nil {
		return err
	}
	snap.refreshedAt = d.now()
	d.snap.Store(snap)
	return nil
}

func build(list []Role, bot uint8) (*snapshot, error) {
	s := &snapshot{
		sorted:  make([]Role, len(list)),
		byRank:  make(map[uint8]Role, len(list)),
		byName:  make(map[string]Role, len(list)),
		botRank: bot,
	}
	copy(s.sorted, list)
	sort.Slice(s.sorted, func(i, j int) bool { return s.sorted[i].Rank < s.sorted[j].Rank })
	for i := range s.sorted {
		r := &s.sorted[i]
		if _, dup := s.byRank[r.Rank]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateRank, r.Rank)
		}
		r.CanAssign = r.Rank > 0 && r.Rank < bot
		s.byRank[r.Rank] = *r
		s.byName[strings.ToLower(r.Name)] = *r
	}
	return s, nil
}

func (d *Directory) current() (*snapshot, error) {
	s := d.snap.Load()
	if s == nil {
		return nil, ErrNotReady
	}
	return s, nil
}

// Ready reports whether a snapshot has been loaded.
func (d *Directory) Ready() bool { return d.snap.Load() != nil }

// RefreshedAt is the time of the last successful refresh.
func (d *Directory) RefreshedAt() time.Time {
	if s := d.snap.Load(); s != nil {
		return s.refreshedAt
	}
	return time.Time{}
}

// BotRank is the automation account's own rank.
func (d *Directory) BotRank() (uint8, error) {
	s, err := d.current()
	if err != nil {
		return 0, err
	}
	return s.botRank, nil
}

// All returns every role, ascending by rank.
func (d *Directory) All() []Role {
	s := d.snap.Load()
	if s == nil {
		return nil
	}
	out := make([]Role, len(s.sorted))
	copy(out, s.sorted)
	return out
}

// Assignable returns roles with 0 < rank < bot rank, ascending.
func (d *Directory) Assignable() []Role {
	s := d.snap.Load()
	if s == nil {
		return nil
	}
	var out []Role
	for _, r := range s.sorted {
		if r.CanAssign {
			out = append(out, r)
		}
	}
	return out
}

func (d *Directory) GetByRank(rank uint8) (Role, error) {
	s, err := d.current()
	if err != nil {
		return Role{}, err
	}
	r, ok := s.byRank[rank]
	if !ok {
		return Role{}, fmt.Errorf("%w: rank %d", ErrNotFound, rank)
	}
	return r, nil
}

// GetByName is case-insensitive.
func (d *Directory) GetByName(name string) (Role, error) {
	s, err := d.current()
	if err != nil {
		return Role{}, err
	}
	r, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r, nil
}

// NextAssignableAbove finds the lowest assignable role ranked strictly above rank.
func (d *Directory) NextAssignableAbove(rank uint8) (Role, bool) {
	s := d.snap.Load()
	if s == nil {
		return Role{}, false
	}
	i := sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i].Rank > rank })
	for ; i < len(s.sorted); i++ {
		if s.sorted[i].CanAssign {
			return s.sorted[i], true
		}
	}
	return Role{}, false
}

// NextAssignableBelow finds the highest assignable role ranked strictly below rank.
func (d *Directory) NextAssignableBelow(rank uint8) (Role, bool) {
	s := d.snap.Load()
	if s == nil {
		return Role{}, false
	}
	i := sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i].Rank >= rank }) - 1
	for ; i >= 0; i-- {
		if s.sorted[i].CanAssign {
			return s.sorted[i], true
		}
	}
	return Role{}, false
}
