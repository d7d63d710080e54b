// Package rank applies permission-bounded rank transitions to group members.
package rank

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"rankrelay.org/internal/audit"
	"rankrelay.org/internal/obs"
	"rankrelay.org/internal/platform"
	"rankrelay.org/internal/roles"
)

// Platform is the subset of the group platform the policy needs.
type Platform interface {
	UserRole(ctx context.Context, userID int64) (roles.Role, error)
	SetUserRole(ctx context.Context, userID, roleID int64) error
	LookupUsername(ctx context.Context, username string) (platform.User, error)
	Username(ctx context.Context, userID int64) (string, error)
}

// Recorder stores audit entries.
type Recorder interface {
	Add(ctx context.Context, e audit.Entry) audit.Entry
}

// Observer is told about every successful change that actually moved a member.
type Observer interface {
	Observe(action string, r Result)
}

// Member is a user's current standing in the group.
type Member struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Rank     uint8  `json:"rank"`
	RankName string `json:"rankName"`
}

// Result describes one rank change attempt that did not fail.
type Result struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	OldRank     uint8  `json:"oldRank"`
	OldRankName string `json:"oldRankName"`
	NewRank     uint8  `json:"newRank"`
	NewRankName string `json:"newRankName"`
	Changed     bool   `json:"changed"`
}

// Options bounds which ranks the policy may assign. MinRank and MaxRank are
// inclusive and taken as given: the zero value allows only rank 0, which is
// never assignable, so a zero Options assigns nothing.
type Options struct {
	MinRank uint8
	MaxRank uint8
	Logger  *slog.Logger
}

// Policy is safe for concurrent use. It does not serialize concurrent
// changes to the same member; the platform applies last-writer-wins.
type Policy struct {
	dir   *roles.Directory
	pf    Platform
	audit Recorder
	min   uint8
	max   uint8
	log   *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewPolicy wires the directory, platform and audit log together.
func NewPolicy(dir *roles.Directory, pf Platform, rec Recorder, opts Options) *Policy {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Policy{
		dir:   dir,
		pf:    pf,
		audit: rec,
		min:   opts.MinRank,
		max:   opts.MaxRank,
		log:   opts.Logger.With("component", "rank"),
	}
}

// OnChange registers an observer for changed results.
func (p *Policy) OnChange(o Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

func (p *Policy) notify(action string, r Result) {
	p.mu.RLock()
	obsList := p.observers
	p.mu.RUnlock()
	for _, o := range obsList {
		o.Observe(action, r)
	}
}

// GetRank reads a member's current rank from the platform.
func (p *Policy) GetRank(ctx context.Context, ref UserRef) (Member, error) {
	id, name, err := p.resolveUser(ctx, ref)
	if err != nil {
		return Member{}, err
	}
	cur, err := p.pf.UserRole(ctx, id)
	if err != nil {
		return Member{}, translate(err)
	}
	return Member{UserID: id, Username: name, Rank: cur.Rank, RankName: p.roleName(cur)}, nil
}

// SetRank moves a member to target. A member already holding the target
// rank yields Changed=false and no mutating call.
func (p *Policy) SetRank(ctx context.Context, ref UserRef, target Target) (Result, error) {
	return p.setRank(ctx, audit.ActionSetRank, ref, target)
}

// Promote moves a member to the next assignable role above their current one.
func (p *Policy) Promote(ctx context.Context, ref UserRef) (Result, error) {
	return p.step(ctx, audit.ActionPromote, ref, p.dir.NextAssignableAbove)
}

// Demote moves a member to the next assignable role below their current one.
func (p *Policy) Demote(ctx context.Context, ref UserRef) (Result, error) {
	return p.step(ctx, audit.ActionDemote, ref, p.dir.NextAssignableBelow)
}

// Revert restores a member to rank. It is audited as an undo and does not
// notify observers.
func (p *Policy) Revert(ctx context.Context, userID int64, to uint8) (Result, error) {
	return p.setRank(ctx, audit.ActionUndo, UserRef{ID: userID}, ByNumber(to))
}

func (p *Policy) setRank(ctx context.Context, action string, ref UserRef, target Target) (res Result, err error) {
	var targetRank *uint8
	if n, ok := target.Number(); ok {
		targetRank = audit.Rank(n)
	}
	defer func() { p.record(ctx, action, ref, targetRank, res, err) }()

	role, err := p.resolveTarget(target)
	if err != nil {
		return Result{}, err
	}
	targetRank = audit.Rank(role.Rank)
	if err := p.checkAssignable(role); err != nil {
		return Result{}, err
	}

	id, name, err := p.resolveUser(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	res.UserID, res.Username = id, name

	cur, err := p.currentRole(ctx, id)
	if err != nil {
		return res, err
	}
	return p.apply(ctx, action, res, cur, role)
}

func (p *Policy) step(ctx context.Context, action string, ref UserRef, next func(uint8) (roles.Role, bool)) (res Result, err error) {
	var targetRank *uint8
	defer func() { p.record(ctx, action, ref, targetRank, res, err) }()

	id, name, err := p.resolveUser(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	res.UserID, res.Username = id, name

	cur, err := p.currentRole(ctx, id)
	if err != nil {
		return res, err
	}
	role, ok := next(cur.Rank)
	if !ok || role.Rank < p.min || role.Rank > p.max {
		res.OldRank, res.OldRankName = cur.Rank, p.roleName(cur)
		res.NewRank, res.NewRankName = res.OldRank, res.OldRankName
		return res, nil
	}
	targetRank = audit.Rank(role.Rank)
	return p.apply(ctx, action, res, cur, role)
}

// currentRole always re-reads the platform and refuses members the bot
// cannot manage.
func (p *Policy) currentRole(ctx context.Context, userID int64) (roles.Role, error) {
	cur, err := p.pf.UserRole(ctx, userID)
	if err != nil {
		return roles.Role{}, translate(err)
	}
	bot, err := p.dir.BotRank()
	if err != nil {
		return roles.Role{}, err
	}
	if cur.Rank >= bot {
		return roles.Role{}, fmt.Errorf("%w: member rank %d is not below bot rank %d", ErrPermission, cur.Rank, bot)
	}
	return cur, nil
}

func (p *Policy) apply(ctx context.Context, action string, res Result, cur, role roles.Role) (Result, error) {
	res.OldRank, res.OldRankName = cur.Rank, p.roleName(cur)
	res.NewRank, res.NewRankName = role.Rank, role.Name
	if cur.Rank == role.Rank {
		return res, nil
	}
	if err := p.pf.SetUserRole(ctx, res.UserID, role.ID); err != nil {
		res.NewRank, res.NewRankName = res.OldRank, res.OldRankName
		return res, translate(err)
	}
	res.Changed = true
	p.log.InfoContext(ctx, "rank changed",
		slog.String("action", action),
		slog.Int64("user_id", res.UserID),
		slog.Int("old_rank", int(res.OldRank)),
		slog.Int("new_rank", int(res.NewRank)),
		slog.String("request_id", audit.RequestIDFromContext(ctx)),
	)
	if action != audit.ActionUndo {
		p.notify(action, res)
	}
	return res, nil
}

func (p *Policy) resolveTarget(t Target) (roles.Role, error) {
	if name, ok := t.Name(); ok {
		role, err := p.dir.GetByName(name)
		return role, translate(err)
	}
	n, _ := t.Number()
	role, err := p.dir.GetByRank(n)
	return role, translate(err)
}

func (p *Policy) checkAssignable(role roles.Role) error {
	bot, err := p.dir.BotRank()
	if err != nil {
		return err
	}
	if !role.CanAssign {
		return fmt.Errorf("%w: role %q (rank %d) is not assignable by a bot at rank %d", ErrPermission, role.Name, role.Rank, bot)
	}
	if role.Rank < p.min || role.Rank > p.max {
		return fmt.Errorf("%w: rank %d is outside the allowed range %d-%d", ErrPermission, role.Rank, p.min, p.max)
	}
	return nil
}

func (p *Policy) resolveUser(ctx context.Context, ref UserRef) (int64, string, error) {
	if ref.ID > 0 {
		name, err := p.pf.Username(ctx, ref.ID)
		if err != nil {
			return 0, "", translate(err)
		}
		return ref.ID, name, nil
	}
	if err := ValidateUsername(ref.Username); err != nil {
		return 0, "", err
	}
	u, err := p.pf.LookupUsername(ctx, ref.Username)
	if err != nil {
		return 0, "", translate(err)
	}
	return u.ID, u.Name, nil
}

// roleName prefers the directory's name for a rank over the platform payload.
func (p *Policy) roleName(r roles.Role) string {
	if known, err := p.dir.GetByRank(r.Rank); err == nil {
		return known.Name
	}
	return r.Name
}

func (p *Policy) record(ctx context.Context, action string, ref UserRef, target *uint8, res Result, err error) {
	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "failed"
	case res.Changed:
		outcome = "changed"
	}
	obs.ObserveRankChange(action, outcome)
	if p.audit == nil {
		return
	}
	e := audit.Entry{
		Action:     action,
		UserID:     res.UserID,
		Username:   res.Username,
		TargetRank: target,
		Success:    err == nil,
	}
	if e.UserID == 0 {
		e.UserID = ref.ID
	}
	if e.Username == "" {
		e.Username = ref.Username
	}
	if err != nil {
		e.Error = err.Error()
	} else {
		e.OldRank = audit.Rank(res.OldRank)
		e.NewRank = audit.Rank(res.NewRank)
	}
	p.audit.Add(ctx, e)
}
