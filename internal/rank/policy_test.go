package rank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankrelay.org/internal/audit"
	"rankrelay.org/internal/platform"
	"rankrelay.org/internal/resilient"
	"rankrelay.org/internal/roles"
)

// fakePlatform keeps member ranks in memory and counts mutating calls.
type fakePlatform struct {
	mu        sync.Mutex
	roleList  []roles.Role
	bot       uint8
	members   map[int64]uint8
	names     map[int64]string
	mutations int
	setErr    error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		roleList: []roles.Role{
			{ID: 100, Rank: 0, Name: "Guest"},
			{ID: 101, Rank: 1, Name: "Recruit"},
			{ID: 110, Rank: 10, Name: "Member"},
			{ID: 150, Rank: 50, Name: "Veteran"},
			{ID: 200, Rank: 100, Name: "Officer"},
			{ID: 250, Rank: 150, Name: "Bot"},
			{ID: 255, Rank: 255, Name: "Owner"},
		},
		bot:     150,
		members: map[int64]uint8{},
		names:   map[int64]string{},
	}
}

func (f *fakePlatform) addMember(id int64, name string, rank uint8) {
	f.members[id] = rank
	f.names[id] = name
}

func (f *fakePlatform) ListRoles(context.Context, bool) ([]roles.Role, error) { return f.roleList, nil }
func (f *fakePlatform) BotRank(context.Context, bool) (uint8, error)    { return f.bot, nil }

func (f *fakePlatform) UserRole(_ context.Context, id int64) (roles.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.members[id]
	if !ok {
		return roles.Role{}, fmt.Errorf("%w: user %d", platform.ErrNotFound, id)
	}
	for _, role := range f.roleList {
		if role.Rank == r {
			return role, nil
		}
	}
	return roles.Role{Rank: r}, nil
}

func (f *fakePlatform) SetUserRole(_ context.Context, id, roleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	if f.setErr != nil {
		return f.setErr
	}
	for _, role := range f.roleList {
		if role.ID == roleID {
			f.members[id] = role.Rank
			return nil
		}
	}
	return fmt.Errorf("%w: role %d", platform.ErrValidation, roleID)
}

func (f *fakePlatform) LookupUsername(_ context.Context, name string) (platform.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.names {
		if n == name {
			return platform.User{ID: id, Name: n}, nil
		}
	}
	return platform.User{}, fmt.Errorf("%w: %s", platform.ErrNotFound, name)
}

func (f *fakePlatform) Username(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.names[id]; ok {
		return n, nil
	}
	return "", fmt.Errorf("%w: user %d", platform.ErrNotFound, id)
}

type observed struct {
	action string
	result Result
}

type recorder struct{ got []observed }

func (r *recorder) Observe(action string, res Result) { r.got = append(r.got, observed{action, res}) }

type fixture struct {
	pf     *fakePlatform
	dir    *roles.Directory
	log    *audit.Log
	policy *Policy
	obs    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pf := newFakePlatform()
	pf.addMember(1, "builder_7", 10)
	pf.addMember(2, "topguy", 100)
	pf.addMember(3, "newbie", 1)
	pf.addMember(4, "peer", 150)
	pf.addMember(5, "guest", 0)

	dir := roles.NewDirectory(pf, nil)
	require.NoError(t, dir.Refresh(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alog := audit.New(audit.Options{MaxEntries: 100, Logger: logger})
	policy := NewPolicy(dir, pf, alog, Options{MinRank: 1, MaxRank: 254, Logger: logger})
	rec := &recorder{}
	policy.OnChange(rec)
	return &fixture{pf: pf, dir: dir, log: alog, policy: policy, obs: rec}
}

func TestSetRank_ChangesAndReportsNames(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.policy.SetRank(context.Background(), UserRef{ID: 1}, ByName("veteran"))
	require.NoError(t, err)

	assert.Equal(t, Result{
		UserID: 1, Username: "builder_7",
		OldRank: 10, OldRankName: "Member",
		NewRank: 50, NewRankName: "Veteran",
		Changed: true,
	}, res)
	assert.Equal(t, uint8(50), f.pf.members[1])
	require.Len(t, f.obs.got, 1)
	assert.Equal(t, audit.ActionSetRank, f.obs.got[0].action)

	entries := f.log.Recent(0)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, uint8(50), *entries[0].TargetRank)
	assert.Equal(t, uint8(10), *entries[0].OldRank)
}

func TestSetRank_IdempotentMakesNoMutatingCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.policy.SetRank(context.Background(), UserRef{Username: "builder_7"}, ByNumber(10))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, uint8(10), res.OldRank)
	assert.Equal(t, uint8(10), res.NewRank)
	assert.Equal(t, 0, f.pf.mutations)
	assert.Empty(t, f.obs.got)
	assert.Equal(t, 1, f.log.Len())
}

func TestSetRank_PermissionBounds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	for _, target := range []Target{ByNumber(150), ByNumber(255), ByNumber(0), ByName("Owner")} {
		_, err := f.policy.SetRank(ctx, UserRef{ID: 1}, target)
		assert.ErrorIs(t, err, ErrPermission, "target %s", target)
	}

	_, err := f.policy.SetRank(ctx, UserRef{ID: 4}, ByNumber(10))
	assert.ErrorIs(t, err, ErrPermission, "member at bot rank")

	narrow := NewPolicy(f.dir, f.pf, nil, Options{MinRank: 5, MaxRank: 60})
	_, err = narrow.SetRank(ctx, UserRef{ID: 1}, ByNumber(100))
	assert.ErrorIs(t, err, ErrPermission)
	_, err = narrow.SetRank(ctx, UserRef{ID: 1}, ByNumber(1))
	assert.ErrorIs(t, err, ErrPermission)

	assert.Equal(t, 0, f.pf.mutations)
	page := f.log.Query(audit.Filter{})
	assert.Equal(t, 5, page.Total)
	for _, e := range page.Items {
		assert.False(t, e.Success)
		assert.NotEmpty(t, e.Error)
	}
}

func TestSetRank_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.policy.SetRank(ctx, UserRef{ID: 1}, ByNumber(42))
	assert.ErrorIs(t, err, ErrNotFound, "unknown rank")
	_, err = f.policy.SetRank(ctx, UserRef{ID: 1}, ByName("Wizard"))
	assert.ErrorIs(t, err, ErrNotFound, "unknown role name")
	_, err = f.policy.SetRank(ctx, UserRef{ID: 999}, ByNumber(10))
	assert.ErrorIs(t, err, ErrNotFound, "unknown user")
	_, err = f.policy.SetRank(ctx, UserRef{Username: "ghost_1"}, ByNumber(10))
	assert.ErrorIs(t, err, ErrNotFound, "unknown username")
}

func TestSetRank_TransientErrorPassesThrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pf.setErr = &resilient.ConnectionError{Op: "set_user_role", Attempts: 3, Err: errors.New("503")}

	res, err := f.policy.SetRank(context.Background(), UserRef{ID: 1}, ByNumber(50))
	assert.ErrorIs(t, err, resilient.ErrConnection)
	assert.False(t, res.Changed)
	assert.Empty(t, f.obs.got)

	e := f.log.Recent(1)[0]
	assert.False(t, e.Success)
	assert.Contains(t, e.Error, "giving up")
}

func TestPromoteDemote_RoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	up, err := f.policy.Promote(ctx, UserRef{ID: 1})
	require.NoError(t, err)
	assert.True(t, up.Changed)
	assert.Equal(t, uint8(50), up.NewRank)

	down, err := f.policy.Demote(ctx, UserRef{ID: 1})
	require.NoError(t, err)
	assert.True(t, down.Changed)
	assert.Equal(t, uint8(10), down.NewRank)
	assert.Equal(t, uint8(10), f.pf.members[1])

	require.Len(t, f.obs.got, 2)
	assert.Equal(t, audit.ActionPromote, f.obs.got[0].action)
	assert.Equal(t, audit.ActionDemote, f.obs.got[1].action)
}

func TestPromote_AtHighestAssignableIsUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.policy.Promote(context.Background(), UserRef{ID: 2})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, uint8(100), res.NewRank)
	assert.Equal(t, "Officer", res.NewRankName)
	assert.Equal(t, 0, f.pf.mutations)
}

func TestDemote_AtLowestAssignableIsUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.policy.Demote(context.Background(), UserRef{ID: 3})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, uint8(1), res.NewRank)
}

func TestPromote_RespectsConfiguredMax(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	narrow := NewPolicy(f.dir, f.pf, nil, Options{MinRank: 1, MaxRank: 10})
	res, err := narrow.Promote(context.Background(), UserRef{ID: 1})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 0, f.pf.mutations)
}

func TestZeroBoundsAssignNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	closed := NewPolicy(f.dir, f.pf, nil, Options{})
	_, err := closed.SetRank(context.Background(), UserRef{ID: 1}, ByNumber(50))
	assert.ErrorIs(t, err, ErrPermission)

	res, err := closed.Promote(context.Background(), UserRef{ID: 1})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 0, f.pf.mutations)
}

func TestPromote_GuestMovesToFirstAssignable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.policy.Promote(context.Background(), UserRef{ID: 5})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, uint8(1), res.NewRank)
}

func TestRevert_DoesNotNotifyObservers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.policy.Revert(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Empty(t, f.obs.got)
	assert.Equal(t, audit.ActionUndo, f.log.Recent(1)[0].Action)
}

func TestRevert_ToUnassignableRankIsRefused(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.policy.Promote(ctx, UserRef{ID: 5})
	require.NoError(t, err)
	require.Equal(t, uint8(0), res.OldRank)
	before := f.pf.mutations

	_, err = f.policy.Revert(ctx, 5, res.OldRank)
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, before, f.pf.mutations)

	m, err := f.policy.GetRank(ctx, UserRef{ID: 5})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), m.Rank)
}

func TestGetRank(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m, err := f.policy.GetRank(context.Background(), UserRef{Username: "builder_7"})
	require.NoError(t, err)
	assert.Equal(t, Member{UserID: 1, Username: "builder_7", Rank: 10, RankName: "Member"}, m)
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestBulk_IsolatesMalformedItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	items := []BulkItem{
		{User: "1", Rank: raw(50)},
		{User: "2", Rank: raw("Veteran")},
		{User: "not a user!", Rank: raw(10)},
		{User: "newbie", Rank: raw("10")},
		{User: "5", Rank: raw(1)},
	}
	out, err := f.policy.Bulk(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, BulkCounts{Total: 5, Succeeded: 4, Failed: 1, Changed: 4}, out.Counts)
	require.Len(t, out.Results, 5)
	for i, r := range out.Results {
		assert.Equal(t, i, r.Index)
		if i == 2 {
			assert.False(t, r.Success)
			assert.ErrorIs(t, r.Err(), ErrValidation)
			assert.Nil(t, r.Result)
			continue
		}
		assert.True(t, r.Success, "item %d: %s", i, r.Error)
		require.NotNil(t, r.Result)
	}
	assert.Equal(t, 5, f.log.Query(audit.Filter{Action: audit.ActionBulk}).Total)
}

func TestBulk_RejectsEmptyAndOversized(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.policy.Bulk(context.Background(), nil)
	assert.ErrorIs(t, err, ErrValidation)

	items := make([]BulkItem, MaxBulkItems+1)
	for i := range items {
		items[i] = BulkItem{User: strconv.Itoa(i + 1), Rank: raw(10)}
	}
	_, err = f.policy.Bulk(context.Background(), items)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, f.log.Len())
}
