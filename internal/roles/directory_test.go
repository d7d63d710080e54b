package roles

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	roles []Role
	bot   uint8
	err   error
}

func (s *stubSource) ListRoles(context.Context, bool) ([]Role, error) { return s.roles, s.err }
func (s *stubSource) BotRank(context.Context, bool) (uint8, error)    { return s.bot, nil }

func standardRoles() []Role {
	return []Role{
		{ID: 5, Rank: 100, Name: "Officer"},
		{ID: 1, Rank: 0, Name: "Guest"},
		{ID: 3, Rank: 10, Name: "Member"},
		{ID: 2, Rank: 1, Name: "Recruit"},
		{ID: 4, Rank: 50, Name: "Veteran"},
		{ID: 6, Rank: 150, Name: "Bot"},
		{ID: 7, Rank: 255, Name: "Owner"},
	}
}

func loaded(t *testing.T) *Directory {
	t.Helper()
	d := NewDirectory(&stubSource{roles: standardRoles(), bot: 150}, nil)
	require.NoError(t, d.Refresh(context.Background()))
	return d
}

func TestDirectory_LookupsAgree(t *testing.T) {
	t.Parallel()

	d := loaded(t)
	for _, r := range d.All() {
		byRank, err := d.GetByRank(r.Rank)
		require.NoError(t, err)
		for _, name := range []string{r.Name, strings.ToUpper(r.Name), strings.ToLower(r.Name)} {
			byName, err := d.GetByName(name)
			require.NoError(t, err)
			assert.Equal(t, byRank, byName)
		}
	}
}

func TestDirectory_SortedAndAssignable(t *testing.T) {
	t.Parallel()

	d := loaded(t)
	all := d.All()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Rank, all[i].Rank)
	}

	var ranks []uint8
	for _, r := range d.Assignable() {
		ranks = append(ranks, r.Rank)
	}
	assert.Equal(t, []uint8{1, 10, 50, 100}, ranks)

	bot, err := d.BotRank()
	require.NoError(t, err)
	assert.Equal(t, uint8(150), bot)
}

func TestDirectory_NotFound(t *testing.T) {
	t.Parallel()

	d := loaded(t)
	_, err := d.GetByRank(42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.GetByName("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_NextAssignable(t *testing.T) {
	t.Parallel()

	d := loaded(t)

	cases := []struct {
		rank    uint8
		above   uint8
		aboveOK bool
		below   uint8
		belowOK bool
	}{
		{rank: 0, above: 1, aboveOK: true},
		{rank: 1, above: 10, aboveOK: true},
		{rank: 10, above: 50, aboveOK: true, below: 1, belowOK: true},
		{rank: 30, above: 50, aboveOK: true, below: 10, belowOK: true},
		{rank: 100, below: 50, belowOK: true},
		{rank: 150, below: 100, belowOK: true},
		{rank: 255, below: 100, belowOK: true},
	}
	for _, tc := range cases {
		up, ok := d.NextAssignableAbove(tc.rank)
		assert.Equal(t, tc.aboveOK, ok, "above %d", tc.rank)
		if ok {
			assert.Equal(t, tc.above, up.Rank, "above %d", tc.rank)
		}
		down, ok := d.NextAssignableBelow(tc.rank)
		assert.Equal(t, tc.belowOK, ok, "below %d", tc.rank)
		if ok {
			assert.Equal(t, tc.below, down.Rank, "below %d", tc.rank)
		}
	}
}

func TestDirectory_EmptyBeforeRefresh(t *testing.T) {
	t.Parallel()

	d := NewDirectory(&stubSource{}, nil)
	assert.False(t, d.Ready())
	_, err := d.GetByRank(1)
	assert.ErrorIs(t, err, ErrNotReady)
	_, ok := d.NextAssignableAbove(1)
	assert.False(t, ok)
	assert.Nil(t, d.All())
}

func TestDirectory_DuplicateRankKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	src := &stubSource{roles: standardRoles(), bot: 150}
	d := NewDirectory(src, nil)
	require.NoError(t, d.Refresh(context.Background()))

	src.roles = append(standardRoles(), Role{ID: 99, Rank: 10, Name: "Clone"})
	err := d.Refresh(context.Background())
	require.ErrorIs(t, err, ErrDuplicateRank)

	r, err := d.GetByRank(10)
	require.NoError(t, err)
	assert.Equal(t, "Member", r.Name)
	_, err = d.GetByName("clone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_SourceErrorKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	src := &stubSource{roles: standardRoles(), bot: 150}
	d := NewDirectory(src, nil)
	require.NoError(t, d.Refresh(context.Background()))

	src.err = errors.New("platform down")
	require.Error(t, d.Refresh(context.Background()))
	assert.True(t, d.Ready())
	assert.Len(t, d.All(), 7)
}
