package migrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func files() fstest.MapFS {
	return fstest.MapFS{
		"0001_audit.up.sql":   {Data: []byte("create table a (x text);\ncreate index a_x on a (x);\n")},
		"0001_audit.down.sql": {Data: []byte("drop table a;")},
		"0002_more.up.sql":    {Data: []byte("alter table a add column y text default 'a;b';")},
		"README.md":           {Data: []byte("ignored")},
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a (x text);\n\ninsert into a values ('x;y');  ;\nselect 1")
	assert.Equal(t, []string{
		"create table a (x text)",
		"insert into a values ('x;y')",
		"select 1",
	}, got)
}

func TestUp_AppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists rankrelay_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select name from rankrelay_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_audit.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("alter table a add column y text default 'a;b'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into rankrelay_migrations(name, applied_at) values ($1, $2)")).
		WithArgs("0002_more.up.sql", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := NewManager(db, files(), WithClock(func() time.Time { return fixedNow }))
	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_more.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDown_RollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select name from rankrelay_migrations order by name desc limit 1")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_audit.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("drop table a")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("delete from rankrelay_migrations where name = $1")).
		WithArgs("0001_audit.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := NewManager(db, files()).Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0001_audit.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDown_NothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err = NewManager(db, files()).Down(context.Background())
	assert.ErrorIs(t, err, ErrNothingApplied)
}

func TestStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_audit.up.sql"))

	st, err := NewManager(db, files()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		{Name: "0001_audit.up.sql", Applied: true},
		{Name: "0002_more.up.sql", Applied: false},
	}, st)
}
