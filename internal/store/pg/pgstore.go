// Package pg persists audit entries to PostgreSQL through pgx's database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rankrelay.org/internal/audit"
)

// Store is an audit.Sink backed by the audit_entries table.
type Store struct {
	db *sql.DB
}

var _ audit.Sink = (*Store)(nil)

// Open connects with conservative pool settings; the sink writes one row at a time.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const insertEntry = `insert into audit_entries
	(id, ts, action, user_id, username, target_rank, old_rank, new_rank, success, error, masked_ip, request_id)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	on conflict (id) do nothing`

// Write inserts one entry. Duplicate ids are ignored.
func (s *Store) Write(ctx context.Context, e audit.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, insertEntry,
		e.ID, e.Timestamp, e.Action, e.UserID, e.Username,
		nullRank(e.TargetRank), nullRank(e.OldRank), nullRank(e.NewRank),
		e.Success, e.Error, e.MaskedIP, e.RequestID,
	)
	return err
}

// Recent reads back the newest entries for a user (0 means all users).
func (s *Store) Recent(ctx context.Context, userID int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > audit.MaxLimit {
		limit = audit.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, ts, action, user_id, username, target_rank, old_rank, new_rank, success, error, masked_ip, request_id
		from audit_entries
		where ($1 = 0 or user_id = $1)
		order by ts desc
		limit $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e                  audit.Entry
			target, oldR, newR sql.NullInt16
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.UserID, &e.Username,
			&target, &oldR, &newR, &e.Success, &e.Error, &e.MaskedIP, &e.RequestID); err != nil {
			return nil, err
		}
		e.TargetRank, e.OldRank, e.NewRank = rankPtr(target), rankPtr(oldR), rankPtr(newR)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullRank(r *uint8) sql.NullInt16 {
	if r == nil {
		return sql.NullInt16{}
	}
	return sql.NullInt16{Int16: int16(*r), Valid: true}
}

func rankPtr(n sql.NullInt16) *uint8 {
	if !n.Valid {
		return nil
	}
	return audit.Rank(uint8(n.Int16))
}
