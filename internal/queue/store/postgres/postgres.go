// Package postgres implements the queue.Adapter contract on PostgreSQL with
// one table per queue. Each FindOneAndUpdate compiles to a single CTE
// statement (pick one row with FOR UPDATE SKIP LOCKED, mutate it, return it),
// which is the atomicity boundary the queue's claim protocol relies on.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docqueue/docq/internal/queue"
)

// Ensure *Store implements queue.Adapter at compile time.
var _ queue.Adapter = (*Store)(nil)

var validTable = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type Store struct {
	pool  *pgxpool.Pool
	table string
}

// New returns a store bound to one table. The table name is interpolated
// into SQL text, so it must be a plain lowercase identifier.
func New(pool *pgxpool.Pool, table string) (*Store, error) {
	if !validTable.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

const schemaTmpl = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id               BIGSERIAL PRIMARY KEY,
	payload          BYTEA NOT NULL,
	visible_at       TIMESTAMPTZ NOT NULL,
	lease_token      TEXT,
	tries            INTEGER NOT NULL DEFAULT 0,
	first_claimed_at TIMESTAMPTZ,
	claimed_by       TEXT,
	deleted_at       TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_lease_token_idx
	ON %[1]s (lease_token) WHERE lease_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS %[1]s_claim_idx
	ON %[1]s (visible_at, id) WHERE deleted_at IS NULL;
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(schemaTmpl, s.table))
	return err
}

func (s *Store) Insert(ctx context.Context, m *queue.Message) (int64, error) {
	sql := fmt.Sprintf(
		`INSERT INTO %s (payload, visible_at) VALUES ($1, $2) RETURNING id;`,
		s.table,
	)
	var id int64
	err := s.pool.QueryRow(ctx, sql, m.Payload, m.VisibleAt).Scan(&id)
	return id, err
}

const returningCols = `m.id, m.payload, m.visible_at, m.lease_token, m.tries, m.first_claimed_at, m.claimed_by, m.deleted_at`

// FindOneAndUpdate picks one matching row, mutates it, and returns it in one
// statement. SKIP LOCKED keeps two concurrent claimants from ever picking
// the same row.
func (s *Store) FindOneAndUpdate(ctx context.Context, p queue.Predicate, mut queue.Mutation, sort queue.Sort) (*queue.Message, error) {
	where, args := compileWhere(p, nil)
	set, args := compileSet(mut, args)

	order := ""
	if sort == queue.SortByIDAsc {
		order = "ORDER BY id"
	}

	sql := fmt.Sprintf(`
WITH picked AS (
  SELECT id
  FROM %s
  WHERE %s
  %s
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
UPDATE %s m
SET %s
FROM picked
WHERE m.id = picked.id
RETURNING %s;`, s.table, where, order, s.table, set, returningCols)

	var m queue.Message
	err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&m.ID,
		&m.Payload,
		&m.VisibleAt,
		&m.LeaseToken,
		&m.Tries,
		&m.FirstClaimedAt,
		&m.ClaimedBy,
		&m.DeletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteMany(ctx context.Context, p queue.Predicate) (int64, error) {
	where, args := compileWhere(p, nil)
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s;`, s.table, where)
	ct, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) Count(ctx context.Context, p queue.Predicate) (int64, error) {
	where, args := compileWhere(p, nil)
	sql := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s;`, s.table, where)
	var n int64
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&n)
	return n, err
}

// compileWhere renders a predicate as an AND-joined condition list with
// positional args continuing from the given slice.
func compileWhere(p queue.Predicate, args []any) (string, []any) {
	var conds []string
	bind := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if p.ID != nil {
		bind("id = $%d", *p.ID)
	}
	if p.LeaseToken != nil {
		bind("lease_token = $%d", *p.LeaseToken)
	}
	if p.VisibleAtOrBefore != nil {
		bind("visible_at <= $%d", *p.VisibleAtOrBefore)
	}
	if p.VisibleAfter != nil {
		bind("visible_at > $%d", *p.VisibleAfter)
	}
	if p.Deleted != nil {
		if *p.Deleted {
			conds = append(conds, "deleted_at IS NOT NULL")
		} else {
			conds = append(conds, "deleted_at IS NULL")
		}
	}
	if p.HasLease != nil {
		if *p.HasLease {
			conds = append(conds, "lease_token IS NOT NULL")
		} else {
			conds = append(conds, "lease_token IS NULL")
		}
	}
	if len(conds) == 0 {
		conds = append(conds, "TRUE")
	}
	return strings.Join(conds, " AND "), args
}

// compileSet renders a mutation as an UPDATE SET list. Column references on
// the right-hand side read the pre-update row, which is what IncTries and
// the first_claimed_at COALESCE depend on.
func compileSet(mut queue.Mutation, args []any) (string, []any) {
	var sets []string
	bind := func(set string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(set, len(args)))
	}

	if mut.SetLeaseToken != nil {
		bind("lease_token = $%d", *mut.SetLeaseToken)
	}
	if mut.SetVisibleAt != nil {
		bind("visible_at = $%d", *mut.SetVisibleAt)
	}
	if mut.IncTries {
		sets = append(sets, "tries = m.tries + 1")
	}
	if mut.SetFirstClaimedIfUnset != nil {
		bind("first_claimed_at = COALESCE(m.first_claimed_at, $%d)", *mut.SetFirstClaimedIfUnset)
	}
	if mut.SetClaimedBy != nil {
		bind("claimed_by = $%d", *mut.SetClaimedBy)
	}
	if mut.SetDeletedAt != nil {
		bind("deleted_at = $%d", *mut.SetDeletedAt)
	}
	if len(sets) == 0 {
		// UPDATE needs a SET list even for a pure find.
		sets = append(sets, "id = m.id")
	}
	return strings.Join(sets, ",\n    "), args
}
