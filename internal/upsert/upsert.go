// Package upsert implements the batch Upsert Engine: one DB transaction per
// batch, per-row SAVEPOINTs, foreign-key pre-checks, in-batch duplicate
// detection by natural key, and idempotent upsert via
// `INSERT ... ON CONFLICT ... RETURNING id`, with insert-vs-update decided
// beforehand by pre-fetching existing rows by natural key, spanning three
// resource kinds with per-row savepoint absorption instead of
// whole-transaction rollback.
package upsert

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	platerrors "github.com/jonesrussell/bulkjobs/internal/platform/errors"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

// NormalizedRow is one validated, normalized record ready for upsert,
// tagged with its original line number for error reporting.
type NormalizedRow struct {
	LineNumber int
	Fields     map[string]any
}

// Result is the outcome of one UpsertBatch call.
type Result struct {
	Successful int
	Failed     int
	Errors     []jobs.RowError
}

// Engine runs per-batch transactional upserts.
type Engine struct {
	db     *sql.DB
	logger logger.Logger
}

// NewEngine constructs an Engine.
func NewEngine(db *sql.DB, log logger.Logger) *Engine {
	return &Engine{db: db, logger: log}
}

// UpsertBatch upserts rows of the given resource kind inside a single
// transaction. An error returned from this method is a transaction-level
// failure (§7 kind 4): the caller must count every row in the batch as
// failed. Per-row failures are absorbed and reported via Result.Errors.
func (e *Engine) UpsertBatch(ctx context.Context, resourceType jobs.ResourceType, rows []NormalizedRow) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, platerrors.Wrap(platerrors.KindTransaction, err, "begin upsert transaction")
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				e.logger.Error("upsert rollback failed", logger.Error(rbErr))
			}
		}
	}()

	var result Result
	var batchErr error
	switch resourceType {
	case jobs.ResourceUsers:
		result, batchErr = e.upsertUsers(ctx, tx, rows)
	case jobs.ResourceArticles:
		result, batchErr = e.upsertArticles(ctx, tx, rows)
	case jobs.ResourceComments:
		result, batchErr = e.upsertComments(ctx, tx, rows)
	default:
		return Result{}, platerrors.New(platerrors.KindValidation, fmt.Sprintf("unknown resource type %q", resourceType))
	}
	if batchErr != nil {
		return Result{}, platerrors.Wrap(platerrors.KindTransaction, batchErr, "upsert batch")
	}

	if err := tx.Commit(); err != nil {
		return Result{}, platerrors.Wrap(platerrors.KindTransaction, err, "commit upsert transaction")
	}
	committed = true
	return result, nil
}

// runSavepoint executes fn inside SAVEPOINT name, releasing on success and
// rolling back to the savepoint on fn's error (without aborting the outer
// transaction). A savepoint/rollback plumbing error itself is transaction-level.
func runSavepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint %s after %v: %w", name, err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

func savepointName(i int) string {
	return fmt.Sprintf("row_%d", i)
}

// classifyDBError maps a raw Postgres error to a field name and message
// for the row's error record, per §4.6's row-error classification.
func classifyDBError(err error, naturalKeyField string) (field, message string) {
	var pqErr *pq.Error
	if asPQError(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return naturalKeyField, "duplicate " + naturalKeyField
		case "invalid_text_representation", "check_violation":
			return "", "invalid field value: " + pqErr.Message
		case "foreign_key_violation":
			return "", "referenced record does not exist: " + pqErr.Message
		default:
			return "", pqErr.Message
		}
	}
	return "", err.Error()
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func fetchExistingByKeys(ctx context.Context, tx *sql.Tx, table, keyColumn string, keys []string) (map[string]uuid.UUID, error) {
	if len(keys) == 0 {
		return map[string]uuid.UUID{}, nil
	}
	q := fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s = ANY($1)`, keyColumn, table, keyColumn)
	rows, err := tx.QueryContext(ctx, q, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]uuid.UUID, len(keys))
	for rows.Next() {
		var id uuid.UUID
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, err
		}
		out[key] = id
	}
	return out, rows.Err()
}

func fetchExistingIDs(ctx context.Context, tx *sql.Tx, table string, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	q := fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1)`, table)
	rows, err := tx.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]bool, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func dedupeStrings(ss []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func dedupeUUIDs(us []uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]bool{}
	out := make([]uuid.UUID, 0, len(us))
	for _, u := range us {
		if u == uuid.Nil || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func fieldString(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func truncated(s string) string {
	return jobs.TruncateValue(strings.TrimSpace(s))
}
