package upsert

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

// Comments are matched by id only — unlike users/articles, this resource
// has no independent business key, per the Open Question resolution in
// the design ledger.
func (e *Engine) upsertComments(ctx context.Context, tx *sql.Tx, rows []NormalizedRow) (Result, error) {
	var result Result

	ids := make([]uuid.UUID, 0, len(rows))
	articleIDs := make([]uuid.UUID, 0, len(rows))
	userIDs := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		if id, ok := r.Fields["id"].(uuid.UUID); ok {
			ids = append(ids, id)
		}
		if aid, ok := r.Fields["article_id"].(uuid.UUID); ok {
			articleIDs = append(articleIDs, aid)
		}
		if uid, ok := r.Fields["user_id"].(uuid.UUID); ok {
			userIDs = append(userIDs, uid)
		}
	}
	existing, err := fetchExistingIDs(ctx, tx, "comments", dedupeUUIDs(ids))
	if err != nil {
		return Result{}, err
	}
	validArticles, err := fetchExistingIDs(ctx, tx, "articles", dedupeUUIDs(articleIDs))
	if err != nil {
		return Result{}, err
	}
	validUsers, err := fetchExistingIDs(ctx, tx, "users", dedupeUUIDs(userIDs))
	if err != nil {
		return Result{}, err
	}

	firstSeen := map[uuid.UUID]int{}
	for i, row := range rows {
		id, hasID := row.Fields["id"].(uuid.UUID)

		if hasID {
			if seenRow, dup := firstSeen[id]; dup {
				result.Failed++
				result.Errors = append(result.Errors, jobs.RowError{
					Row:     row.LineNumber,
					Field:   "id",
					Message: "Duplicate id in import file: " + truncated(id.String()) + fmtFirstSeen(seenRow),
					Value:   truncated(id.String()),
				})
				continue
			}
			firstSeen[id] = row.LineNumber
		}

		articleID, _ := row.Fields["article_id"].(uuid.UUID)
		if !validArticles[articleID] {
			result.Failed++
			result.Errors = append(result.Errors, jobs.RowError{
				Row: row.LineNumber, Field: "article_id",
				Message: "article_id does not reference an existing article",
				Value:   truncated(articleID.String()),
			})
			continue
		}
		userID, _ := row.Fields["user_id"].(uuid.UUID)
		if !validUsers[userID] {
			result.Failed++
			result.Errors = append(result.Errors, jobs.RowError{
				Row: row.LineNumber, Field: "user_id",
				Message: "user_id does not reference an existing user",
				Value:   truncated(userID.String()),
			})
			continue
		}

		err := runSavepoint(ctx, tx, savepointName(i), func() error {
			return upsertCommentRow(ctx, tx, row, existing)
		})
		if err != nil {
			result.Failed++
			field, msg := classifyDBError(err, "id")
			result.Errors = append(result.Errors, jobs.RowError{
				Row: row.LineNumber, Field: field, Message: msg,
			})
			continue
		}
		result.Successful++
	}
	return result, nil
}

func upsertCommentRow(ctx context.Context, tx *sql.Tx, row NormalizedRow, existing map[uuid.UUID]bool) error {
	articleID, _ := row.Fields["article_id"].(uuid.UUID)
	userID, _ := row.Fields["user_id"].(uuid.UUID)
	body := fieldString(row.Fields, "body")

	id, hasID := row.Fields["id"].(uuid.UUID)
	if !hasID {
		id = uuid.New()
	}

	var q string
	if existing[id] {
		q = `UPDATE comments SET body=$2, article_id=$3, user_id=$4, updated_at=now() WHERE id=$1 RETURNING id`
	} else {
		q = `INSERT INTO comments (id, article_id, user_id, body, created_at, updated_at)
			VALUES ($1, $3, $4, $2, now(), now()) RETURNING id`
	}
	var returnedID uuid.UUID
	return tx.QueryRowContext(ctx, q, id, body, articleID, userID).Scan(&returnedID)
}
