package upsert

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/google/uuid"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

func (e *Engine) upsertUsers(ctx context.Context, tx *sql.Tx, rows []NormalizedRow) (Result, error) {
	var result Result

	emails := make([]string, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, fieldString(r.Fields, "email"))
	}
	existing, err := fetchExistingByKeys(ctx, tx, "users", "email", dedupeStrings(emails))
	if err != nil {
		return Result{}, err
	}

	firstSeen := map[string]int{}
	for i, row := range rows {
		email := fieldString(row.Fields, "email")

		if seenRow, dup := firstSeen[email]; dup {
			result.Failed++
			result.Errors = append(result.Errors, jobs.RowError{
				Row:     row.LineNumber,
				Field:   "email",
				Message: "Duplicate email in import file: " + truncated(email) + fmtFirstSeen(seenRow),
				Value:   truncated(email),
			})
			continue
		}
		firstSeen[email] = row.LineNumber

		err := runSavepoint(ctx, tx, savepointName(i), func() error {
			return upsertUserRow(ctx, tx, row, existing)
		})
		if err != nil {
			result.Failed++
			field, msg := classifyDBError(err, "email")
			result.Errors = append(result.Errors, jobs.RowError{
				Row: row.LineNumber, Field: field, Message: msg, Value: truncated(email),
			})
			continue
		}
		result.Successful++
	}
	return result, nil
}

func upsertUserRow(ctx context.Context, tx *sql.Tx, row NormalizedRow, existing map[string]uuid.UUID) error {
	email := fieldString(row.Fields, "email")
	name := fieldString(row.Fields, "name")
	role := fieldString(row.Fields, "role")
	active, _ := row.Fields["active"].(bool)

	id, ok := existing[email]
	if !ok {
		if explicitID, hasID := row.Fields["id"].(uuid.UUID); hasID {
			id = explicitID
		} else {
			id = uuid.New()
		}
	}

	const q = `
		INSERT INTO users (id, email, name, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role, active = EXCLUDED.active, updated_at = now()
		RETURNING id
	`
	var returnedID uuid.UUID
	return tx.QueryRowContext(ctx, q, id, email, name, role, active).Scan(&returnedID)
}

func fmtFirstSeen(row int) string {
	return " (first seen on row " + strconv.Itoa(row) + ")"
}
