package upsert

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	gojson "github.com/goccy/go-json"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

func (e *Engine) upsertArticles(ctx context.Context, tx *sql.Tx, rows []NormalizedRow) (Result, error) {
	var result Result

	slugs := make([]string, 0, len(rows))
	authorIDs := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		slugs = append(slugs, fieldString(r.Fields, "slug"))
		if aid, ok := r.Fields["author_id"].(uuid.UUID); ok {
			authorIDs = append(authorIDs, aid)
		}
	}
	existing, err := fetchExistingByKeys(ctx, tx, "articles", "slug", dedupeStrings(slugs))
	if err != nil {
		return Result{}, err
	}
	validAuthors, err := fetchExistingIDs(ctx, tx, "users", dedupeUUIDs(authorIDs))
	if err != nil {
		return Result{}, err
	}

	firstSeen := map[string]int{}
	for i, row := range rows {
		slug := fieldString(row.Fields, "slug")

		if seenRow, dup := firstSeen[slug]; dup {
			result.Failed++
			result.Errors = append(result.Errors, jobs.RowError{
				Row:     row.LineNumber,
				Field:   "slug",
				Message: "Duplicate slug in import file: " + truncated(slug) + fmtFirstSeen(seenRow),
				Value:   truncated(slug),
			})
			continue
		}
		firstSeen[slug] = row.LineNumber

		authorID, _ := row.Fields["author_id"].(uuid.UUID)
		if !validAuthors[authorID] {
			result.Failed++
			result.Errors = append(result.Errors, jobs.RowError{
				Row: row.LineNumber, Field: "author_id",
				Message: "author_id does not reference an existing user",
				Value:   truncated(authorID.String()),
			})
			continue
		}

		err := runSavepoint(ctx, tx, savepointName(i), func() error {
			return upsertArticleRow(ctx, tx, row, existing)
		})
		if err != nil {
			result.Failed++
			field, msg := classifyDBError(err, "slug")
			result.Errors = append(result.Errors, jobs.RowError{
				Row: row.LineNumber, Field: field, Message: msg, Value: truncated(slug),
			})
			continue
		}
		result.Successful++
	}
	return result, nil
}

func upsertArticleRow(ctx context.Context, tx *sql.Tx, row NormalizedRow, existing map[string]uuid.UUID) error {
	slug := fieldString(row.Fields, "slug")
	title := fieldString(row.Fields, "title")
	body := fieldString(row.Fields, "body")
	authorID, _ := row.Fields["author_id"].(uuid.UUID)
	status := fieldString(row.Fields, "status")

	var publishedAt any
	if t, ok := row.Fields["published_at"]; ok {
		publishedAt = t
	}

	var tagsJSON []byte
	if tags, ok := row.Fields["tags"].([]string); ok {
		b, err := gojson.Marshal(tags)
		if err != nil {
			return err
		}
		tagsJSON = b
	} else {
		tagsJSON = []byte("[]")
	}

	id, ok := existing[slug]
	if !ok {
		if explicitID, hasID := row.Fields["id"].(uuid.UUID); hasID {
			id = explicitID
		} else {
			id = uuid.New()
		}
	}

	const q = `
		INSERT INTO articles (id, slug, title, body, author_id, tags, status, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (slug) DO UPDATE SET
			title = EXCLUDED.title, body = EXCLUDED.body, author_id = EXCLUDED.author_id,
			tags = EXCLUDED.tags, status = EXCLUDED.status, published_at = EXCLUDED.published_at, updated_at = now()
		RETURNING id
	`
	var returnedID uuid.UUID
	return tx.QueryRowContext(ctx, q, id, slug, title, body, authorID, tagsJSON, status, publishedAt).Scan(&returnedID)
}
