// Package exportpipeline implements the Export Query & Encoder: a dynamic,
// whitelisted WHERE/ORDER query builder, a streaming row cursor, field
// projection/renaming, and a multipart upload to object storage.
package exportpipeline

import (
	"fmt"
	"strings"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

// resourceTable maps a resource kind to its backing table.
var resourceTable = map[jobs.ResourceType]string{
	jobs.ResourceUsers:    "users",
	jobs.ResourceArticles: "articles",
	jobs.ResourceComments: "comments",
}

// resourceColumns lists the exportable DB columns per resource, in the
// canonical export order.
var resourceColumns = map[jobs.ResourceType][]string{
	jobs.ResourceUsers:    {"id", "email", "name", "role", "active", "created_at", "updated_at"},
	jobs.ResourceArticles: {"id", "slug", "title", "body", "author_id", "tags", "status", "published_at", "created_at", "updated_at"},
	jobs.ResourceComments: {"id", "article_id", "user_id", "body", "created_at", "updated_at"},
}

// fieldRename maps a DB column name to its exported field name, per the
// projection/rename step (§4.7 step 3): createdAt -> created_at etc. are
// expressed here in the DB->export direction.
var fieldRename = map[string]string{
	"created_at":   "createdAt",
	"updated_at":   "updatedAt",
	"author_id":    "authorId",
	"article_id":   "articleId",
	"user_id":      "userId",
	"published_at": "publishedAt",
}

func exportFieldName(column string) string {
	if renamed, ok := fieldRename[column]; ok {
		return renamed
	}
	return column
}

// buildWhere renders a WHERE clause (without the leading "WHERE") and its
// positional args for the given resource and filters. Only whitelisted
// columns are ever interpolated; all values are bound as args.
func buildWhere(resourceType jobs.ResourceType, filters jobs.ExportFilters) (string, []any) {
	var clauses []string
	var args []any
	pos := 1

	next := func() int {
		p := pos
		pos++
		return p
	}

	if len(filters.IDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("id = ANY($%d)", next()))
		args = append(args, filters.IDs)
	}
	if filters.CreatedAfter != nil {
		clauses = append(clauses, fmt.Sprintf("created_at > $%d", next()))
		args = append(args, *filters.CreatedAfter)
	}
	if filters.CreatedBefore != nil {
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", next()))
		args = append(args, *filters.CreatedBefore)
	}
	if filters.UpdatedAfter != nil {
		clauses = append(clauses, fmt.Sprintf("updated_at > $%d", next()))
		args = append(args, *filters.UpdatedAfter)
	}
	if filters.UpdatedBefore != nil {
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", next()))
		args = append(args, *filters.UpdatedBefore)
	}

	switch resourceType {
	case jobs.ResourceUsers:
		if filters.Active != nil {
			clauses = append(clauses, fmt.Sprintf("active = $%d", next()))
			args = append(args, *filters.Active)
		}
	case jobs.ResourceArticles:
		if filters.ArticleStatus != nil {
			clauses = append(clauses, fmt.Sprintf("status = $%d", next()))
			args = append(args, *filters.ArticleStatus)
		}
		if filters.AuthorID != nil {
			clauses = append(clauses, fmt.Sprintf("author_id = $%d", next()))
			args = append(args, *filters.AuthorID)
		}
	case jobs.ResourceComments:
		if filters.ArticleID != nil {
			clauses = append(clauses, fmt.Sprintf("article_id = $%d", next()))
			args = append(args, *filters.ArticleID)
		}
		if filters.UserID != nil {
			clauses = append(clauses, fmt.Sprintf("user_id = $%d", next()))
			args = append(args, *filters.UserID)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

// buildCountQuery and buildPageQuery share the same predicate by
// construction (§4.7 step 2's invariant): both call buildWhere with the
// same filters.

func buildCountQuery(resourceType jobs.ResourceType, filters jobs.ExportFilters) (string, []any) {
	table := resourceTable[resourceType]
	where, args := buildWhere(resourceType, filters)
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	return q, args
}

// buildPageQuery returns a page query selecting all exportable columns,
// ordered by (created_at, id) ascending. When cursor is non-nil, rows are
// additionally restricted to (created_at, id) > cursor, with the cursor
// bound as the final two args after the filter args. The LIMIT placeholder
// is numbered one past the returned args; the caller appends the page
// limit value.
func buildPageQuery(resourceType jobs.ResourceType, filters jobs.ExportFilters, cursor *pageCursor) (string, []any) {
	table := resourceTable[resourceType]
	columns := resourceColumns[resourceType]
	where, args := buildWhere(resourceType, filters)

	var clauses []string
	if where != "" {
		clauses = append(clauses, where)
	}
	if cursor != nil {
		pos := len(args) + 1
		clauses = append(clauses, fmt.Sprintf("(created_at, id) > ($%d, $%d)", pos, pos+1))
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	q := "SELECT " + strings.Join(columns, ", ") + " FROM " + table
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args)+1)
	return q, args
}
