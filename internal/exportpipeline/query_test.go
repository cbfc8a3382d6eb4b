package exportpipeline

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

func TestBuildWhereUsesOnlyApplicableFilters(t *testing.T) {
	active := true
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	where, args := buildWhere(jobs.ResourceUsers, jobs.ExportFilters{
		Active:       &active,
		CreatedAfter: &after,
	})

	assert.Contains(t, where, "created_at > $1")
	assert.Contains(t, where, "active = $2")
	assert.Len(t, args, 2)
}

func TestBuildWhereIgnoresFieldsNotApplicableToResource(t *testing.T) {
	status := "published"
	where, args := buildWhere(jobs.ResourceUsers, jobs.ExportFilters{ArticleStatus: &status})

	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestBuildCountAndPageQueriesShareThePredicate(t *testing.T) {
	authorID := uuid.New()
	filters := jobs.ExportFilters{AuthorID: &authorID}

	countQ, countArgs := buildCountQuery(jobs.ResourceArticles, filters)
	pageQ, pageArgs := buildPageQuery(jobs.ResourceArticles, filters, nil)

	assert.Contains(t, countQ, "author_id = $1")
	assert.Contains(t, pageQ, "author_id = $1")
	assert.Equal(t, countArgs, pageArgs)
}

func TestBuildPageQueryAppendsKeysetPredicateAfterFilterArgs(t *testing.T) {
	cursor := &pageCursor{CreatedAt: time.Now(), ID: uuid.New()}
	q, args := buildPageQuery(jobs.ResourceUsers, jobs.ExportFilters{}, cursor)

	assert.Contains(t, q, "(created_at, id) > ($1, $2)")
	assert.Contains(t, q, "ORDER BY created_at ASC, id ASC LIMIT $3")
	assert.Len(t, args, 2)
}

func TestExportFieldNameRenamesKnownColumns(t *testing.T) {
	assert.Equal(t, "authorId", exportFieldName("author_id"))
	assert.Equal(t, "createdAt", exportFieldName("created_at"))
	assert.Equal(t, "title", exportFieldName("title"))
}
