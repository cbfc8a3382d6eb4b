package exportpipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/bulkjobs/internal/codec"
	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

func TestProjectRenamesAndRestrictsFields(t *testing.T) {
	row := codec.Obj(map[string]codec.Value{
		"id":         codec.Str("1"),
		"author_id":  codec.Str("author-1"),
		"title":      codec.Str("hello"),
		"created_at": codec.Str("2026-01-01T00:00:00Z"),
	})

	out := project(jobs.ResourceArticles, []string{"title", "authorId"}, row)

	assert.True(t, out.Has("title"))
	assert.True(t, out.Has("authorId"))
	assert.False(t, out.Has("created_at"))
	assert.False(t, out.Has("id"))
}

func TestProjectWithNoFieldsKeepsAllRenamedColumns(t *testing.T) {
	row := codec.Obj(map[string]codec.Value{
		"id":         codec.Str("1"),
		"author_id":  codec.Str("author-1"),
		"title":      codec.Str("hello"),
		"body":       codec.Str("..."),
		"slug":       codec.Str("hello"),
		"tags":       codec.List(nil),
		"status":     codec.Str("draft"),
		"published_at": codec.Null(),
		"created_at": codec.Str("2026-01-01T00:00:00Z"),
		"updated_at": codec.Str("2026-01-01T00:00:00Z"),
	})

	out := project(jobs.ResourceArticles, nil, row)

	assert.True(t, out.Has("authorId"))
	assert.True(t, out.Has("createdAt"))
	assert.True(t, out.Has("title"))
}

func TestContentTypeForFormat(t *testing.T) {
	assert.Equal(t, "text/csv", contentTypeFor(jobs.FormatCSV))
	assert.Equal(t, "application/x-ndjson", contentTypeFor(jobs.FormatNDJSON))
	assert.Equal(t, "application/json", contentTypeFor(jobs.FormatJSON))
}
