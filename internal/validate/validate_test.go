package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/codec"
	"github.com/jonesrussell/bulkjobs/internal/validate"
)

func obj(m map[string]codec.Value) codec.Value {
	return codec.Obj(m)
}

func TestValidateUserBogusRoleFails(t *testing.T) {
	row := obj(map[string]codec.Value{
		"email":  codec.Str("carol@example.com"),
		"name":   codec.Str("Carol"),
		"role":   codec.Str("bogus-role"),
		"active": codec.Bool(true),
	})
	v := validate.ValidateUser(row, 4)
	require.False(t, v.Valid)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, "role", v.Errors[0].Field)
}

func TestValidateUserValidRow(t *testing.T) {
	row := obj(map[string]codec.Value{
		"email":  codec.Str("Alice@Example.com"),
		"name":   codec.Str("Alice"),
		"role":   codec.Str("Admin"),
		"active": codec.Str("true"),
	})
	v := validate.ValidateUser(row, 1)
	require.True(t, v.Valid)
	assert.Equal(t, "alice@example.com", v.Normalized["email"])
	assert.Equal(t, "admin", v.Normalized["role"])
	assert.Equal(t, true, v.Normalized["active"])
}

func TestValidateArticleDraftWithPublishedAtFails(t *testing.T) {
	row := obj(map[string]codec.Value{
		"slug":         codec.Str("hello"),
		"title":        codec.Str("H"),
		"body":         codec.Str("x"),
		"author_id":    codec.Str("123e4567-e89b-12d3-a456-426614174000"),
		"status":       codec.Str("draft"),
		"published_at": codec.Str("2024-01-01T00:00:00Z"),
	})
	v := validate.ValidateArticle(row, 1)
	require.False(t, v.Valid)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, "published_at", v.Errors[0].Field)
}

func TestValidateArticleDedupsAndLowercasesTags(t *testing.T) {
	row := obj(map[string]codec.Value{
		"slug":      codec.Str("hello-world"),
		"title":     codec.Str("Hello"),
		"body":      codec.Str("x"),
		"author_id": codec.Str("123e4567-e89b-12d3-a456-426614174000"),
		"status":    codec.Str("published"),
		"tags":      codec.List([]codec.Value{codec.Str(" Go "), codec.Str("go"), codec.Str("Rust")}),
	})
	v := validate.ValidateArticle(row, 1)
	require.True(t, v.Valid)
	assert.Equal(t, []string{"go", "rust"}, v.Normalized["tags"])
}

func TestValidateCommentStripsCmPrefix(t *testing.T) {
	row := obj(map[string]codec.Value{
		"id":         codec.Str("cm_123e4567-e89b-12d3-a456-426614174000"),
		"article_id": codec.Str("123e4567-e89b-12d3-a456-426614174000"),
		"user_id":    codec.Str("123e4567-e89b-12d3-a456-426614174000"),
		"body":       codec.Str("nice post"),
	})
	v := validate.ValidateComment(row, 1)
	require.True(t, v.Valid)
	assert.NotNil(t, v.Normalized["id"])
}
