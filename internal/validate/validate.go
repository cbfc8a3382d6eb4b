// Package validate implements the per-resource schema and semantic checks
// over codec.Value trees. Rule sets are plain Go (regexps, enums, length
// bounds) rather than metaprogramming, per the design notes: "keep rule
// sets data, not metaprogramming."
package validate

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jonesrussell/bulkjobs/internal/codec"
)

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string
	Message string
	Value   string
}

// Verdict is the outcome of validating one row: either Valid with a
// Normalized record, or invalid with a list of FieldErrors.
type Verdict struct {
	Valid      bool
	Normalized map[string]any
	Errors     []FieldError
	LineNumber int
	Raw        codec.Value
}

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	slugRe  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

var userRoles = map[string]bool{"admin": true, "manager": true, "author": true, "editor": true, "reader": true}
var articleStatuses = map[string]bool{"draft": true, "published": true, "archived": true}

func fail(errs *[]FieldError, field, message, value string) {
	*errs = append(*errs, FieldError{Field: field, Message: message, Value: value})
}

// getString extracts a string from v.Get(field); ok is false if absent or
// not string-coercible. The result is not trimmed.
func getString(v codec.Value, field string) (string, bool) {
	fv := v.Get(field)
	if fv.IsNull() {
		return "", false
	}
	s, ok := fv.AsString()
	return s, ok
}

// ValidateUser checks a decoded row against the users schema.
func ValidateUser(v codec.Value, lineNumber int) Verdict {
	var errs []FieldError
	out := map[string]any{}

	email, ok := getString(v, "email")
	email = strings.TrimSpace(email)
	if !ok || email == "" {
		fail(&errs, "email", "email is required", email)
	} else if len(email) > 255 {
		fail(&errs, "email", "email exceeds 255 characters", email)
	} else if !emailRe.MatchString(email) {
		fail(&errs, "email", "email is not a valid address", email)
	} else {
		out["email"] = strings.ToLower(email)
	}

	name, ok := getString(v, "name")
	name = strings.TrimSpace(name)
	if !ok || name == "" || utf8.RuneCountInString(name) > 255 {
		fail(&errs, "name", "name must be 1..255 characters", name)
	} else {
		out["name"] = name
	}

	role, ok := getString(v, "role")
	normRole := strings.ToLower(strings.TrimSpace(role))
	if !ok || !userRoles[normRole] {
		fail(&errs, "role", "role must be one of admin, manager, author, editor, reader", role)
	} else {
		out["role"] = normRole
	}

	active, ok := v.Get("active").AsBool()
	if !v.Has("active") || !ok {
		fail(&errs, "active", "active must be a recognizable boolean", v.Get("active").String())
	} else {
		out["active"] = active
	}

	if v.Has("id") {
		idStr, _ := getString(v, "id")
		if id, err := uuid.Parse(idStr); err != nil {
			fail(&errs, "id", "id must be a valid UUID", idStr)
		} else {
			out["id"] = id
		}
	}

	for _, ts := range []string{"created_at", "updated_at"} {
		if v.Has(ts) {
			s, _ := getString(v, ts)
			if t, err := time.Parse(time.RFC3339, s); err != nil {
				fail(&errs, ts, ts+" must be ISO-8601", s)
			} else {
				out[ts] = t
			}
		}
	}

	return finish(out, errs, lineNumber, v)
}

// ValidateArticle checks a decoded row against the articles schema.
func ValidateArticle(v codec.Value, lineNumber int) Verdict {
	var errs []FieldError
	out := map[string]any{}

	if v.Has("id") {
		idStr, _ := getString(v, "id")
		if id, err := uuid.Parse(idStr); err != nil {
			fail(&errs, "id", "id must be a valid UUID", idStr)
		} else {
			out["id"] = id
		}
	}

	slug, ok := getString(v, "slug")
	slug = strings.TrimSpace(slug)
	if !ok || slug == "" || !slugRe.MatchString(slug) {
		fail(&errs, "slug", "slug must be kebab-case", slug)
	} else {
		out["slug"] = slug
	}

	title, ok := getString(v, "title")
	title = strings.TrimSpace(title)
	if !ok || title == "" || utf8.RuneCountInString(title) > 500 {
		fail(&errs, "title", "title must be 1..500 characters", title)
	} else {
		out["title"] = title
	}

	body, ok := getString(v, "body")
	if !ok || body == "" {
		fail(&errs, "body", "body is required", body)
	} else {
		out["body"] = body
	}

	authorIDStr, ok := getString(v, "author_id")
	if !ok {
		fail(&errs, "author_id", "author_id is required", authorIDStr)
	} else if authorID, err := uuid.Parse(authorIDStr); err != nil {
		fail(&errs, "author_id", "author_id must be a valid UUID", authorIDStr)
	} else {
		out["author_id"] = authorID
	}

	if v.Has("tags") {
		seen := map[string]bool{}
		var tags []string
		for _, item := range v.Get("tags").Items() {
			s, _ := item.AsString()
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			tags = append(tags, s)
		}
		out["tags"] = tags
	}

	status, ok := getString(v, "status")
	normStatus := strings.ToLower(strings.TrimSpace(status))
	if !ok || !articleStatuses[normStatus] {
		fail(&errs, "status", "status must be one of draft, published, archived", status)
	} else {
		out["status"] = normStatus
	}

	if v.Has("published_at") {
		s, _ := getString(v, "published_at")
		if normStatus == "draft" {
			fail(&errs, "published_at", "published_at must be absent when status is draft", s)
		} else if t, err := time.Parse(time.RFC3339, s); err != nil {
			fail(&errs, "published_at", "published_at must be ISO-8601", s)
		} else {
			out["published_at"] = t
		}
	}

	return finish(out, errs, lineNumber, v)
}

// ValidateComment checks a decoded row against the comments schema.
func ValidateComment(v codec.Value, lineNumber int) Verdict {
	var errs []FieldError
	out := map[string]any{}

	if v.Has("id") {
		idStr, _ := getString(v, "id")
		idStr = strings.TrimPrefix(idStr, "cm_")
		if id, err := uuid.Parse(idStr); err != nil {
			fail(&errs, "id", "id must be a valid UUID (optionally cm_-prefixed)", idStr)
		} else {
			out["id"] = id
		}
	}

	articleIDStr, ok := getString(v, "article_id")
	if !ok {
		fail(&errs, "article_id", "article_id is required", articleIDStr)
	} else if articleID, err := uuid.Parse(articleIDStr); err != nil {
		fail(&errs, "article_id", "article_id must be a valid UUID", articleIDStr)
	} else {
		out["article_id"] = articleID
	}

	userIDStr, ok := getString(v, "user_id")
	if !ok {
		fail(&errs, "user_id", "user_id is required", userIDStr)
	} else if userID, err := uuid.Parse(userIDStr); err != nil {
		fail(&errs, "user_id", "user_id must be a valid UUID", userIDStr)
	} else {
		out["user_id"] = userID
	}

	body, ok := getString(v, "body")
	if !ok || body == "" {
		fail(&errs, "body", "body is required", body)
	} else if utf8.RuneCountInString(body) > 10000 {
		fail(&errs, "body", "body exceeds 10000 characters", body)
	} else if wordCount(body) > 500 {
		fail(&errs, "body", "body exceeds 500 words", body)
	} else {
		out["body"] = body
	}

	if v.Has("created_at") {
		s, _ := getString(v, "created_at")
		if t, err := time.Parse(time.RFC3339, s); err != nil {
			fail(&errs, "created_at", "created_at must be ISO-8601", s)
		} else {
			out["created_at"] = t
		}
	}

	return finish(out, errs, lineNumber, v)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func finish(out map[string]any, errs []FieldError, lineNumber int, raw codec.Value) Verdict {
	if len(errs) > 0 {
		return Verdict{Valid: false, Errors: errs, LineNumber: lineNumber, Raw: raw}
	}
	return Verdict{Valid: true, Normalized: out, LineNumber: lineNumber, Raw: raw}
}

// ForResource returns the validator function for a resource type name.
func ForResource(resourceType string) (func(codec.Value, int) Verdict, bool) {
	switch resourceType {
	case "users":
		return ValidateUser, true
	case "articles":
		return ValidateArticle, true
	case "comments":
		return ValidateComment, true
	default:
		return nil, false
	}
}
