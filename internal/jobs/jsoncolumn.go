package jobs

import (
	"database/sql/driver"
	"errors"

	"github.com/goccy/go-json"
)

// ErrNilJSONColumn reports a nil JSON column value. Value does not return
// it: a nil Val is marshaled and stored as the JSON literal null.
var ErrNilJSONColumn = errors.New("jsoncolumn: nil value")

// JSONColumn stores a Go value as a JSON column (Postgres `json`/`jsonb`),
// generalizing the StringArray driver.Valuer/sql.Scanner pattern to any
// marshalable type via generics.
type JSONColumn[T any] struct {
	Val T
}

// NewJSONColumn wraps v for storage.
func NewJSONColumn[T any](v T) JSONColumn[T] {
	return JSONColumn[T]{Val: v}
}

// Value implements driver.Valuer.
func (c JSONColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.Val)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (c *JSONColumn[T]) Scan(value any) error {
	if value == nil {
		var zero T
		c.Val = zero
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("jsoncolumn: unsupported scan source type")
	}
	if len(raw) == 0 {
		var zero T
		c.Val = zero
		return nil
	}
	return json.Unmarshal(raw, &c.Val)
}
