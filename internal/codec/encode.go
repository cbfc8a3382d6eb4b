package codec

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	gojson "github.com/goccy/go-json"
)

// Encoder writes a lazy sequence of Obj Values to w in one of the three
// wire formats. Implementations must call Begin before the first Write and
// End exactly once, so the json-array encoder can emit its brackets.
type Encoder interface {
	Begin(w io.Writer) error
	Write(w io.Writer, record Value) error
	End(w io.Writer) error
}

// NDJSONEncoder writes `json(record) || "\n"` per record.
type NDJSONEncoder struct{}

func (NDJSONEncoder) Begin(io.Writer) error { return nil }

func (NDJSONEncoder) Write(w io.Writer, record Value) error {
	b, err := gojson.Marshal(record.ToAny())
	if err != nil {
		return fmt.Errorf("encode ndjson record: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n"))
	return err
}

func (NDJSONEncoder) End(io.Writer) error { return nil }

// JSONArrayEncoder writes `[` then comma-separated records then `]`.
type JSONArrayEncoder struct {
	wrote bool
}

func (e *JSONArrayEncoder) Begin(w io.Writer) error {
	_, err := w.Write([]byte("["))
	return err
}

func (e *JSONArrayEncoder) Write(w io.Writer, record Value) error {
	if e.wrote {
		if _, err := w.Write([]byte(",")); err != nil {
			return err
		}
	}
	b, err := gojson.Marshal(record.ToAny())
	if err != nil {
		return fmt.Errorf("encode json array record: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	e.wrote = true
	return nil
}

func (e *JSONArrayEncoder) End(w io.Writer) error {
	_, err := w.Write([]byte("]"))
	return err
}

// CSVEncoder writes a header row (from the first record's keys, or an
// explicit Fields override) then projects subsequent records to that key
// order, with standard CSV escaping.
type CSVEncoder struct {
	Fields []string

	header []string
}

func (e *CSVEncoder) Begin(io.Writer) error { return nil }

func (e *CSVEncoder) Write(w io.Writer, record Value) error {
	if e.header == nil {
		if len(e.Fields) > 0 {
			e.header = e.Fields
		} else {
			e.header = record.Keys()
		}
		if err := e.writeRow(w, e.header); err != nil {
			return err
		}
	}
	cells := make([]string, len(e.header))
	for i, key := range e.header {
		cells[i] = csvCell(record.Get(key))
	}
	return e.writeRow(w, cells)
}

func (e *CSVEncoder) End(io.Writer) error { return nil }

func (e *CSVEncoder) writeRow(w io.Writer, cells []string) error {
	quoted := make([]string, len(cells))
	for i, c := range cells {
		quoted[i] = quoteCSVCell(c)
	}
	_, err := w.Write([]byte(strings.Join(quoted, ",") + "\r\n"))
	return err
}

func csvCell(v Value) string {
	if v.IsNull() {
		return ""
	}
	switch v.Kind() {
	case KindList, KindObj:
		b, err := gojson.Marshal(v.ToAny())
		if err != nil {
			return ""
		}
		return string(b)
	default:
		s, _ := v.AsString()
		return s
	}
}

func quoteCSVCell(s string) string {
	if strings.ContainsAny(s, ",\"\n\r") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

// ForEncodeFormat returns the Encoder for a format name.
func ForEncodeFormat(format string, fields []string) (Encoder, error) {
	switch format {
	case "json":
		return &JSONArrayEncoder{}, nil
	case "ndjson", "jsonl":
		return NDJSONEncoder{}, nil
	case "csv":
		return &CSVEncoder{Fields: fields}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// BufferedWriter wraps w with a bufio.Writer and flushes on Close, for
// callers that want to batch small Write calls before they hit the
// underlying stream (e.g. an io.Pipe feeding a multipart uploader).
type BufferedWriter struct {
	*bufio.Writer
}

func NewBufferedWriter(w io.Writer) *BufferedWriter {
	return &BufferedWriter{Writer: bufio.NewWriterSize(w, 64*1024)}
}

func (b *BufferedWriter) Close() error {
	return b.Flush()
}
