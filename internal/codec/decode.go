package codec

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	gojson "github.com/goccy/go-json"
)

// Record is one decoded row: its 1-based line/element number, its parsed
// Value (valid only if Err is nil), and a parse error if decoding failed.
type Record struct {
	LineNumber int
	Value      Value
	Err        error
}

// Decoder yields a lazy sequence of Records over a channel, pulled only as
// fast as the consumer drains it — this is the pull-based streaming
// discipline the design notes call for instead of buffering a whole file.
type Decoder interface {
	// Decode starts decoding r and returns a channel of Records. The
	// channel is closed when the source is exhausted or ctx-independent
	// fatal error occurs (a fatal error is itself sent as the final
	// Record with LineNumber 0).
	Decode(r io.Reader) <-chan Record
}

// NDJSONDecoder decodes line-delimited JSON (ndjson/jsonl).
type NDJSONDecoder struct{}

func (NDJSONDecoder) Decode(r io.Reader) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var raw any
			if err := gojson.Unmarshal([]byte(line), &raw); err != nil {
				out <- Record{LineNumber: lineNo, Err: fmt.Errorf("line %d: invalid json: %w", lineNo, err)}
				continue
			}
			out <- Record{LineNumber: lineNo, Value: FromAny(raw)}
		}
		if err := scanner.Err(); err != nil {
			out <- Record{LineNumber: 0, Err: fmt.Errorf("ndjson scan: %w", err)}
		}
	}()
	return out
}

// CSVDecoder decodes a header row followed by data rows into Obj Values
// keyed by header, with raw string cells (no implicit coercion).
type CSVDecoder struct{}

func (CSVDecoder) Decode(r io.Reader) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		cr := csv.NewReader(r)
		cr.TrimLeadingSpace = true
		cr.FieldsPerRecord = -1

		header, err := cr.Read()
		if err != nil {
			if err == io.EOF {
				return
			}
			out <- Record{LineNumber: 0, Err: fmt.Errorf("csv header: %w", err)}
			return
		}
		for i, h := range header {
			header[i] = strings.TrimSpace(h)
		}

		lineNo := 0
		for {
			fields, err := cr.Read()
			if err == io.EOF {
				return
			}
			lineNo++
			if err != nil {
				out <- Record{LineNumber: lineNo, Err: fmt.Errorf("line %d: %w", lineNo, err)}
				continue
			}
			if isEmptyRow(fields) {
				continue
			}
			row := make(map[string]string, len(header))
			for i, h := range header {
				if i < len(fields) {
					row[h] = strings.TrimSpace(fields[i])
				} else {
					row[h] = ""
				}
			}
			out <- Record{LineNumber: lineNo, Value: FromStringMap(row)}
		}
	}()
	return out
}

func isEmptyRow(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// JSONArrayDecoder decodes the entire input as a JSON array of objects.
// Non-array input is a fatal decode error (emitted once, LineNumber 0).
type JSONArrayDecoder struct{}

func (JSONArrayDecoder) Decode(r io.Reader) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		data, err := io.ReadAll(r)
		if err != nil {
			out <- Record{LineNumber: 0, Err: fmt.Errorf("read input: %w", err)}
			return
		}
		var raw []any
		if err := gojson.Unmarshal(data, &raw); err != nil {
			out <- Record{LineNumber: 0, Err: fmt.Errorf("input is not a json array: %w", err)}
			return
		}
		for i, item := range raw {
			out <- Record{LineNumber: i + 1, Value: FromAny(item)}
		}
	}()
	return out
}

// ForFormat returns the Decoder for a format name ("json", "ndjson", "csv").
func ForFormat(format string) (Decoder, error) {
	switch format {
	case "json":
		return JSONArrayDecoder{}, nil
	case "ndjson", "jsonl":
		return NDJSONDecoder{}, nil
	case "csv":
		return CSVDecoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}
