package codec_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/codec"
)

func drain(t *testing.T, ch <-chan codec.Record) []codec.Record {
	t.Helper()
	var out []codec.Record
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestNDJSONDecoder(t *testing.T) {
	input := `{"email":"a@example.com","name":"A"}
{"email":"b@example.com","name":"B"}
`
	recs := drain(t, codec.NDJSONDecoder{}.Decode(strings.NewReader(input)))
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].LineNumber)
	email, _ := recs[0].Value.Get("email").AsString()
	assert.Equal(t, "a@example.com", email)
}

func TestNDJSONDecoderSkipsEmptyLinesAndReportsParseErrors(t *testing.T) {
	input := "{\"a\":1}\n\n{not json}\n"
	recs := drain(t, codec.NDJSONDecoder{}.Decode(strings.NewReader(input)))
	require.Len(t, recs, 2)
	assert.NoError(t, recs[0].Err)
	assert.Error(t, recs[1].Err)
}

func TestCSVDecoderMapsRowsByHeader(t *testing.T) {
	input := "email,name,role,active\nalice@example.com,Alice,admin,true\nbob@example.com,Bob,editor,true\n"
	recs := drain(t, codec.CSVDecoder{}.Decode(strings.NewReader(input)))
	require.Len(t, recs, 2)
	name, _ := recs[0].Value.Get("name").AsString()
	assert.Equal(t, "Alice", name)
}

func TestJSONArrayDecoderRejectsNonArray(t *testing.T) {
	recs := drain(t, codec.JSONArrayDecoder{}.Decode(strings.NewReader(`{"not":"an array"}`)))
	require.Len(t, recs, 1)
	assert.Error(t, recs[0].Err)
}

func TestCSVEncoderEscapesSpecialChars(t *testing.T) {
	enc := &codec.CSVEncoder{}
	var buf bytes.Buffer
	require.NoError(t, enc.Begin(&buf))
	rec := codec.Obj(map[string]codec.Value{
		"name":  codec.Str(`Jane, "J" Doe`),
		"email": codec.Str("jane@example.com"),
	})
	require.NoError(t, enc.Write(&buf, rec))
	require.NoError(t, enc.End(&buf))
	out := buf.String()
	assert.Contains(t, out, `"Jane, ""J"" Doe"`)
}

func TestBatcherFlushesPartialFinalBatch(t *testing.T) {
	in := make(chan codec.Record, 5)
	for i := 0; i < 5; i++ {
		in <- codec.Record{LineNumber: i + 1, Value: codec.Num(float64(i))}
	}
	close(in)

	var batches []codec.Batch
	for b := range codec.Batcher(in, 2) {
		batches = append(batches, b)
	}
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Records, 2)
	assert.Len(t, batches[1].Records, 2)
	assert.Len(t, batches[2].Records, 1)
}

func TestByteCounterCountingWriter(t *testing.T) {
	counter := &codec.ByteCounter{}
	var buf bytes.Buffer
	w := counter.CountingWriter(&buf)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = w.Write([]byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.Equal(t, int64(11), counter.Count())
	assert.Equal(t, "hello world", buf.String())
}

func TestByteCounterCountingReader(t *testing.T) {
	counter := &codec.ByteCounter{}
	r := counter.CountingReader(strings.NewReader("0123456789"))

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, int64(8), counter.Count())
}

func TestMeterReportsFinalOnClose(t *testing.T) {
	var mu sync.Mutex
	var reports []codec.MeterReport

	m := codec.NewMeter(time.Hour, func(rep codec.MeterReport) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, rep)
	})
	m.Inc(3)
	m.Inc(4)
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Final)
	assert.Equal(t, int64(7), reports[0].TotalRows)
}
