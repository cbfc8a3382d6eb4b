package codec

import (
	"io"
	"sync/atomic"
	"time"
)

// Batch groups upstream Records into a fixed-size window.
type Batch struct {
	Records []Record
}

// Batcher groups a Record channel into fixed-size Batches, flushing a
// final partial batch when the upstream channel closes. This keeps memory
// bounded to O(batchSize × max_row_size) regardless of input size.
func Batcher(in <-chan Record, batchSize int) <-chan Batch {
	out := make(chan Batch)
	go func() {
		defer close(out)
		buf := make([]Record, 0, batchSize)
		for rec := range in {
			buf = append(buf, rec)
			if len(buf) >= batchSize {
				out <- Batch{Records: buf}
				buf = make([]Record, 0, batchSize)
			}
		}
		if len(buf) > 0 {
			out <- Batch{Records: buf}
		}
	}()
	return out
}

// ByteCounter wraps an io.Writer or io.Reader, tracking total bytes passed
// through it. Safe for concurrent reads of Count via atomic load.
type ByteCounter struct {
	count int64
}

// Count returns the total number of bytes observed so far.
func (c *ByteCounter) Count() int64 {
	return atomic.LoadInt64(&c.count)
}

// CountingWriter returns an io.Writer that forwards to w while counting bytes.
func (c *ByteCounter) CountingWriter(w io.Writer) io.Writer {
	return &countingWriter{w: w, c: c}
}

type countingWriter struct {
	w io.Writer
	c *ByteCounter
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	atomic.AddInt64(&cw.c.count, int64(n))
	return n, err
}

// CountingReader returns an io.Reader that forwards from r while counting bytes.
func (c *ByteCounter) CountingReader(r io.Reader) io.Reader {
	return &countingReader{r: r, c: c}
}

type countingReader struct {
	r io.Reader
	c *ByteCounter
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	atomic.AddInt64(&cr.c.count, int64(n))
	return n, err
}

// MeterReport is the periodic/final snapshot a Meter sends to its callback.
type MeterReport struct {
	TotalRows            int64
	RowsPerSecondSinceLast float64
	ElapsedMS            int64
	Final                bool
}

// Meter counts rows passing through it and invokes onReport every
// interval (default 5s), plus once more on Close with Final set. Every
// report, the final one included, carries the rate since the previous
// report; no whole-run average is reported.
type Meter struct {
	onReport func(MeterReport)
	interval time.Duration

	start      time.Time
	lastReport time.Time
	lastCount  int64
	total      int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMeter constructs a Meter. If interval is zero, the default of 5s is used.
func NewMeter(interval time.Duration, onReport func(MeterReport)) *Meter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now()
	m := &Meter{
		onReport:   onReport,
		interval:   interval,
		start:      now,
		lastReport: now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Meter) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.report(false)
		}
	}
}

// Inc records n additional rows having passed through.
func (m *Meter) Inc(n int64) {
	atomic.AddInt64(&m.total, n)
}

func (m *Meter) report(final bool) {
	total := atomic.LoadInt64(&m.total)
	now := time.Now()
	elapsedSinceLast := now.Sub(m.lastReport).Seconds()
	var rps float64
	if elapsedSinceLast > 0 {
		rps = float64(total-m.lastCount) / elapsedSinceLast
	}
	m.lastReport = now
	m.lastCount = total
	if m.onReport != nil {
		m.onReport(MeterReport{
			TotalRows:              total,
			RowsPerSecondSinceLast: rps,
			ElapsedMS:              now.Sub(m.start).Milliseconds(),
			Final:                  final,
		})
	}
}

// Close stops the periodic reporter and emits a final report.
func (m *Meter) Close() {
	close(m.stopCh)
	<-m.doneCh
	m.report(true)
}
