package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for a batch run.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteJob(ctx context.Context, job *JobRecord) error
	WriteStatus(ctx context.Context, status *StatusRecord) error
	WriteProgress(ctx context.Context, prog *ProgressRecord) error
	WriteOutput(ctx context.Context, out *OutputRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	WritePreflight(ctx context.Context, pre *PreflightRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w        io.Writer
	batchID  string
	provider string
	now      func() time.Time
	mu       sync.Mutex

	closed bool
}

// NewJSONLWriter creates a writer stamping every record with batchID and
// provider.
func NewJSONLWriter(w io.Writer, batchID, provider string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		batchID:  batchID,
		provider: provider,
		now:      time.Now,
	}
}

// SetBatchID changes the correlation id for subsequent records. The id is
// only known once the batch has been created.
func (jw *JSONLWriter) SetBatchID(batchID string) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.batchID = batchID
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

func (jw *JSONLWriter) WriteStatus(ctx context.Context, status *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, status)
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, prog)
}

func (jw *JSONLWriter) WriteOutput(ctx context.Context, out *OutputRecord) error {
	return jw.writeRecord(ctx, TypeOutput, out)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

func (jw *JSONLWriter) WritePreflight(ctx context.Context, pre *PreflightRecord) error {
	return jw.writeRecord(ctx, TypePreflight, pre)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes one complete record line while
// holding the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:     recordType,
		TS:       jw.now().UTC(),
		BatchID:  jw.batchID,
		Provider: jw.provider,
		Data:     dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
