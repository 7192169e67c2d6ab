package compressors

import (
	"errors"
	"fmt"
	"io"
)

// ErrWriterClosed is returned by Write after Close
var ErrWriterClosed = errors.New("compressing writer is closed")

// countingWriter counts bytes passed through to the sink
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// FileWriter owns a sink and a compressing stream on top of it. Close
// finalizes the compressed trailer, syncs and closes the sink, whether or not
// earlier writes failed.
type FileWriter struct {
	sink    io.WriteCloser
	counter *countingWriter
	enc     io.WriteCloser
	bytesIn int64
	closed  bool
}

// NewFileWriter takes ownership of sink. On error the sink is closed.
func NewFileWriter(sink io.WriteCloser, c Compressor, level int) (*FileWriter, error) {
	counter := &countingWriter{w: sink}
	enc, err := c.NewWriter(counter, level)
	if err != nil {
		sink.Close()
		return nil, err
	}
	return &FileWriter{sink: sink, counter: counter, enc: enc}, nil
}

// Write compresses p into the sink
func (w *FileWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	n, err := w.enc.Write(p)
	w.bytesIn += int64(n)
	return n, err
}

// BytesIn returns the number of uncompressed bytes accepted so far
func (w *FileWriter) BytesIn() int64 {
	return w.bytesIn
}

// BytesOut returns the number of compressed bytes written to the sink so far
func (w *FileWriter) BytesOut() int64 {
	return w.counter.n
}

// Close finalizes the stream and closes the sink. It is safe to call twice.
func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to finalize compressed stream: %w", err))
	}
	if s, ok := w.sink.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync sink: %w", err))
		}
	}
	if err := w.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
	}
	return errors.Join(errs...)
}

// WithFileWriter runs fn against a FileWriter over sink and always closes it.
// The first error from fn or Close is returned.
func WithFileWriter(sink io.WriteCloser, c Compressor, level int, fn func(*FileWriter) error) (err error) {
	w, err := NewFileWriter(sink, c, level)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(w)
}
