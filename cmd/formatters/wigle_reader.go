package formatters

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Static errors for artifact decoding
var (
	ErrMissingFormatLine = errors.New("missing format line")
	ErrUnknownFormat     = errors.New("unknown format line")
	ErrColumnMismatch    = errors.New("column header does not match")
	ErrFieldCount        = errors.New("wrong number of fields")
)

// WigleRow is one decoded record line
type WigleRow struct {
	Line   int
	Fields []string
}

// Get returns the field for a column name, or "" for unknown columns
func (r WigleRow) Get(column string) string {
	for i, c := range Columns {
		if c == column && i < len(r.Fields) {
			return r.Fields[i]
		}
	}
	return ""
}

// WigleReader decodes an uncompressed WigleWifi artifact line by line
type WigleReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	version string
	line    int
	row     WigleRow
	err     error
	started bool
}

// NewWigleReader creates a reader over r. The format and column lines are
// validated on the first call to Next or Version.
func NewWigleReader(r io.Reader) *WigleReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &WigleReader{scanner: scanner}
}

// NewWigleReaderWithCloser creates a reader that closes rc on Close
func NewWigleReaderWithCloser(rc io.ReadCloser) *WigleReader {
	wr := NewWigleReader(rc)
	wr.closer = rc
	return wr
}

func (r *WigleReader) readPreamble() error {
	if r.started {
		return r.err
	}
	r.started = true

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return fmt.Errorf("failed to read format line: %w", err)
		}
		return ErrMissingFormatLine
	}
	r.line++
	first := r.scanner.Text()
	prefix := FormatName + "-"
	if !strings.HasPrefix(first, prefix) {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, first)
	}
	r.version = strings.TrimPrefix(first, prefix)

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return fmt.Errorf("failed to read column line: %w", err)
		}
		return fmt.Errorf("%w: missing column line", ErrColumnMismatch)
	}
	r.line++
	if got := r.scanner.Text(); got != strings.Join(Columns, string(Delimiter)) {
		return fmt.Errorf("%w: %q", ErrColumnMismatch, got)
	}
	return nil
}

// Version returns the format version from the first line
func (r *WigleReader) Version() (string, error) {
	if err := r.readPreamble(); err != nil {
		r.err = err
		return "", err
	}
	return r.version, nil
}

// Next advances to the next record line
func (r *WigleReader) Next() bool {
	if r.err != nil {
		return false
	}
	if err := r.readPreamble(); err != nil {
		r.err = err
		return false
	}
	if !r.scanner.Scan() {
		r.err = r.scanner.Err()
		return false
	}
	r.line++

	fields := strings.Split(r.scanner.Text(), string(Delimiter))
	if len(fields) != len(Columns) {
		r.err = fmt.Errorf("%w on line %d: expected %d, got %d", ErrFieldCount, r.line, len(Columns), len(fields))
		return false
	}
	r.row = WigleRow{Line: r.line, Fields: fields}
	return true
}

// Row returns the current record line
func (r *WigleReader) Row() WigleRow {
	return r.row
}

// Err returns the first error encountered
func (r *WigleReader) Err() error {
	return r.err
}

// Close closes the underlying reader if one was provided
func (r *WigleReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// WigleStats summarizes a decoded artifact
type WigleStats struct {
	Version  string
	Lines    int // including the format and column lines
	Records  int
	Networks int // distinct MACs
	MinRSSI  int
	MaxRSSI  int
}

// Summarize reads the whole artifact and returns its stats
func Summarize(r io.Reader) (WigleStats, error) {
	wr := NewWigleReader(r)
	version, err := wr.Version()
	if err != nil {
		return WigleStats{}, err
	}

	stats := WigleStats{Version: version}
	macs := make(map[string]struct{})
	for wr.Next() {
		row := wr.Row()
		stats.Records++
		macs[row.Get("MAC")] = struct{}{}

		rssi, err := strconv.Atoi(row.Get("RSSI"))
		if err != nil {
			return stats, fmt.Errorf("invalid RSSI on line %d: %w", row.Line, err)
		}
		if stats.Records == 1 || rssi < stats.MinRSSI {
			stats.MinRSSI = rssi
		}
		if stats.Records == 1 || rssi > stats.MaxRSSI {
			stats.MaxRSSI = rssi
		}
	}
	if err := wr.Err(); err != nil {
		return stats, err
	}

	stats.Lines = stats.Records + 2
	stats.Networks = len(macs)
	return stats, nil
}
