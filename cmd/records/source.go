package records

import (
	"context"
	"errors"
	"time"
)

// ErrCursorClosed is returned when a cursor is used after Close
var ErrCursorClosed = errors.New("cursor is closed")

// Record is one stored observation of a network. Records are immutable once read.
type Record struct {
	ID        int64 // monotonically increasing, used as the upload watermark
	BSSID     string
	Level     int // signal strength in dBm
	Latitude  float64
	Longitude float64
	Altitude  float64
	Accuracy  float64
	Time      time.Time
}

// Network is the descriptor shared by every observation of the same BSSID
type Network struct {
	BSSID        string
	SSID         string
	Capabilities string
	Frequency    int // MHz
}

// Channel derives the channel number from the frequency.
// Returns 0 for frequencies outside the known bands.
func (n Network) Channel() int {
	f := n.Frequency
	switch {
	case f == 2484:
		return 14
	case f >= 2412 && f < 2484:
		return (f - 2407) / 5
	case f >= 5955 && f <= 7115:
		return (f - 5950) / 5
	case f >= 5000 && f < 5955:
		return (f - 5000) / 5
	case f >= 4910 && f <= 4980:
		return (f - 4000) / 5
	default:
		return 0
	}
}

// Cursor iterates an ordered, frozen set of unexported records.
type Cursor interface {
	// Total is the number of records the cursor will yield, known before iteration
	Total() int
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// Source is the local record store the exporter reads from.
type Source interface {
	// HighWaterMark returns the highest record ID already uploaded
	HighWaterMark(ctx context.Context) (int64, error)

	// Unexported returns the records with ID > sinceID in ascending ID order
	Unexported(ctx context.Context, sinceID int64) (Cursor, error)

	// Network resolves the descriptor for a BSSID
	Network(ctx context.Context, bssid string) (Network, error)

	// CommitWatermark persists a new high-water mark
	CommitWatermark(ctx context.Context, id int64) error
}
