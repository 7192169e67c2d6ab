package exporter

import (
	"fmt"
	"sync/atomic"
)

// WritingPercentStart offsets write-progress percentages in the integer encoding
const WritingPercentStart = 10000

// EventBuffer is large enough for every event of one run: at most 100
// progress events, one Uploading and one Terminal.
const EventBuffer = 128

// Event is a notification from the pipeline worker to an observer.
// The variants are WriteProgress, Uploading and Terminal.
type Event interface {
	// Code returns the integer encoding of the event
	Code() int
	isEvent()
}

// WriteProgress reports the share of records written to the artifact
type WriteProgress struct {
	Percent int
}

// Uploading reports that the artifact is complete and the transfer has started
type Uploading struct{}

// Terminal carries the final status of a run. It is always the last event.
type Terminal struct {
	Status Status
}

func (e WriteProgress) Code() int { return WritingPercentStart + e.Percent }
func (e Uploading) Code() int     { return StatusUploading.Code() }
func (e Terminal) Code() int      { return e.Status.Code() }

func (WriteProgress) isEvent() {}
func (Uploading) isEvent()     {}
func (Terminal) isEvent()      {}

func (e WriteProgress) String() string { return fmt.Sprintf("%s%d%%", StatusWriting.Message(), e.Percent) }
func (e Uploading) String() string     { return StatusUploading.Message() }
func (e Terminal) String() string      { return e.Status.Title() + ": " + e.Status.Message() }

// DecodeEvent converts an integer-coded message back into an Event
func DecodeEvent(code int) (Event, error) {
	if code >= WritingPercentStart {
		percent := code - WritingPercentStart
		if percent > 100 {
			return nil, fmt.Errorf("write progress out of range: %d", percent)
		}
		return WriteProgress{Percent: percent}, nil
	}

	status := Status(code)
	if code < 0 || status.String() != status.text().name {
		return nil, fmt.Errorf("unknown status code: %d", code)
	}
	if status == StatusUploading {
		return Uploading{}, nil
	}
	return Terminal{Status: status}, nil
}

// Reporter receives events from the pipeline. Report must not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(Event)

// Report calls f(e)
func (f ReporterFunc) Report(e Event) {
	f(e)
}

type nopReporter struct{}

func (nopReporter) Report(Event) {}

// ChannelReporter delivers events over a buffered channel without ever
// blocking the producer. Events that do not fit are counted and dropped.
type ChannelReporter struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelReporter creates a reporter with the given buffer size
// (EventBuffer if size <= 0)
func NewChannelReporter(size int) *ChannelReporter {
	if size <= 0 {
		size = EventBuffer
	}
	return &ChannelReporter{ch: make(chan Event, size)}
}

// Report enqueues e, dropping it if the buffer is full
func (r *ChannelReporter) Report(e Event) {
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Events returns the receive side of the channel
func (r *ChannelReporter) Events() <-chan Event {
	return r.ch
}

// Dropped returns how many events were discarded because the buffer was full
func (r *ChannelReporter) Dropped() int64 {
	return r.dropped.Load()
}
