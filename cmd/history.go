package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/airframesio/stumble-exporter/cmd/exporter"
)

const maxHistoryEntries = 20

type UploadHistory struct {
	Entries []HistoryEntry `json:"entries"`
}

type HistoryEntry struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Filename  string    `json:"filename,omitempty"`
	Records   int       `json:"records"`
	FirstID   int64     `json:"first_id,omitempty"`
	LastID    int64     `json:"last_id,omitempty"`
	Bytes     int64     `json:"bytes"`
	Mirror    string    `json:"mirror,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func getHistoryPath() string {
	return filepath.Join(GetStateDir(), "history.json")
}

func loadHistory() (*UploadHistory, error) {
	data, err := os.ReadFile(getHistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &UploadHistory{}, nil
		}
		return nil, err
	}

	var history UploadHistory
	if err := json.Unmarshal(data, &history); err != nil {
		// a corrupted history is not worth failing a run over
		return &UploadHistory{}, nil
	}
	return &history, nil
}

func (h *UploadHistory) save() error {
	path := getHistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// record appends the outcome of a run, keeping the newest entries
func (h *UploadHistory) record(result exporter.Result) {
	entry := HistoryEntry{
		RunID:     result.RunID,
		Timestamp: time.Now(),
		Status:    result.Status.String(),
		Filename:  result.Artifact.Filename,
		Records:   result.Artifact.Records,
		Bytes:     result.Artifact.BytesOut,
		Mirror:    result.MirrorLocation,
	}
	if result.Artifact.MaxID > result.Artifact.SinceID {
		entry.FirstID = result.Artifact.SinceID + 1
		entry.LastID = result.Artifact.MaxID
	}
	if result.Err != nil {
		entry.Error = result.Err.Error()
	}

	h.Entries = append(h.Entries, entry)
	if len(h.Entries) > maxHistoryEntries {
		h.Entries = h.Entries[len(h.Entries)-maxHistoryEntries:]
	}
}

// recent returns up to n entries, newest first
func (h *UploadHistory) recent(n int) []HistoryEntry {
	if n > len(h.Entries) {
		n = len(h.Entries)
	}
	out := make([]HistoryEntry, 0, n)
	for i := len(h.Entries) - 1; i >= len(h.Entries)-n; i-- {
		out = append(out, h.Entries[i])
	}
	return out
}

// lastSuccess returns the newest successful entry, if any
func (h *UploadHistory) lastSuccess() (HistoryEntry, bool) {
	for i := len(h.Entries) - 1; i >= 0; i-- {
		if h.Entries[i].Status == exporter.StatusSuccess.String() {
			return h.Entries[i], true
		}
	}
	return HistoryEntry{}, false
}

// appendHistory records result in the history file, logging failures only
func appendHistory(result exporter.Result) {
	history, err := loadHistory()
	if err != nil {
		logger.Debug("Failed to load upload history: " + err.Error())
		return
	}
	history.record(result)
	if err := history.save(); err != nil {
		logger.Debug("Failed to save upload history: " + err.Error())
	}
}
