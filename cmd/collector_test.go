package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"github.com/airframesio/stumble-exporter/cmd/exporter"
	"github.com/airframesio/stumble-exporter/cmd/records"
	"github.com/airframesio/stumble-exporter/cmd/uploader"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedSource serves a fixed set of records and remembers commits
type fixedSource struct {
	records   []records.Record
	watermark int64
}

type fixedCursor struct {
	records []records.Record
	pos     int
}

func (c *fixedCursor) Total() int             { return len(c.records) }
func (c *fixedCursor) Next() bool             { c.pos++; return c.pos <= len(c.records) }
func (c *fixedCursor) Record() records.Record { return c.records[c.pos-1] }
func (c *fixedCursor) Err() error             { return nil }
func (c *fixedCursor) Close() error           { return nil }

func (s *fixedSource) HighWaterMark(context.Context) (int64, error) { return s.watermark, nil }

func (s *fixedSource) Unexported(_ context.Context, since int64) (records.Cursor, error) {
	var pending []records.Record
	for _, r := range s.records {
		if r.ID > since {
			pending = append(pending, r)
		}
	}
	return &fixedCursor{records: pending}, nil
}

func (s *fixedSource) Network(_ context.Context, bssid string) (records.Network, error) {
	return records.Network{BSSID: bssid, SSID: "lab", Capabilities: "[ESS]", Frequency: 5180}, nil
}

func (s *fixedSource) CommitWatermark(_ context.Context, id int64) error {
	s.watermark = id
	return nil
}

func newCollectorPipeline(t *testing.T, endpoint string, src records.Source) *exporter.Pipeline {
	t.Helper()
	up := uploader.NewHTTPUploader(5*time.Second, "stumble-exporter/test", discardLogger())
	return exporter.New(src, up, exporter.StaticResolver("/out"), afero.NewMemMapFs(), nil, discardLogger(), exporter.Options{
		Endpoint: endpoint,
	})
}

func TestCollectorEndToEnd(t *testing.T) {
	storage := afero.NewMemMapFs()
	collector := NewCollector(storage, "/received", map[string]string{"alice": "secret"}, discardLogger())
	server := httptest.NewServer(collector)
	defer server.Close()

	endpoint := server.URL + collectorUploadPath
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	src := &fixedSource{watermark: 4, records: []records.Record{
		{ID: 5, BSSID: "00:11:22:33:44:55", Level: -50, Time: now},
		{ID: 6, BSSID: "00:11:22:33:44:66", Level: -70, Time: now},
		{ID: 9, BSSID: "00:11:22:33:44:55", Level: -60, Time: now},
	}}

	t.Run("BadLogin", func(t *testing.T) {
		result := newCollectorPipeline(t, endpoint, src).Run(context.Background(), exporter.Credentials{Username: "alice", Password: "nope"})
		if result.Status != exporter.StatusBadLogin {
			t.Fatalf("expected BAD_LOGIN, got %s (%v)", result.Status, result.Err)
		}
		if src.watermark != 4 {
			t.Fatalf("expected watermark 4, got %d", src.watermark)
		}
	})

	t.Run("Success", func(t *testing.T) {
		result := newCollectorPipeline(t, endpoint, src).Run(context.Background(), exporter.Credentials{Username: "alice", Password: "secret"})
		if result.Status != exporter.StatusSuccess {
			t.Fatalf("expected SUCCESS, got %s (%v)", result.Status, result.Err)
		}
		if src.watermark != 9 {
			t.Fatalf("expected watermark 9, got %d", src.watermark)
		}

		receipts := collector.Receipts()
		if len(receipts) != 1 {
			t.Fatalf("expected 1 receipt, got %d", len(receipts))
		}
		rc := receipts[0]
		if rc.Stats.Records != 3 || rc.Stats.Networks != 2 || rc.Stats.Lines != 5 {
			t.Fatalf("unexpected stats %+v", rc.Stats)
		}
		stored, err := afero.ReadFile(storage, rc.Path)
		if err != nil {
			t.Fatal(err)
		}
		if len(stored) == 0 || stored[0] != 0x1f {
			t.Fatal("stored artifact should be the gzip stream as sent")
		}
	})

	t.Run("AnonymousWithoutPassword", func(t *testing.T) {
		src.records = append(src.records, records.Record{ID: 10, BSSID: "aa:bb:cc:dd:ee:ff", Time: now})
		result := newCollectorPipeline(t, endpoint, src).Run(context.Background(), exporter.Credentials{Username: "anonymous"})
		if result.Status != exporter.StatusSuccess || result.Artifact.Records != 1 {
			t.Fatalf("expected SUCCESS with 1 record, got %s/%d (%v)", result.Status, result.Artifact.Records, result.Err)
		}
	})
}

func TestCollectorRejectsInvalidArtifact(t *testing.T) {
	collector := NewCollector(afero.NewMemMapFs(), "/received", nil, discardLogger())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("observer", "bob")
	part, _ := mw.CreateFormFile("stumblefile", "WigleWifi_20240315120000.csv.gz")
	_, _ = part.Write([]byte("plain text, not gzip"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, collectorUploadPath, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	collector.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if exporter.Interpret(rec.Body.String()) != exporter.StatusFail {
		t.Fatalf("rejection must read as a generic failure: %q", rec.Body.String())
	}
	if len(collector.Receipts()) != 0 {
		t.Fatal("no receipt expected for a rejected artifact")
	}
}

func TestCollectorRoutes(t *testing.T) {
	collector := NewCollector(afero.NewMemMapFs(), "/received", nil, discardLogger())

	rec := httptest.NewRecorder()
	collector.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, collectorUploadPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET upload, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	collector.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/receipts", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "" {
		t.Fatalf("expected empty receipts list, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCollectorReceiptStream(t *testing.T) {
	collector := NewCollector(afero.NewMemMapFs(), "/received", nil, discardLogger())
	server := httptest.NewServer(collector)
	defer server.Close()

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	src := &fixedSource{records: []records.Record{{ID: 1, BSSID: "00:11:22:33:44:55", Level: -50, Time: now}}}
	if result := newCollectorPipeline(t, server.URL+collectorUploadPath, src).Run(context.Background(), exporter.Credentials{Username: "bob", Password: "pw"}); !result.OK() {
		t.Fatalf("first upload failed: %s (%v)", result.Status, result.Err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/receipts/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var backlog Receipt
	if err := conn.ReadJSON(&backlog); err != nil {
		t.Fatal(err)
	}
	if backlog.Observer != "bob" || backlog.Stats.Records != 1 {
		t.Fatalf("unexpected backlog receipt %+v", backlog)
	}

	src.records = append(src.records, records.Record{ID: 2, BSSID: "00:11:22:33:44:66", Level: -60, Time: now})
	if result := newCollectorPipeline(t, server.URL+collectorUploadPath, src).Run(context.Background(), exporter.Credentials{Username: "carol", Password: "pw"}); !result.OK() {
		t.Fatalf("second upload failed: %s (%v)", result.Status, result.Err)
	}

	var live Receipt
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatal(err)
	}
	if live.Observer != "carol" || live.ID == backlog.ID {
		t.Fatalf("unexpected live receipt %+v", live)
	}
}
