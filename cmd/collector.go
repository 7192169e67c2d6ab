package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"github.com/airframesio/stumble-exporter/cmd/compressors"
	"github.com/airframesio/stumble-exporter/cmd/exporter"
	"github.com/airframesio/stumble-exporter/cmd/formatters"
)

const (
	collectorUploadPath = "/cgi-bin/file_upload"
	maxUploadBytes      = 64 << 20
)

// Receipt describes an artifact accepted by the collector
type Receipt struct {
	ID       string                `json:"id"`
	Observer string                `json:"observer"`
	Filename string                `json:"filename"`
	Path     string                `json:"path"`
	Stats    formatters.WigleStats `json:"stats"`
	Received time.Time             `json:"received"`
}

// Collector is a local stand-in for the collection endpoint. It answers with
// the same marker strings, so the exporter can be exercised end to end.
type Collector struct {
	fs       afero.Fs
	dir      string
	accounts map[string]string
	logger   *slog.Logger
	router   *chi.Mux

	mu       sync.Mutex
	receipts []Receipt

	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*clientWrapper
}

// clientWrapper serializes writes to one websocket connection
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) writeJSON(v any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	_ = cw.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return cw.conn.WriteJSON(v)
}

// NewCollector stores accepted artifacts under dir. When accounts is non-empty,
// observers other than anonymous must present the matching password.
func NewCollector(fs afero.Fs, dir string, accounts map[string]string, logger *slog.Logger) *Collector {
	c := &Collector{
		fs:       fs,
		dir:      dir,
		accounts: accounts,
		logger:   logger,
		router:   chi.NewRouter(),
		clients:  make(map[*websocket.Conn]*clientWrapper),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true // local development tool
			},
		},
	}

	c.router.Use(middleware.RequestID)
	c.router.Use(middleware.RealIP)
	c.router.Use(middleware.Recoverer)

	// the stream is long-lived, so it sits outside the request timeout
	c.router.Get("/receipts/stream", c.handleStream)
	c.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))
		r.Post(collectorUploadPath, c.handleUpload)
		r.Get("/receipts", c.handleReceipts)
	})
	return c
}

// ServeHTTP implements http.Handler
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

// Receipts returns a copy of every accepted upload
func (c *Collector) Receipts() []Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Receipt(nil), c.receipts...)
}

func (c *Collector) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, "invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	observer := r.FormValue("observer")
	if !c.authorized(observer, r.FormValue("password")) {
		c.logger.Info(fmt.Sprintf("🔒 Rejected upload from %q", observer))
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<html><body>Upload failed: password "+exporter.BadLoginMarker+" for "+observer+"</body></html>")
		return
	}

	file, header, err := r.FormFile(exporter.DefaultFieldName)
	if err != nil {
		http.Error(w, "missing "+exporter.DefaultFieldName+" file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	receipt, err := c.store(observer, filepath.Base(header.Filename), file)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("⚠️  Rejected artifact %s from %s: %v", header.Filename, observer, err))
		http.Error(w, "invalid file: "+err.Error(), http.StatusBadRequest)
		return
	}

	c.logger.Info(fmt.Sprintf("📥 Received %s from %s: %d records, %d networks",
		receipt.Filename, observer, receipt.Stats.Records, receipt.Stats.Networks))

	_, _ = fmt.Fprintf(w, "<html><body>file %s %s. receipt %s, %d lines</body></html>",
		receipt.Filename, exporter.SuccessMarker, receipt.ID, receipt.Stats.Lines)
}

func (c *Collector) handleReceipts(w http.ResponseWriter, _ *http.Request) {
	receipts := c.Receipts()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, rc := range receipts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", rc.Received.Format(time.RFC3339), rc.Observer, rc.Filename, rc.Stats.Records)
	}
}

// handleStream sends every existing receipt, then each new one as it arrives
func (c *Collector) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	// the backlog is sent under clientsMu so no receipt is missed or repeated
	wrapper := &clientWrapper{conn: conn}
	c.clientsMu.Lock()
	for _, rc := range c.Receipts() {
		if err := wrapper.writeJSON(rc); err != nil {
			c.clientsMu.Unlock()
			return
		}
	}
	c.clients[conn] = wrapper
	c.clientsMu.Unlock()

	defer func() {
		c.clientsMu.Lock()
		delete(c.clients, conn)
		c.clientsMu.Unlock()
	}()

	// Keep the connection until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug(fmt.Sprintf("WebSocket closed: %v", err))
			}
			return
		}
	}
}

// broadcastLocked sends rc to every stream client, dropping clients that
// fail. clientsMu must be held.
func (c *Collector) broadcastLocked(rc Receipt) {
	for conn, wrapper := range c.clients {
		if err := wrapper.writeJSON(rc); err != nil {
			_ = conn.Close()
			delete(c.clients, conn)
		}
	}
}

func (c *Collector) authorized(observer, password string) bool {
	if len(c.accounts) == 0 || strings.EqualFold(observer, exporter.AnonymousUser) {
		return true
	}
	expected, ok := c.accounts[observer]
	return ok && expected == password
}

// store validates the gzip artifact while copying it to disk
func (c *Collector) store(observer, filename string, body io.Reader) (Receipt, error) {
	if !strings.HasSuffix(filename, ".gz") {
		return Receipt{}, fmt.Errorf("expected a .gz artifact, got %s", filename)
	}

	owner := observer
	if owner == "" || strings.ContainsAny(owner, `/\`) || owner == ".." {
		owner = "unknown"
	}

	receipt := Receipt{
		ID:       uuid.NewString(),
		Observer: observer,
		Filename: filename,
		Received: time.Now(),
	}
	dir := filepath.Join(c.dir, owner)
	receipt.Path = filepath.Join(dir, receipt.ID+"-"+filename)

	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return Receipt{}, err
	}
	out, err := c.fs.Create(receipt.Path)
	if err != nil {
		return Receipt{}, err
	}

	gz, err := compressors.NewGzipCompressor().NewReader(io.TeeReader(body, out))
	if err == nil {
		receipt.Stats, err = formatters.Summarize(gz)
		_ = gz.Close()
	}
	if err == nil {
		// keep anything the decoder did not consume
		_, err = io.Copy(out, body)
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = c.fs.Remove(receipt.Path)
		return Receipt{}, err
	}

	c.clientsMu.Lock()
	c.mu.Lock()
	c.receipts = append(c.receipts, receipt)
	c.mu.Unlock()
	c.broadcastLocked(receipt)
	c.clientsMu.Unlock()
	return receipt, nil
}

// serveCollector runs the collector until ctx is cancelled
func serveCollector(ctx context.Context, listen string, collector *Collector) error {
	server := &http.Server{
		Addr:              listen,
		Handler:           collector,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
