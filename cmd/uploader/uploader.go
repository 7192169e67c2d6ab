package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"time"
)

// Static errors for upload requests
var (
	ErrEndpointRequired  = errors.New("upload endpoint is required")
	ErrFilenameRequired  = errors.New("upload filename is required")
	ErrFieldNameRequired = errors.New("upload file field name is required")
	ErrFileRequired      = errors.New("upload file stream is required")
)

// maxResponseBytes bounds how much of the response body is read
const maxResponseBytes = 1 << 20

// Request describes one multipart file submission
type Request struct {
	Endpoint  string
	Filename  string
	FieldName string
	File      io.Reader
	Fields    map[string]string
}

func (r Request) validate() error {
	switch {
	case r.Endpoint == "":
		return ErrEndpointRequired
	case r.Filename == "":
		return ErrFilenameRequired
	case r.FieldName == "":
		return ErrFieldNameRequired
	case r.File == nil:
		return ErrFileRequired
	}
	return nil
}

// Uploader transfers a file and returns the raw response body text.
// Transport failures are returned as errors; the response status is not interpreted.
type Uploader interface {
	Upload(ctx context.Context, req Request) (string, error)
}

// HTTPUploader streams multipart/form-data requests over HTTP
type HTTPUploader struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHTTPUploader creates an uploader whose requests time out after timeout
// (0 = no timeout beyond the context)
func NewHTTPUploader(timeout time.Duration, userAgent string, logger *slog.Logger) *HTTPUploader {
	return &HTTPUploader{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// WithClient replaces the HTTP client
func (u *HTTPUploader) WithClient(client *http.Client) *HTTPUploader {
	u.client = client
	return u
}

// Upload streams the file through an io.Pipe so the artifact is never held in memory
func (u *HTTPUploader) Upload(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if u.userAgent != "" {
		httpReq.Header.Set("User-Agent", u.userAgent)
	}

	u.logger.Debug(fmt.Sprintf("  ☁️  POST %s (%s as %s)", req.Endpoint, req.Filename, req.FieldName))

	resp, err := u.client.Do(httpReq)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	u.logger.Debug(fmt.Sprintf("  📨 Upload response: status %d, %d bytes", resp.StatusCode, len(body)))
	return string(body), nil
}

// writeMultipart writes the form fields in sorted order, then the file part
func writeMultipart(mw *multipart.Writer, req Request) error {
	keys := make([]string, 0, len(req.Fields))
	for k := range req.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := mw.WriteField(k, req.Fields[k]); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	part, err := mw.CreateFormFile(req.FieldName, req.Filename)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, req.File); err != nil {
		return fmt.Errorf("failed to stream file: %w", err)
	}

	return mw.Close()
}
