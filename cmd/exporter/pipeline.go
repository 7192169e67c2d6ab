package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/airframesio/stumble-exporter/cmd/compressors"
	"github.com/airframesio/stumble-exporter/cmd/formatters"
	"github.com/airframesio/stumble-exporter/cmd/records"
	"github.com/airframesio/stumble-exporter/cmd/uploader"
)

// Static errors for pipeline runs
var (
	ErrUsernameRequired     = errors.New("username not set")
	ErrPasswordRequired     = errors.New("password not set and username not 'anonymous'")
	ErrLoginRejected        = errors.New("login rejected by collection endpoint")
	ErrUnrecognizedResponse = errors.New("unrecognized response from collection endpoint")
	ErrWatermarkCommit      = errors.New("failed to commit upload watermark")
)

const (
	// AnonymousUser may upload without a password (compared case-insensitively)
	AnonymousUser = "anonymous"

	// SuccessMarker in a response body means the upload was accepted
	SuccessMarker = "uploaded successfully"

	// BadLoginMarker in a response body means the credentials were rejected
	BadLoginMarker = "does not match login"

	DefaultFieldName = "stumblefile"
	DefaultPrefix    = "WigleWifi"

	// FilenameTimeLayout is the yyyyMMddHHmmss stamp in artifact names
	FilenameTimeLayout = "20060102150405"

	cancelCheckInterval = 100
)

// Credentials identify the observer to the collection endpoint
type Credentials struct {
	Username string
	Password string
}

// Validate checks the credentials locally, before any I/O
func (c Credentials) Validate() (Status, error) {
	if c.Username == "" {
		return StatusBadUsername, ErrUsernameRequired
	}
	if c.Password == "" && !strings.EqualFold(c.Username, AnonymousUser) {
		return StatusBadPassword, ErrPasswordRequired
	}
	return StatusSuccess, nil
}

// Interpret maps a response body onto a terminal status
func Interpret(body string) Status {
	switch {
	case strings.Contains(body, SuccessMarker):
		return StatusSuccess
	case strings.Contains(body, BadLoginMarker):
		return StatusBadLogin
	default:
		return StatusFail
	}
}

// Options configures a Pipeline
type Options struct {
	Endpoint         string
	FieldName        string // multipart file field, DefaultFieldName if empty
	Prefix           string // artifact filename prefix, DefaultPrefix if empty
	Compressor       compressors.Compressor
	CompressionLevel int // 0 selects the compressor's default
}

// Artifact describes one written export file
type Artifact struct {
	Path      string
	Filename  string
	Records   int
	SinceID   int64 // watermark the export started from
	MaxID     int64 // highest record ID written, SinceID if none
	BytesIn   int64
	BytesOut  int64
	CreatedAt time.Time
}

// Result is the outcome of one Run
type Result struct {
	RunID          string
	Status         Status
	Kind           Kind
	Err            error
	Artifact       Artifact
	Watermark      int64 // watermark after the run
	MirrorLocation string
	Duration       time.Duration
}

// OK reports whether the run ended in SUCCESS
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Mirror keeps an extra copy of successfully uploaded artifacts
type Mirror interface {
	Key(observer string, ts time.Time, filename string) string
	Mirror(ctx context.Context, key string, body io.Reader) (string, error)
}

// Pipeline exports unexported records to a compressed artifact, uploads it
// and advances the watermark on success. A Pipeline must not run concurrently
// against the same source.
type Pipeline struct {
	source    records.Source
	formatter *formatters.WigleFormatter
	uploader  uploader.Uploader
	storage   Resolver
	fs        afero.Fs
	reporter  Reporter
	mirror    Mirror
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// New creates a pipeline. A nil reporter discards events.
func New(source records.Source, up uploader.Uploader, storage Resolver, fs afero.Fs, reporter Reporter, logger *slog.Logger, opts Options) *Pipeline {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewGzipCompressor()
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = opts.Compressor.DefaultLevel()
	}
	if opts.FieldName == "" {
		opts.FieldName = DefaultFieldName
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Pipeline{
		source:    source,
		formatter: formatters.NewWigleFormatter(),
		uploader:  up,
		storage:   storage,
		fs:        fs,
		reporter:  reporter,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for artifact names
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithFormatter replaces the record formatter
func (p *Pipeline) WithFormatter(f *formatters.WigleFormatter) *Pipeline {
	p.formatter = f
	return p
}

// WithReporter replaces the event reporter. Nil discards events.
func (p *Pipeline) WithReporter(r Reporter) *Pipeline {
	if r == nil {
		r = nopReporter{}
	}
	p.reporter = r
	return p
}

// WithMirror enables mirroring of uploaded artifacts
func (p *Pipeline) WithMirror(m Mirror) *Pipeline {
	p.mirror = m
	return p
}

// Filename returns the artifact name for a run started at ts
func (p *Pipeline) Filename(ts time.Time) string {
	return fmt.Sprintf("%s_%s%s%s", p.opts.Prefix, ts.Format(FilenameTimeLayout),
		p.formatter.Extension(), p.opts.Compressor.Extension())
}

// Run performs one export and upload. Exactly one Terminal event is
// reported, after every other event of the run.
func (p *Pipeline) Run(ctx context.Context, creds Credentials) (result Result) {
	start := time.Now()
	result = Result{RunID: uuid.NewString(), Status: StatusUnknown}

	defer func() {
		if r := recover(); r != nil {
			result.Status, result.Kind = StatusException, KindIO
			result.Err = fmt.Errorf("panic during run: %v", r)
		}
		result.Duration = time.Since(start)
		p.reporter.Report(Terminal{Status: result.Status})
	}()

	p.logger.Debug(fmt.Sprintf("Starting run %s", result.RunID))

	if status, err := creds.Validate(); err != nil {
		p.logger.Warn(fmt.Sprintf("⚠️  %s", status.Message()))
		return fail(result, status, KindValidation, err)
	}

	artifact, err := p.write(ctx)
	result.Artifact = artifact
	result.Watermark = artifact.SinceID
	if err != nil {
		p.logger.Error(fmt.Sprintf("  ❌ Failed to write artifact: %v", err))
		return fail(result, StatusException, KindIO, err)
	}

	p.reporter.Report(Uploading{})
	p.logger.Info(fmt.Sprintf("📤 Uploading %s (%d bytes)", artifact.Filename, artifact.BytesOut))

	body, err := p.upload(ctx, creds, artifact)
	if err != nil {
		p.logger.Error(fmt.Sprintf("  ❌ Upload failed: %v", err))
		return fail(result, StatusException, KindIO, err)
	}

	switch Interpret(body) {
	case StatusBadLogin:
		p.logger.Error("  ❌ " + StatusBadLogin.Message())
		return fail(result, StatusBadLogin, KindProtocol, ErrLoginRejected)
	case StatusFail:
		p.logger.Debug(fmt.Sprintf("Unrecognized response body: %s", body))
		return fail(result, StatusFail, KindUnrecognized, fmt.Errorf("%w: %s", ErrUnrecognizedResponse, excerpt(body)))
	}

	if artifact.MaxID > artifact.SinceID {
		// the remote already accepted the records, so a late cancel must not skip the commit
		if err := p.source.CommitWatermark(context.WithoutCancel(ctx), artifact.MaxID); err != nil {
			p.logger.Error(fmt.Sprintf("  ❌ Upload accepted but watermark not saved, records %d-%d will be sent again: %v",
				artifact.SinceID+1, artifact.MaxID, err))
			return fail(result, StatusException, KindIO, fmt.Errorf("%w: %w", ErrWatermarkCommit, err))
		}
		result.Watermark = artifact.MaxID
	}

	result.Status, result.Kind = StatusSuccess, KindNone
	p.logger.Info(fmt.Sprintf("✅ %s: %d records, watermark %d", StatusSuccess.Message(), artifact.Records, result.Watermark))

	result.MirrorLocation = p.mirrorArtifact(ctx, creds.Username, artifact)
	return result
}

// Export writes an artifact without uploading it or touching the watermark.
// Only WriteProgress events are reported.
func (p *Pipeline) Export(ctx context.Context) (Artifact, error) {
	return p.write(ctx)
}

func fail(result Result, status Status, kind Kind, err error) Result {
	result.Status, result.Kind, result.Err = status, kind, err
	return result
}

func (p *Pipeline) write(ctx context.Context) (Artifact, error) {
	var art Artifact

	dir, err := p.storage.Resolve()
	if err != nil {
		return art, err
	}

	since, err := p.source.HighWaterMark(ctx)
	if err != nil {
		return art, fmt.Errorf("failed to read upload watermark: %w", err)
	}
	art.SinceID, art.MaxID = since, since

	cursor, err := p.source.Unexported(ctx, since)
	if err != nil {
		return art, fmt.Errorf("failed to query unexported records: %w", err)
	}
	defer func() {
		if err := cursor.Close(); err != nil {
			p.logger.Debug(fmt.Sprintf("Error closing record cursor: %v", err))
		}
	}()

	art.CreatedAt = p.now()
	art.Filename = p.Filename(art.CreatedAt)
	art.Path = filepath.Join(dir, art.Filename)

	sink, err := p.fs.OpenFile(art.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return art, fmt.Errorf("failed to create artifact %s: %w", art.Path, err)
	}

	w, err := compressors.NewFileWriter(sink, p.opts.Compressor, p.opts.CompressionLevel)
	if err != nil {
		p.discard(art.Path)
		return art, err
	}

	p.logger.Info(fmt.Sprintf("📝 Writing %d records to %s", cursor.Total(), art.Path))

	err = p.writeRecords(ctx, w, cursor, &art)
	if closeErr := w.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	art.BytesIn, art.BytesOut = w.BytesIn(), w.BytesOut()
	if err != nil {
		p.discard(art.Path)
		return art, err
	}

	p.logger.Debug(fmt.Sprintf("  💾 Wrote %d records, %d bytes (%d uncompressed)", art.Records, art.BytesOut, art.BytesIn))
	return art, nil
}

func (p *Pipeline) writeRecords(ctx context.Context, w io.Writer, cursor records.Cursor, art *Artifact) error {
	if _, err := w.Write(p.formatter.Header()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	total := cursor.Total()
	lastPercent := 0
	buf := make([]byte, 0, 256)

	for cursor.Next() {
		if art.Records%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		rec := cursor.Record()
		network, err := p.source.Network(ctx, rec.BSSID)
		if err != nil {
			return fmt.Errorf("failed to resolve network %s: %w", rec.BSSID, err)
		}

		buf = p.formatter.AppendRecord(buf[:0], rec, network)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write record %d: %w", rec.ID, err)
		}

		art.Records++
		if rec.ID > art.MaxID {
			art.MaxID = rec.ID
		}

		if total > 0 {
			percent := min(art.Records*100/total, 100)
			if percent > lastPercent {
				p.reporter.Report(WriteProgress{Percent: percent})
				lastPercent = percent
			}
		}
	}

	if err := cursor.Err(); err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	return nil
}

func (p *Pipeline) upload(ctx context.Context, creds Credentials, art Artifact) (string, error) {
	f, err := p.fs.Open(art.Path)
	if err != nil {
		return "", fmt.Errorf("failed to reopen artifact %s: %w", art.Path, err)
	}
	defer f.Close()

	return p.uploader.Upload(ctx, uploader.Request{
		Endpoint:  p.opts.Endpoint,
		Filename:  art.Filename,
		FieldName: p.opts.FieldName,
		File:      f,
		Fields: map[string]string{
			"observer": creds.Username,
			"password": creds.Password,
		},
	})
}

// mirrorArtifact copies the artifact to the mirror. Failures are logged only.
func (p *Pipeline) mirrorArtifact(ctx context.Context, observer string, art Artifact) string {
	if p.mirror == nil {
		return ""
	}

	f, err := p.fs.Open(art.Path)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("⚠️  Skipping mirror, cannot reopen artifact: %v", err))
		return ""
	}
	defer f.Close()

	location, err := p.mirror.Mirror(ctx, p.mirror.Key(observer, art.CreatedAt, art.Filename), f)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("⚠️  Mirror failed: %v", err))
		return ""
	}
	p.logger.Info(fmt.Sprintf("  ☁️  Mirrored to %s", location))
	return location
}

func (p *Pipeline) discard(path string) {
	if err := p.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Debug(fmt.Sprintf("Failed to remove partial artifact %s: %v", path, err))
	}
}

func excerpt(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 120 {
		return body[:120] + "..."
	}
	return body
}
