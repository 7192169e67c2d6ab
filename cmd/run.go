package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"

	"github.com/airframesio/stumble-exporter/cmd/compressors"
	"github.com/airframesio/stumble-exporter/cmd/exporter"
	"github.com/airframesio/stumble-exporter/cmd/records"
	"github.com/airframesio/stumble-exporter/cmd/uploader"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitCanceled = 130 // Standard exit code for SIGINT
)

// runUpload exports and, unless DryRun is set, uploads. It returns the
// process exit code.
func runUpload(ctx context.Context, config *Config) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			code = exitFailure
		}
	}()

	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("📡 Stumble Exporter v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}

	if !config.DryRun {
		notifyRelease(ctx, config.Debug)
	}

	release, err := AcquireLock()
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitFailure
	}
	defer release()

	db, err := records.Open(ctx, config.ConnConfig())
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to connect to database: %s", err.Error()))
		return exitFailure
	}
	defer db.Close()
	logger.Debug(fmt.Sprintf("Connected to %s@%s:%d/%s", config.Database.User, config.Database.Host, config.Database.Port, config.Database.Name))

	// The progress display owns the terminal, so pipeline logs are dropped
	interactive := !config.Debug && !config.DryRun && isatty.IsTerminal(os.Stdout.Fd())
	pipelineLogger := logger
	if interactive {
		pipelineLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	source := records.NewPostgresSource(db, records.DefaultTables(), pipelineLogger)
	pipeline, err := buildPipeline(config, source, pipelineLogger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitFailure
	}

	if config.DryRun {
		return runExport(ctx, pipeline)
	}

	runInfo := &RunInfo{
		PID:       os.Getpid(),
		StartTime: time.Now(),
		Stage:     "Starting",
	}
	_ = WriteRunInfo(runInfo)

	creds := exporter.Credentials{Username: config.User.Name, Password: config.User.Password}
	var result exporter.Result
	if interactive {
		result = runWithTUI(ctx, pipeline, creds, runInfo)
	} else {
		result = runHeadless(ctx, pipeline, creds, runInfo)
	}

	finishRunInfo(runInfo, result)
	if err := WriteRunInfo(runInfo); err != nil {
		logger.Debug(fmt.Sprintf("Failed to write run state: %v", err))
	}
	appendHistory(result)

	return reportResult(result)
}

// buildPipeline wires the pipeline collaborators described by config
func buildPipeline(config *Config, source records.Source, log *slog.Logger) (*exporter.Pipeline, error) {
	compressor, err := compressors.GetCompressor(config.Compression)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	resolver := exporter.NewDirResolver(fs, config.Export.SharedDir, config.Export.PrivateDir, log)
	up := uploader.NewHTTPUploader(config.UploadTimeout, "stumble-exporter/"+Version, log)

	pipeline := exporter.New(source, up, resolver, fs, nil, log, exporter.Options{
		Endpoint:         config.Endpoint,
		Prefix:           config.Export.Prefix,
		Compressor:       compressor,
		CompressionLevel: config.CompressionLevel,
	})

	if config.S3.Bucket != "" && !config.DryRun {
		mirror, err := uploader.NewS3Mirror(config.MirrorConfig(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 mirror: %w", err)
		}
		pipeline.WithMirror(mirror)
	}
	return pipeline, nil
}

// runExport writes the artifact without uploading it
func runExport(ctx context.Context, pipeline *exporter.Pipeline) int {
	reporter := exporter.NewChannelReporter(exporter.EventBuffer)
	pipeline.WithReporter(reporter)

	stop := make(chan struct{})
	finished := observeEvents(reporter.Events(), nil, stop)
	artifact, err := pipeline.Export(ctx)
	close(stop)
	<-finished

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("⚠️  Export cancelled by user")
			return exitCanceled
		}
		logger.Error(fmt.Sprintf("❌ Export failed: %s", err.Error()))
		return exitFailure
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("✅ Wrote %s", artifact.Path))
	logger.Info(fmt.Sprintf("   %d records (IDs %d to %d), %d bytes (%d uncompressed)",
		artifact.Records, artifact.SinceID+1, artifact.MaxID, artifact.BytesOut, artifact.BytesIn))
	return exitOK
}

func finishRunInfo(info *RunInfo, result exporter.Result) {
	info.RunID = result.RunID
	info.Status = result.Status.String()
	info.Message = result.Status.Message()
	info.Stage = result.Status.Title()
	info.Records = result.Artifact.Records
	info.Artifact = result.Artifact.Path
	info.Watermark = result.Watermark
	info.Finished = true
}

// reportResult logs the outcome and maps it to an exit code
func reportResult(result exporter.Result) int {
	logger.Info("")
	if result.OK() {
		logger.Info(fmt.Sprintf("✅ %s: %d records uploaded in %s", result.Status.Message(), result.Artifact.Records, result.Duration.Round(time.Millisecond)))
		if result.MirrorLocation != "" {
			logger.Info(fmt.Sprintf("🪣 Mirrored to %s", result.MirrorLocation))
		}
		return exitOK
	}

	if errors.Is(result.Err, context.Canceled) {
		logger.Info("⚠️  Upload cancelled by user")
		return exitCanceled
	}

	msg := fmt.Sprintf("❌ %s: %s", result.Status.Title(), result.Status.Message())
	if result.Err != nil {
		msg += fmt.Sprintf(" (%s)", result.Err.Error())
	}
	logger.Error(msg)
	return exitFailure
}

// notifyRelease logs an update notice, waiting at most two seconds
func notifyRelease(ctx context.Context, isDebug bool) {
	done := make(chan ReleaseCheck, 1)
	go func() {
		done <- newReleaseChecker().Check(ctx, Version)
	}()

	select {
	case check := <-done:
		if check.UpdateAvailable {
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(check)))
		} else if check.Err != nil && isDebug {
			logger.Debug(fmt.Sprintf("Release check failed: %v", check.Err))
		}
	case <-time.After(2 * time.Second):
		logger.Debug("Release check taking longer than expected, continuing...")
	}
}

// runStatus prints the run state file and the recent history
func runStatus(w io.Writer) int {
	fmt.Fprintln(w, titleStyle.Render("Current run"))
	info, err := ReadRunInfo()
	switch {
	case err != nil && errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(w, "  No run recorded")
	case err != nil:
		fmt.Fprintf(w, "  Failed to read run state: %v\n", err)
	default:
		printRunInfo(w, info)
	}

	history, err := loadHistory()
	if err != nil {
		fmt.Fprintf(w, "Failed to read history: %v\n", err)
		return exitFailure
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Recent uploads"))
	entries := history.recent(10)
	if len(entries) == 0 {
		fmt.Fprintln(w, "  No uploads recorded")
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-12s %6d records", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Status, e.Records)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Fprintln(w, line)
	}
	if last, ok := history.lastSuccess(); ok {
		fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("  Last success %s, watermark %d", last.Timestamp.Local().Format(time.RFC1123), last.LastID)))
	}
	return exitOK
}

func printRunInfo(w io.Writer, info *RunInfo) {
	state := "finished"
	if !info.Finished {
		state = "running"
		if !IsProcessRunning(info.PID) {
			state = "interrupted"
		}
	}
	fmt.Fprintf(w, "  Run:       %s (%s, pid %d)\n", info.RunID, state, info.PID)
	fmt.Fprintf(w, "  Started:   %s\n", info.StartTime.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Stage:     %s", info.Stage)
	if !info.Finished {
		fmt.Fprintf(w, " %d%%", info.Percent)
	}
	fmt.Fprintln(w)
	if info.Status != "" {
		fmt.Fprintf(w, "  Status:    %s (%s)\n", info.Status, info.Message)
	}
	if info.Artifact != "" {
		fmt.Fprintf(w, "  Artifact:  %s (%d records)\n", info.Artifact, info.Records)
	}
	fmt.Fprintf(w, "  Watermark: %d\n", info.Watermark)
}

func runInspect(w io.Writer, path string) int {
	stats, err := inspectArtifact(afero.NewOsFs(), path)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitFailure
	}
	printStats(w, path, stats)
	return exitOK
}

func runInitDB(ctx context.Context, config *Config) int {
	initLogger(config.Debug, config.LogFormat)

	if err := config.validateDatabase(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}

	db, err := records.Open(ctx, config.ConnConfig())
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to connect to database: %s", err.Error()))
		return exitFailure
	}
	defer db.Close()

	if err := records.EnsureSchema(ctx, db, records.DefaultTables()); err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to create tables: %s", err.Error()))
		return exitFailure
	}
	logger.Info(fmt.Sprintf("✅ Tables ready in %s", config.Database.Name))
	return exitOK
}

func runCollector(ctx context.Context, config *Config) int {
	initLogger(config.Debug, config.LogFormat)

	if err := config.ValidateCollector(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}

	collector := NewCollector(afero.NewOsFs(), config.Collector.Dir, config.Collector.Accounts, logger)
	logger.Info(fmt.Sprintf("📬 Collector listening on %s%s, storing to %s", config.Collector.Listen, collectorUploadPath, config.Collector.Dir))
	if len(config.Collector.Accounts) == 0 {
		logger.Info("   No accounts configured, every observer is accepted")
	}

	err := serveCollector(ctx, config.Collector.Listen, collector)
	if errors.Is(err, context.Canceled) {
		logger.Info("👋 Collector stopped")
		return exitOK
	}
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Collector failed: %s", err.Error()))
		return exitFailure
	}
	return exitOK
}
