package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// runWatcher reports changes to the run-state file
type runWatcher struct {
	watcher *fsnotify.Watcher
	runPath string
}

// newRunWatcher starts watching the state directory. Changes made after it
// returns are observed by watch.
func newRunWatcher() (*runWatcher, error) {
	dir := GetStateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &runWatcher{watcher: watcher, runPath: filepath.Clean(GetRunFilePath())}, nil
}

// watch calls fn with the current run state and again after every change,
// until fn returns false, ctx is done or the watcher is closed
func (rw *runWatcher) watch(ctx context.Context, fn func(*RunInfo) bool) error {
	defer rw.watcher.Close()

	if info, err := ReadRunInfo(); err == nil && !fn(info) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			// WriteRunInfo renames a temp file over the run file
			if filepath.Clean(event.Name) != rw.runPath || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			info, err := ReadRunInfo()
			if err != nil {
				continue
			}
			if !fn(info) {
				return nil
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Debug(fmt.Sprintf("File watcher error: %v", err))
		}
	}
}

// followRun prints a line per run-state change until the run finishes
func followRun(ctx context.Context, w io.Writer) int {
	rw, err := newRunWatcher()
	if err != nil {
		fmt.Fprintf(w, "❌ %v\n", err)
		return exitFailure
	}

	fmt.Fprintln(w, infoStyle.Render("Following the current run, press CTRL-C to stop"))
	started := time.Now()
	var last string
	err = rw.watch(ctx, func(info *RunInfo) bool {
		line := fmt.Sprintf("  %s  %s", info.LastUpdate.Local().Format("15:04:05"), strings.TrimSpace(info.Stage))
		if !info.Finished && info.Percent > 0 {
			line += fmt.Sprintf(" %d%%", info.Percent)
		}
		if info.Finished {
			line += fmt.Sprintf("  %s: %s", info.Status, info.Message)
		}
		if line != last {
			fmt.Fprintln(w, line)
			last = line
		}
		// a run that finished before we started is history, wait for the next one
		return !info.Finished || info.LastUpdate.Before(started)
	})
	if err != nil && ctx.Err() != nil {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(w, "❌ %v\n", err)
		return exitFailure
	}
	return exitOK
}
