package exporter

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrNoStorage is returned when neither artifact directory can be used
var ErrNoStorage = errors.New("no writable artifact directory")

// Resolver picks the directory a run writes its artifact into
type Resolver interface {
	Resolve() (string, error)
}

// DirResolver prefers a shared directory and falls back to a private one.
// The shared directory is used only when its parent exists (the volume is
// mounted) and a probe file can be created in it.
type DirResolver struct {
	fs      afero.Fs
	shared  string
	private string
	logger  *slog.Logger
}

// NewDirResolver creates a resolver over fs
func NewDirResolver(fs afero.Fs, shared, private string, logger *slog.Logger) *DirResolver {
	return &DirResolver{fs: fs, shared: shared, private: private, logger: logger}
}

// Resolve returns the first usable directory, creating it if needed
func (r *DirResolver) Resolve() (string, error) {
	if r.shared != "" {
		err := r.usable(r.shared)
		if err == nil {
			return r.shared, nil
		}
		r.logger.Debug(fmt.Sprintf("  📁 Shared directory %s unavailable: %v", r.shared, err))
	}

	if r.private == "" {
		return "", ErrNoStorage
	}
	if err := r.fs.MkdirAll(r.private, 0o700); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNoStorage, r.private, err)
	}
	return r.private, nil
}

func (r *DirResolver) usable(dir string) error {
	parent := filepath.Dir(filepath.Clean(dir))
	info, err := r.fs.Stat(parent)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", parent)
	}
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	probe, err := afero.TempFile(r.fs, dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	if err := r.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StaticResolver always returns the same directory
type StaticResolver string

// Resolve returns the directory unchanged
func (s StaticResolver) Resolve() (string, error) {
	return string(s), nil
}
