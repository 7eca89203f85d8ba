package gtfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrNoArchive is returned when the wait ends before any archive appeared.
var ErrNoArchive = errors.New("gtfs: no archive downloaded")

// ArchiveWatcher waits for a completed download to appear in a directory.
// In-progress downloads carry a suffix (".crdownload") and do not match.
type ArchiveWatcher struct {
	logger  *zap.Logger
	dir     string
	pattern *regexp.Regexp
	w       *fsnotify.Watcher
}

// NewArchiveWatcher starts watching dir. Create it before triggering the
// download so no event is missed.
func NewArchiveWatcher(logger *zap.Logger, dir string, pattern *regexp.Regexp) (*ArchiveWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create download watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &ArchiveWatcher{logger: logger, dir: dir, pattern: pattern, w: w}, nil
}

// Wait returns the file name of the first archive in the directory. Files
// already present count.
func (a *ArchiveWatcher) Wait(ctx context.Context) (string, error) {
	if name, ok, err := a.existing(); err != nil || ok {
		return name, err
	}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w in %s: %w", ErrNoArchive, a.dir, ctx.Err())
		case ev, ok := <-a.w.Events:
			if !ok {
				return "", fmt.Errorf("download watcher for %s closed", a.dir)
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if ev.Has(fsnotify.Create) {
				a.logger.Debug("Download file event.", zap.String("op", ev.Op.String()), zap.String("file", name))
			}
			if a.pattern.MatchString(name) {
				if _, err := os.Stat(ev.Name); err != nil {
					continue
				}
				return name, nil
			}
		case err, ok := <-a.w.Errors:
			if !ok {
				return "", fmt.Errorf("download watcher for %s closed", a.dir)
			}
			a.logger.Warn("Download watcher error.", zap.Error(err))
		}
	}
}

func (a *ArchiveWatcher) existing() (string, bool, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && a.pattern.MatchString(e.Name()) {
			return e.Name(), true, nil
		}
	}
	return "", false, nil
}

// Close stops watching.
func (a *ArchiveWatcher) Close() error {
	return a.w.Close()
}
