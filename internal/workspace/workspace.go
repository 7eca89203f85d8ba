// Package workspace owns the on-disk layout: the browser disk cache, the
// per-site results directories and the timestamped download run directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/portalctl/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Layout resolves the configured directories. Paths may start with "~".
type Layout struct {
	ConfigDir  string
	ResultsDir string
	CacheDir   string
}

// NewLayout expands the paths section of the configuration.
func NewLayout(cfg config.PathsConfig) (*Layout, error) {
	l := &Layout{}
	for _, p := range []struct {
		dst *string
		src string
	}{
		{&l.ConfigDir, cfg.ConfigDir},
		{&l.ResultsDir, cfg.ResultsDir},
		{&l.CacheDir, cfg.CacheDir},
	} {
		expanded, err := homedir.Expand(p.src)
		if err != nil {
			return nil, fmt.Errorf("failed to expand path %q: %w", p.src, err)
		}
		*p.dst = expanded
	}
	return l, nil
}

// CacheDirPath creates the browser disk cache directory and returns its absolute path.
func (l *Layout) CacheDirPath() (string, error) {
	return ensureDir(l.CacheDir)
}

// SiteDir creates and returns the results directory for one site.
func (l *Layout) SiteDir(subdir string) (string, error) {
	return ensureDir(filepath.Join(l.ResultsDir, subdir))
}

// CredentialsPath joins a credentials file name onto the config directory.
func (l *Layout) CredentialsPath(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(l.ConfigDir, file)
}

// RunDir creates <siteDir>/downloads/<unix seconds of t>.
func RunDir(siteDir string, t time.Time) (string, error) {
	return ensureDir(filepath.Join(siteDir, "downloads", strconv.FormatInt(t.Unix(), 10)))
}

func ensureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", abs, err)
	}
	return abs, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteJSONAtomic encodes v as indented JSON and writes it with WriteFileAtomic.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}
