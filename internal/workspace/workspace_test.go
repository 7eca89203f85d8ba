package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/portalctl/internal/config"
)

func TestNewLayoutExpandsHome(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	l, err := NewLayout(config.PathsConfig{
		ConfigDir:  "~/portalctl/config",
		ResultsDir: "results",
		CacheDir:   ".disk-cache",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "portalctl", "config"), l.ConfigDir)
	assert.Equal(t, "results", l.ResultsDir)
	assert.Equal(t, "/abs/creds.json", l.CredentialsPath("/abs/creds.json"))
	assert.Equal(t, filepath.Join(home, "portalctl", "config", "avail.json"), l.CredentialsPath("avail.json"))
}

func TestDirectoriesAreCreated(t *testing.T) {
	root := t.TempDir()
	l := &Layout{
		ConfigDir:  filepath.Join(root, "config"),
		ResultsDir: filepath.Join(root, "testResults"),
		CacheDir:   filepath.Join(root, ".disk-cache"),
	}

	cache, err := l.CacheDirPath()
	require.NoError(t, err)
	assert.DirExists(t, cache)

	site, err := l.SiteDir("transit-admin-511")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "testResults", "transit-admin-511"), site)
	assert.DirExists(t, site)

	run, err := RunDir(site, time.Unix(1700000000, 600_000_000))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(site, "downloads", "1700000000"), run)
	assert.DirExists(t, run)
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.json")

	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))
	require.NoError(t, WriteJSONAtomic(path, map[string]string{"a": "b"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "nope", "x"), []byte("x"), 0o644)
	assert.Error(t, err)
}
