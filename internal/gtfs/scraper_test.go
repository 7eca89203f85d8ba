package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/portalctl/internal/artifacts"
	"github.com/xkilldash9x/portalctl/internal/browser"
	"github.com/xkilldash9x/portalctl/internal/config"
	"github.com/xkilldash9x/portalctl/internal/credentials"
	"github.com/xkilldash9x/portalctl/internal/portal"
)

func findChrome() string {
	if p := os.Getenv("PORTALCTL_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func feedZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range append(append([]string{}, RequiredFiles...), "calendar.txt") {
		w, err := zw.Create(n)
		require.NoError(t, err)
		fmt.Fprintln(w, "id")
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newAdminServer(t *testing.T) *httptest.Server {
	t.Helper()
	archive := feedZip(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/feeds", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<a value="PUBLIC" href="#public">Public only</a>
<ul>
<li class="list-group-item"><a title="NYSDOT / Albany Bus" href="/agency/albany" target="_blank">Albany</a></li>
<li class="list-group-item"><a title="MTA / Subway" href="/agency/mta">MTA</a></li>
</ul></body></html>`)
	})
	mux.HandleFunc("/agency/albany", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<button data-test-id="download-feed-version-button" onclick="location.href='/download/albany'">Download</button>
</body></html>`)
	})
	mux.HandleFunc("/download/albany", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="albany-feed.zip"`)
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestScraperRun(t *testing.T) {
	if testing.Short() {
		t.Skip("browser integration test skipped in -short mode")
	}
	chrome := findChrome()
	if chrome == "" {
		t.Skip("no Chrome binary found; set PORTALCTL_CHROME to run browser tests")
	}

	logger := zaptest.NewLogger(t)
	srv := newAdminServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg := config.NewDefaultConfig()
	cfg.Browser.Headless = true
	cfg.Browser.ExecPath = chrome
	cfg.Browser.IdleQuietPeriod = 100 * time.Millisecond
	m, err := browser.NewManager(ctx, logger, cfg.Browser, browser.LaunchOptions{CacheDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	profile, err := cfg.Site("transit-admin-511")
	require.NoError(t, err)
	profile.PreLoginPause, profile.StepPause, profile.PostSubmitPause, profile.TypeDelay = 0, 0, 0, 0

	siteDir := t.TempDir()
	creds := &credentials.Credentials{Username: "ops", Password: "pw", URL: srv.URL + "/feeds"}
	flow, err := portal.NewFlow(logger, "transit-admin-511", profile, creds, artifacts.NewStore(siteDir))
	require.NoError(t, err)

	idx, err := OpenIndex(ctx, filepath.Join(siteDir, "downloads.db"))
	require.NoError(t, err)
	defer idx.Close()

	g := cfg.GTFS
	g.FilterPause, g.AgencyInterval, g.SettleDelay = 0, 0, 0
	g.DownloadTimeout = 30 * time.Second
	s, err := NewScraper(logger, g, m, flow, idx, siteDir)
	require.NoError(t, err)

	res, err := s.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Len(t, res.Downloaded, 1)

	d := res.Downloaded[0]
	assert.Equal(t, "albany_bus", d.Agency)
	assert.Equal(t, "albany-feed.zip", d.Archive)
	assert.True(t, d.Valid)

	agencyDir := filepath.Join(res.RunDir, "albany_bus")
	link, err := os.Readlink(filepath.Join(agencyDir, "gtfs.zip"))
	require.NoError(t, err)
	assert.Equal(t, "albany-feed.zip", link)
	assert.FileExists(t, filepath.Join(agencyDir, "download_metadata.json"))

	latest, err := idx.Latest(ctx, "albany_bus")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, latest.RunID)
}

func TestNewScraperRejectsBadConfig(t *testing.T) {
	g := config.NewDefaultConfig().GTFS
	g.ArchivePattern = "("
	_, err := NewScraper(zaptest.NewLogger(t), g, nil, nil, nil, t.TempDir())
	assert.Error(t, err)
}

// sleep mirrors browser.Page.Pause without needing a tab.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDownloadAllPausesBeforeEachAgency(t *testing.T) {
	g := config.NewDefaultConfig().GTFS
	g.AgencyInterval = 150 * time.Millisecond
	s, err := NewScraper(zaptest.NewLogger(t), g, nil, nil, nil, t.TempDir())
	require.NoError(t, err)

	res := &Result{
		Agencies: []AgencyLink{{Name: "albany"}, {Name: "cdta"}, {Name: "broken"}},
		Failed:   map[string]error{},
	}
	var starts, ends []time.Time
	begin := time.Now()
	err = s.downloadAll(context.Background(), zaptest.NewLogger(t), res, sleep, func(ctx context.Context, link AgencyLink) (*Download, error) {
		starts = append(starts, time.Now())
		defer func() { ends = append(ends, time.Now()) }()
		// Longer than the interval, so a pause measured from the previous
		// start would already have elapsed.
		time.Sleep(200 * time.Millisecond)
		if link.Name == "broken" {
			return nil, errors.New("download button never appeared")
		}
		return &Download{Agency: link.Name}, nil
	})
	require.NoError(t, err)

	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[0].Sub(begin), g.AgencyInterval, "first agency waits too")
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(ends[i-1]), g.AgencyInterval, "gap before agency %d", i)
	}
	require.Len(t, res.Downloaded, 2)
	assert.Equal(t, "cdta", res.Downloaded[1].Agency)
	assert.EqualError(t, res.Failed["broken"], "download button never appeared")
}

func TestDownloadAllStopsWhenCanceled(t *testing.T) {
	g := config.NewDefaultConfig().GTFS
	g.AgencyInterval = time.Hour
	s, err := NewScraper(zaptest.NewLogger(t), g, nil, nil, nil, t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := &Result{Agencies: []AgencyLink{{Name: "albany"}}, Failed: map[string]error{}}
	called := false
	err = s.downloadAll(ctx, zaptest.NewLogger(t), res, sleep, func(context.Context, AgencyLink) (*Download, error) {
		called = true
		return &Download{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
