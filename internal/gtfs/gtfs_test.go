package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var nysdot = regexp.MustCompile(`^NYSDOT / `)

func TestNormalizeAgency(t *testing.T) {
	tests := []struct {
		title string
		want  string
		ok    bool
	}{
		{"NYSDOT / Capital District Transportation Authority", "capital_district_transportation_authority", true},
		{"NYSDOT / St. Lawrence County (Public Transit)", "st_lawrence_county_public_transit_", true},
		{"NYSDOT / Rider's Choice O'Brien", "riders_choice_o_brien", true},
		{"NYSDOT / Town of Ulster -- UCAT", "town_of_ulster_ucat", true},
		{"MTA / New York City Transit", "", false},
		{"Something NYSDOT / Else", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got, ok := NormalizeAgency(nysdot, tt.title)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

const agencyListHTML = `<html><body>
<ul>
  <li class="list-group-item"><a title="NYSDOT / Albany Bus" href="/feeds/1">Albany</a></li>
  <li class="list-group-item"><a title="MTA / Subway" href="/feeds/2">MTA</a></li>
  <li class="list-group-item"><span>no link</span></li>
  <li class="list-group-item"><a href="/feeds/3">untitled</a></li>
  <li class="list-group-item"><a title="NYSDOT / Buffalo &amp; Erie" href="/feeds/4">NFTA</a><a title="NYSDOT / Ignored" href="/x">second</a></li>
  <li class="list-group-item"><a title="NYSDOT / ALBANY-BUS" href="/feeds/5">Albany again</a></li>
</ul>
</body></html>`

func TestParseAgencyLinks(t *testing.T) {
	links, err := ParseAgencyLinks(agencyListHTML, ".list-group-item", nysdot)
	require.NoError(t, err)

	assert.Equal(t, []AgencyLink{
		{Name: "albany_bus", Title: "NYSDOT / ALBANY-BUS", Href: "/feeds/5"},
		{Name: "buffalo_erie", Title: "NYSDOT / Buffalo & Erie", Href: "/feeds/4"},
	}, links)
}

func TestFilterAgencies(t *testing.T) {
	links := []AgencyLink{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	assert.Equal(t, links, FilterAgencies(links, nil))
	assert.Equal(t, []AgencyLink{{Name: "a"}, {Name: "c"}}, FilterAgencies(links, []string{"c", "a", "zzz"}))
	assert.Len(t, links, 3, "input is left alone")
}

func TestAgencySelector(t *testing.T) {
	l := AgencyLink{Title: `NYSDOT / "Quoted" \ Bus`}
	assert.Equal(t, `.list-group-item a[title="NYSDOT / \"Quoted\" \\ Bus"]`, l.Selector(".list-group-item"))
}

func TestResolveHref(t *testing.T) {
	got, err := resolveHref("https://admin.511.example/feeds?x=1", "/agency/7")
	require.NoError(t, err)
	assert.Equal(t, "https://admin.511.example/agency/7", got)

	got, err = resolveHref("https://admin.511.example/feeds", "https://other.example/a")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/a", got)
}

var zipPattern = regexp.MustCompile(`\.zip$`)

func TestArchiveWatcherExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feed.zip"), []byte("x"), 0o644))

	w, err := NewArchiveWatcher(zaptest.NewLogger(t), dir, zipPattern)
	require.NoError(t, err)
	defer w.Close()

	name, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "feed.zip", name)
}

func TestArchiveWatcherWaitsForCompletedDownload(t *testing.T) {
	dir := t.TempDir()
	w, err := NewArchiveWatcher(zaptest.NewLogger(t), dir, zipPattern)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		name, err := w.Wait(ctx)
		assert.NoError(t, err)
		got <- name
	}()

	partial := filepath.Join(dir, "feed.zip.crdownload")
	require.NoError(t, os.WriteFile(partial, []byte("part"), 0o644))
	select {
	case name := <-got:
		t.Fatalf("resolved on in-progress download %q", name)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, os.Rename(partial, filepath.Join(dir, "feed.zip")))
	select {
	case name := <-got:
		assert.Equal(t, "feed.zip", name)
	case <-ctx.Done():
		t.Fatal("watcher never saw the completed archive")
	}
}

func TestArchiveWatcherCanceled(t *testing.T) {
	w, err := NewArchiveWatcher(zaptest.NewLogger(t), t.TempDir(), zipPattern)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrNoArchive)
}

func TestArchiveWatcherMissingDir(t *testing.T) {
	_, err := NewArchiveWatcher(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "nope"), zipPattern)
	assert.Error(t, err)
}

func TestFinalize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "albany-2024.zip"), []byte("zip"), 0o644))
	ts := time.Unix(1700000000, 0)

	require.NoError(t, Finalize(dir, "albany-2024.zip", "gtfs.zip", "download_metadata.json", "albany_bus", ts))

	target, err := os.Readlink(filepath.Join(dir, "gtfs.zip"))
	require.NoError(t, err)
	assert.Equal(t, "albany-2024.zip", target)

	raw, err := os.ReadFile(filepath.Join(dir, "download_metadata.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"agency_name":"albany_bus","download_timestamp":1700000000}`, string(raw))

	// A second download replaces the link.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "albany-2025.zip"), []byte("zip"), 0o644))
	require.NoError(t, Finalize(dir, "albany-2025.zip", "gtfs.zip", "download_metadata.json", "albany_bus", ts))
	target, err = os.Readlink(filepath.Join(dir, "gtfs.zip"))
	require.NoError(t, err)
	assert.Equal(t, "albany-2025.zip", target)
}

func writeZip(t *testing.T, path string, names ...string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte("header\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()

	full := filepath.Join(dir, "full.zip")
	writeZip(t, full, "agency.txt", "stops.txt", "routes.txt", "trips.txt", "stop_times.txt", "calendar_dates.txt")
	info, err := Inspect(full)
	require.NoError(t, err)
	assert.True(t, info.Valid())
	assert.Len(t, info.SHA256, 64)
	assert.Len(t, info.Files, 6)
	fi, err := os.Stat(full)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), info.Size)

	nested := filepath.Join(dir, "nested.zip")
	writeZip(t, nested, "feed/agency.txt", "feed/stops.txt", "feed/routes.txt", "feed/trips.txt", "feed/stop_times.txt", "feed/calendar.txt")
	info, err = Inspect(nested)
	require.NoError(t, err)
	assert.True(t, info.Valid())

	partial := filepath.Join(dir, "partial.zip")
	writeZip(t, partial, "agency.txt", "stops.txt")
	info, err = Inspect(partial)
	require.NoError(t, err)
	assert.False(t, info.Valid())
	assert.Equal(t, []string{"routes.txt", "trips.txt", "stop_times.txt", "calendar.txt|calendar_dates.txt"}, info.Missing)

	notZip := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(notZip, []byte("<html>session expired</html>"), 0o644))
	_, err = Inspect(notZip)
	assert.Error(t, err)
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenIndex(ctx, filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Latest(ctx, "albany_bus")
	require.ErrorIs(t, err, ErrNotFound)

	base := time.Unix(1700000000, 0)
	rows := []*Download{
		{RunID: "r1", Agency: "albany_bus", Archive: "a1.zip", Path: "/x/a1.zip", Size: 10, SHA256: "aa", Valid: true, DownloadedAt: base},
		{RunID: "r1", Agency: "buffalo_erie", Archive: "b1.zip", Path: "/x/b1.zip", Size: 20, SHA256: "bb", Missing: []string{"trips.txt", "stops.txt"}, DownloadedAt: base.Add(time.Second)},
		{RunID: "r2", Agency: "albany_bus", Archive: "a2.zip", Path: "/y/a2.zip", Size: 11, SHA256: "cc", Valid: true, DownloadedAt: base.Add(time.Hour)},
	}
	for _, d := range rows {
		require.NoError(t, idx.Add(ctx, d))
		assert.NotZero(t, d.ID)
	}

	latest, err := idx.Latest(ctx, "albany_bus")
	require.NoError(t, err)
	assert.Equal(t, "a2.zip", latest.Archive)
	assert.True(t, latest.Valid)
	assert.True(t, latest.DownloadedAt.Equal(base.Add(time.Hour)))

	all, err := idx.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a2.zip", "b1.zip", "a1.zip"}, []string{all[0].Archive, all[1].Archive, all[2].Archive})
	assert.False(t, all[1].Valid)
	assert.Equal(t, []string{"trips.txt", "stops.txt"}, all[1].Missing)

	run1, err := idx.List(ctx, Filter{RunID: "r1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, run1, 1)
	assert.Equal(t, "b1.zip", run1[0].Archive)
}

func TestIndexReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "downloads.db")

	idx, err := OpenIndex(ctx, path)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, &Download{RunID: "r", Agency: "a", Archive: "a.zip", Path: "a.zip", DownloadedAt: time.Now()}))
	require.NoError(t, idx.Close())

	idx, err = OpenIndex(ctx, path)
	require.NoError(t, err)
	defer idx.Close()
	all, err := idx.List(ctx, Filter{Agency: "a"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
