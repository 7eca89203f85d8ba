package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	sess, err := store.Load()
	require.NoError(t, err)
	assert.True(t, sess.IsEmpty(), "missing files load as an empty session")
	assert.NotNil(t, sess.Cookies)
	assert.NotNil(t, sess.LocalStorage)

	want := &Session{
		Cookies: []Cookie{
			{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: "Lax"},
			{Name: "pref", Value: "1", Domain: "example.com", Path: "/", Expires: -1, Session: true},
		},
		LocalStorage:   map[string]string{"token": "t-1"},
		SessionStorage: map[string]string{"tab": "2"},
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loaded session mismatch (-want +got):\n%s", diff)
	}

	for _, name := range []string{CookiesFile, LocalStorageFile, SessionStorageFile} {
		assert.FileExists(t, filepath.Join(store.Dir(), name))
	}
}

func TestStoreSaveNilSession(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save(&Session{}))

	data, err := os.ReadFile(filepath.Join(store.Dir(), CookiesFile))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	data, err = os.ReadFile(filepath.Join(store.Dir(), LocalStorageFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestStoreLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LocalStorageFile), []byte(`{"a":`), 0o644))

	sess, err := NewStore(dir).Load()
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), LocalStorageFile)
	assert.True(t, sess.IsEmpty())
}

func TestStoreLoadNullFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CookiesFile), []byte(`null`), 0o644))

	sess, err := NewStore(dir).Load()
	require.NoError(t, err)
	assert.NotNil(t, sess.Cookies)
}

func TestCookieConversions(t *testing.T) {
	in := []*network.Cookie{
		{Name: "sid", Value: "v", Domain: ".example.com", Path: "/", Expires: 1893456000.5, HTTPOnly: true, SameSite: network.CookieSameSiteStrict, Priority: network.CookiePriorityMedium},
		{Name: "sid", Value: "dup", Domain: ".example.com", Path: "/"},
		{Name: "tmp", Value: "x", Domain: "example.com", Path: "/app", Expires: -1, Session: true},
		nil,
	}

	cookies := FromNetwork(in)
	require.Len(t, cookies, 2)
	assert.Equal(t, "v", cookies[0].Value, "first occurrence wins")
	assert.Equal(t, "Strict", cookies[0].SameSite)

	params := ToParams(cookies)
	require.Len(t, params, 2)
	require.NotNil(t, params[0].Expires)
	assert.Equal(t, int64(1893456000), params[0].Expires.Time().Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(params[0].Expires.Time().Nanosecond()))
	assert.Equal(t, network.CookieSameSiteStrict, params[0].SameSite)
	assert.Nil(t, params[1].Expires, "session cookies carry no expiry")
	assert.Equal(t, "/app", params[1].Path)
}

func TestDedupe(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
	got := Dedupe([]Cookie{
		{Name: "a", Domain: "d", Path: "/"},
		{Name: "a", Domain: "d", Path: "/x"},
		{Name: "a", Domain: "d", Path: "/"},
	})
	assert.Len(t, got, 2)
}

func TestRestoreScript(t *testing.T) {
	script, err := RestoreScript(&Session{
		LocalStorage: map[string]string{"token": `quote"d`},
	})
	require.NoError(t, err)
	assert.Contains(t, script, `"localStorage":{"token":"quote\"d"}`)
	assert.Contains(t, script, `"sessionStorage":{}`)
	assert.Contains(t, script, RestoredMarker)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(script), ";"))

	empty, err := RestoreScript(nil)
	require.NoError(t, err)
	assert.Contains(t, empty, `"localStorage":{}`)
}

func TestDumpStorageScript(t *testing.T) {
	s := DumpStorageScript("sessionStorage")
	assert.Contains(t, s, "window.sessionStorage")
	assert.Contains(t, s, RestoredMarker)
}
