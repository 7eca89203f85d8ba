package portal

import (
	"context"
	"fmt"
	"os"
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
)

type fakeNav struct {
	url string
	err error
}

func (n *fakeNav) Wait(ctx context.Context, cond browser.IdleCondition) (string, error) {
	return n.url, n.err
}

// fakePage scripts the browser: it starts at startURL after Navigate and
// moves to afterLogin once Enter is pressed.
type fakePage struct {
	startURL   string
	afterLogin string
	navErr     error
	idleErr    error

	current  string
	calls    []string
	typed    map[string]string
	delays   []time.Duration
	restored *artifacts.Session
	viewport config.Dimensions
	captured *artifacts.Session
}

func newFakePage(start, after string) *fakePage {
	return &fakePage{
		startURL:   start,
		afterLogin: after,
		typed:      map[string]string{},
		captured: &artifacts.Session{
			Cookies:        []artifacts.Cookie{{Name: "sid", Value: "new", Domain: "portal", Path: "/"}},
			LocalStorage:   map[string]string{"token": "abc"},
			SessionStorage: map[string]string{},
		},
	}
}

func (p *fakePage) record(format string, args ...any) { p.calls = append(p.calls, fmt.Sprintf(format, args...)) }

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate %s", url)
	p.current = p.startURL
	return nil
}

func (p *fakePage) URL(ctx context.Context) (string, error) { return p.current, nil }
func (p *fakePage) WaitVisible(ctx context.Context, sel string) error {
	p.record("wait %s", sel)
	return nil
}

func (p *fakePage) Type(ctx context.Context, sel, text string, delay time.Duration) error {
	p.record("type %s", sel)
	p.typed[sel] = text
	p.delays = append(p.delays, delay)
	return nil
}

func (p *fakePage) PressEnter(ctx context.Context) error {
	p.record("enter")
	if p.navErr == nil {
		p.current = p.afterLogin
	}
	return nil
}

func (p *fakePage) Pause(ctx context.Context, d time.Duration) error {
	if d > 0 {
		p.record("pause %s", d)
	}
	return nil
}

func (p *fakePage) SetViewport(ctx context.Context, d config.Dimensions) error {
	p.viewport = d
	return nil
}

func (p *fakePage) ExpectNavigation() browser.Navigation {
	p.record("expect-nav")
	return &fakeNav{url: p.afterLogin, err: p.navErr}
}

func (p *fakePage) WaitIdle(ctx context.Context, cond browser.IdleCondition) error {
	p.record("idle %s", cond.Name)
	return p.idleErr
}

func (p *fakePage) IdleCondition(name string) (browser.IdleCondition, error) {
	return browser.ParseIdleCondition(name, 0)
}

func (p *fakePage) Restore(ctx context.Context, sess *artifacts.Session) error {
	p.restored = sess
	return nil
}

func (p *fakePage) Capture(ctx context.Context) (*artifacts.Session, error) {
	p.record("capture")
	return p.captured, nil
}

func testFlow(t *testing.T, site string) (*Flow, *artifacts.Store) {
	t.Helper()
	profile, err := config.NewDefaultConfig().Site(site)
	require.NoError(t, err)
	store := artifacts.NewStore(t.TempDir())
	creds := &credentials.Credentials{Username: "ops@example.com", Password: "pw", URL: "https://portal.example.com/stories"}
	f, err := NewFlow(zaptest.NewLogger(t), site, profile, creds, store)
	require.NoError(t, err)
	return f, store
}

func TestEnsureSessionSkipsLoginWhenSessionValid(t *testing.T) {
	f, store := testFlow(t, "avail")
	persisted := &artifacts.Session{
		Cookies:        []artifacts.Cookie{{Name: "sid", Value: "old", Domain: "portal", Path: "/"}},
		LocalStorage:   map[string]string{"k": "v"},
		SessionStorage: map[string]string{},
	}
	require.NoError(t, store.Save(persisted))

	page := newFakePage("https://portal.example.com/stories", "")
	out, err := f.EnsureSession(context.Background(), page)
	require.NoError(t, err)

	assert.False(t, out.LoggedIn)
	assert.Nil(t, out.Session)
	assert.Equal(t, "https://portal.example.com/stories", out.URL)
	assert.Equal(t, persisted, page.restored)
	assert.Equal(t, []string{"navigate https://portal.example.com/stories", "idle networkidle0"}, page.calls)
}

func TestEnsureSessionLogsInOnLoginPage(t *testing.T) {
	f, store := testFlow(t, "avail-stories")
	page := newFakePage("https://portal.example.com/login", "https://portal.example.com/stories")

	out, err := f.EnsureSession(context.Background(), page)
	require.NoError(t, err)

	assert.True(t, out.LoggedIn)
	assert.Equal(t, "https://portal.example.com/login", out.LandingURL)
	assert.Equal(t, "https://portal.example.com/stories", out.URL)
	assert.Equal(t, "ops@example.com", page.typed["#email"])
	assert.Equal(t, "pw", page.typed["#password"])
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, page.delays)

	assert.Equal(t, []string{
		"navigate https://portal.example.com/stories",
		"idle networkidle2",
		"wait #email",
		"wait #password",
		"pause 1s",
		"type #email",
		"pause 1s",
		"type #password",
		"pause 1s",
		"expect-nav",
		"enter",
		"capture",
	}, page.calls)

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, page.captured.Cookies, saved.Cookies)
	assert.Equal(t, "abc", saved.LocalStorage["token"])
}

func TestEnsureSessionTransitProfile(t *testing.T) {
	f, _ := testFlow(t, "transit-admin-511")
	page := newFakePage("https://admin.511.example/login", "https://admin.511.example/feeds")

	out, err := f.EnsureSession(context.Background(), page)
	require.NoError(t, err)
	assert.True(t, out.LoggedIn)
	assert.Equal(t, config.Dimensions{Width: 1650, Height: 1000}, page.viewport)
	assert.Contains(t, page.calls, "pause 1.5s", "post-submit pause")
	assert.Equal(t, "pause 1s", page.calls[2], "pre-login pause comes before the field waits")
	assert.Equal(t, "ops@example.com", page.typed["input[name=email]"])
}

func TestEnsureSessionCorruptArtifacts(t *testing.T) {
	f, store := testFlow(t, "avail")
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), artifacts.CookiesFile), []byte("{nope"), 0o644))

	page := newFakePage("https://portal.example.com/stories", "")
	out, err := f.EnsureSession(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, out.LoggedIn)
	assert.True(t, page.restored.IsEmpty())
}

func TestEnsureSessionIdleTimeoutIsNotFatal(t *testing.T) {
	f, _ := testFlow(t, "avail")
	page := newFakePage("https://portal.example.com/stories", "")
	page.idleErr = context.DeadlineExceeded

	out, err := f.EnsureSession(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.com/stories", out.URL)
}

func TestLoginWithoutNavigationFails(t *testing.T) {
	f, store := testFlow(t, "avail")
	page := newFakePage("https://portal.example.com/login", "")
	page.navErr = fmt.Errorf("%w within 30s", browser.ErrNoNavigation)

	_, err := f.EnsureSession(context.Background(), page)
	require.ErrorIs(t, err, browser.ErrNoNavigation)

	_, statErr := os.Stat(filepath.Join(store.Dir(), artifacts.CookiesFile))
	assert.True(t, os.IsNotExist(statErr), "nothing is persisted after a failed login")
}

func TestLoginContinuesWhenIdleNeverReached(t *testing.T) {
	f, _ := testFlow(t, "avail")
	page := newFakePage("https://portal.example.com/login", "https://portal.example.com/stories")
	page.navErr = nil

	nav := &fakeNav{url: "https://portal.example.com/stories", err: context.DeadlineExceeded}
	wrapped := &navOverride{fakePage: page, nav: nav}

	sess, err := f.Login(context.Background(), wrapped)
	require.NoError(t, err)
	assert.Equal(t, page.captured, sess)
}

type navOverride struct {
	*fakePage
	nav browser.Navigation
}

func (n *navOverride) ExpectNavigation() browser.Navigation { return n.nav }

func TestIsLoginURL(t *testing.T) {
	f, _ := testFlow(t, "avail")
	assert.True(t, f.IsLoginURL("https://portal.example.com/login"))
	assert.False(t, f.IsLoginURL("https://portal.example.com/login?next=/"))
	assert.False(t, f.IsLoginURL("https://portal.example.com/stories"))

	profile := config.NewDefaultConfig().Sites["avail"]
	profile.LoginURLPattern = "("
	_, err := NewFlow(zaptest.NewLogger(t), "bad", profile, &credentials.Credentials{}, artifacts.NewStore(t.TempDir()))
	assert.Error(t, err)
}
