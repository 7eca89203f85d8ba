// Package portal implements the login flow shared by every site: restore the
// persisted session, open the portal, and log in only when the portal bounces
// the browser to its login page.
package portal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/artifacts"
	"github.com/xkilldash9x/portalctl/internal/browser"
	"github.com/xkilldash9x/portalctl/internal/config"
	"github.com/xkilldash9x/portalctl/internal/credentials"
)

// Page is the subset of *browser.Page the login flow drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, sel string) error
	Type(ctx context.Context, sel, text string, delay time.Duration) error
	PressEnter(ctx context.Context) error
	Pause(ctx context.Context, d time.Duration) error
	SetViewport(ctx context.Context, d config.Dimensions) error
	ExpectNavigation() browser.Navigation
	WaitIdle(ctx context.Context, cond browser.IdleCondition) error
	IdleCondition(name string) (browser.IdleCondition, error)
	Restore(ctx context.Context, sess *artifacts.Session) error
	Capture(ctx context.Context) (*artifacts.Session, error)
}

// Outcome describes how EnsureSession ended.
type Outcome struct {
	// LandingURL is where the portal URL led after the restored session was applied.
	LandingURL string
	// URL is the page URL once the flow finished.
	URL string
	// LoggedIn is true when the login form had to be submitted.
	LoggedIn bool
	// Session is the freshly captured session after a login, nil otherwise.
	Session *artifacts.Session
}

// Flow logs into one site.
type Flow struct {
	logger       *zap.Logger
	site         string
	profile      config.SiteProfile
	creds        *credentials.Credentials
	store        *artifacts.Store
	loginPattern *regexp.Regexp
}

// NewFlow validates the site profile and prepares the login flow.
func NewFlow(logger *zap.Logger, site string, profile config.SiteProfile, creds *credentials.Credentials, store *artifacts.Store) (*Flow, error) {
	pattern, err := regexp.Compile(profile.LoginURLPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid login_url_pattern for %s: %w", site, err)
	}
	return &Flow{
		logger:       logger.Named("portal").With(zap.String("site", site)),
		site:         site,
		profile:      profile,
		creds:        creds,
		store:        store,
		loginPattern: pattern,
	}, nil
}

// IsLoginURL reports whether url is the site's login page.
func (f *Flow) IsLoginURL(url string) bool {
	return f.loginPattern.MatchString(url)
}

// EnsureSession restores the persisted session into page, opens the portal
// and logs in if the portal redirected to its login page. A successful login
// is persisted to the store.
func (f *Flow) EnsureSession(ctx context.Context, page Page) (*Outcome, error) {
	sess, err := f.store.Load()
	if errors.Is(err, artifacts.ErrCorrupt) {
		f.logger.Warn("Ignoring corrupt session artifacts; starting without a session.", zap.Error(err))
	} else if err != nil {
		return nil, err
	}

	if err := page.SetViewport(ctx, f.profile.Viewport); err != nil {
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}
	if err := page.Restore(ctx, sess); err != nil {
		return nil, err
	}

	if err := page.Navigate(ctx, f.creds.URL); err != nil {
		return nil, err
	}
	if err := f.waitIdle(ctx, page, f.profile.InitialIdle); err != nil {
		return nil, err
	}

	landing, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page URL: %w", err)
	}
	out := &Outcome{LandingURL: landing, URL: landing}
	f.logger.Info("Portal opened.", zap.String("url", landing))

	if !f.IsLoginURL(landing) {
		f.logger.Info("Persisted session is still valid; skipping login.")
		return out, nil
	}

	captured, err := f.Login(ctx, page)
	if err != nil {
		return nil, err
	}
	if err := f.store.Save(captured); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	out.LoggedIn = true
	out.Session = captured
	if out.URL, err = page.URL(ctx); err != nil {
		return nil, fmt.Errorf("failed to read page URL: %w", err)
	}
	f.logger.Info("Logged in and persisted session.", zap.String("url", out.URL), zap.String("dir", f.store.Dir()))
	return out, nil
}

// Login fills in and submits the login form on the current page, waits for
// the resulting navigation to settle and captures the new session.
func (f *Flow) Login(ctx context.Context, page Page) (*artifacts.Session, error) {
	p := f.profile
	f.logger.Info("Login page detected; signing in.", zap.String("user", f.creds.Username))

	if err := page.Pause(ctx, p.PreLoginPause); err != nil {
		return nil, err
	}
	for _, sel := range []string{p.UsernameSelector, p.PasswordSelector} {
		if err := page.WaitVisible(ctx, sel); err != nil {
			return nil, fmt.Errorf("login field %s never appeared: %w", sel, err)
		}
	}

	if err := page.Pause(ctx, p.StepPause); err != nil {
		return nil, err
	}
	if err := page.Type(ctx, p.UsernameSelector, f.creds.Username, p.TypeDelay); err != nil {
		return nil, fmt.Errorf("failed to type username: %w", err)
	}
	if err := page.Pause(ctx, p.StepPause); err != nil {
		return nil, err
	}
	if err := page.Type(ctx, p.PasswordSelector, f.creds.Password, p.TypeDelay); err != nil {
		return nil, fmt.Errorf("failed to type password: %w", err)
	}
	if err := page.Pause(ctx, p.StepPause); err != nil {
		return nil, err
	}

	cond, err := page.IdleCondition(p.LoginIdle)
	if err != nil {
		return nil, err
	}
	nav := page.ExpectNavigation()
	if err := page.PressEnter(ctx); err != nil {
		return nil, fmt.Errorf("failed to submit login form: %w", err)
	}
	if err := page.Pause(ctx, p.PostSubmitPause); err != nil {
		return nil, err
	}

	url, err := nav.Wait(ctx, cond)
	switch {
	case errors.Is(err, browser.ErrNoNavigation):
		return nil, fmt.Errorf("login form submitted but the portal did not navigate: %w", err)
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		f.logger.Warn("Network did not settle after login; continuing.", zap.String("url", url), zap.Error(err))
	}

	sess, err := page.Capture(ctx)
	if err != nil {
		return nil, err
	}
	if p.LogSession {
		f.logger.Info("Captured session after login.",
			zap.Int("cookies", len(sess.Cookies)),
			zap.Strings("local_storage_keys", sortedKeys(sess.LocalStorage)),
			zap.Strings("session_storage_keys", sortedKeys(sess.SessionStorage)))
		f.logger.Debug("Captured storage contents.", zap.Any("local_storage", sess.LocalStorage), zap.Any("session_storage", sess.SessionStorage))
	}
	return sess, nil
}

// waitIdle waits for the named condition. Running out of time is not fatal:
// long-polling portals may never go idle, and the URL check still works.
func (f *Flow) waitIdle(ctx context.Context, page Page, name string) error {
	cond, err := page.IdleCondition(name)
	if err != nil {
		return err
	}
	err = page.WaitIdle(ctx, cond)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		f.logger.Warn("Network did not go idle; continuing.", zap.String("condition", cond.Name), zap.Error(err))
		return nil
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
