package cmd

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/artifacts"
	"github.com/xkilldash9x/portalctl/internal/browser"
	"github.com/xkilldash9x/portalctl/internal/config"
	"github.com/xkilldash9x/portalctl/internal/credentials"
	"github.com/xkilldash9x/portalctl/internal/portal"
	"github.com/xkilldash9x/portalctl/internal/workspace"
)

// siteRun bundles what every browser command needs for one site.
type siteRun struct {
	name    string
	cfg     *config.Config
	profile config.SiteProfile
	layout  *workspace.Layout
	siteDir string
	creds   *credentials.Credentials
	store   *artifacts.Store
}

func newSiteRun(cfg *config.Config, name string) (*siteRun, error) {
	profile, err := cfg.Site(name)
	if err != nil {
		return nil, fmt.Errorf("%w (known sites: %v)", err, siteNames(cfg))
	}
	layout, err := workspace.NewLayout(cfg.Paths)
	if err != nil {
		return nil, err
	}
	creds, err := credentials.Load(credentials.Source{
		Path:    layout.CredentialsPath(profile.CredentialsFile),
		Site:    name,
		Keyring: cfg.Keyring,
	})
	if err != nil {
		return nil, err
	}
	siteDir, err := layout.SiteDir(profile.ResultsSubdir)
	if err != nil {
		return nil, err
	}
	return &siteRun{
		name:    name,
		cfg:     cfg,
		profile: profile,
		layout:  layout,
		siteDir: siteDir,
		creds:   creds,
		store:   artifacts.NewStore(siteDir),
	}, nil
}

// launch starts Chrome with the site's window size and the shared disk cache.
func (s *siteRun) launch(ctx context.Context, logger *zap.Logger) (*browser.Manager, error) {
	cacheDir, err := s.layout.CacheDirPath()
	if err != nil {
		return nil, err
	}
	return browser.NewManager(ctx, logger, s.cfg.Browser, browser.LaunchOptions{
		CacheDir: cacheDir,
		Window:   s.profile.Window,
	})
}

func (s *siteRun) flow(logger *zap.Logger) (*portal.Flow, error) {
	return portal.NewFlow(logger, s.name, s.profile, s.creds, s.store)
}

// shutdown closes Chrome, bounded by the browser launch timeout.
func shutdown(logger *zap.Logger, m *browser.Manager, timeout config.BrowserConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout.LaunchTimeout)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		logger.Warn("Browser did not shut down cleanly.", zap.Error(err))
	}
}

func siteNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Sites))
	for n := range cfg.Sites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
