package gtfs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/portalctl/internal/browser"
	"github.com/xkilldash9x/portalctl/internal/config"
	"github.com/xkilldash9x/portalctl/internal/portal"
	"github.com/xkilldash9x/portalctl/internal/workspace"
)

// Result summarizes a scrape run.
type Result struct {
	RunID      string
	RunDir     string
	Agencies   []AgencyLink
	Downloaded []Download
	Failed     map[string]error
}

// Scraper logs into the transit admin portal and downloads every agency's feed.
type Scraper struct {
	logger  *zap.Logger
	cfg     config.GTFSConfig
	manager *browser.Manager
	flow    *portal.Flow
	index   *Index
	siteDir string

	titles   *regexp.Regexp
	archives *regexp.Regexp
	now      func() time.Time
}

// NewScraper validates cfg and prepares a scraper. index may be nil.
func NewScraper(logger *zap.Logger, cfg config.GTFSConfig, m *browser.Manager, flow *portal.Flow, index *Index, siteDir string) (*Scraper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gtfs config: %w", err)
	}
	return &Scraper{
		logger:   logger.Named("gtfs"),
		cfg:      cfg,
		manager:  m,
		flow:     flow,
		index:    index,
		siteDir:  siteDir,
		titles:   regexp.MustCompile(cfg.AgencyTitlePattern),
		archives: regexp.MustCompile(cfg.ArchivePattern),
		now:      time.Now,
	}, nil
}

// Run scrapes every agency once. Per-agency failures are collected in the
// result; Run itself fails only when the portal cannot be reached or ctx ends.
func (s *Scraper) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), Failed: map[string]error{}}
	logger := s.logger.With(zap.String("run_id", res.RunID))

	runDir, err := workspace.RunDir(s.siteDir, s.now())
	if err != nil {
		return nil, err
	}
	res.RunDir = runDir

	page, err := s.manager.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	if _, err := s.flow.EnsureSession(ctx, page); err != nil {
		return nil, err
	}
	if err := s.publicFeedsOnly(ctx, page); err != nil {
		return nil, err
	}

	html, err := page.OuterHTML(ctx, "html")
	if err != nil {
		return nil, fmt.Errorf("failed to read agency list: %w", err)
	}
	links, err := ParseAgencyLinks(html, s.cfg.AgencyListSelector, s.titles)
	if err != nil {
		return nil, err
	}
	res.Agencies = FilterAgencies(links, s.cfg.Agencies)
	logger.Info("Found agencies.", zap.Int("listed", len(links)), zap.Int("selected", len(res.Agencies)), zap.String("dir", runDir))

	err = s.downloadAll(ctx, logger, res, page.Pause, func(ctx context.Context, link AgencyLink) (*Download, error) {
		return s.scrapeAgency(ctx, page, res.RunID, runDir, link)
	})
	if err != nil {
		return res, err
	}

	logger.Info("Scrape finished.", zap.Int("downloaded", len(res.Downloaded)), zap.Int("failed", len(res.Failed)))
	return res, page.Pause(ctx, s.cfg.FilterPause)
}

// downloadAll downloads res.Agencies in order, pausing AgencyInterval before
// each one. The pause starts after the previous agency's tab has closed.
func (s *Scraper) downloadAll(
	ctx context.Context,
	logger *zap.Logger,
	res *Result,
	pause func(context.Context, time.Duration) error,
	download func(context.Context, AgencyLink) (*Download, error),
) error {
	for _, link := range res.Agencies {
		if err := pause(ctx, s.cfg.AgencyInterval); err != nil {
			return err
		}
		d, err := download(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("Failed to download agency feed.", zap.String("agency", link.Name), zap.Error(err))
			res.Failed[link.Name] = err
			continue
		}
		res.Downloaded = append(res.Downloaded, *d)
	}
	return nil
}

// publicFeedsOnly clicks the public-feeds filter when the portal shows one.
func (s *Scraper) publicFeedsOnly(ctx context.Context, page *browser.Page) error {
	if err := page.Pause(ctx, s.cfg.FilterPause); err != nil {
		return err
	}
	ok, err := page.Exists(ctx, s.cfg.PublicFeedsSelector)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("No public feeds filter on the page; listing all feeds.")
		return nil
	}
	if err := page.Click(ctx, s.cfg.PublicFeedsSelector); err != nil {
		return fmt.Errorf("failed to select public feeds: %w", err)
	}
	return page.Pause(ctx, s.cfg.FilterPause)
}

func (s *Scraper) scrapeAgency(ctx context.Context, list *browser.Page, runID, runDir string, link AgencyLink) (*Download, error) {
	logger := s.logger.With(zap.String("agency", link.Name))
	logger.Info("Downloading agency feed.")

	dir := filepath.Join(runDir, link.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	tab, err := s.openAgencyTab(ctx, list, link)
	if err != nil {
		return nil, err
	}
	defer tab.Close()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	if err := tab.BringToFront(dctx); err != nil {
		return nil, err
	}
	if err := tab.WaitVisible(dctx, s.cfg.DownloadButtonSelector); err != nil {
		return nil, fmt.Errorf("download button never appeared: %w", err)
	}
	if err := tab.Pause(dctx, s.cfg.SettleDelay); err != nil {
		return nil, err
	}
	if err := tab.AllowDownloads(dctx, absDir); err != nil {
		return nil, fmt.Errorf("failed to allow downloads: %w", err)
	}

	watcher, err := NewArchiveWatcher(logger, absDir, s.archives)
	if err != nil {
		return nil, err
	}
	defer watcher.Close()

	started := s.now()
	var archive string
	g, gctx := errgroup.WithContext(dctx)
	g.Go(func() error {
		var err error
		archive, err = watcher.Wait(gctx)
		return err
	})
	g.Go(func() error {
		return tab.Click(gctx, s.cfg.DownloadButtonSelector)
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("download did not finish within %s", s.cfg.DownloadTimeout)
		}
		return nil, err
	}
	logger.Info("Download complete.", zap.String("archive", archive), zap.Duration("took", s.now().Sub(started)))

	if err := Finalize(dir, archive, s.cfg.LinkName, s.cfg.MetadataFile, link.Name, started); err != nil {
		return nil, err
	}

	d := &Download{
		RunID:        runID,
		Agency:       link.Name,
		Archive:      archive,
		Path:         filepath.Join(dir, archive),
		DownloadedAt: started,
	}
	info, err := Inspect(d.Path)
	if err != nil {
		logger.Warn("Downloaded archive is unreadable.", zap.Error(err))
	} else {
		d.Size, d.SHA256, d.Valid, d.Missing = info.Size, info.SHA256, info.Valid(), info.Missing
		if !d.Valid {
			logger.Warn("Feed is missing required GTFS files.", zap.Strings("missing", info.Missing))
		}
	}
	if s.index != nil {
		if err := s.index.Add(ctx, d); err != nil {
			logger.Warn("Failed to index download.", zap.Error(err))
		}
	}

	return d, tab.Pause(ctx, s.cfg.SettleDelay)
}

// openAgencyTab opens the agency page in a new tab. It middle-clicks the
// link like a user would; when no tab appears it navigates a fresh tab to
// the link target instead.
func (s *Scraper) openAgencyTab(ctx context.Context, list *browser.Page, link AgencyLink) (*browser.Page, error) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.NewTabTimeout)
	defer cancel()

	nodes, err := list.Nodes(ctx, link.Selector(s.cfg.AgencyListSelector))
	if err != nil {
		return nil, err
	}
	if len(nodes) > 0 {
		opened := list.WaitNewTab(tctx)
		if err := list.MiddleClickNode(ctx, nodes[0]); err != nil {
			return nil, fmt.Errorf("failed to open agency link: %w", err)
		}
		if id, ok := <-opened; ok {
			return s.manager.AdoptTarget(ctx, id)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Middle click opened no tab; navigating directly.", zap.String("agency", link.Name))
	}

	if link.Href == "" {
		return nil, fmt.Errorf("agency link %q has no target", link.Title)
	}
	base, err := list.URL(ctx)
	if err != nil {
		return nil, err
	}
	target, err := resolveHref(base, link.Href)
	if err != nil {
		return nil, err
	}
	tab, err := s.manager.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := tab.Navigate(ctx, target); err != nil {
		_ = tab.Close()
		return nil, err
	}
	return tab, nil
}

func resolveHref(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid page URL %q: %w", base, err)
	}
	h, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid agency link %q: %w", href, err)
	}
	return b.ResolveReference(h).String(), nil
}
