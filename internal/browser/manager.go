package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/config"
)

// LaunchOptions are the per-run settings layered on top of BrowserConfig.
type LaunchOptions struct {
	CacheDir string
	Window   config.Dimensions
}

// Manager owns one Chrome process and the tabs opened in it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// wg tracks open pages so Shutdown can let them close first.
	wg sync.WaitGroup
}

// NewManager launches Chrome and verifies it responds.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig, launch LaunchOptions) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
	if err := m.launchBrowser(ctx, launch); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launchBrowser(ctx context.Context, launch LaunchOptions) error {
	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", m.cfg.Headless), zap.String("disk_cache_dir", launch.CacheDir))

	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, allocatorOptions(m.cfg, launch)...)

	ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(m.logger.Sugar().Errorf)}
	if m.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Named("cdp").Sugar().Debugf))
	}
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx, ctxOpts...)

	// The first Run allocates the browser; it must not carry a timeout or the
	// browser dies with it.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.shutdownProcess()
		return fmt.Errorf("browser failed to start: %w", err)
	}

	timeout := m.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(m.browserCtx, timeout)
	defer cancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		m.shutdownProcess()
		return fmt.Errorf("browser failed to respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// chromeFlags returns the command line flags layered over chromedp's defaults.
// Later flags win, so "headless" here overrides the default.
func chromeFlags(cfg config.BrowserConfig, launch LaunchOptions) map[string]any {
	flags := map[string]any{
		"headless":                  cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-gpu":               cfg.Headless,
	}
	if cfg.NoSandbox {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
	}
	if launch.CacheDir != "" {
		flags["disk-cache-dir"] = launch.CacheDir
	}
	if !launch.Window.IsZero() {
		flags["window-size"] = fmt.Sprintf("%d,%d", launch.Window.Width, launch.Window.Height)
	}
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

func allocatorOptions(cfg config.BrowserConfig, launch LaunchOptions) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range chromeFlags(cfg, launch) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewPage opens a new tab.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	return m.initPage(ctx, tabCtx, cancel)
}

// AdoptTarget attaches to a tab that another tab opened, e.g. through a
// middle click.
func (m *Manager) AdoptTarget(ctx context.Context, id target.ID) (*Page, error) {
	tabCtx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(id))
	return m.initPage(ctx, tabCtx, cancel)
}

func (m *Manager) initPage(ctx context.Context, tabCtx context.Context, cancel context.CancelFunc) (*Page, error) {
	p := newPage(tabCtx, cancel, m, m.logger.Named("page"), m.cfg)
	if err := p.start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize tab: %w", err)
	}
	m.wg.Add(1)
	return p, nil
}

// Shutdown waits for open pages until ctx expires and then stops Chrome.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for open pages to close...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCtx != nil {
		if err := chromedp.Cancel(m.browserCtx); err != nil {
			m.logger.Debug("Graceful browser close failed.", zap.Error(err))
		}
	}
	m.shutdownProcess()
	return nil
}

func (m *Manager) shutdownProcess() {
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
		<-m.allocCtx.Done()
	}
}
