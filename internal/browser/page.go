package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/config"
)

// Page is one browser tab.
type Page struct {
	ctx     context.Context
	cancel  context.CancelFunc
	manager *Manager
	logger  *zap.Logger
	tracker *IdleTracker

	navTimeout time.Duration
	quiet      time.Duration

	mu        sync.Mutex
	mainFrame cdp.FrameID
	closed    bool
}

func newPage(tabCtx context.Context, cancel context.CancelFunc, m *Manager, logger *zap.Logger, cfg config.BrowserConfig) *Page {
	return &Page{
		ctx:        tabCtx,
		cancel:     cancel,
		manager:    m,
		logger:     logger,
		tracker:    NewIdleTracker(logger),
		navTimeout: cfg.NavigationTimeout,
		quiet:      cfg.IdleQuietPeriod,
	}
}

func (p *Page) start(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, p.handleEvent)

	// The first Run creates (or attaches to) the target. It runs on the tab
	// context itself so a caller deadline cannot tear the tab down.
	if err := chromedp.Run(p.ctx, network.Enable(), page.Enable()); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Page) handleEvent(ev any) {
	p.tracker.Handle(ev)

	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			p.mu.Lock()
			p.mainFrame = e.Frame.ID
			p.mu.Unlock()
		}
	case *browser.EventDownloadWillBegin:
		p.logger.Info("Download started.", zap.String("file", e.SuggestedFilename), zap.String("url", e.URL))
	case *browser.EventDownloadProgress:
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			p.logger.Debug("Download completed.", zap.String("guid", e.GUID), zap.Float64("bytes", e.ReceivedBytes))
		case browser.DownloadProgressStateCanceled:
			p.logger.Warn("Download canceled.", zap.String("guid", e.GUID))
		}
	}
}

func (p *Page) mainFrameID() cdp.FrameID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainFrame
}

// Context is the chromedp context of the tab. Listeners registered on it
// must not block.
func (p *Page) Context() context.Context { return p.ctx }

// Run executes actions on the tab, canceled when either ctx or the tab ends.
func (p *Page) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(p.ctx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.Run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// URL returns the current document URL.
func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.Run(ctx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

// WaitVisible blocks until an element matching sel is visible.
func (p *Page) WaitVisible(ctx context.Context, sel string) error {
	return p.Run(ctx, chromedp.WaitVisible(sel, chromedp.ByQuery))
}

// Nodes returns every element matching sel without waiting for one to appear.
func (p *Page) Nodes(ctx context.Context, sel string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := p.Run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Exists reports whether at least one element matches sel right now.
func (p *Page) Exists(ctx context.Context, sel string) (bool, error) {
	nodes, err := p.Nodes(ctx, sel)
	return len(nodes) > 0, err
}

// Click clicks the first visible element matching sel.
func (p *Page) Click(ctx context.Context, sel string) error {
	return p.Run(ctx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
}

// MiddleClickNode middle-clicks a node, which opens links in a new tab.
func (p *Page) MiddleClickNode(ctx context.Context, node *cdp.Node) error {
	return p.Run(ctx, chromedp.MouseClickNode(node, chromedp.ButtonType(input.Middle)))
}

// Type focuses sel and types text one key at a time, pausing delay between keys.
func (p *Page) Type(ctx context.Context, sel, text string, delay time.Duration) error {
	if err := p.Run(ctx, chromedp.Focus(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to focus %s: %w", sel, err)
	}
	if delay <= 0 {
		return p.Run(ctx, chromedp.KeyEvent(text))
	}
	for _, r := range text {
		if err := p.Run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return err
		}
		if err := p.Pause(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// PressEnter sends an Enter key press to the focused element.
func (p *Page) PressEnter(ctx context.Context) error {
	return p.Run(ctx, chromedp.KeyEvent(kb.Enter))
}

// Pause sleeps for d unless ctx ends first. A non-positive d returns at once.
func (p *Page) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetViewport emulates a viewport of the given size.
func (p *Page) SetViewport(ctx context.Context, d config.Dimensions) error {
	if d.IsZero() {
		return nil
	}
	return p.Run(ctx, chromedp.EmulateViewport(int64(d.Width), int64(d.Height)))
}

// BringToFront activates the tab.
func (p *Page) BringToFront(ctx context.Context) error {
	return p.Run(ctx, page.BringToFront())
}

// OuterHTML returns the outer HTML of the first element matching sel.
func (p *Page) OuterHTML(ctx context.Context, sel string) (string, error) {
	var html string
	if err := p.Run(ctx, chromedp.OuterHTML(sel, &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Evaluate runs a JavaScript expression and decodes its result into res.
func (p *Page) Evaluate(ctx context.Context, expr string, res any) error {
	return p.Run(ctx, chromedp.Evaluate(expr, res))
}

// ExpectNavigation arms a waiter for the next main frame navigation. Call it
// before the action that navigates.
func (p *Page) ExpectNavigation() Navigation {
	w := newNavigationWaiter(p.logger, p.tracker, p.navTimeout, p.mainFrameID)
	lctx, cancel := context.WithCancel(p.ctx)
	w.stop = cancel
	chromedp.ListenTarget(lctx, w.Handle)
	return w
}

// WaitIdle waits for cond, bounded by the navigation timeout.
func (p *Page) WaitIdle(ctx context.Context, cond IdleCondition) error {
	if p.navTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.navTimeout)
		defer cancel()
	}
	return p.tracker.Wait(ctx, cond)
}

// IdleCondition resolves a configured condition name using the browser's
// quiet period.
func (p *Page) IdleCondition(name string) (IdleCondition, error) {
	return ParseIdleCondition(name, p.quiet)
}

// AllowDownloads makes Chrome save downloads into dir under their suggested
// file names and report download progress events.
func (p *Page) AllowDownloads(ctx context.Context, dir string) error {
	return p.Run(ctx, browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(dir).
		WithEventsEnabled(true))
}

// WaitNewTab returns a channel that receives the ID of the next page target
// opened by this tab.
// The channel is closed without a value if ctx ends first.
func (p *Page) WaitNewTab(ctx context.Context) <-chan target.ID {
	lctx, cancel := combineContext(p.ctx, ctx)
	ch := chromedp.WaitNewTarget(lctx, func(info *target.Info) bool {
		return info.Type == "page"
	})
	out := make(chan target.ID, 1)
	go func() {
		defer close(out)
		defer cancel()
		select {
		case id, ok := <-ch:
			if ok {
				out <- id
			}
		case <-lctx.Done():
		}
	}()
	return out
}

// Close closes the tab. It is safe to call more than once.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	defer p.manager.wg.Done()
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
