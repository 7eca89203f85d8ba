package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"
)

// ErrNoNavigation is returned when an expected main frame navigation never happens.
var ErrNoNavigation = errors.New("browser: no navigation observed")

// Navigation is a pending main frame navigation.
type Navigation interface {
	Wait(ctx context.Context, cond IdleCondition) (string, error)
}

// NavigationWaiter resolves on the first main frame navigation after it was
// armed. Arm it before the action that triggers the navigation.
type NavigationWaiter struct {
	logger    *zap.Logger
	tracker   *IdleTracker
	timeout   time.Duration
	mainFrame func() cdp.FrameID
	stop      context.CancelFunc

	once sync.Once
	done chan struct{}
	url  string
}

func newNavigationWaiter(logger *zap.Logger, tracker *IdleTracker, timeout time.Duration, mainFrame func() cdp.FrameID) *NavigationWaiter {
	return &NavigationWaiter{
		logger:    logger,
		tracker:   tracker,
		timeout:   timeout,
		mainFrame: mainFrame,
		stop:      func() {},
		done:      make(chan struct{}),
	}
}

// Handle inspects a page event and marks the waiter done on a main frame
// navigation, including same-document (history API) navigations.
func (w *NavigationWaiter) Handle(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		w.resolve(e.Frame.URL)
	case *page.EventNavigatedWithinDocument:
		if main := w.mainFrame(); main != "" && e.FrameID != main {
			return
		}
		w.resolve(e.URL)
	}
}

func (w *NavigationWaiter) resolve(url string) {
	w.once.Do(func() {
		w.url = url
		close(w.done)
	})
}

// Done is closed once a navigation has been observed.
func (w *NavigationWaiter) Done() <-chan struct{} { return w.done }

// Wait blocks until the navigation happened and then until cond holds. The
// whole wait is bounded by the page navigation timeout. It returns the URL
// navigated to.
func (w *NavigationWaiter) Wait(ctx context.Context, cond IdleCondition) (string, error) {
	defer w.stop()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w within %s", ErrNoNavigation, w.timeout)
		}
		return "", ctx.Err()
	}
	w.logger.Debug("Navigation observed.", zap.String("url", w.url))

	if err := w.tracker.Wait(ctx, cond); err != nil {
		return w.url, fmt.Errorf("navigated to %s but network never reached %s: %w", w.url, cond.Name, err)
	}
	return w.url, nil
}
