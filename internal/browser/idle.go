package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/config"
)

const defaultQuietPeriod = 500 * time.Millisecond

// IdleCondition is satisfied once no more than MaxInflight requests have been
// outstanding for a continuous Quiet period.
type IdleCondition struct {
	Name        string
	MaxInflight int
	Quiet       time.Duration
}

var (
	NetworkIdle0 = IdleCondition{Name: config.IdleNetwork0, MaxInflight: 0, Quiet: defaultQuietPeriod}
	NetworkIdle2 = IdleCondition{Name: config.IdleNetwork2, MaxInflight: 2, Quiet: defaultQuietPeriod}
)

// ParseIdleCondition maps a configured condition name onto its preset.
// A positive quiet overrides the preset's quiet period.
func ParseIdleCondition(name string, quiet time.Duration) (IdleCondition, error) {
	var c IdleCondition
	switch name {
	case config.IdleNetwork0, "":
		c = NetworkIdle0
	case config.IdleNetwork2:
		c = NetworkIdle2
	default:
		return IdleCondition{}, fmt.Errorf("unknown idle condition %q", name)
	}
	if quiet > 0 {
		c.Quiet = quiet
	}
	return c, nil
}

// IdleTracker counts in-flight requests on one tab from Network domain events.
type IdleTracker struct {
	logger   *zap.Logger
	poll     time.Duration
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
}

// NewIdleTracker returns an empty tracker. Feed it with Handle.
func NewIdleTracker(logger *zap.Logger) *IdleTracker {
	return &IdleTracker{
		logger:   logger.Named("idle"),
		poll:     50 * time.Millisecond,
		inflight: make(map[network.RequestID]struct{}),
	}
}

// Handle updates the in-flight set. It is safe to call from a chromedp
// listener since it never blocks on the browser.
func (t *IdleTracker) Handle(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		// Redirect hops reuse the request ID, so the entry simply stays.
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	}
}

// Inflight is the number of requests started but not yet finished or failed.
func (t *IdleTracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Reset forgets every tracked request.
func (t *IdleTracker) Reset() {
	t.mu.Lock()
	t.inflight = make(map[network.RequestID]struct{})
	t.mu.Unlock()
}

// Wait blocks until cond holds or ctx is done.
func (t *IdleTracker) Wait(ctx context.Context, cond IdleCondition) error {
	quiet := cond.Quiet
	if quiet <= 0 {
		quiet = defaultQuietPeriod
	}
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	var calmSince time.Time
	if t.Inflight() <= cond.MaxInflight {
		calmSince = time.Now()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n := t.Inflight()
			if n > cond.MaxInflight {
				if !calmSince.IsZero() {
					t.logger.Debug("Waiting for network idle...", zap.Int("inflight_requests", n), zap.String("condition", cond.Name))
				}
				calmSince = time.Time{}
				continue
			}
			if calmSince.IsZero() {
				calmSince = now
			}
			if now.Sub(calmSince) >= quiet {
				return nil
			}
		}
	}
}
