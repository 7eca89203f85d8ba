package browser

import "context"

// combineContext derives from tabCtx, keeping its chromedp values, and is
// also canceled when callerCtx is done.
func combineContext(tabCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(callerCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
