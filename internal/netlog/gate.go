package netlog

import "sync"

// Gate lets one request through at a time. Admit either releases the request
// immediately or queues it; Done releases the next queued request, in
// arrival order, or marks the gate idle.
type Gate struct {
	mu    sync.Mutex
	busy  bool
	queue []func()
}

// Admit runs release now if nothing is in flight, otherwise queues it.
// release runs without the gate's lock held and must not block.
func (g *Gate) Admit(release func()) {
	g.mu.Lock()
	if g.busy {
		g.queue = append(g.queue, release)
		g.mu.Unlock()
		return
	}
	g.busy = true
	g.mu.Unlock()
	release()
}

// Done marks the in-flight request finished and releases the next one.
func (g *Gate) Done() {
	g.mu.Lock()
	if len(g.queue) == 0 {
		g.busy = false
		g.mu.Unlock()
		return
	}
	next := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	g.mu.Unlock()
	next()
}

// Busy reports whether a request is in flight.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// Pending is the number of queued requests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Drain releases every queued request and leaves the gate idle. Used on
// shutdown so no request stays paused in the browser.
func (g *Gate) Drain() {
	g.mu.Lock()
	queued := g.queue
	g.queue = nil
	g.busy = false
	g.mu.Unlock()
	for _, release := range queued {
		release()
	}
}
