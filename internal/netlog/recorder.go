package netlog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/browser"
)

// Target is the tab a Recorder intercepts.
type Target interface {
	// Listen registers a handler for tab events. Handlers must not block.
	Listen(fn func(ev any))
	// EnableInterception pauses every outgoing request until continued.
	EnableInterception(ctx context.Context) error
	Continue(ctx context.Context, id fetch.RequestID) error
	ResponseBody(ctx context.Context, id network.RequestID) ([]byte, error)
	PostData(ctx context.Context, id network.RequestID) (string, error)
}

// PageTarget adapts a browser tab to Target.
type PageTarget struct {
	Page *browser.Page
}

func (t PageTarget) Listen(fn func(ev any)) {
	chromedp.ListenTarget(t.Page.Context(), fn)
}

func (t PageTarget) EnableInterception(ctx context.Context) error {
	return t.Page.Run(ctx, network.Enable(), fetch.Enable())
}

func (t PageTarget) Continue(ctx context.Context, id fetch.RequestID) error {
	return t.Page.Run(ctx, fetch.ContinueRequest(id))
}

func (t PageTarget) ResponseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := t.Page.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

func (t PageTarget) PostData(ctx context.Context, id network.RequestID) (string, error) {
	var data string
	err := t.Page.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		data, err = network.GetRequestPostData(id).Do(ctx)
		return err
	}))
	return data, err
}

// exchange is one request/response hop tracked by network request ID.
type exchange struct {
	req        *network.Request
	resp       *network.Response
	redirected bool
}

type admission struct {
	id    network.RequestID
	seq   uint64
	timer *time.Timer
}

// Recorder lets the tab issue one request at a time and writes a Record for
// every request that completes with a response.
type Recorder struct {
	logger *zap.Logger
	target Target
	writer *Writer
	stall  time.Duration
	bodies bool

	ctx    context.Context
	cancel context.CancelFunc
	gate   Gate
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[network.RequestID]*exchange
	current *admission
	seq     uint64
	closed  bool
	skipped int
}

// Options tune a Recorder.
type Options struct {
	// StallTimeout releases the gate when an admitted request never settles.
	StallTimeout time.Duration
	// CaptureJSONBodies fetches and embeds JSON response bodies.
	CaptureJSONBodies bool
}

// NewRecorder builds a recorder writing to w. Call Start to begin intercepting.
func NewRecorder(logger *zap.Logger, target Target, w *Writer, opts Options) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		logger:  logger.Named("netlog"),
		target:  target,
		writer:  w,
		stall:   opts.StallTimeout,
		bodies:  opts.CaptureJSONBodies,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[network.RequestID]*exchange),
	}
}

// Start subscribes to tab events and enables request interception.
func (r *Recorder) Start(ctx context.Context) error {
	r.target.Listen(r.handle)
	if err := r.target.EnableInterception(ctx); err != nil {
		return err
	}
	r.logger.Info("Recording network activity.", zap.String("file", r.writer.Path()))
	return nil
}

func (r *Recorder) handle(ev any) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		r.onPaused(e)
	case *network.EventRequestWillBeSent:
		if e.RedirectResponse != nil {
			r.onRedirect(e)
		}
	case *network.EventResponseReceived:
		r.mu.Lock()
		if ex, ok := r.pending[e.RequestID]; ok {
			ex.resp = e.Response
		}
		r.mu.Unlock()
	case *network.EventLoadingFinished:
		r.onFinished(e.RequestID)
	case *network.EventLoadingFailed:
		r.logger.Debug("Request failed.", zap.String("id", string(e.RequestID)), zap.String("error", e.ErrorText))
		r.mu.Lock()
		delete(r.pending, e.RequestID)
		r.mu.Unlock()
		r.settle(e.RequestID)
	}
}

func (r *Recorder) onPaused(e *fetch.EventRequestPaused) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		r.continueRequest(e.RequestID)
		return
	}
	r.gate.Admit(func() { r.admit(e) })
}

// admit runs when the gate lets e through.
func (r *Recorder) admit(e *fetch.EventRequestPaused) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.continueRequest(e.RequestID)
		return
	}
	r.seq++
	adm := &admission{id: e.NetworkID, seq: r.seq}
	if r.stall > 0 {
		seq := adm.seq
		adm.timer = time.AfterFunc(r.stall, func() { r.stalled(seq) })
	}
	r.current = adm
	if e.NetworkID != "" {
		ex, ok := r.pending[e.NetworkID]
		if !ok {
			ex = &exchange{}
			r.pending[e.NetworkID] = ex
		}
		ex.req = e.Request
	}
	r.mu.Unlock()

	if e.Request != nil {
		r.logger.Debug("Request admitted.", zap.String("method", e.Request.Method), zap.String("url", e.Request.URL))
	}
	r.continueRequest(e.RequestID)
}

// spawn runs fn in a tracked goroutine unless the recorder has shut down.
func (r *Recorder) spawn(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// continueTimeout bounds a single Fetch.continueRequest call.
const continueTimeout = 5 * time.Second

// continueRequest lets a paused request go out. The call is detached from
// r.ctx so requests released by Close still reach the browser.
func (r *Recorder) continueRequest(id fetch.RequestID) {
	r.spawn(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), continueTimeout)
		defer cancel()
		if err := r.target.Continue(ctx, id); err != nil {
			r.logger.Warn("Failed to continue request.", zap.String("id", string(id)), zap.Error(err))
		}
	})
}

// onRedirect records the hop that ended in a redirect and finishes it.
func (r *Recorder) onRedirect(e *network.EventRequestWillBeSent) {
	r.mu.Lock()
	ex, ok := r.pending[e.RequestID]
	var rec *Record
	if ok {
		rec = newRecord(ex.req, e.RedirectResponse, e.RedirectResponse.URL)
		r.pending[e.RequestID] = &exchange{redirected: true}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if !r.spawn(func() {
		r.completePostData(rec, ex.req, e.RequestID)
		r.write(rec)
		r.settle(e.RequestID)
	}) {
		r.settle(e.RequestID)
	}
}

func (r *Recorder) onFinished(id network.RequestID) {
	r.mu.Lock()
	ex, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	if !ok || ex.resp == nil {
		r.settle(id)
		return
	}

	ok = r.spawn(func() {
		defer r.settle(id)

		url := ex.resp.URL
		if ex.req != nil {
			url = ex.req.URL
		}
		rec := newRecord(ex.req, ex.resp, url)
		r.completePostData(rec, ex.req, id)

		if r.bodies && !ex.redirected && IsJSON(contentType(ex.resp)) {
			raw, err := r.target.ResponseBody(r.ctx, id)
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.logger.Warn("Failed to read response body.", zap.String("url", rec.URL), zap.Error(err))
				r.skip()
				return
			}
			body, err := DecodeBody(raw)
			if err != nil {
				r.logger.Warn("Response body is not valid JSON; skipping record.", zap.String("url", rec.URL), zap.Error(err))
				r.skip()
				return
			}
			rec.ResponseBody = body
		}
		r.write(rec)
	})
	if !ok {
		r.settle(id)
	}
}

// completePostData fetches post data the paused event did not carry inline.
func (r *Recorder) completePostData(rec *Record, req *network.Request, id network.RequestID) {
	if req == nil || !req.HasPostData {
		return
	}
	data, err := PostData(req)
	if err != nil {
		r.logger.Debug("Inline post data unreadable.", zap.String("url", req.URL), zap.Error(err))
	}
	if data == "" {
		if data, err = r.target.PostData(r.ctx, id); err != nil {
			r.logger.Debug("Post data unavailable.", zap.String("url", req.URL), zap.Error(err))
		}
	}
	rec.RequestPostData = data
}

func (r *Recorder) write(rec *Record) {
	if err := r.writer.Write(rec); err != nil {
		r.logger.Error("Failed to write network record.", zap.String("url", rec.URL), zap.Error(err))
	}
}

func (r *Recorder) skip() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

// settle releases the gate if id is the admitted request.
func (r *Recorder) settle(id network.RequestID) {
	r.mu.Lock()
	if r.current == nil || r.current.id != id {
		r.mu.Unlock()
		return
	}
	r.release()
	r.mu.Unlock()
	r.gate.Done()
}

func (r *Recorder) stalled(seq uint64) {
	r.mu.Lock()
	if r.current == nil || r.current.seq != seq {
		r.mu.Unlock()
		return
	}
	id := r.current.id
	r.release()
	r.mu.Unlock()
	r.logger.Warn("Request never settled; releasing the next one.", zap.String("id", string(id)), zap.Duration("after", r.stall))
	r.gate.Done()
}

// release clears the current admission. Callers hold r.mu.
func (r *Recorder) release() {
	if r.current.timer != nil {
		r.current.timer.Stop()
	}
	r.current = nil
}

// Stats reports records written and skipped.
func (r *Recorder) Stats() (written, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Count(), r.skipped
}

// Close stops recording, lets every queued request through, waits for
// in-flight work and closes the log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.current != nil {
		r.release()
	}
	r.mu.Unlock()

	r.gate.Drain()
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()

	written, skipped := r.Stats()
	r.logger.Info("Network recording stopped.", zap.Int("records", written), zap.Int("skipped", skipped))
	return r.writer.Close()
}

func newRecord(req *network.Request, resp *network.Response, url string) *Record {
	rec := &Record{
		URL:             url,
		RequestHeaders:  map[string]string{},
		ResponseHeaders: map[string]string{},
	}
	if req != nil {
		rec.Method = req.Method
		rec.RequestHeaders = FlattenHeaders(req.Headers)
	}
	if resp != nil {
		rec.Status = resp.Status
		rec.ResponseHeaders = FlattenHeaders(resp.Headers)
	}
	return rec
}

func contentType(resp *network.Response) string {
	for k, v := range resp.Headers {
		if s, ok := v.(string); ok && strings.EqualFold(k, "content-type") {
			return s
		}
	}
	return resp.MimeType
}
