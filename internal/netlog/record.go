// Package netlog records the network activity of a portal session as JSON
// lines, letting the browser issue only one request at a time so the log
// order is deterministic.
package netlog

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	jsoniter "github.com/json-iterator/go"
)

// json keeps numbers in response bodies as written and does not escape HTML.
var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

var jsonContentType = regexp.MustCompile(`json`)

// Record is one line of a network activity log.
type Record struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Status          int64             `json:"status"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	RequestPostData string            `json:"requestPostData,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	ResponseBody    any               `json:"responseBody"`
}

// IsJSON reports whether a content type announces a JSON body.
func IsJSON(contentType string) bool {
	return jsonContentType.MatchString(contentType)
}

// FlattenHeaders converts CDP headers to lowercase keys and string values.
func FlattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		key := strings.ToLower(k)
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case nil:
		default:
			s = fmt.Sprint(val)
		}
		if prev, ok := out[key]; ok && prev != "" {
			s = prev + ", " + s
		}
		out[key] = s
	}
	return out
}

// PostData concatenates the decoded post data entries of a request.
func PostData(req *network.Request) (string, error) {
	if req == nil || !req.HasPostData {
		return "", nil
	}
	var b strings.Builder
	for _, e := range req.PostDataEntries {
		if e == nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			return "", fmt.Errorf("invalid post data entry: %w", err)
		}
		b.Write(raw)
	}
	return b.String(), nil
}

// DecodeBody parses a JSON response body.
func DecodeBody(body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalRecord encodes rec as a single JSON line without the trailing newline.
func MarshalRecord(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

// LogPath is <dir>/network-activity.<unix seconds>.log.
func LogPath(dir string, t time.Time) string {
	return filepath.Join(dir, "network-activity."+strconv.FormatInt(t.Unix(), 10)+".log")
}

// Writer appends records to a log file, one JSON document per line.
type Writer struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	buf   *bufio.Writer
	count int
}

// NewWriter creates (or appends to) the log file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open network log: %w", err)
	}
	return &Writer{path: path, f: f, buf: bufio.NewWriter(f)}, nil
}

// Path is the file being written.
func (w *Writer) Path() string { return w.path }

// Write encodes rec as a single line and flushes it so followers see it at once.
func (w *Writer) Write(rec *Record) error {
	line, err := MarshalRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", rec.URL, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	w.count++
	return w.buf.Flush()
}

// Count is the number of records written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the file. Further writes fail with os.ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
