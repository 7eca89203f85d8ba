// Package artifacts persists the browser state that keeps a portal login
// alive between runs: cookies, localStorage and sessionStorage.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/portalctl/internal/workspace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrCorrupt is returned by Load when an artifact file is not valid JSON.
var ErrCorrupt = errors.New("artifacts: corrupt artifact file")

const (
	CookiesFile        = "cookies.json"
	LocalStorageFile   = "localStorage.json"
	SessionStorageFile = "sessionStorage.json"
)

// Cookie is the persisted form of a browser cookie. The JSON shape follows
// the DevTools cookie object so files stay interchangeable with other tools.
type Cookie struct {
	Name         string  `json:"name"`
	Value        string  `json:"value"`
	Domain       string  `json:"domain"`
	Path         string  `json:"path"`
	Expires      float64 `json:"expires"`
	Size         int64   `json:"size,omitempty"`
	HTTPOnly     bool    `json:"httpOnly"`
	Secure       bool    `json:"secure"`
	Session      bool    `json:"session"`
	SameSite     string  `json:"sameSite,omitempty"`
	Priority     string  `json:"priority,omitempty"`
	SourceScheme string  `json:"sourceScheme,omitempty"`
	SourcePort   int64   `json:"sourcePort,omitempty"`
}

// Session is everything captured after a successful login.
type Session struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
}

// Empty returns a session with non-nil maps.
func Empty() *Session {
	return &Session{
		Cookies:        []Cookie{},
		LocalStorage:   map[string]string{},
		SessionStorage: map[string]string{},
	}
}

// IsEmpty reports whether there is nothing to restore.
func (s *Session) IsEmpty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.LocalStorage) == 0 && len(s.SessionStorage) == 0)
}

// Store reads and writes the three artifact files in one site directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory must exist.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir is the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

// Load reads the persisted session. Missing files yield empty values; a file
// that does not parse yields an error wrapping ErrCorrupt.
func (s *Store) Load() (*Session, error) {
	sess := Empty()
	if err := s.readJSON(CookiesFile, &sess.Cookies); err != nil {
		return Empty(), err
	}
	if err := s.readJSON(LocalStorageFile, &sess.LocalStorage); err != nil {
		return Empty(), err
	}
	if err := s.readJSON(SessionStorageFile, &sess.SessionStorage); err != nil {
		return Empty(), err
	}
	// A literal "null" in a file leaves a nil value behind.
	if sess.Cookies == nil {
		sess.Cookies = []Cookie{}
	}
	if sess.LocalStorage == nil {
		sess.LocalStorage = map[string]string{}
	}
	if sess.SessionStorage == nil {
		sess.SessionStorage = map[string]string{}
	}
	return sess, nil
}

// Save overwrites all three files. Each file is replaced atomically.
func (s *Store) Save(sess *Session) error {
	if sess == nil {
		sess = Empty()
	}
	cookies := sess.Cookies
	if cookies == nil {
		cookies = []Cookie{}
	}
	local, session := sess.LocalStorage, sess.SessionStorage
	if local == nil {
		local = map[string]string{}
	}
	if session == nil {
		session = map[string]string{}
	}

	for name, v := range map[string]any{
		CookiesFile:        cookies,
		LocalStorageFile:   local,
		SessionStorageFile: session,
	} {
		if err := workspace.WriteJSONAtomic(filepath.Join(s.dir, name), v); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) readJSON(name string, dst any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}
