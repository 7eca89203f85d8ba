// Package credentials loads portal login credentials from the config
// directory, with optional local overrides and OS keyring passwords.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/go-ini/ini"
	"github.com/titanous/json5"
	"github.com/zalando/go-keyring"

	"github.com/xkilldash9x/portalctl/internal/config"
)

// ErrMissingField is returned when a required credential cannot be resolved.
var ErrMissingField = errors.New("credentials: missing required field")

// Credentials are the values needed to log into a portal.
type Credentials struct {
	Username string `json:"username" ini:"username"`
	Password string `json:"password" ini:"password"`
	URL      string `json:"url" ini:"url"`

	// PasswordSource records where Password came from: "file" or "keyring".
	PasswordSource string `json:"-" ini:"-"`
}

// Source describes where to read credentials for one site.
type Source struct {
	Path    string
	Site    string
	Keyring config.KeyringConfig
}

// Load reads <path> and its "<name>.local.<ext>" sibling, merging non-empty
// fields from the latter. An empty password is looked up in the keyring.
func Load(src Source) (*Credentials, error) {
	creds, err := readMerged(src.Path)
	if err != nil {
		return nil, err
	}
	if creds.Password != "" {
		creds.PasswordSource = "file"
	} else if src.Keyring.Enabled && creds.Username != "" {
		pw, err := keyring.Get(ServiceName(src.Keyring, src.Site), creds.Username)
		switch {
		case err == nil:
			creds.Password = pw
			creds.PasswordSource = "keyring"
		case errors.Is(err, keyring.ErrNotFound):
		default:
			return nil, fmt.Errorf("keyring lookup for %s failed: %w", src.Site, err)
		}
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", src.Path, err)
	}
	return creds, nil
}

// Validate reports the first missing field.
func (c *Credentials) Validate() error {
	switch {
	case strings.TrimSpace(c.Username) == "":
		return fmt.Errorf("%w: username", ErrMissingField)
	case strings.TrimSpace(c.URL) == "":
		return fmt.Errorf("%w: url", ErrMissingField)
	case c.Password == "":
		return fmt.Errorf("%w: password (not in file or keyring)", ErrMissingField)
	}
	return nil
}

// LocalPath returns the override path for a credentials file:
// "dir/avail.json" becomes "dir/avail.local.json".
func LocalPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// Read returns the merged file contents as written, without consulting the
// keyring or validating.
func Read(path string) (*Credentials, error) {
	return readMerged(path)
}

func readMerged(path string) (*Credentials, error) {
	base, found, err := readFile(path)
	if err != nil {
		return nil, err
	}
	local, localFound, err := readFile(LocalPath(path))
	if err != nil {
		return nil, err
	}
	if !found && !localFound {
		return nil, fmt.Errorf("credentials file %s: %w", path, os.ErrNotExist)
	}
	if localFound {
		if err := mergo.Merge(&base, local, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", LocalPath(path), err)
		}
	}
	return &base, nil
}

func readFile(path string) (Credentials, bool, error) {
	var out Credentials
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini":
		f, err := ini.Load(data)
		if err != nil {
			return out, false, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		sec := f.Section(ini.DefaultSection)
		if f.HasSection("credentials") {
			sec = f.Section("credentials")
		}
		out.Username = sec.Key("username").String()
		out.Password = sec.Key("password").String()
		out.URL = sec.Key("url").String()
	default:
		if err := json5.Unmarshal(data, &out); err != nil {
			return out, false, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return out, true, nil
}
