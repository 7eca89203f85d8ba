package credentials

import (
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/xkilldash9x/portalctl/internal/config"
)

// ServiceName is the keyring service under which a site's password is stored.
func ServiceName(cfg config.KeyringConfig, site string) string {
	return cfg.Service + ":" + site
}

// StorePassword saves a site password in the OS keyring.
func StorePassword(cfg config.KeyringConfig, site, username, password string) error {
	if password == "" {
		return errors.New("refusing to store an empty password")
	}
	return keyring.Set(ServiceName(cfg, site), username, password)
}

// DeletePassword removes a stored password. Deleting a missing entry is not an error.
func DeletePassword(cfg config.KeyringConfig, site, username string) error {
	err := keyring.Delete(ServiceName(cfg, site), username)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// HasStoredPassword reports whether the keyring holds a password for the user.
func HasStoredPassword(cfg config.KeyringConfig, site, username string) (bool, error) {
	_, err := keyring.Get(ServiceName(cfg, site), username)
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
