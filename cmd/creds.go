package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/config"
	"github.com/xkilldash9x/portalctl/internal/credentials"
	"github.com/xkilldash9x/portalctl/internal/observability"
	"github.com/xkilldash9x/portalctl/internal/workspace"
)

func newCredsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage site passwords kept in the OS keyring",
		Long: `A credentials file may leave "password" empty; the password is then read
from the OS keyring under the service "<keyring.service>:<site>" and the
file's username.`,
	}
	cmd.AddCommand(newCredsSetCmd(), newCredsDeleteCmd(), newCredsShowCmd())
	return cmd
}

// siteUser resolves the credentials file of site and the username in it.
func siteUser(cfg *config.Config, site, override string) (string, string, error) {
	profile, err := cfg.Site(site)
	if err != nil {
		return "", "", err
	}
	layout, err := workspace.NewLayout(cfg.Paths)
	if err != nil {
		return "", "", err
	}
	path := layout.CredentialsPath(profile.CredentialsFile)
	if override != "" {
		return path, override, nil
	}
	creds, err := credentials.Read(path)
	if err != nil {
		return path, "", err
	}
	if creds.Username == "" {
		return path, "", fmt.Errorf("%s has no username; pass --username", path)
	}
	return path, creds.Username, nil
}

func keyringEnabled(cfg *config.Config) error {
	if !cfg.Keyring.Enabled {
		return errors.New("the keyring is disabled (keyring.enabled: false)")
	}
	return nil
}

func newCredsSetCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "set <site>",
		Short: "Store a site password read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := keyringEnabled(cfg); err != nil {
				return err
			}
			site := args[0]
			_, user, err := siteUser(cfg, site, username)
			if err != nil {
				return err
			}

			cmd.PrintErrf("Password for %s on %s: ", user, site)
			password, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := credentials.StorePassword(cfg.Keyring, site, user, password); err != nil {
				return fmt.Errorf("failed to store password: %w", err)
			}
			observability.GetLogger().Debug("Stored password.", zap.String("service", credentials.ServiceName(cfg.Keyring, site)), zap.String("user", user))
			fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s on %s.\n", user, site)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username (default: from the credentials file)")
	return cmd
}

func newCredsDeleteCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "delete <site>",
		Short: "Remove a stored site password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := keyringEnabled(cfg); err != nil {
				return err
			}
			site := args[0]
			_, user, err := siteUser(cfg, site, username)
			if err != nil {
				return err
			}
			if err := credentials.DeletePassword(cfg.Keyring, site, user); err != nil {
				return fmt.Errorf("failed to delete password: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted password for %s on %s.\n", user, site)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username (default: from the credentials file)")
	return cmd
}

func newCredsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <site>",
		Short: "Show where a site's credentials come from, without the password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			site := args[0]
			path, user, err := siteUser(cfg, site, "")
			if err != nil {
				return err
			}
			creds, err := credentials.Read(path)
			if err != nil {
				return err
			}

			source := "missing"
			switch {
			case creds.Password != "":
				source = "file"
			case cfg.Keyring.Enabled:
				stored, err := credentials.HasStoredPassword(cfg.Keyring, site, user)
				if err != nil {
					return fmt.Errorf("keyring lookup failed: %w", err)
				}
				if stored {
					source = "keyring (" + credentials.ServiceName(cfg.Keyring, site) + ")"
				}
			}

			local := credentials.LocalPath(path)
			if !fileExists(local) {
				local += " (absent)"
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendRows([]table.Row{
				{"site", site},
				{"file", path},
				{"override", local},
				{"username", user},
				{"url", creds.URL},
				{"password", source},
			})
			t.Render()
			return nil
		},
	}
}

// readSecret reads one line from r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given on stdin")
	}
	return line, nil
}
