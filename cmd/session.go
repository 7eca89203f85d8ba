package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/observability"
)

func newSessionCmd() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open a portal, reusing the saved session and logging in only when needed",
		Long: `Restores the saved cookies and web storage of a site, opens its portal URL
and signs in when the portal redirects to its login page. A fresh login is
saved for the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger().With(zap.String("site", site))

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			run, err := newSiteRun(cfg, site)
			if err != nil {
				return err
			}
			flow, err := run.flow(logger)
			if err != nil {
				return err
			}

			m, err := run.launch(ctx, logger)
			if err != nil {
				return err
			}
			defer shutdown(logger, m, cfg.Browser)

			page, err := m.NewPage(ctx)
			if err != nil {
				return err
			}
			defer page.Close()

			out, err := flow.EnsureSession(ctx, page)
			if err != nil {
				return err
			}
			logger.Info("Session ready.", zap.String("url", out.URL), zap.Bool("logged_in", out.LoggedIn))
			fmt.Fprintln(cmd.OutOrStdout(), out.URL)
			return nil
		},
	}

	cmd.Flags().StringVar(&site, "site", "avail", "site profile to open")
	return cmd
}
