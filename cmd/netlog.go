package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/config"
	"github.com/xkilldash9x/portalctl/internal/netlog"
	"github.com/xkilldash9x/portalctl/internal/observability"
	"github.com/xkilldash9x/portalctl/internal/workspace"
)

func newNetlogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "netlog",
		Short: "Record and inspect portal network activity",
	}
	cmd.AddCommand(newNetlogRecordCmd(), newNetlogTailCmd())
	return cmd
}

func newNetlogRecordCmd() *cobra.Command {
	var (
		site   string
		linger time.Duration
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Open a portal with one request in flight at a time and log every exchange",
		Long: `Opens the site's portal like "session" does while intercepting every
request. Requests are let through one at a time so the log order matches the
order the page issued them. Each completed request becomes one JSON line in
<results>/<site>/network-activity.<unix>.log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if site == "" {
				site = cfg.Netlog.Site
			}
			logger := observability.GetLogger().With(zap.String("site", site), zap.String("session_id", uuid.NewString()))

			path, err := recordNetwork(ctx, logger, cfg, site, linger)
			if path != "" {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "site profile to record (default netlog.site)")
	cmd.Flags().DurationVar(&linger, "linger", 0, "keep recording this long after the portal is ready")
	return cmd
}

func recordNetwork(ctx context.Context, logger *zap.Logger, cfg *config.Config, site string, linger time.Duration) (string, error) {
	run, err := newSiteRun(cfg, site)
	if err != nil {
		return "", err
	}
	flow, err := run.flow(logger)
	if err != nil {
		return "", err
	}

	m, err := run.launch(ctx, logger)
	if err != nil {
		return "", err
	}
	defer shutdown(logger, m, cfg.Browser)

	page, err := m.NewPage(ctx)
	if err != nil {
		return "", err
	}
	defer page.Close()

	w, err := netlog.NewWriter(netlog.LogPath(run.siteDir, time.Now()))
	if err != nil {
		return "", err
	}
	rec := netlog.NewRecorder(logger, netlog.PageTarget{Page: page}, w, netlog.Options{
		StallTimeout:      cfg.Netlog.StallTimeout,
		CaptureJSONBodies: cfg.Netlog.CaptureJSONBodies,
	})
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Warn("Failed to close network log.", zap.Error(err))
		}
	}()
	if err := rec.Start(ctx); err != nil {
		return w.Path(), fmt.Errorf("failed to start recording: %w", err)
	}

	out, err := flow.EnsureSession(ctx, page)
	if err != nil {
		return w.Path(), err
	}
	logger.Info("Portal ready.", zap.String("url", out.URL), zap.Bool("logged_in", out.LoggedIn))

	if linger > 0 {
		logger.Info("Recording until the linger period ends; interrupt to stop early.", zap.Duration("linger", linger))
		if err := page.Pause(ctx, linger); err != nil && ctx.Err() == nil {
			return w.Path(), err
		}
	}
	return w.Path(), nil
}

func newNetlogTailCmd() *cobra.Command {
	var (
		site      string
		fromStart bool
		poll      bool
		raw       bool
	)

	cmd := &cobra.Command{
		Use:   "tail [file]",
		Short: "Follow a network activity log",
		Long: `Prints each record of a network activity log as it is written. Without a
file argument the newest log of the site is followed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				if site == "" {
					site = cfg.Netlog.Site
				}
				if path, err = latestNetlog(cfg, site); err != nil {
					return err
				}
			}
			logger.Info("Following network log.", zap.String("file", path))

			out := cmd.OutOrStdout()
			return netlog.Follow(ctx, logger, path, netlog.FollowOptions{FromStart: fromStart, Poll: poll}, func(r *netlog.Record) error {
				if raw {
					line, err := netlog.MarshalRecord(r)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(line))
					return err
				}
				_, err := fmt.Fprintln(out, formatRecord(r))
				return err
			})
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "site whose newest log to follow (default netlog.site)")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "print existing records before following")
	cmd.Flags().BoolVar(&poll, "poll", false, "poll the file instead of using inotify")
	cmd.Flags().BoolVar(&raw, "json", false, "print records as JSON lines")
	return cmd
}

func formatRecord(r *netlog.Record) string {
	body := ""
	if r.ResponseBody != nil {
		body = " [json]"
	}
	method := r.Method
	if method == "" {
		method = "-"
	}
	return fmt.Sprintf("%3d %-6s %s%s", r.Status, method, r.URL, body)
}

// latestNetlog returns the newest network activity log of site.
func latestNetlog(cfg *config.Config, site string) (string, error) {
	profile, err := cfg.Site(site)
	if err != nil {
		return "", err
	}
	layout, err := workspace.NewLayout(cfg.Paths)
	if err != nil {
		return "", err
	}
	dir, err := layout.SiteDir(profile.ResultsSubdir)
	if err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(dir, "network-activity.*.log"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no network activity logs in %s", dir)
	}
	sort.Slice(matches, func(i, j int) bool { return logStamp(matches[i]) < logStamp(matches[j]) })
	return matches[len(matches)-1], nil
}

func logStamp(path string) int64 {
	var ts int64
	_, _ = fmt.Sscanf(filepath.Base(path), "network-activity.%d.log", &ts)
	return ts
}
