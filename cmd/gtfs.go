package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/config"
	"github.com/xkilldash9x/portalctl/internal/gtfs"
	"github.com/xkilldash9x/portalctl/internal/observability"
	"github.com/xkilldash9x/portalctl/internal/workspace"
)

func newGTFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gtfs",
		Short: "Download and index GTFS feeds from the 511 transit admin portal",
	}
	cmd.AddCommand(newGTFSScrapeCmd(), newGTFSListCmd())
	return cmd
}

func newGTFSScrapeCmd() *cobra.Command {
	var agencies []string

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Download the current feed of every matching agency",
		Long: `Logs into the transit admin portal, lists the agencies whose title matches
gtfs.agency_title_pattern and downloads each agency's feed into
<results>/<site>/downloads/<unix>/<agency>/. Every download is recorded in the
download index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if len(agencies) > 0 {
				cfg.GTFS.Agencies = agencies
			}
			logger := observability.GetLogger().With(zap.String("site", cfg.GTFS.Site))

			res, err := scrapeGTFS(ctx, logger, cfg)
			if res != nil {
				printScrapeSummary(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d of %d agency downloads failed", len(res.Failed), len(res.Agencies))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&agencies, "agency", nil, "only download these agencies (normalized names, repeatable)")
	return cmd
}

func scrapeGTFS(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*gtfs.Result, error) {
	run, err := newSiteRun(cfg, cfg.GTFS.Site)
	if err != nil {
		return nil, err
	}
	flow, err := run.flow(logger)
	if err != nil {
		return nil, err
	}
	idx, err := gtfs.OpenIndex(ctx, filepath.Join(run.siteDir, cfg.GTFS.IndexFile))
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	m, err := run.launch(ctx, logger)
	if err != nil {
		return nil, err
	}
	defer shutdown(logger, m, cfg.Browser)

	s, err := gtfs.NewScraper(logger, cfg.GTFS, m, flow, idx, run.siteDir)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx)
}

func printScrapeSummary(w io.Writer, res *gtfs.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("run " + res.RunID)
	t.AppendHeader(table.Row{"Agency", "Archive", "Size", "Valid", "Error"})
	for _, d := range res.Downloaded {
		t.AppendRow(table.Row{d.Agency, d.Archive, d.Size, d.Valid, ""})
	}
	failed := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		t.AppendRow(table.Row{name, "", "", false, res.Failed[name].Error()})
	}
	t.AppendFooter(table.Row{"", "", "", "", res.RunDir})
	t.Render()
}

func newGTFSListCmd() *cobra.Command {
	var (
		agency string
		runID  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show downloaded feeds from the download index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			path, err := indexPath(cfg)
			if err != nil {
				return err
			}
			if !fileExists(path) {
				return fmt.Errorf("no download index at %s; run \"gtfs scrape\" first", path)
			}

			idx, err := gtfs.OpenIndex(ctx, path)
			if err != nil {
				return err
			}
			defer idx.Close()

			downloads, err := idx.List(ctx, gtfs.Filter{Agency: agency, RunID: runID, Limit: limit})
			if err != nil {
				return err
			}
			renderDownloads(cmd.OutOrStdout(), downloads)
			return nil
		},
	}

	cmd.Flags().StringVar(&agency, "agency", "", "only show this agency")
	cmd.Flags().StringVar(&runID, "run", "", "only show this run")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows (0 for all)")
	return cmd
}

func indexPath(cfg *config.Config) (string, error) {
	profile, err := cfg.Site(cfg.GTFS.Site)
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
	return filepath.Join(dir, cfg.GTFS.IndexFile), nil
}

func renderDownloads(w io.Writer, downloads []gtfs.Download) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Downloaded", "Agency", "Archive", "Size", "SHA256", "Valid", "Missing"})
	for _, d := range downloads {
		sum := d.SHA256
		if len(sum) > 12 {
			sum = sum[:12]
		}
		t.AppendRow(table.Row{
			d.DownloadedAt.Format(time.RFC3339),
			d.Agency,
			d.Archive,
			d.Size,
			sum,
			d.Valid,
			strings.Join(d.Missing, ", "),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "total", len(downloads)})
	t.Render()
}
