package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/strata-daq/strata/pkg/cachetools"
)

func newCleanCommand() *cobra.Command {
	var (
		runID      string
		dataName   string
		olderThan  time.Duration
		stale      bool
		corrupt    bool
		freeBytes  string
		oldestOpt  bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete cache entries",
		Long: `Clean builds a deletion plan from the given selectors and executes it.
Selectors union: an entry matching any selector is deleted. With no
selector the command refuses to run.

Cache keys embed the lineage hash, so entries from superseded lineages
are never addressed again; --stale-lineages reclaims them.`,
		Example: `  # Preview deleting everything from one run
  strata clean -w /data/strata --run run_00123 --dry-run

  # Drop superseded lineages and corrupt entries
  strata clean -w /data/strata --stale-lineages --corrupt

  # Free 50 GB, oldest entries first
  strata clean -w /data/strata --free 50GB --oldest

  # Delete one data product across all runs
  strata clean -w /data/strata --data peak_features`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var selectors []cachetools.Selector
			var reasons []string

			if runID != "" {
				selectors = append(selectors, cachetools.SelectByRun(runID))
				reasons = append(reasons, "run="+runID)
			}
			if dataName != "" {
				selectors = append(selectors, cachetools.SelectByDataName(dataName))
				reasons = append(reasons, "data="+dataName)
			}
			if olderThan > 0 {
				selectors = append(selectors, cachetools.SelectOlderThan(time.Now().Add(-olderThan)))
				reasons = append(reasons, fmt.Sprintf("older_than=%s", olderThan))
			}
			if stale {
				selectors = append(selectors, cachetools.SelectStaleLineages())
				reasons = append(reasons, "stale_lineages")
			}
			if corrupt {
				selectors = append(selectors, cachetools.SelectCorrupt())
				reasons = append(reasons, "corrupt")
			}
			if freeBytes != "" {
				n, err := humanize.ParseBytes(freeBytes)
				if err != nil {
					return fmt.Errorf("invalid --free value: %w", err)
				}
				if oldestOpt {
					selectors = append(selectors, cachetools.SelectOldestUntil(int64(n)))
				} else {
					selectors = append(selectors, cachetools.SelectLargestUntil(int64(n)))
				}
				reasons = append(reasons, "free="+freeBytes)
			}
			if len(selectors) == 0 {
				return fmt.Errorf("no selector given; refusing to delete the whole cache implicitly")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			catalog, err := openCatalog(ctx, cfg)
			if err != nil {
				return err
			}
			if catalog != nil {
				defer catalog.Close()
			}

			ix, err := cachetools.NewScanner(store, log).Scan(ctx)
			if err != nil {
				return err
			}

			cleaner := cachetools.NewCleaner(store, catalog, log)
			plan := cleaner.Plan(ix, strings.Join(reasons, ","), selectors...)
			if len(plan.Victims) == 0 {
				fmt.Println("nothing to delete")
				return nil
			}

			fmt.Println(plan.Summary())
			report := cleaner.Execute(ctx, plan, dryRun)

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(report)
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Printf("%s %d entries, %s reclaimed", verb, report.Deleted,
				humanize.Bytes(uint64(report.BytesReclaimed)))
			if report.Failed > 0 {
				fmt.Printf(", %d failed", report.Failed)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "delete all entries of this run")
	cmd.Flags().StringVar(&dataName, "data", "", "delete all entries of this data product")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete entries older than this duration")
	cmd.Flags().BoolVar(&stale, "stale-lineages", false, "delete superseded lineage entries")
	cmd.Flags().BoolVar(&corrupt, "corrupt", false, "delete entries that fail validation")
	cmd.Flags().StringVar(&freeBytes, "free", "", "delete until this many bytes are reclaimable (e.g. 50GB)")
	cmd.Flags().BoolVar(&oldestOpt, "oldest", false, "with --free, prefer oldest entries over largest")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report what would be deleted without deleting")

	return cmd
}
