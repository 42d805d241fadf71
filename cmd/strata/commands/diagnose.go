package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-daq/strata/pkg/cachetools"
)

func newDiagnoseCommand() *cobra.Command {
	var autoFix bool

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check cache health",
		Long: `Diagnose reconciles the on-disk cache with itself and with the run
catalog: corrupt entries, orphaned data files, stale locks, catalog rows
whose files are gone, and valid entries the catalog missed.

With --fix, fixable findings are repaired in place.`,
		Example: `  # Report problems
  strata diagnose -w /data/strata

  # Repair them
  strata diagnose -w /data/strata --fix`,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			diagnoser := cachetools.NewDiagnoser(store, catalog,
				time.Duration(cfg.Storage.StaleLockAge), log)
			report, err := diagnoser.Run(ctx, autoFix)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(report)
			}

			if report.Healthy() {
				fmt.Printf("cache healthy: %d entries checked\n", report.Entries)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tRUN\tKEY\tDETAIL")
			for _, f := range report.Findings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Kind, f.RunID, f.Key, f.Detail)
			}
			w.Flush()

			fmt.Printf("\n%d findings in %d entries", len(report.Findings), report.Entries)
			if autoFix {
				fmt.Printf(", %d fixed", report.Fixed)
			}
			fmt.Println()
			if !autoFix {
				fmt.Println("run again with --fix to repair")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoFix, "fix", false, "repair fixable findings")
	return cmd
}
