package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/strata-daq/strata/pkg/cachetools"
)

func newScanCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Index the on-disk cache",
		Long: `Scan walks the work directory and indexes every cache entry it finds,
including entries that fail validation.`,
		Example: `  # Index the whole cache
  strata scan -w /data/strata

  # Index a single run
  strata scan -w /data/strata --run run_00123

  # Machine-readable output
  strata scan -w /data/strata --json`,
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

			scanner := cachetools.NewScanner(store, log)
			ctx := cmd.Context()

			ix := &cachetools.Index{}
			if runID != "" {
				entries, err := scanner.ScanRun(ctx, runID)
				if err != nil {
					return err
				}
				ix.Entries = entries
				for _, e := range entries {
					ix.TotalBytes += e.SizeBytes
				}
			} else {
				ix, err = scanner.Scan(ctx)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(ix)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tDATA\tKEY\tRECORDS\tSIZE\tSTATUS")
			for _, e := range ix.Entries {
				status := "ok"
				if !e.Valid() {
					status = string(e.Problem)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.RunID, e.DataName, e.Key, e.RecordCount,
					humanize.Bytes(uint64(e.SizeBytes)), status)
			}
			w.Flush()
			fmt.Printf("\n%d entries, %s total\n", len(ix.Entries), humanize.Bytes(uint64(ix.TotalBytes)))
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "limit the scan to one run")
	return cmd
}
