package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var (
		runID  string
		events int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the run catalog",
		Long: `Runs lists the catalog's view of the cache: every run it has seen, with
entry counts and sizes. With --run it shows that run's entries, and
optionally its recent audit events.`,
		Example: `  # List all runs
  strata runs -w /data/strata

  # Show one run's entries and last 20 events
  strata runs -w /data/strata --run run_00123 --events 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Catalog.Enabled = true

			ctx := cmd.Context()
			catalog, err := openCatalog(ctx, cfg)
			if err != nil {
				return err
			}
			defer catalog.Close()

			if runID == "" {
				runs, err := catalog.ListRuns(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(runs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RUN\tENTRIES\tSIZE\tLAST ACTIVITY")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
						r.ID, r.EntryCount, humanize.Bytes(uint64(r.TotalBytes)),
						humanize.Time(r.LastActivityAt))
				}
				return w.Flush()
			}

			entries, err := catalog.ListEntries(ctx, runID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATA\tKEY\tVERSION\tRECORDS\tSIZE\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.DataName, e.Key, e.PluginVersion, e.RecordCount,
					humanize.Bytes(uint64(e.SizeBytes)), humanize.Time(e.UpdatedAt))
			}
			w.Flush()

			if events > 0 {
				evs, err := catalog.ListEvents(ctx, runID, events)
				if err != nil {
					return err
				}
				fmt.Println()
				ew := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(ew, "EVENT\tKEY\tDETAIL\tWHEN")
				for _, ev := range evs {
					fmt.Fprintf(ew, "%s\t%s\t%s\t%s\n",
						ev.Event, ev.Key, ev.Detail, humanize.Time(ev.CreatedAt))
				}
				ew.Flush()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show one run's entries")
	cmd.Flags().IntVar(&events, "events", 0, "with --run, show this many recent audit events")
	return cmd
}
