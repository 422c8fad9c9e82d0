package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/rslattery/workgraph/internal/work"
)

// newListCmd creates the list command.
func newListCmd() *cobra.Command {
	var (
		planFilter  string
		minPriority string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List executable work items",
		Long: `List the work items currently eligible for execution, grouped by plan and
ordered by priority. Items held back are shown with the blocking reason.

Example:
  workgraph list
  workgraph list --plan backend --priority high
  workgraph list --dry-run --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			set, rec, err := svc.ListExecutable(planFilter, work.Priority(minPriority), dryRun)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(set)
			}

			if len(set.Groups) == 0 {
				fmt.Printf("Nothing to schedule (record revision %d).\n", rec.Revision)
				return nil
			}

			plain := !isatty.IsTerminal(os.Stdout.Fd())
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ITEM\tPRIORITY\tSTATE\tREASON")
			if !plain {
				fmt.Fprintln(w, "────\t────────\t─────\t──────")
			}
			for _, g := range set.Groups {
				for _, d := range g.Runnable {
					fmt.Fprintf(w, "%s\t%s\t%s\t\n", d.Ref, priorityLabel(d.Priority), d.State)
				}
				for _, d := range g.Held {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Ref, priorityLabel(d.Priority), d.State, d.Reason)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&planFilter, "plan", "", "restrict to a single plan")
	cmd.Flags().StringVar(&minPriority, "priority", "", "minimum priority (critical, high, medium, low)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute without side effects")
	return cmd
}

func priorityLabel(p work.Priority) string {
	if p == "" {
		return string(work.PriorityLow)
	}
	return string(p)
}
