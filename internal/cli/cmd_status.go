package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status record summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			rec, err := svc.Store().Read()
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			fmt.Printf("Revision %d, updated %s\n", rec.Revision, rec.LastUpdated.Format("2006-01-02 15:04:05"))
			fmt.Printf("Items: %d total, %d completed, %d in progress, %d failed, %d blocked, %d not started\n\n",
				rec.Summary.Total, rec.Summary.Completed, rec.Summary.InProgress,
				rec.Summary.Failed, rec.Summary.Blocked, rec.Summary.NotStarted)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLAN\tPHASE\tSTATUS\tITEMS")
			for i := range rec.Plans {
				p := &rec.Plans[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.ID, p.Phase, p.Status(), len(p.Items))
			}
			return w.Flush()
		},
	}
}
