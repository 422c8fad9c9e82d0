package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rslattery/workgraph/internal/reconcile"
)

// newReconcileCmd creates the reconcile command.
func newReconcileCmd() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare recorded status against deliverable evidence",
		Long: `Reconcile the status record against externally observable evidence. By
default discrepancies are only reported; --apply writes all corrections in
one atomic update. Ambiguous evidence is reported and never guessed at.

Example:
  workgraph reconcile
  workgraph reconcile --apply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			mode := reconcile.ModeReport
			if apply {
				mode = reconcile.ModeApply
			}
			ds, err := svc.ApplyReconciliation(cmd.Context(), mode)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(ds)
			}

			if len(ds) == 0 {
				fmt.Println("Record matches observed evidence.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ITEM\tKIND\tRECORDED\tOBSERVED\tDETAIL")
			for _, d := range ds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Ref, d.Kind, d.Recorded, d.Observed, d.Detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if apply {
				fmt.Printf("Applied %d corrections.\n", countDrift(ds))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "apply corrections to the record")
	return cmd
}

func countDrift(ds []reconcile.Discrepancy) int {
	n := 0
	for _, d := range ds {
		if d.Kind == reconcile.KindDrift {
			n++
		}
	}
	return n
}
