package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rslattery/workgraph/internal/coordinate"
)

// newDispatchCmd creates the dispatch command.
func newDispatchCmd() *cobra.Command {
	var (
		limit  int
		worker []string
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run executable items through the worker command",
		Long: `Run one scheduling cycle: compute the executable set and submit items to
the configured worker command, up to the concurrency limit. Each worker
receives the plan ID, item ID and deliverable as arguments. Exit 0 means
success, exit 75 means incomplete, anything else means failure.

Retry is never automatic; re-run dispatch after fixing a failure.

Example:
  workgraph dispatch
  workgraph dispatch --limit 2 --worker ./run-item.sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			// Stream lifecycle events while workers run.
			ch := svc.Events().Subscribe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range ch {
					if ev.Plan == "" {
						continue
					}
					fmt.Fprintf(os.Stderr, "%s %s/%s\n", ev.Type, ev.Plan, ev.Item)
				}
			}()

			var w coordinate.Worker
			if len(worker) > 0 {
				w = &coordinate.CommandWorker{Command: worker, Dir: rootDir}
			}
			outcomes, err := svc.Dispatch(cmd.Context(), w, limit)
			// Unsubscribe closes the channel and stops the streamer.
			svc.Events().Unsubscribe(ch)
			<-done
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(outcomes)
			}
			if len(outcomes) == 0 {
				fmt.Println("Nothing dispatched.")
				return nil
			}
			failed := 0
			for _, o := range outcomes {
				fmt.Printf("%s: %s\n", o.Ref, o.Result)
				if o.Result == coordinate.ResultFailure {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d items failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "max concurrent workers (default from config)")
	cmd.Flags().StringSliceVar(&worker, "worker", nil, "worker command overriding config")
	return cmd
}
