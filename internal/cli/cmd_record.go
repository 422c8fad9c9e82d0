package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/rslattery/workgraph/internal/coordinate"
	"github.com/rslattery/workgraph/internal/work"
)

// newRecordCmd creates the record command.
func newRecordCmd() *cobra.Command {
	var detail string

	cmd := &cobra.Command{
		Use:   "record <plan/item> <success|failure|incomplete>",
		Short: "Record an externally executed outcome",
		Long: `Record the outcome of an item executed by external tooling. The optional
--detail flag carries the worker's JSON report; its "message" field is
stored with the outcome.

Example:
  workgraph record backend/migrate success
  workgraph record backend/migrate failure --detail '{"message":"tests failed"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := work.ParseRef(args[0], "")
			if ref.Plan == "" {
				return fmt.Errorf("item must be qualified as plan/item, got %q", args[0])
			}

			var result coordinate.Result
			switch args[1] {
			case "success":
				result = coordinate.ResultSuccess
			case "failure":
				result = coordinate.ResultFailure
			case "incomplete":
				result = coordinate.ResultIncomplete
			default:
				return fmt.Errorf("unknown outcome %q (want success, failure or incomplete)", args[1])
			}

			msg := ""
			if detail != "" {
				if !gjson.Valid(detail) {
					return fmt.Errorf("--detail is not valid JSON")
				}
				msg = gjson.Get(detail, "message").String()
			}

			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.RecordOutcome(cmd.Context(), ref, result, msg); err != nil {
				return err
			}
			fmt.Printf("Recorded %s for %s\n", result, ref)
			return nil
		},
	}

	cmd.Flags().StringVar(&detail, "detail", "", "worker report as JSON")
	return cmd
}
