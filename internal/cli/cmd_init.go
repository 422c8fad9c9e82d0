package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rslattery/workgraph/internal/config"
	"github.com/rslattery/workgraph/internal/work"
)

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	var defFile string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed the status record from a work definition",
		Long: `Initialize workgraph with a fully formed work definition: phases, plans
and items with their dependencies. The definition is validated (unknown
references and dependency cycles are construction errors) before anything
is persisted.

Example:
  workgraph init -f plan.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(defFile)
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}
			var rec work.Record
			if err := yaml.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("parse definition: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Save(filepath.Join(rootDir, config.Dir)); err != nil {
				return err
			}

			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Init(cmd.Context(), &rec); err != nil {
				return err
			}
			fmt.Printf("Initialized status record: %d phases, %d plans\n", len(rec.Phases), len(rec.Plans))
			return nil
		},
	}

	cmd.Flags().StringVarP(&defFile, "file", "f", "plan.yaml", "work definition file")
	return cmd
}
