package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <batch.json>",
	Short: "Validate a batch file without running it",
	Long: `Validate a batch file against the batch schema and check that agent IDs
are unique, priorities are known and queued commands target declared agents.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	batch, err := LoadBatch(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Batch is valid: %d agent(s), %d queued command(s)\n", len(batch.Agents), len(batch.Commands))
	for _, cfg := range batch.AgentConfigs() {
		fmt.Fprintf(out, "  %-20s priority=%s\n", cfg.ID, cfg.Priority)
	}
	return nil
}
