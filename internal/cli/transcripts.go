package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/harun/fanout/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var pruneOlderThan time.Duration

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "Manage persisted session transcripts",
}

var transcriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted session transcripts",
	Args:  cobra.NoArgs,
	RunE:  runTranscriptsList,
}

var transcriptsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete transcripts that have not been written recently",
	Args:  cobra.NoArgs,
	RunE:  runTranscriptsPrune,
}

func init() {
	transcriptsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "delete transcripts last written before this age")
	transcriptsCmd.AddCommand(transcriptsListCmd)
	transcriptsCmd.AddCommand(transcriptsPruneCmd)
	rootCmd.AddCommand(transcriptsCmd)
}

func openTranscriptStore() (*session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.New(filepath.Join(cfg.DataDir, "transcripts"), zerolog.Nop())
}

func runTranscriptsList(cmd *cobra.Command, args []string) error {
	store, err := openTranscriptStore()
	if err != nil {
		return err
	}

	ids, err := store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No stored transcripts")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMODIFIED\tSIZE")
	for _, id := range ids {
		info, err := store.Stat(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", id, info.LastModified.Local().Format(time.DateTime), info.Size)
	}
	return w.Flush()
}

func runTranscriptsPrune(cmd *cobra.Command, args []string) error {
	if pruneOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	store, err := openTranscriptStore()
	if err != nil {
		return err
	}

	deleted, err := store.Prune(pruneOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d transcript(s)\n", deleted)
	return nil
}
