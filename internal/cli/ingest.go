package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManosCoffee/makerates/internal/app"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Append bronze JSONL snapshots to the snapshot store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFile == "" {
			return fmt.Errorf("--file must be provided")
		}
		return getApp().Ingest(cmd.Context(), app.IngestOptions{Path: ingestFile})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "Path to a newline-delimited JSON snapshot file")
}
