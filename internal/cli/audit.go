package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManosCoffee/makerates/internal/app"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Display flagged consensus keys with per-source deviations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Audit(cmd.Context(), app.AuditOptions{Limit: auditLimit})
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Number of flagged keys to display")
}
