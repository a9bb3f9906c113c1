package cli

import (
	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Display API quota cycle status for each source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Quota(cmd.Context())
	},
}
