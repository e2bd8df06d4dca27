package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the generated engine config",
	Long:  `Regenerates the candidate config and runs the engine binary in check-only mode against it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodPost, GetDaemonURL()+"/configs/check", nil)
		if err != nil {
			return err
		}
		return doDaemon(req)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
