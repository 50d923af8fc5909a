package cmd

import (
	"fmt"

	"github.com/braaaiiinnns/Discord-AI-Bot/aibot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			aibot.Version,
			aibot.CommitSHA,
			aibot.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
