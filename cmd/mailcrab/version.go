package main

import (
	"github.com/spf13/cobra"

	"github.com/mailcrab/mailcrab"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version info",
	Run: func(cmd *cobra.Command, args []string) {
		logVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func logVersion() {
	mainlog.WithField("version", mailcrab.Version).
		WithField("buildTime", mailcrab.BuildTime).
		Info("mailcrab")
}
