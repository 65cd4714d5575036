package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mailcrab",
	Short: "SMTP sink for development",
	Long: `MailCrab catches mail sent by applications under development: it accepts
anything over SMTP, keeps it in memory and shows it over an HTTP API and a
websocket live feed. Nothing is ever delivered.`,
	Run: nil,
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"print out more debug information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
