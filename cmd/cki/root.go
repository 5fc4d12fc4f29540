// cmd/cki/root.go
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logger  = logrus.New()
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "cki",
		Short: "Serverless two-player deduction card game",
		Long: `cki runs a turn-based deduction game directly between two peers.
One player hosts and is the source of truth; the other joins with an invite
token. No server authority exists during play.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(hostCmd, joinCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
