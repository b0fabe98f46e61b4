package main

import (
	"os"

	"github.com/spf13/cobra"

	"dmarcwatch/logging"
)

func main() {
	logger := logging.NewLoggerWithService("dmarcwatch")
	if err := newRootCmd(logger).Execute(); err != nil {
		logger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func newRootCmd(logger logging.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "dmarcwatch",
		Short:         "DMARC alerting and scheduled reporting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(logger))
	root.AddCommand(newCheckAlertsCmd(logger))
	root.AddCommand(newRunSchedulesCmd(logger))
	root.AddCommand(newMigrateCmd(logger))
	return root
}
