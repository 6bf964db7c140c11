package main

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = newLogger()

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "perfstat",
	Short: "Per-test performance statistics for load test builds",
	Long: `Perfstat reconstructs per-test performance data of a build from its
aggregate load test log and reported failure reasons, and serves it over HTTP.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return setLogLevel(logLevel, "--log-level")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevelNames(), ", ")+")")
}
