package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gardenhub",
		Short:         "Smart-garden hub",
		Long:          "Backend for MQTT garden controllers: telemetry ingest, commands, schedules and recommendations.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the hub service",
		RunE:  runServe,
	})
	root.AddCommand(newCompileCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gardenhub", version)
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
