// Package cmd implements the labcap command line.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X labcap/cmd.Version=...".
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "labcap",
	Short: "labcap - packet capture sessions for emulated lab topologies",
	Long: `labcap starts, bounds and reports on packet captures attached to the links
and wireless nodes of an emulated network topology, and serves the decoded
packets over HTTP.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and LABCAP_* environment only when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(interfacesCmd)
}
