package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"labcap/internal/capture"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ifaces, err := capture.ListInterfaces()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ifc := range ifaces {
			fmt.Fprintf(out, "%-16s %-40s %s\n", ifc.Name, ifc.Description, strings.Join(ifc.Addresses, ","))
		}
		return nil
	},
}
