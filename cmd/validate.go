package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"labcap/internal/capture"
	"labcap/internal/config"
)

var (
	dumpConfig  bool
	captureFile string
	wirelessKey string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the service configuration and optionally a capture request",
	Long: `Validate the service configuration file, and optionally a capture start
payload (JSON). The payload's packet filter is compiled for its
encapsulation, as the engine would at start time.

Examples:
  labcap validate -c config.yaml
  labcap validate -c config.yaml --dump
  labcap validate --capture start.json
  labcap validate --capture wireless.json --node 9b2d1c7e-0d4f-4a5e-8f3b-6c1a2e3d4f50`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	validateCmd.Flags().BoolVar(&dumpConfig, "dump", false, "print the effective configuration")
	validateCmd.Flags().StringVar(&captureFile, "capture", "", "capture start payload to validate")
	validateCmd.Flags().StringVar(&wirelessKey, "node", "", "validate the payload as a wireless start on this node")
}

func runValidate(out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if dumpConfig {
		data, err := cfg.Dump()
		if err != nil {
			return err
		}
		out.Write(data)
	}
	fmt.Fprintln(out, "VALID: configuration")

	if captureFile == "" {
		return nil
	}
	data, err := os.ReadFile(captureFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", captureFile, err)
	}
	req, err := parseCaptureRequest(data, wirelessKey)
	if err != nil {
		return err
	}
	if req.Config.BPFFilter != "" {
		prog, err := capture.CompileFilter(req.Config.Encapsulation.LinkType(), cfg.Capture.SnapLen, req.Config.BPFFilter)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "filter %q compiles to %d instructions\n", req.Config.BPFFilter, len(prog))
	}
	fmt.Fprintf(out, "VALID: capture maxpackets=%d maxtime=%d encap=%s\n",
		req.Config.MaxPackets, req.Config.MaxTime, req.Config.Encapsulation)
	return nil
}

func parseCaptureRequest(data []byte, node string) (capture.Request, error) {
	if node == "" {
		cfg, err := capture.ParseConfig(data)
		if err != nil {
			return capture.Request{}, err
		}
		return capture.Request{Config: cfg}, nil
	}
	wc, err := capture.ParseWirelessConfig(data)
	if err != nil {
		return capture.Request{}, err
	}
	return wc.Bind(node)
}
