package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"stethoscope/internal/capture"
	"stethoscope/internal/capture/live"
	"stethoscope/internal/service"
)

var (
	iface string
	bpf   string
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Dissect FTP sessions on a network interface",
	Long: `Capture from a network interface until interrupted.

The BPF filter may contain "{ports}", which expands to the configured
control ports. Without a filter only TCP traffic on those ports is captured.

Examples:
  ftpscope live --iface eth0
  ftpscope live --iface eth0 --bpf "host 10.0.0.2 and {ports}" --stream`,
	RunE: runLive,
}

func init() {
	liveCmd.Flags().StringVarP(&iface, "iface", "i", "", "interface to capture on (default: io.input.capture.iface)")
	liveCmd.Flags().StringVar(&bpf, "bpf", "", "BPF filter template (default: io.input.capture.bpf-filter)")
	addOutputFlags(liveCmd.Flags())
}

func runLive(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	capCfg := cfg.IO.Input.Capture
	if cmd.Flags().Changed("iface") {
		capCfg.Iface = iface
	}
	if cmd.Flags().Changed("bpf") {
		capCfg.BPFFilter = bpf
	}
	if capCfg.Iface == "" {
		return fmt.Errorf("no interface: set --iface or io.input.capture.iface")
	}
	cfg.IO.Input.Capture = capCfg

	src, h, err := live.Open(live.Config{
		Iface:       capCfg.Iface,
		BPF:         capture.FormatBPF(capCfg.BPFFilter, capCfg.Ports),
		SnapLen:     capCfg.SnapLen,
		Promisc:     capCfg.Promisc,
		BufferBytes: capCfg.BufferBytes,
	})
	if err != nil {
		return err
	}
	defer h.Close()
	return run(cfg, src, service.WithLive())
}
