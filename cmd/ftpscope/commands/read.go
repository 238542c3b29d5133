package commands

import (
	"github.com/spf13/cobra"

	"stethoscope/internal/capture"
)

var readCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Dissect FTP sessions in a pcap or pcapng file",
	Long: `Read a capture file and report every FTP control connection in it.

By default each connection is dissected once it closes, with its segments
ordered by capture time. Use --stream to report layers as they are
reassembled.

Examples:
  # Text report to stdout
  ftpscope read session.pcap

  # JSON lines, FTP on a non-standard port
  ftpscope read session.pcapng --format json --port 2121`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	addOutputFlags(readCmd.Flags())
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, closer, err := capture.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer closer.Close()
	return run(cfg, src)
}
