// Package commands implements the ftpscope CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"stethoscope/internal/config"
	"stethoscope/internal/logging"
	"stethoscope/internal/service"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
)

// Output flags shared by read and live.
var (
	outFormat string
	outPath   string
	dumpPath  string
	ports     []int
	stream    bool
)

var rootCmd = &cobra.Command{
	Use:   "ftpscope",
	Short: "ftpscope - FTP control channel dissector",
	Long: `ftpscope reassembles FTP control connections from capture files or
live interfaces and narrates every command and reply.

Use "ftpscope [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (json with comments, unquoted keys and trailing commas allowed)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "console log level override: DEBUG/INFO/WARNING/ERROR")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(liveCmd)
}

func addOutputFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&outFormat, "format", "f", "", "report format: text, json or yaml")
	fs.StringVarP(&outPath, "output", "o", "", `report destination ("-" for stdout)`)
	fs.IntSliceVarP(&ports, "port", "p", nil, "FTP control port (repeatable)")
	fs.BoolVar(&stream, "stream", false, "dissect segments as they arrive instead of at connection close")
	fs.StringVar(&dumpPath, "dump", "", "copy packets on the control ports to this pcapng file")
}

// loadConfig reads --config (or defaults) and applies command line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadConfig(cfgFile)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return cfg, err
	}

	fs := cmd.Flags()
	if fs.Changed("format") {
		cfg.IO.Output.Format = outFormat
	}
	if fs.Changed("output") {
		cfg.IO.Output.Path = outPath
	}
	if fs.Changed("port") {
		cfg.IO.Input.Capture.Ports = ports
	}
	if fs.Changed("dump") {
		cfg.IO.Output.Pcap.Path = dumpPath
	}
	if fs.Changed("stream") {
		cfg.Tracker.Stream = stream
	}
	return cfg, cfg.Validate()
}

// run builds the logger and service and drains src until it ends or the
// process is interrupted.
func run(cfg config.Config, src *gopacket.PacketSource, opts ...service.Option) error {
	log, err := logging.Setup(cfg.Logging, logLevel, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Close()

	svc, err := service.New(cfg, log, prometheus.NewRegistry(), opts...)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx, src)
}
