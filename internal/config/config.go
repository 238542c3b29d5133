package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config models the user-provided configuration file.
type Config struct {
	IO      IOConfig      `mapstructure:"io"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Control ControlConfig `mapstructure:"control"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// IOConfig holds input/output configuration.
type IOConfig struct {
	Input  InputConfig  `mapstructure:"input"`
	Output OutputConfig `mapstructure:"output"`
}

// InputConfig wraps capture parameters.
type InputConfig struct {
	Capture CaptureConfig `mapstructure:"capture"`
}

// CaptureConfig describes the sniffing interface and filters.
type CaptureConfig struct {
	Iface          string  `mapstructure:"iface"`
	BPFFilter      string  `mapstructure:"bpf-filter"`
	Ports          []int   `mapstructure:"ports"`
	SnapLen        int     `mapstructure:"snaplen"`
	Promisc        bool    `mapstructure:"promisc"`
	BufferBytes    int     `mapstructure:"buffer_bytes"`
	SessionIdleSec float64 `mapstructure:"session_idle_sec"`
}

// SessionIdle converts SessionIdleSec to a duration.
func (c CaptureConfig) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleSec * float64(time.Second))
}

// OutputConfig selects the report format and destination.
type OutputConfig struct {
	Format string `mapstructure:"format"`
	// Path is a file to write to; "-" or empty means stdout.
	Path string `mapstructure:"path"`
	// Pcap copies the analysed control-channel packets to a capture file.
	Pcap PcapDumpConfig `mapstructure:"pcap"`
}

// PcapDumpConfig enables the packet dump when Path is set.
type PcapDumpConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// TrackerConfig bounds connection tracking.
type TrackerConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
	// Stream dissects segments as they arrive instead of at connection close.
	Stream bool `mapstructure:"stream"`
}

// ControlConfig configures the JSON-lines control plane.
type ControlConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	BindIP      string   `mapstructure:"bind_ip"`
	ListenPort  int      `mapstructure:"listen_port"`
	DefaultCats []string `mapstructure:"default_cats"`
}

// MetricsConfig configures the HTTP metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig captures console and file logging.
type LoggingConfig struct {
	Console ConsoleLogConfig `mapstructure:"console"`
	File    FileLogConfig    `mapstructure:"file"`
}

type ConsoleLogConfig struct {
	Verbosity string `mapstructure:"verbosity"`
}

type FileLogConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Verbosity string `mapstructure:"verbosity"`
}

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// EnvPrefix prefixes environment overrides, e.g. FTPSCOPE_IO_OUTPUT_FORMAT.
const EnvPrefix = "FTPSCOPE"

var ErrInvalidConfig = errors.New("invalid config")

var (
	keyRe          = regexp.MustCompile(`(?m)(^|\s|[{,])([A-Za-z_][A-Za-z0-9_-]*)(\s*):`)
	trailingComma  = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRe  = regexp.MustCompile(`(?m)^\s*(//|#).*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("io.input.capture.iface", "")
	v.SetDefault("io.input.capture.bpf-filter", "")
	v.SetDefault("io.input.capture.ports", []int{21})
	v.SetDefault("io.input.capture.snaplen", 65535)
	v.SetDefault("io.input.capture.promisc", true)
	v.SetDefault("io.input.capture.buffer_bytes", 0)
	v.SetDefault("io.input.capture.session_idle_sec", 120.0)
	v.SetDefault("io.output.format", FormatText)
	v.SetDefault("io.output.path", "-")
	v.SetDefault("io.output.pcap.path", "")
	v.SetDefault("io.output.pcap.format", "pcapng")
	v.SetDefault("tracker.max_connections", 4096)
	v.SetDefault("tracker.stream", false)
	v.SetDefault("control.enabled", false)
	v.SetDefault("control.bind_ip", "127.0.0.1")
	v.SetDefault("control.listen_port", 50005)
	v.SetDefault("control.default_cats", []string{"ftp", "control"})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9108")
	v.SetDefault("logging.console.verbosity", "INFO")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "ftpscope.log")
	v.SetDefault("logging.file.verbosity", "INFO")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given.
func Default() (Config, error) {
	return decode(newViper())
}

// LoadConfig parses json-ish configuration files by first normalizing into
// strict JSON.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(string(raw))
}

// Parse loads configuration text in json-ish syntax.
func Parse(text string) (Config, error) {
	v := newViper()
	v.SetConfigType("json")
	if err := v.ReadConfig(strings.NewReader(normalizeJSONish(text))); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.IO.Output.Format = strings.ToLower(strings.TrimSpace(cfg.IO.Output.Format))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings no component can work with.
func (c Config) Validate() error {
	switch c.IO.Output.Format {
	case FormatText, FormatJSON, FormatYAML:
	default:
		return fmt.Errorf("%w: io.output.format %q (want text, json or yaml)", ErrInvalidConfig, c.IO.Output.Format)
	}
	switch strings.ToLower(c.IO.Output.Pcap.Format) {
	case "", "pcap", "pcapng":
	default:
		return fmt.Errorf("%w: io.output.pcap.format %q (want pcap or pcapng)", ErrInvalidConfig, c.IO.Output.Pcap.Format)
	}
	for _, p := range c.IO.Input.Capture.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: io.input.capture.ports: %d out of range", ErrInvalidConfig, p)
		}
	}
	if c.Tracker.MaxConnections <= 0 {
		return fmt.Errorf("%w: tracker.max_connections must be positive", ErrInvalidConfig)
	}
	if c.Control.Enabled && (c.Control.ListenPort <= 0 || c.Control.ListenPort > 65535) {
		return fmt.Errorf("%w: control.listen_port: %d out of range", ErrInvalidConfig, c.Control.ListenPort)
	}
	return nil
}

// normalizeJSONish strips comments, quotes bare keys and removes trailing commas.
func normalizeJSONish(text string) string {
	text = blockCommentRe.ReplaceAllString(text, "")
	text = lineCommentRe.ReplaceAllString(text, "")
	text = keyRe.ReplaceAllString(text, `${1}"${2}"${3}:`)
	text = trailingComma.ReplaceAllString(text, `$1`)
	return strings.TrimSpace(text)
}
