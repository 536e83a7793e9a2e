package params

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ruteri/control-server/common"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
)

var (
	// ErrUsage is returned when the arguments asked for help instead of a run.
	ErrUsage = errors.New("usage requested")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// ServerConfig is the validated configuration of one control server process.
// It is never mutated after Parse returns.
type ServerConfig struct {
	BindIPv4 bool
	AddrIPv4 string
	BindIPv6 bool
	AddrIPv6 string
	Port     uint16

	// PrintUsage is set when the invocation only asked for help.
	PrintUsage bool

	GracePeriod    time.Duration
	EventQueueSize int
	Backlog        int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	EnableDrain    bool

	MetricsAddr string
	EnablePprof bool

	LogJSON    bool
	LogDebug   bool
	LogUID     bool
	LogService string

	released atomic.Bool
}

// Option customizes the command line application used by Parse.
type Option func(app *cli.App)

// WithOutput sets where help and usage errors are written.
func WithOutput(w io.Writer) Option {
	return func(app *cli.App) {
		app.Writer = w
		app.ErrWriter = w
	}
}

// Parse builds a ServerConfig from process arguments. args[0] is the program
// name, as in os.Args.
func Parse(args []string, opts ...Option) (*ServerConfig, error) {
	var cfg *ServerConfig

	app := &cli.App{
		Name:            "controlserver",
		Usage:           "Serve the management control plane",
		Version:         common.Version,
		Flags:           append(append([]cli.Flag{}, ListenerFlags...), CommonFlags...),
		HideHelpCommand: true,
		Writer:          os.Stdout,
		ErrWriter:       os.Stderr,
		OnUsageError: func(cCtx *cli.Context, err error, isSubcommand bool) error {
			return err
		},
		Action: func(cCtx *cli.Context) error {
			if cCtx.NArg() > 0 {
				return fmt.Errorf("unexpected arguments: %s", strings.Join(cCtx.Args().Slice(), " "))
			}
			port := cCtx.Uint(PortFlag.Name)
			if port == 0 || port > 65535 {
				return fmt.Errorf("port %d out of range", port)
			}

			cfg = &ServerConfig{
				BindIPv4:       cCtx.Bool(BindIPv4Flag.Name),
				AddrIPv4:       cCtx.String(AddrIPv4Flag.Name),
				BindIPv6:       cCtx.Bool(BindIPv6Flag.Name),
				AddrIPv6:       cCtx.String(AddrIPv6Flag.Name),
				Port:           uint16(port),
				GracePeriod:    cCtx.Duration(GracePeriodFlag.Name),
				EventQueueSize: cCtx.Int(EventQueueSizeFlag.Name),
				Backlog:        DefaultBacklog,
				ReadTimeout:    cCtx.Duration(ReadTimeoutFlag.Name),
				WriteTimeout:   cCtx.Duration(WriteTimeoutFlag.Name),
				EnableDrain:    cCtx.Bool(DrainFlag.Name),
				MetricsAddr:    cCtx.String(MetricsAddrFlag.Name),
				EnablePprof:    cCtx.Bool(PprofFlag.Name),
				LogJSON:        cCtx.Bool(LogJsonFlag.Name),
				LogDebug:       cCtx.Bool(LogDebugFlag.Name),
				LogUID:         cCtx.Bool(LogUidFlag.Name),
				LogService:     cCtx.String(LogServiceFlag.Name),
			}
			return cfg.Validate()
		},
	}
	for _, opt := range opts {
		opt(app)
	}

	if err := app.Run(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// urfave/cli answers -h and --version itself without calling Action.
	if cfg == nil {
		return &ServerConfig{PrintUsage: true}, ErrUsage
	}
	return cfg, nil
}

// Validate checks the fields consumers rely on. Disabled families are not
// checked.
func (cfg *ServerConfig) Validate() error {
	if cfg.BindIPv4 {
		ip := net.ParseIP(cfg.AddrIPv4)
		if ip == nil || ip.To4() == nil || strings.Contains(cfg.AddrIPv4, ":") {
			return fmt.Errorf("invalid IPv4 address %q", cfg.AddrIPv4)
		}
	}
	if cfg.BindIPv6 {
		ip := net.ParseIP(cfg.AddrIPv6)
		if ip == nil || !strings.Contains(cfg.AddrIPv6, ":") {
			return fmt.Errorf("invalid IPv6 address %q", cfg.AddrIPv6)
		}
	}
	if cfg.Port == 0 {
		return errors.New("port must be set")
	}
	if cfg.GracePeriod < 0 {
		return fmt.Errorf("negative grace period %s", cfg.GracePeriod)
	}
	if cfg.EventQueueSize <= 0 {
		return fmt.Errorf("event queue size must be positive, got %d", cfg.EventQueueSize)
	}
	if cfg.Backlog <= 0 {
		return fmt.Errorf("backlog must be positive, got %d", cfg.Backlog)
	}
	return nil
}

func (cfg *ServerConfig) LoggingOpts() *common.LoggingOpts {
	return &common.LoggingOpts{
		Debug:   cfg.LogDebug,
		JSON:    cfg.LogJSON,
		Service: cfg.LogService,
		Version: common.Version,
	}
}

// Close releases the configuration. Only the first call has an effect.
func (cfg *ServerConfig) Close() error {
	if cfg == nil {
		return nil
	}
	cfg.released.Store(true)
	return nil
}

// Released reports whether Close has been called.
func (cfg *ServerConfig) Released() bool {
	return cfg.released.Load()
}
