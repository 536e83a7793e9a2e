package management

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/control-server/metrics"
	"github.com/ruteri/control-server/params"
)

// ConfigParser turns process arguments into a server configuration.
type ConfigParser func(args []string) (*params.ServerConfig, error)

type EventLoopFactory func(log *slog.Logger, queueSize int, m *metrics.Metrics) (*EventLoop, error)

type ListenerFactory func(loop *EventLoop, family Family, handler http.Handler, opts ListenerOptions) (*Listener, error)

type initOptions struct {
	log         *slog.Logger
	usageOutput io.Writer
	parse       ConfigParser
	newLoop     EventLoopFactory
	newListener ListenerFactory
	controllers []Controller
	registry    *prometheus.Registry
}

type Option func(o *initOptions)

// WithLogger replaces the logger built from the configuration.
func WithLogger(log *slog.Logger) Option {
	return func(o *initOptions) {
		o.log = log
	}
}

// WithUsageOutput sets where the default parser writes help text.
func WithUsageOutput(w io.Writer) Option {
	return func(o *initOptions) {
		o.usageOutput = w
	}
}

func WithConfigParser(parse ConfigParser) Option {
	return func(o *initOptions) {
		o.parse = parse
	}
}

func WithEventLoopFactory(f EventLoopFactory) Option {
	return func(o *initOptions) {
		o.newLoop = f
	}
}

func WithListenerFactory(f ListenerFactory) Option {
	return func(o *initOptions) {
		o.newListener = f
	}
}

// WithControllers registers controllers before the listeners are created.
func WithControllers(controllers ...Controller) Option {
	return func(o *initOptions) {
		o.controllers = append(o.controllers, controllers...)
	}
}

// WithMetricsRegistry makes the server register its collectors with reg
// instead of a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *initOptions) {
		o.registry = reg
	}
}

func defaultInitOptions() *initOptions {
	return &initOptions{
		newLoop:     NewEventLoop,
		newListener: NewListener,
	}
}
