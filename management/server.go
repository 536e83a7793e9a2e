package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/control-server/common"
	"github.com/ruteri/control-server/metrics"
	"github.com/ruteri/control-server/params"
	"go.uber.org/atomic"
)

type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Server owns the event loop, the listeners and the bookkeeping registries of
// one control server process.
type Server struct {
	cfg *params.ServerConfig
	log *slog.Logger

	loop *EventLoop
	ipv4 *Listener
	ipv6 *Listener

	router      chi.Router
	controllers *ControllerRegistry
	requests    *RequestRegistry
	metricsSrv  *metrics.MetricsServer

	state          atomic.Int32
	isShuttingDown atomic.Bool
	isLaunchError  atomic.Bool
	stopRequested  atomic.Bool
	released       atomic.Bool

	running     chan struct{}
	runningOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// Init builds a ready but unbound server from process arguments. On failure
// everything acquired so far is released in reverse order and no server is
// returned.
func Init(args []string, opts ...Option) (srv *Server, err error) {
	o := defaultInitOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.parse == nil {
		o.parse = func(args []string) (*params.ServerConfig, error) {
			if o.usageOutput != nil {
				return params.Parse(args, params.WithOutput(o.usageOutput))
			}
			return params.Parse(args)
		}
	}

	log := o.log
	if log == nil {
		log = slog.Default()
	}

	var cleanup releaseStack
	defer func() {
		if err != nil {
			if !errors.Is(err, params.ErrUsage) {
				log.Error("Server init failed", "err", err)
			}
			cleanup.unwind(log)
		}
	}()

	cfg, err := o.parse(args)
	if cfg != nil {
		cleanup.push("config", cfg.Close)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.PrintUsage {
		return nil, fmt.Errorf("%w: %w", ErrConfig, params.ErrUsage)
	}

	if o.log == nil {
		log = common.SetupLogger(cfg.LoggingOpts())
		if cfg.LogUID {
			log = log.With("uid", uuid.Must(uuid.NewRandom()).String())
		}
	}

	var metricsSrv *metrics.MetricsServer
	if o.registry != nil {
		metricsSrv, err = metrics.NewWithRegistry(common.PackageName, cfg.MetricsAddr, o.registry)
	} else {
		metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: metrics: %w", ErrEventLoop, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv = &Server{
		cfg:         cfg,
		log:         log,
		controllers: NewControllerRegistry(metricsSrv.Metrics),
		requests:    NewRequestRegistry(metricsSrv.Metrics),
		metricsSrv:  metricsSrv,
		running:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	cleanup.push("server", srv.releaseOwn)

	loop, err := o.newLoop(log, cfg.EventQueueSize, metricsSrv.Metrics)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventLoop, err)
	}
	cleanup.push("event loop", loop.Close)

	// Listeners need a notifiable loop, so this comes first.
	if err = loop.MakeNotifiable(); err != nil {
		return nil, fmt.Errorf("%w: could not make loop notifiable: %w", ErrEventLoop, err)
	}
	srv.loop = loop

	srv.router = srv.buildRouter()
	for _, c := range o.controllers {
		if err = srv.RegisterController(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	lopts := ListenerOptions{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Log:          log,
	}
	if cfg.BindIPv4 {
		srv.ipv4, err = o.newListener(loop, FamilyIPv4, srv.router, lopts)
		if err != nil {
			return nil, fmt.Errorf("%w: ipv4: %w", ErrListenerInit, err)
		}
		cleanup.push("ipv4 listener", srv.ipv4.Close)
	}
	if cfg.BindIPv6 {
		srv.ipv6, err = o.newListener(loop, FamilyIPv6, srv.router, lopts)
		if err != nil {
			return nil, fmt.Errorf("%w: ipv6: %w", ErrListenerInit, err)
		}
		cleanup.push("ipv6 listener", srv.ipv6.Close)
	}

	cleanup.disarm()
	srv.state.Store(int32(StateInitialized))
	return srv, nil
}

// Start binds the listeners, IPv4 first, and runs the event loop until a
// scheduled exit or a fatal error. It blocks for the whole server lifetime and
// may be called once. On a bind failure the sockets bound so far stay open
// until Fini.
func (s *Server) Start() error {
	if s == nil {
		return fmt.Errorf("%w: no server", ErrInvalidState)
	}
	if !s.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return fmt.Errorf("%w: start called while %s", ErrInvalidState, s.State())
	}

	if err := s.bindListeners(); err != nil {
		s.isLaunchError.Store(true)
		s.state.Store(int32(StateStopped))
		return err
	}

	if s.cfg.MetricsAddr != "" {
		go func() {
			s.log.With("metricsAddress", s.cfg.MetricsAddr).Info("Starting metrics server")
			err := s.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	// A stop that arrived before the loop was entered still gets its grace
	// period.
	if s.stopRequested.Load() {
		if err := s.Stop(); err != nil {
			s.log.Warn("Could not apply early stop request", "err", err)
		}
	}

	s.runningOnce.Do(func() { close(s.running) })
	err := s.loop.Run(s.ctx)
	s.state.Store(int32(StateStopped))
	if err != nil {
		s.log.Error("Event loop exited with error", "err", err)
		if !errors.Is(err, ErrEventLoop) {
			err = fmt.Errorf("%w: %w", ErrEventLoop, err)
		}
		return err
	}

	s.log.Info("Control server stopped")
	return nil
}

// StartAsync runs Start on its own goroutine. The channel receives Start's
// result once the loop has exited.
func (s *Server) StartAsync() <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- s.Start()
	}()
	return result
}

func (s *Server) bindListeners() error {
	for _, ln := range []*Listener{s.ipv4, s.ipv6} {
		if ln == nil {
			continue
		}

		host := s.cfg.AddrIPv4
		if ln.Family() == FamilyIPv6 {
			host = s.cfg.AddrIPv6
		}
		address := BindAddress(ln.Family(), host)

		s.log.Info("Starting control server", "host", host, "port", s.cfg.Port, "bindAddress", address)
		if err := ln.Bind(address, s.cfg.Port, s.cfg.Backlog); err != nil {
			s.log.Error("Could not bind socket", "err", err, "bindAddress", address, "port", s.cfg.Port)
			return err
		}
	}
	return nil
}

// Stop flags the server as shutting down and schedules the event loop to exit
// after the configured grace period. It is a no-op on a nil, stopped or
// already stopping server. On a server that has not started yet the request is
// only recorded and Start exits after the grace period. The returned error
// only covers the scheduling.
func (s *Server) Stop() error {
	if s == nil {
		return nil
	}

	for {
		switch st := s.State(); st {
		case StateCreated, StateInitialized:
			s.stopRequested.Store(true)
			// Start may have moved on in between, in which case it is stopped
			// the regular way.
			if s.State() == st {
				s.log.Debug("Stop requested before start")
				return nil
			}
		case StateRunning:
			if s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
				return s.scheduleExit()
			}
		default:
			return nil
		}
	}
}

func (s *Server) scheduleExit() error {
	s.isShuttingDown.Store(true)
	s.metricsSrv.ShuttingDown.Set(1)

	if err := s.loop.ExitAfter(s.cfg.GracePeriod); err != nil {
		s.log.Error("Could not schedule event loop exit", "err", err)
		return fmt.Errorf("%w: %w", ErrShutdownSchedule, err)
	}
	s.log.Debug("Event loop exit scheduled", "gracePeriod", s.cfg.GracePeriod)
	return nil
}

// Fini releases the configuration, the listeners, the event loop and finally
// the server's own resources. It is safe on a nil server and on a server that
// has already been released.
func (s *Server) Fini() error {
	if s == nil {
		return nil
	}
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := s.cfg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if s.ipv4 != nil {
		if err := s.ipv4.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ipv4 listener: %w", err))
		}
		s.ipv4 = nil
	}
	if s.ipv6 != nil {
		if err := s.ipv6.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ipv6 listener: %w", err))
		}
		s.ipv6 = nil
	}
	if s.loop != nil {
		if err := s.loop.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event loop: %w", err))
		}
	}
	if err := s.releaseOwn(); err != nil {
		errs = append(errs, err)
	}

	s.state.Store(int32(StateStopped))
	return errors.Join(errs...)
}

// releaseOwn tears down what the server object itself holds.
func (s *Server) releaseOwn() error {
	var errs []error
	if err := s.controllers.Teardown(); err != nil {
		errs = append(errs, err)
	}
	if n := s.requests.Clear(); n > 0 {
		s.log.Debug("Dropped in-flight request records", "count", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()
	if err := s.metricsSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server: %w", err))
	}

	s.cancel()
	return errors.Join(errs...)
}

// RegisterController attaches c to the router. Controllers can only be added
// before Start.
func (s *Server) RegisterController(c Controller) error {
	if st := s.State(); st != StateCreated && st != StateInitialized {
		return fmt.Errorf("%w: cannot register controller while %s", ErrInvalidState, st)
	}
	if err := s.controllers.Add(c); err != nil {
		return err
	}
	s.router.Group(c.Routes)
	s.log.Debug("Controller registered", "controller", c.Name())
	return nil
}

// Post wakes the event loop with fn. Safe from any goroutine.
func (s *Server) Post(fn func()) error {
	return s.loop.Post(fn)
}

func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) IsShuttingDown() bool {
	return s.isShuttingDown.Load()
}

func (s *Server) IsLaunchError() bool {
	return s.isLaunchError.Load()
}

// Running is closed once Start has entered the event loop.
func (s *Server) Running() <-chan struct{} {
	return s.running
}

// Log returns the logger the server was built with.
func (s *Server) Log() *slog.Logger {
	return s.log
}

func (s *Server) Config() *params.ServerConfig {
	return s.cfg
}

func (s *Server) Controllers() *ControllerRegistry {
	return s.controllers
}

func (s *Server) Requests() *RequestRegistry {
	return s.requests
}

func (s *Server) Metrics() *metrics.MetricsServer {
	return s.metricsSrv
}

// Addrs returns the local addresses of the bound listeners.
func (s *Server) Addrs() map[Family]net.Addr {
	addrs := make(map[Family]net.Addr)
	for _, ln := range []*Listener{s.ipv4, s.ipv6} {
		if ln == nil {
			continue
		}
		if addr := ln.Addr(); addr != nil {
			addrs[ln.Family()] = addr
		}
	}
	return addrs
}
