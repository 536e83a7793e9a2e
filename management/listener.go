package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type ListenerOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Log defaults to the loop's logger.
	Log *slog.Logger
}

// Listener is the transport endpoint of one address family. It is created
// against an event loop, bound to a socket by Bind and served by the loop's
// Run.
type Listener struct {
	family Family
	loop   *EventLoop
	srv    *http.Server
	log    *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	address string
	port    uint16
	backlog int

	closed   atomic.Bool
	releases atomic.Int32
}

// NewListener attaches a listener for family to loop. The loop must already be
// notifiable and may hold at most one listener per family.
func NewListener(loop *EventLoop, family Family, handler http.Handler, opts ListenerOptions) (*Listener, error) {
	if loop == nil {
		return nil, errors.New("listener needs an event loop")
	}
	if !family.valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFamily, int(family))
	}
	if handler == nil {
		return nil, errors.New("listener needs a handler")
	}

	log := opts.Log
	if log == nil {
		log = loop.log
	}
	log = log.With("family", family.String())

	ln := &Listener{
		family: family,
		loop:   loop,
		log:    log,
		srv: &http.Server{
			Handler:      handler,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		},
	}

	if err := loop.attach(ln); err != nil {
		return nil, err
	}
	return ln, nil
}

// Bind opens the listening socket. address is a composed bind address such as
// "ipv4:127.0.0.1" and must match the listener's family. Go's net package
// sizes the accept queue from the kernel setting, backlog is recorded for
// reporting.
func (ln *Listener) Bind(address string, port uint16, backlog int) error {
	bindErr := func(err error) error {
		return &BindError{Family: ln.family, Address: address, Port: port, Err: err}
	}

	family, host, err := ParseBindAddress(address)
	if err != nil {
		return bindErr(err)
	}
	if family != ln.family {
		return bindErr(fmt.Errorf("%w: %s address for %s listener", ErrInvalidFamily, family, ln.family))
	}
	if backlog <= 0 {
		return bindErr(fmt.Errorf("backlog must be positive, got %d", backlog))
	}
	if ln.closed.Load() {
		return bindErr(ErrListenerClosed)
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	if ln.ln != nil {
		return bindErr(ErrAlreadyBound)
	}

	var lc net.ListenConfig
	nl, err := lc.Listen(context.Background(), family.Network(), net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return bindErr(err)
	}

	ln.ln = nl
	ln.address = address
	ln.port = port
	ln.backlog = backlog
	if m := ln.loop.metrics; m != nil {
		m.BoundListeners.WithLabelValues(ln.family.String()).Set(1)
	}

	ln.log.Debug("Listener bound", "address", address, "port", port, "backlog", backlog, "local", nl.Addr().String())
	return nil
}

// Unbind closes the socket and any connection still open on it.
func (ln *Listener) Unbind() error {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	if ln.ln == nil {
		return nil
	}

	_ = ln.srv.Close()
	err := ln.ln.Close()
	ln.ln = nil
	if m := ln.loop.metrics; m != nil {
		m.BoundListeners.WithLabelValues(ln.family.String()).Set(0)
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close unbinds the listener and detaches it from its loop. Only the first
// call releases anything; later calls return ErrListenerClosed.
func (ln *Listener) Close() error {
	ln.releases.Inc()
	if !ln.closed.CompareAndSwap(false, true) {
		return ErrListenerClosed
	}

	err := ln.Unbind()
	ln.loop.detach(ln)
	return err
}

func (ln *Listener) Family() Family {
	return ln.family
}

func (ln *Listener) Bound() bool {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.ln != nil
}

// Addr returns the local socket address, nil when unbound.
func (ln *Listener) Addr() net.Addr {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.ln == nil {
		return nil
	}
	return ln.ln.Addr()
}

// Backlog returns the backlog requested at Bind. It is informational only: the
// kernel sizes the accept queue from net.core.somaxconn since the net package
// has no per-socket setting.
func (ln *Listener) Backlog() int {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.backlog
}

func (ln *Listener) serve(fatal chan<- error) error {
	ln.mu.Lock()
	nl := ln.ln
	ln.mu.Unlock()
	if nl == nil {
		return nil
	}

	err := ln.srv.Serve(nl)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	err = fmt.Errorf("%s listener: %w", ln.family, err)
	select {
	case fatal <- err:
	default:
	}
	return err
}

func (ln *Listener) shutdown(ctx context.Context) error {
	return ln.srv.Shutdown(ctx)
}

func (ln *Listener) forceClose() {
	_ = ln.srv.Close()
}
