package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/control-server/metrics"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// EventLoop is the single dispatch loop of a server. The goroutine calling Run
// executes queued callbacks one at a time while the attached listeners serve
// connections on their own goroutines.
type EventLoop struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	queue chan func()
	fatal chan error

	notifiable atomic.Bool
	ran        atomic.Bool
	stopped    atomic.Bool
	closed     atomic.Bool

	mu        sync.Mutex
	listeners []*Listener
	exitReq   chan struct{}
	exiting   bool
	deadline  time.Time

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	releases   atomic.Int32
}

// NewEventLoop creates a loop whose callback queue holds queueSize entries.
// m may be nil.
func NewEventLoop(log *slog.Logger, queueSize int, m *metrics.Metrics) (*EventLoop, error) {
	if log == nil {
		return nil, errors.New("event loop needs a logger")
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("event queue size must be positive, got %d", queueSize)
	}

	return &EventLoop{
		log:     log.With("component", "eventloop"),
		metrics: m,
		queue:   make(chan func(), queueSize),
		fatal:   make(chan error, 2),
		exitReq: make(chan struct{}),
	}, nil
}

// MakeNotifiable allows other goroutines to wake the loop through Post. It has
// to happen before listeners are created against the loop.
func (l *EventLoop) MakeNotifiable() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	l.notifiable.Store(true)
	return nil
}

func (l *EventLoop) Notifiable() bool {
	return l.notifiable.Load()
}

// Post queues fn to run on the loop goroutine. It never blocks.
func (l *EventLoop) Post(fn func()) error {
	if fn == nil {
		return errors.New("nil callback")
	}
	if l.closed.Load() || l.stopped.Load() {
		return ErrLoopClosed
	}
	if !l.notifiable.Load() {
		return ErrLoopNotNotifiable
	}

	select {
	case l.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// ExitAfter schedules the loop to exit once grace has elapsed. Listeners stop
// accepting right away while open connections and queued callbacks are still
// served. The loop leaves early if it runs out of work. Only the first call
// sets the deadline.
func (l *EventLoop) ExitAfter(grace time.Duration) error {
	if grace < 0 {
		return fmt.Errorf("negative grace period %s", grace)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrLoopClosed
	}
	if l.exiting {
		return nil
	}
	l.exiting = true
	l.deadline = time.Now().Add(grace)
	close(l.exitReq)
	return nil
}

// Run drives the loop until a scheduled exit completes, ctx is cancelled or a
// listener fails. It may only be called once.
func (l *EventLoop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.ran.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.stopped.Store(true)

	// Close may detach listeners while Run is still serving them, so every
	// exit path works on this snapshot.
	listeners := l.boundListeners()

	var serving errgroup.Group
	for _, ln := range listeners {
		ln := ln
		serving.Go(func() error {
			return ln.serve(l.fatal)
		})
	}
	defer func() {
		for _, ln := range listeners {
			ln.forceClose()
		}
		_ = serving.Wait()
	}()

	var (
		exitReq   = l.exitReq
		timer     *time.Timer
		forced    <-chan time.Time
		drained   <-chan struct{}
		isDrained bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if forced != nil {
			select {
			case <-forced:
				l.forceExit(listeners, "grace period elapsed")
				return nil
			default:
			}
		}
		if isDrained && len(l.queue) == 0 {
			l.log.Info("Event loop drained")
			return nil
		}

		select {
		case fn := <-l.queue:
			l.dispatch(fn)

		case <-exitReq:
			exitReq = nil
			deadline := l.exitDeadline()
			timer = time.NewTimer(time.Until(deadline))
			forced = timer.C
			drained = l.drainListeners(listeners, deadline)
			l.log.Debug("Event loop exit requested", "deadline", deadline)

		case <-drained:
			drained = nil
			isDrained = true

		case <-forced:
			l.forceExit(listeners, "grace period elapsed")
			return nil

		case err := <-l.fatal:
			l.log.Error("Listener failed, leaving event loop", "err", err)
			return fmt.Errorf("%w: %w", ErrEventLoop, err)

		case <-ctx.Done():
			l.forceExit(listeners, "context cancelled")
			return nil
		}
	}
}

// Close releases the loop. A running loop is asked to exit immediately and the
// connections of attached listeners are closed. Calls after the first return
// ErrLoopClosed.
func (l *EventLoop) Close() error {
	l.releases.Inc()

	l.mu.Lock()
	if !l.closed.CompareAndSwap(false, true) {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	if !l.exiting {
		l.exiting = true
		l.deadline = time.Now()
		close(l.exitReq)
	}
	attached := l.listeners
	l.listeners = nil
	l.mu.Unlock()

	for _, ln := range attached {
		ln.forceClose()
	}

	if n := l.discardQueue(); n > 0 {
		l.log.Debug("Discarded queued callbacks on close", "count", n)
	}
	return nil
}

func (l *EventLoop) Dispatched() uint64 {
	return l.dispatched.Load()
}

func (l *EventLoop) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *EventLoop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Event loop callback panicked", "panic", r)
		}
	}()

	l.dispatched.Inc()
	if l.metrics != nil {
		l.metrics.LoopEventsDispatched.Inc()
	}
	fn()
}

func (l *EventLoop) forceExit(listeners []*Listener, reason string) {
	for _, ln := range listeners {
		ln.forceClose()
	}
	n := l.discardQueue()
	l.log.Info("Event loop exit forced", "reason", reason, "droppedCallbacks", n)
}

func (l *EventLoop) discardQueue() int {
	n := 0
	for {
		select {
		case <-l.queue:
			n++
		default:
			l.dropped.Add(uint64(n))
			if l.metrics != nil {
				l.metrics.LoopEventsDropped.Add(float64(n))
			}
			return n
		}
	}
}

// drainListeners stops every listener from accepting and waits for open
// connections to finish. The returned channel is closed when all of them are
// done or the deadline passes.
func (l *EventLoop) drainListeners(listeners []*Listener, deadline time.Time) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		var g errgroup.Group
		for _, ln := range listeners {
			ln := ln
			g.Go(func() error {
				return ln.shutdown(ctx)
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			l.log.Warn("Listener shutdown failed", "err", err)
		}
	}()

	return done
}

func (l *EventLoop) exitDeadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

func (l *EventLoop) attach(ln *Listener) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.notifiable.Load() {
		return ErrLoopNotNotifiable
	}
	for _, other := range l.listeners {
		if other.family == ln.family {
			return fmt.Errorf("%w: %s", ErrDuplicateFamily, ln.family)
		}
	}
	l.listeners = append(l.listeners, ln)
	return nil
}

func (l *EventLoop) detach(ln *Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, other := range l.listeners {
		if other == ln {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *EventLoop) boundListeners() []*Listener {
	l.mu.Lock()
	defer l.mu.Unlock()

	bound := make([]*Listener, 0, len(l.listeners))
	for _, ln := range l.listeners {
		if ln.Bound() {
			bound = append(bound, ln)
		}
	}
	return bound
}
