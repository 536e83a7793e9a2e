package management

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/control-server/metrics"
)

type registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func newRegistry[K comparable, V any]() *registry[K, V] {
	return &registry[K, V]{items: make(map[K]V)}
}

func (r *registry[K, V]) add(k K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[k]; ok {
		return false
	}
	r.items[k] = v
	return true
}

func (r *registry[K, V]) remove(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[k]
	delete(r.items, k)
	return v, ok
}

func (r *registry[K, V]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// snapshot copies the entries so callers can iterate without holding the lock.
func (r *registry[K, V]) snapshot() map[K]V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[K]V, len(r.items))
	for k, v := range r.items {
		out[k] = v
	}
	return out
}

func (r *registry[K, V]) clear() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = make(map[K]V)
	return out
}

// Controller is a request handling unit attached to the server router.
// Controllers implementing io.Closer are closed at teardown.
type Controller interface {
	Name() string
	Routes(r chi.Router)
}

// ControllerRegistry tracks the controllers attached to a server. Membership
// is only used for teardown and metrics, never for routing.
type ControllerRegistry struct {
	entries *registry[string, Controller]
	metrics *metrics.Metrics
}

func NewControllerRegistry(m *metrics.Metrics) *ControllerRegistry {
	return &ControllerRegistry{
		entries: newRegistry[string, Controller](),
		metrics: m,
	}
}

func (cr *ControllerRegistry) Add(c Controller) error {
	if c == nil {
		return errors.New("nil controller")
	}
	if !cr.entries.add(c.Name(), c) {
		return fmt.Errorf("%w: %s", ErrDuplicateController, c.Name())
	}
	cr.updateGauge()
	return nil
}

func (cr *ControllerRegistry) Remove(name string) (Controller, bool) {
	c, ok := cr.entries.remove(name)
	cr.updateGauge()
	return c, ok
}

func (cr *ControllerRegistry) Len() int {
	return cr.entries.len()
}

// Names returns the registered controller names, sorted.
func (cr *ControllerRegistry) Names() []string {
	snapshot := cr.entries.snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cr *ControllerRegistry) Each(fn func(c Controller)) {
	for _, c := range cr.entries.snapshot() {
		fn(c)
	}
}

// Teardown removes every controller, closing the ones that hold resources.
func (cr *ControllerRegistry) Teardown() error {
	var errs []error
	for name, c := range cr.entries.clear() {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("controller %s: %w", name, err))
			}
		}
	}
	cr.updateGauge()
	return errors.Join(errs...)
}

func (cr *ControllerRegistry) updateGauge() {
	if cr.metrics != nil {
		cr.metrics.ControllersRegistered.Set(float64(cr.entries.len()))
	}
}

// Request is the bookkeeping record of one in-flight request.
type Request struct {
	ID         uuid.UUID
	Method     string
	Path       string
	RemoteAddr string
	Started    time.Time
}

// RequestRegistry tracks in-flight requests. Shutdown never waits on it.
type RequestRegistry struct {
	entries *registry[uuid.UUID, *Request]
	metrics *metrics.Metrics
}

func NewRequestRegistry(m *metrics.Metrics) *RequestRegistry {
	return &RequestRegistry{
		entries: newRegistry[uuid.UUID, *Request](),
		metrics: m,
	}
}

func (rr *RequestRegistry) Begin(r *http.Request) *Request {
	req := &Request{
		ID:         uuid.New(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		Started:    time.Now(),
	}
	rr.entries.add(req.ID, req)
	if rr.metrics != nil {
		rr.metrics.InflightRequests.Inc()
	}
	return req
}

// End removes req and records its status code.
func (rr *RequestRegistry) End(req *Request, code int) {
	if _, ok := rr.entries.remove(req.ID); !ok {
		return
	}
	if rr.metrics != nil {
		rr.metrics.InflightRequests.Dec()
		rr.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func (rr *RequestRegistry) Len() int {
	return rr.entries.len()
}

func (rr *RequestRegistry) Each(fn func(req *Request)) {
	for _, req := range rr.entries.snapshot() {
		fn(req)
	}
}

// Clear drops all records and returns how many were still in flight.
func (rr *RequestRegistry) Clear() int {
	n := len(rr.entries.clear())
	if rr.metrics != nil {
		rr.metrics.InflightRequests.Set(0)
	}
	return n
}
