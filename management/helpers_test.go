package management

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/control-server/metrics"
	"github.com/ruteri/control-server/params"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics("test", prometheus.NewRegistry())
}

// newTestLoop returns a notifiable loop that is closed with the test.
func newTestLoop(t *testing.T, queueSize int) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop(testLogger(), queueSize, testMetrics())
	require.NoError(t, err)
	require.NoError(t, loop.MakeNotifiable())
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

// freePort asks the kernel for an unused IPv4 loopback port.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint16(port)
}

func skipWithoutIPv6(t *testing.T) {
	t.Helper()
	l, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	l.Close()
}

func testConfig(t *testing.T) *params.ServerConfig {
	return &params.ServerConfig{
		AddrIPv4:       "127.0.0.1",
		AddrIPv6:       "::1",
		Port:           freePort(t),
		GracePeriod:    500 * time.Millisecond,
		EventQueueSize: 64,
		Backlog:        params.DefaultBacklog,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		LogService:     "test",
	}
}

func staticConfig(cfg *params.ServerConfig) ConfigParser {
	return func(args []string) (*params.ServerConfig, error) {
		return cfg, nil
	}
}

// initTestServer builds a server from cfg and releases it with the test.
func initTestServer(t *testing.T, cfg *params.ServerConfig, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{
		WithConfigParser(staticConfig(cfg)),
		WithLogger(testLogger()),
		WithMetricsRegistry(prometheus.NewRegistry()),
	}, opts...)

	srv, err := Init([]string{"controlserver"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Fini() })
	return srv
}

func waitResult(t *testing.T, result <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		t.Fatalf("timed out after %s", timeout)
		return nil
	}
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitRunning(t *testing.T, srv *Server) {
	t.Helper()
	select {
	case <-srv.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not enter the event loop")
	}
}
