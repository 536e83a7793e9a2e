package management

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
})

func TestNewListener_InvalidArguments(t *testing.T) {
	loop := newTestLoop(t, 4)

	_, err := NewListener(nil, FamilyIPv4, okHandler, ListenerOptions{})
	assert.Error(t, err)

	_, err = NewListener(loop, Family(7), okHandler, ListenerOptions{})
	assert.ErrorIs(t, err, ErrInvalidFamily)

	_, err = NewListener(loop, FamilyIPv4, nil, ListenerOptions{})
	assert.Error(t, err)
}

func TestNewListener_RequiresNotifiableLoop(t *testing.T) {
	loop, err := NewEventLoop(testLogger(), 4, nil)
	require.NoError(t, err)
	defer loop.Close()

	_, err = NewListener(loop, FamilyIPv4, okHandler, ListenerOptions{})
	assert.ErrorIs(t, err, ErrLoopNotNotifiable)
}

func TestNewListener_OnePerFamily(t *testing.T) {
	loop := newTestLoop(t, 4)

	ln, err := NewListener(loop, FamilyIPv4, okHandler, ListenerOptions{})
	require.NoError(t, err)
	defer ln.Close()

	_, err = NewListener(loop, FamilyIPv4, okHandler, ListenerOptions{})
	assert.ErrorIs(t, err, ErrDuplicateFamily)

	ln6, err := NewListener(loop, FamilyIPv6, okHandler, ListenerOptions{})
	require.NoError(t, err)
	require.NoError(t, ln6.Close())

	// A closed listener frees its family slot.
	require.NoError(t, ln.Close())
	again, err := NewListener(loop, FamilyIPv4, okHandler, ListenerOptions{})
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}

func TestListener_BindAndClose(t *testing.T) {
	loop := newTestLoop(t, 4)
	ln, err := NewListener(loop, FamilyIPv4, okHandler, ListenerOptions{})
	require.NoError(t, err)

	assert.False(t, ln.Bound())
	assert.Nil(t, ln.Addr())

	port := freePort(t)
	require.NoError(t, ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), port, 1024))
	assert.True(t, ln.Bound())
	assert.Equal(t, 1024, ln.Backlog())
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", port), ln.Addr().String())

	err = ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), port, 1024)
	assert.ErrorIs(t, err, ErrAlreadyBound)

	require.NoError(t, ln.Close())
	assert.False(t, ln.Bound())
	assert.ErrorIs(t, ln.Close(), ErrListenerClosed)
	assert.Equal(t, int32(2), ln.releases.Load())

	// The port is free again.
	l, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	l.Close()

	err = ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), port, 1024)
	assert.ErrorIs(t, err, ErrListenerClosed)
}

func TestListener_BindErrors(t *testing.T) {
	loop := newTestLoop(t, 4)
	ln, err := NewListener(loop, FamilyIPv4, okHandler, ListenerOptions{})
	require.NoError(t, err)
	defer ln.Close()

	t.Run("family mismatch", func(t *testing.T) {
		err := ln.Bind(BindAddress(FamilyIPv6, "::1"), freePort(t), 1024)
		assert.ErrorIs(t, err, ErrBind)
		assert.ErrorIs(t, err, ErrInvalidFamily)
	})

	t.Run("missing prefix", func(t *testing.T) {
		err := ln.Bind("127.0.0.1", freePort(t), 1024)
		assert.ErrorIs(t, err, ErrBind)
		assert.ErrorIs(t, err, ErrInvalidBindAddr)
	})

	t.Run("invalid backlog", func(t *testing.T) {
		err := ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), freePort(t), 0)
		assert.ErrorIs(t, err, ErrBind)
	})

	t.Run("address in use", func(t *testing.T) {
		occupied, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer occupied.Close()
		port := uint16(occupied.Addr().(*net.TCPAddr).Port)

		err = ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), port, 1024)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBind)
		assert.ErrorIs(t, err, syscall.EADDRINUSE)

		var bindErr *BindError
		require.True(t, errors.As(err, &bindErr))
		assert.Equal(t, FamilyIPv4, bindErr.Family)
		assert.Equal(t, port, bindErr.Port)
		assert.Equal(t, "ipv4:127.0.0.1", bindErr.Address)
		assert.False(t, ln.Bound())
	})
}

func TestListener_BindIPv6(t *testing.T) {
	skipWithoutIPv6(t)

	loop := newTestLoop(t, 4)
	ln, err := NewListener(loop, FamilyIPv6, okHandler, ListenerOptions{})
	require.NoError(t, err)
	defer ln.Close()

	require.NoError(t, ln.Bind(BindAddress(FamilyIPv6, "::1"), freePort(t), 1024))
	addr := ln.Addr().(*net.TCPAddr)
	assert.Nil(t, addr.IP.To4())
}

func TestListener_ServedByLoop(t *testing.T) {
	loop := newTestLoop(t, 4)
	ln, err := NewListener(loop, FamilyIPv4, okHandler, ListenerOptions{})
	require.NoError(t, err)
	defer ln.Close()

	require.NoError(t, ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), freePort(t), 1024))
	url := "http://" + ln.Addr().String() + "/"

	result := make(chan error, 1)
	go func() { result <- loop.Run(context.Background()) }()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	start := time.Now()
	require.NoError(t, loop.ExitAfter(2*time.Second))
	require.NoError(t, waitResult(t, result, 3*time.Second))
	// The idle keep-alive connection does not hold the loop open.
	assert.Less(t, time.Since(start), time.Second)

	client.CloseIdleConnections()
	_, err = client.Get(url)
	assert.Error(t, err)
}

func TestListener_InflightRequestFinishesDuringGrace(t *testing.T) {
	loop := newTestLoop(t, 4)

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte("done"))
	})

	ln, err := NewListener(loop, FamilyIPv4, slow, ListenerOptions{})
	require.NoError(t, err)
	defer ln.Close()
	require.NoError(t, ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), freePort(t), 1024))
	url := "http://" + ln.Addr().String() + "/"

	result := make(chan error, 1)
	go func() { result <- loop.Run(context.Background()) }()

	type response struct {
		body string
		err  error
	}
	responses := make(chan response, 1)
	go func() {
		resp, err := http.Get(url)
		if err != nil {
			responses <- response{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		responses <- response{body: string(body), err: err}
	}()

	<-entered
	require.NoError(t, loop.ExitAfter(5*time.Second))

	select {
	case err := <-result:
		t.Fatalf("loop exited with a request in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	r := <-responses
	require.NoError(t, r.err)
	assert.Equal(t, "done", r.body)
	require.NoError(t, waitResult(t, result, 2*time.Second))
}

func TestListener_InflightRequestCutAtDeadline(t *testing.T) {
	loop := newTestLoop(t, 4)

	entered := make(chan struct{})
	stuck := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})

	ln, err := NewListener(loop, FamilyIPv4, stuck, ListenerOptions{})
	require.NoError(t, err)
	defer ln.Close()
	require.NoError(t, ln.Bind(BindAddress(FamilyIPv4, "127.0.0.1"), freePort(t), 1024))
	url := "http://" + ln.Addr().String() + "/"

	result := make(chan error, 1)
	go func() { result <- loop.Run(context.Background()) }()

	go func() {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
		}
	}()

	<-entered
	grace := 300 * time.Millisecond
	start := time.Now()
	require.NoError(t, loop.ExitAfter(grace))
	require.NoError(t, waitResult(t, result, grace+2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), grace-10*time.Millisecond)
}
