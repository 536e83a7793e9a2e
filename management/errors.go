package management

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the server lifecycle. Callers match them with
// errors.Is; the wrapped cause carries the detail. ErrEventLoop also covers
// the metrics the loop and listeners report to.
var (
	ErrConfig           = errors.New("configuration error")
	ErrEventLoop        = errors.New("event loop error")
	ErrListenerInit     = errors.New("listener init error")
	ErrBind             = errors.New("bind error")
	ErrShutdownSchedule = errors.New("shutdown schedule error")
	ErrInvalidState     = errors.New("invalid server state")
)

var (
	ErrLoopClosed        = errors.New("event loop closed")
	ErrLoopRunning       = errors.New("event loop already ran")
	ErrLoopNotNotifiable = errors.New("event loop is not notifiable")
	ErrQueueFull         = errors.New("event queue full")

	ErrListenerClosed      = errors.New("listener closed")
	ErrAlreadyBound        = errors.New("listener already bound")
	ErrInvalidFamily       = errors.New("invalid address family")
	ErrDuplicateFamily     = errors.New("listener for address family already attached")
	ErrInvalidBindAddr     = errors.New("invalid bind address")
	ErrDuplicateController = errors.New("controller already registered")
)

// BindError reports a failed socket bind. Err is the underlying cause, usually
// a *net.OpError wrapping the OS errno.
type BindError struct {
	Family  Family
	Address string
	Port    uint16
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("could not bind %s port %d: %v", e.Address, e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Is makes every BindError match ErrBind.
func (e *BindError) Is(target error) bool {
	return target == ErrBind
}
