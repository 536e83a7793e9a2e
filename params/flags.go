package params

import (
	"time"

	"github.com/ruteri/control-server/common"
	"github.com/urfave/cli/v2"
)

const (
	// DefaultBacklog is the listen backlog requested for every listener.
	DefaultBacklog = 1024

	DefaultGracePeriod    = 3 * time.Second
	DefaultEventQueueSize = 1024
)

var BindIPv4Flag = &cli.BoolFlag{
	Name:    "bind-ipv4",
	Value:   true,
	Usage:   "bind the control server on an IPv4 address",
	EnvVars: []string{"CONTROL_SERVER_BIND_IPV4"},
}
var AddrIPv4Flag = &cli.StringFlag{
	Name:    "addr-ipv4",
	Value:   "0.0.0.0",
	Usage:   "IPv4 address to listen on",
	EnvVars: []string{"CONTROL_SERVER_ADDR_IPV4"},
}
var BindIPv6Flag = &cli.BoolFlag{
	Name:    "bind-ipv6",
	Value:   false,
	Usage:   "bind the control server on an IPv6 address",
	EnvVars: []string{"CONTROL_SERVER_BIND_IPV6"},
}
var AddrIPv6Flag = &cli.StringFlag{
	Name:    "addr-ipv6",
	Value:   "::",
	Usage:   "IPv6 address to listen on",
	EnvVars: []string{"CONTROL_SERVER_ADDR_IPV6"},
}
var PortFlag = &cli.UintFlag{
	Name:    "port",
	Value:   8080,
	Usage:   "port shared by all listeners",
	EnvVars: []string{"CONTROL_SERVER_PORT"},
}
var GracePeriodFlag = &cli.DurationFlag{
	Name:  "grace-period",
	Value: DefaultGracePeriod,
	Usage: "time queued work keeps being served after a stop request",
}
var EventQueueSizeFlag = &cli.IntFlag{
	Name:  "event-queue-size",
	Value: DefaultEventQueueSize,
	Usage: "capacity of the event loop callback queue",
}
var ReadTimeoutFlag = &cli.DurationFlag{
	Name:  "read-timeout",
	Value: 60 * time.Second,
	Usage: "maximum duration for reading an entire request",
}
var WriteTimeoutFlag = &cli.DurationFlag{
	Name:  "write-timeout",
	Value: 30 * time.Second,
	Usage: "maximum duration before timing out writes of the response",
}
var DrainFlag = &cli.BoolFlag{
	Name:  "enable-drain",
	Value: false,
	Usage: "expose /drain which triggers a graceful shutdown",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics, empty to disable",
}

var ListenerFlags = []cli.Flag{
	BindIPv4Flag,
	AddrIPv4Flag,
	BindIPv6Flag,
	AddrIPv6Flag,
	PortFlag,
	GracePeriodFlag,
	EventQueueSizeFlag,
	ReadTimeoutFlag,
	WriteTimeoutFlag,
	DrainFlag,
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	MetricsAddrFlag,
}
