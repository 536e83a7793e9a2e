// Package common holds build metadata and logger setup shared by the control
// server binaries.
package common

var (
	// PackageName is used as the Prometheus namespace and as the default
	// service tag in logs.
	PackageName = "controlserver"

	// Version is overwritten at build time via -ldflags.
	Version = "dev"
)
