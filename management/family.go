package management

import (
	"fmt"
	"strings"
)

// Family is the address family of a listener.
type Family int

const (
	FamilyIPv4 Family = iota + 1
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Prefix is the scheme prepended to bind addresses, "ipv4:" or "ipv6:".
// Log tooling parses it, keep it stable.
func (f Family) Prefix() string {
	return f.String() + ":"
}

// Network returns the net package network name for the family.
func (f Family) Network() string {
	if f == FamilyIPv6 {
		return "tcp6"
	}
	return "tcp4"
}

func (f Family) valid() bool {
	return f == FamilyIPv4 || f == FamilyIPv6
}

// BindAddress composes the bind address handed to a listener.
func BindAddress(f Family, addr string) string {
	return f.Prefix() + addr
}

// ParseBindAddress splits a composed bind address into family and host.
func ParseBindAddress(address string) (Family, string, error) {
	for _, f := range []Family{FamilyIPv4, FamilyIPv6} {
		if host, ok := strings.CutPrefix(address, f.Prefix()); ok {
			if host == "" {
				return f, "", fmt.Errorf("%w: empty host in %q", ErrInvalidBindAddr, address)
			}
			return f, host, nil
		}
	}
	return 0, "", fmt.Errorf("%w: missing family prefix in %q", ErrInvalidBindAddr, address)
}
