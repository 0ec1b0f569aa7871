//go:build !linux

package ports

import (
	"errors"
	"net/netip"
)

func listenersNetlink() ([]netip.AddrPort, error) {
	return nil, errors.New("socket table dump is linux only")
}
