//go:build !linux

package controller

import (
	"errors"
	"net"
)

func setCongestion(ln net.Listener, alg string) error {
	return errors.New("TCP_CONGESTION not supported on this platform")
}
