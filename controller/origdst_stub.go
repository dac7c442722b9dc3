//go:build !linux

package controller

import (
	"errors"
	"net"

	"presto/proxy"
)

// 非 Linux 平台没有 SO_ORIGINAL_DST，一律走显式代理模式。
func redirectedDst(conn *net.TCPConn) (proxy.Destination, error) {
	return proxy.Destination{}, errors.New("transparent redirect not supported on this platform")
}
