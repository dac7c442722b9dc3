//go:build linux

package controller

import (
	"net"

	"golang.org/x/sys/unix"

	"presto/proxy"
)

// redirectedDst 从内核取 REDIRECT 之前的原始目的地址。
// getsockopt(SO_ORIGINAL_DST) 返回 sockaddr_in，借 IPv6Mreq 的 16 字节
// 布局读出来：端口在第 2~3 字节，IPv4 地址在第 4~7 字节。
func redirectedDst(conn *net.TCPConn) (proxy.Destination, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return proxy.Destination{}, err
	}
	var (
		mreq  *unix.IPv6Mreq
		operr error
	)
	err = sc.Control(func(fd uintptr) {
		mreq, operr = unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	})
	if err != nil {
		return proxy.Destination{}, err
	}
	if operr != nil {
		return proxy.Destination{}, operr
	}
	ip := net.IPv4(mreq.Multiaddr[4], mreq.Multiaddr[5], mreq.Multiaddr[6], mreq.Multiaddr[7])
	port := uint16(mreq.Multiaddr[2])<<8 | uint16(mreq.Multiaddr[3])
	return proxy.Destination{Host: ip.String(), Port: port}, nil
}
