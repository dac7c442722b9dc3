//go:build linux

package controller

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// setCongestion 给监听 socket 指定拥塞控制算法，accept 出来的连接会
// 继承这个设置。算法名必须在 tcp_allowed_congestion_control 里。
func setCongestion(ln net.Listener, alg string) error {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return errors.New("not a tcp listener")
	}
	sc, err := tl.SyscallConn()
	if err != nil {
		return err
	}
	var operr error
	if err := sc.Control(func(fd uintptr) {
		operr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, alg)
	}); err != nil {
		return err
	}
	return operr
}
