package proxy

import (
	"context"
	"net"
	"time"
)

const (
	dialTimeout = 3 * time.Second
	// 握手阶段的读写超时：读秒级，写百毫秒级；握手成功后全部清掉
	handshakeReadTimeout  = 4 * time.Second
	handshakeWriteTimeout = 500 * time.Millisecond
)

// Connect dials the upstream and performs its proxy-protocol handshake
// towards dst. payload, when non-empty, is the client's first bytes; the
// codec decides whether they ride along with the handshake or follow it.
//
// On success the returned conn is ready for relaying with all deadlines
// cleared. leftover holds any bytes read past the handshake terminator;
// they belong to the upstream→client stream and must be forwarded first.
//
// Cancelling ctx aborts the dial and any in-flight handshake I/O; the
// caller still owns closing the conn of a successful late return.
func (u *Upstream) Connect(ctx context.Context, dst Destination, payload []byte) (net.Conn, []byte, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", u.Addr)
	if err != nil {
		return nil, nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	// ctx 取消时戳一个过期 deadline，让阻塞中的握手读写立即出错返回
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	var leftover []byte
	switch u.Proto.Kind {
	case ProtoHTTP:
		leftover, err = u.handshakeHTTP(conn, dst, payload)
	default:
		err = u.handshakeSOCKS5(conn, dst, payload)
	}
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, leftover, nil
}
