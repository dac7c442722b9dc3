package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocksRequestFraming(t *testing.T) {
	req, err := buildSocksRequest(Destination{Host: "10.0.0.1", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x01, 0x00, 0x01, 0x0A, 0x00, 0x00, 0x01, 0x00, 0x50}, req)

	req, err = buildSocksRequest(Destination{Host: "example.com", Port: 443})
	require.NoError(t, err)
	want := append([]byte{0x05, 0x01, 0x00, 0x03, 0x0B}, []byte("example.com")...)
	want = append(want, 0x01, 0xBB)
	assert.Equal(t, want, req)

	req, err = buildSocksRequest(Destination{Host: "2001:db8::1", Port: 443})
	require.NoError(t, err)
	assert.Equal(t, byte(0x04), req[3])
	assert.Len(t, req, 3+1+16+2)
}

// serveSocks 在一条连接上扮演最小的 SOCKS5 服务端，记录收到的请求和
// 隧道首包。fake 模式下问候和请求会一起到。
func serveSocks(t *testing.T, conn net.Conn, replyCode byte, gotReq chan<- []byte, gotPayload chan<- []byte) {
	t.Helper()
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	greeting := make([]byte, 3)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return
	}
	conn.Write([]byte{0x05, 0x00})

	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}
	req := append([]byte{}, head...)
	var addrLen int
	switch head[3] {
	case 0x01:
		addrLen = 4
	case 0x04:
		addrLen = 16
	case 0x03:
		n := make([]byte, 1)
		io.ReadFull(conn, n)
		req = append(req, n[0])
		addrLen = int(n[0])
	}
	rest := make([]byte, addrLen+2)
	io.ReadFull(conn, rest)
	req = append(req, rest...)
	gotReq <- req

	conn.Write([]byte{0x05, replyCode, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	if replyCode != 0x00 {
		return
	}
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	gotPayload <- buf[:n]
}

func TestSocks5Handshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gotReq := make(chan []byte, 1)
	gotPayload := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serveSocks(t, conn, 0x00, gotReq, gotPayload)
	}()

	u := NewUpstream("s", ln.Addr().String(), Protocol{Kind: ProtoSOCKS5}, "1.1.1.1:53", 0)
	conn, leftover, err := u.Connect(context.Background(), Destination{Host: "10.0.0.1", Port: 80}, []byte("ping"))
	require.NoError(t, err)
	defer conn.Close()

	assert.Nil(t, leftover)
	assert.Equal(t, []byte{0x05, 0x01, 0x00, 0x01, 0x0A, 0x00, 0x00, 0x01, 0x00, 0x50}, <-gotReq)
	assert.Equal(t, []byte("ping"), <-gotPayload)
}

func TestSocks5FakeHandshakeCoalescesWrites(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	firstWrite := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		// 一次读应该拿到 问候+请求+首包 的合并写
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		firstWrite <- append([]byte{}, buf[:n]...)
		conn.Write([]byte{0x05, 0x00})
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		time.Sleep(100 * time.Millisecond)
	}()

	u := NewUpstream("s", ln.Addr().String(),
		Protocol{Kind: ProtoSOCKS5, FakeHandshake: true}, "1.1.1.1:53", 0)
	conn, _, err := u.Connect(context.Background(), Destination{Host: "example.com", Port: 443}, []byte("hello"))
	require.NoError(t, err)
	defer conn.Close()

	req, err := buildSocksRequest(Destination{Host: "example.com", Port: 443})
	require.NoError(t, err)
	want := append([]byte{0x05, 0x01, 0x00}, req...)
	want = append(want, []byte("hello")...)
	assert.Equal(t, want, <-firstWrite)
}

func TestSocks5ReplyErrorFailsHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gotReq := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serveSocks(t, conn, 0x05, gotReq, nil)
	}()

	u := NewUpstream("s", ln.Addr().String(), Protocol{Kind: ProtoSOCKS5}, "1.1.1.1:53", 0)
	_, _, err = u.Connect(context.Background(), Destination{Host: "10.0.0.1", Port: 80}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x05")
}
