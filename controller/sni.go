package controller

import (
	"net"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

const (
	sniPeekLimit   = 2048
	sniPeekTimeout = time.Second
)

// peekClientHello 从客户端读最多 2 KiB，尝试解析 TLS ClientHello 里的
// server_name 扩展。无论是否解析成功，读到的字节都原样返回，调度器
// 必须把它们排在上行数据的最前面。超时或解析失败只意味着没有 SNI。
func peekClientHello(conn net.Conn) (string, []byte) {
	if err := conn.SetReadDeadline(time.Now().Add(sniPeekTimeout)); err != nil {
		return "", nil
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, sniPeekLimit)
	tmp := make([]byte, sniPeekLimit)
	for len(buf) < sniPeekLimit {
		n, err := conn.Read(tmp[:sniPeekLimit-len(buf)])
		buf = append(buf, tmp[:n]...)
		if name, done := parseSNI(buf); name != "" || done {
			return name, buf
		}
		if err != nil {
			break
		}
	}
	return "", buf
}

// parseSNI walks one TLS record looking for the server_name extension.
// done reports that more bytes cannot change the answer.
func parseSNI(data []byte) (name string, done bool) {
	if len(data) < 5 {
		return "", false
	}
	// ContentType 22 = handshake；其他内容直接放弃
	if data[0] != 0x16 {
		return "", true
	}
	recLen := int(data[3])<<8 | int(data[4])
	if len(data) < 5+recLen {
		if 5+recLen > sniPeekLimit {
			return "", true
		}
		return "", false
	}

	s := cryptobyte.String(data[5 : 5+recLen])
	var msgType uint8
	var hello cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != 0x01 ||
		!s.ReadUint24LengthPrefixed(&hello) {
		return "", true
	}

	var skipped cryptobyte.String
	// legacy_version + random
	if !hello.Skip(2 + 32) ||
		!hello.ReadUint8LengthPrefixed(&skipped) || // session id
		!hello.ReadUint16LengthPrefixed(&skipped) || // cipher suites
		!hello.ReadUint8LengthPrefixed(&skipped) { // compression methods
		return "", true
	}
	if hello.Empty() {
		return "", true
	}

	var exts cryptobyte.String
	if !hello.ReadUint16LengthPrefixed(&exts) {
		return "", true
	}
	for !exts.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			return "", true
		}
		if extType != 0x0000 {
			continue
		}
		var names cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&names) {
			return "", true
		}
		for !names.Empty() {
			var nameType uint8
			var host cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&host) {
				return "", true
			}
			if nameType == 0x00 && len(host) > 0 {
				return string(host), true
			}
		}
	}
	return "", true
}
