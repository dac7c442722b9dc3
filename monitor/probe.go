package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"presto/proxy"
)

const (
	probeTimeout = 8 * time.Second
	// 探测查询：随便一个必然存在的域名，应答内容不重要，能到达即可
	probeQueryName = "www.google.com."
)

// probe opens a full tunnel through u to its probe target, then runs one
// DNS query over the tunnel to validate end-to-end reachability. The
// returned RTT spans connect start to validated handshake.
func probe(ctx context.Context, u *proxy.Upstream) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	dst, err := proxy.ParseDestination(u.TestDst)
	if err != nil {
		return 0, fmt.Errorf("bad probe target: %w", err)
	}

	start := time.Now()
	conn, _, err := u.Connect(ctx, dst, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return 0, err
	}
	m := new(dns.Msg)
	m.SetQuestion(probeQueryName, dns.TypeA)
	dc := &dns.Conn{Conn: conn}
	if err := dc.WriteMsg(m); err != nil {
		return 0, fmt.Errorf("probe query: %w", err)
	}
	if _, err := dc.ReadMsg(); err != nil {
		return 0, fmt.Errorf("probe answer: %w", err)
	}
	return time.Since(start), nil
}
