package proxy

import (
	"sync"
	"sync/atomic"
	"time"
)

// 打分用的低通滤波系数：score = 0.3*sample + 0.7*prev
const (
	ewmaNum = 3
	ewmaDen = 10
)

// ProtoKind distinguishes the upstream handshake protocol.
type ProtoKind int

const (
	ProtoSOCKS5 ProtoKind = iota
	ProtoHTTP
)

func (k ProtoKind) String() string {
	if k == ProtoHTTP {
		return "http"
	}
	return "socks5"
}

// Protocol carries the handshake kind plus its per-protocol switches.
type Protocol struct {
	Kind ProtoKind
	// FakeHandshake 只对 socks5 生效：跳过方法协商的首个往返
	FakeHandshake bool
	// AllowConnectPayload 只对 http 生效：CONNECT 请求可以捎带首包
	AllowConnectPayload bool
}

// Traffic is a cumulative byte-count pair for one upstream.
type Traffic struct {
	TxBytes int64 `json:"tx_bytes"`
	RxBytes int64 `json:"rx_bytes"`
}

// Upstream is one proxy server in the pool: immutable identity plus
// live statistics updated by probes and relays.
type Upstream struct {
	Tag       string
	Addr      string
	Proto     Protocol
	TestDst   string
	ScoreBase int64

	connAlive atomic.Int64
	connTotal atomic.Int64
	txBytes   atomic.Int64
	rxBytes   atomic.Int64

	// score/delay 成对更新，放在小临界区里；读侧允许撕裂
	mu     sync.Mutex
	score  int64
	delay  time.Duration
	scored bool
}

// 进程级的总流量计数
var (
	totalTx atomic.Int64
	totalRx atomic.Int64
)

// TotalTraffic returns the process-wide cumulative byte counters.
func TotalTraffic() Traffic {
	return Traffic{TxBytes: totalTx.Load(), RxBytes: totalRx.Load()}
}

// NewUpstream builds an upstream descriptor. tag may be empty; the
// caller is expected to have filled defaults already (config.verify).
func NewUpstream(tag, addr string, proto Protocol, testDst string, scoreBase int64) *Upstream {
	return &Upstream{
		Tag:       tag,
		Addr:      addr,
		Proto:     proto,
		TestDst:   testDst,
		ScoreBase: scoreBase,
	}
}

// Score returns the filtered RTT in milliseconds; ok is false when the
// upstream is unknown or dead.
func (u *Upstream) Score() (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.score, u.scored
}

// RankKey is the ranking key: score plus the static base.
func (u *Upstream) RankKey() (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.scored {
		return 0, false
	}
	return u.score + u.ScoreBase, true
}

// Delay returns the last measured probe RTT.
func (u *Upstream) Delay() (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.delay, u.scored
}

// UpdateDelay feeds a successful probe sample into the score.
func (u *Upstream) UpdateDelay(rtt time.Duration) {
	ms := rtt.Milliseconds()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.scored {
		u.score = (ewmaNum*ms + (ewmaDen-ewmaNum)*u.score) / ewmaDen
	} else {
		u.score = ms
		u.scored = true
	}
	u.delay = rtt
}

// MarkDead records a failed probe: score and delay become unknown.
func (u *Upstream) MarkDead() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.scored = false
	u.score = 0
	u.delay = 0
}

// IncAlive marks the start of a relayed connection through this upstream.
func (u *Upstream) IncAlive() {
	u.connAlive.Add(1)
	u.connTotal.Add(1)
}

// DecAlive marks the end of a relayed connection.
func (u *Upstream) DecAlive() {
	u.connAlive.Add(-1)
}

func (u *Upstream) ConnAlive() int64 { return u.connAlive.Load() }
func (u *Upstream) ConnTotal() int64 { return u.connTotal.Load() }

// AddTx accounts bytes sent towards the upstream (client → upstream).
func (u *Upstream) AddTx(n int64) {
	u.txBytes.Add(n)
	totalTx.Add(n)
}

// AddRx accounts bytes received from the upstream (upstream → client).
func (u *Upstream) AddRx(n int64) {
	u.rxBytes.Add(n)
	totalRx.Add(n)
}

// Traffic returns the cumulative byte counters for this upstream.
func (u *Upstream) Traffic() Traffic {
	return Traffic{TxBytes: u.txBytes.Load(), RxBytes: u.rxBytes.Load()}
}
