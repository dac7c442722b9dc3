package monitor

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"presto/proxy"
	"presto/utils"
)

const throughputInterval = time.Second

// Throughput is the rolling per-second byte rate of one upstream.
type Throughput struct {
	TxBps int64 `json:"tx_bps"`
	RxBps int64 `json:"rx_bps"`
}

// Monitor owns the live upstream set: it swaps the set atomically on
// reload, runs one jittered probe loop per upstream and samples traffic
// counters into throughput figures.
type Monitor struct {
	interval time.Duration
	servers  atomic.Value // []*proxy.Upstream

	// 探测入口，测试里换成假探测；启动后不再改动
	probeFn func(context.Context, *proxy.Upstream) (time.Duration, error)

	mu      sync.Mutex
	probing map[*proxy.Upstream]struct{}
	ctx     context.Context

	tpMu       sync.RWMutex
	throughput map[*proxy.Upstream]Throughput
	lastSample map[*proxy.Upstream]proxy.Traffic
}

// New builds a monitor over the initial upstream set. Probing starts
// when MonitorDelay runs.
func New(servers []*proxy.Upstream, probeInterval time.Duration) *Monitor {
	m := &Monitor{
		interval:   probeInterval,
		probeFn:    probe,
		probing:    make(map[*proxy.Upstream]struct{}),
		throughput: make(map[*proxy.Upstream]Throughput),
		lastSample: make(map[*proxy.Upstream]proxy.Traffic),
	}
	m.servers.Store(append([]*proxy.Upstream(nil), servers...))
	return m
}

// Servers returns a ranked snapshot: finite score+base ascending, unknown
// scores last in registration order, ties broken by live connections.
// The snapshot stays consistent for the caller even if UpdateServers
// runs concurrently.
func (m *Monitor) Servers() []*proxy.Upstream {
	cur := m.servers.Load().([]*proxy.Upstream)
	out := append([]*proxy.Upstream(nil), cur...)
	sort.SliceStable(out, func(i, j int) bool {
		si, oki := out[i].RankKey()
		sj, okj := out[j].RankKey()
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		if si != sj {
			return si < sj
		}
		return out[i].ConnAlive() < out[j].ConnAlive()
	})
	return out
}

// UpdateServers atomically replaces the upstream set. In-flight relays
// on removed upstreams run to completion; their probe loops stop at the
// next tick. Probe loops for new upstreams start immediately when the
// delay monitor is running.
func (m *Monitor) UpdateServers(next []*proxy.Upstream) {
	m.servers.Store(append([]*proxy.Upstream(nil), next...))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		m.ensureProbeLoopsLocked()
	}
}

func (m *Monitor) contains(u *proxy.Upstream) bool {
	for _, v := range m.servers.Load().([]*proxy.Upstream) {
		if v == u {
			return true
		}
	}
	return false
}

// MonitorDelay runs probe loops for every upstream until ctx is done.
func (m *Monitor) MonitorDelay(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.ensureProbeLoopsLocked()
	m.mu.Unlock()
	<-ctx.Done()
}

// 每个上游一个循环：同一上游同时最多一个探测在途，慢探测自然合并
// 后续的 tick
func (m *Monitor) ensureProbeLoopsLocked() {
	for _, u := range m.servers.Load().([]*proxy.Upstream) {
		if _, ok := m.probing[u]; ok {
			continue
		}
		m.probing[u] = struct{}{}
		go m.probeLoop(m.ctx, u)
	}
}

func (m *Monitor) probeLoop(ctx context.Context, u *proxy.Upstream) {
	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// 退出瞬间同一个句柄又被换回来的话，直接原地重启循环；
		// 否则 ensureProbeLoopsLocked 看到残留的登记会跳过它，
		// 这个上游就再也没人探测了
		if m.ctx != nil && m.ctx.Err() == nil && m.contains(u) {
			go m.probeLoop(m.ctx, u)
			return
		}
		delete(m.probing, u)
	}()
	for {
		if !m.contains(u) {
			return
		}
		rtt, err := m.probeFn(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.MarkDead()
			utils.Logger.Warn("probe failed",
				zap.String("upstream", u.Tag),
				zap.Error(err))
		} else {
			u.UpdateDelay(rtt)
			score, _ := u.Score()
			utils.Logger.Debug("probe ok",
				zap.String("upstream", u.Tag),
				zap.Int64("delay(ms)", rtt.Milliseconds()),
				zap.Int64("score", score))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(m.interval)):
		}
	}
}

// jitter spreads probe ticks by ±10% so the pool is never hit in bursts.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d - d/10 + time.Duration(rand.Int63n(spread))
}

// MonitorThroughput samples cumulative traffic counters every second and
// keeps one bytes-per-second pair per upstream.
func (m *Monitor) MonitorThroughput(ctx context.Context) {
	ticker := time.NewTicker(throughputInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sampleThroughput(now.Sub(last))
			last = now
		}
	}
}

func (m *Monitor) sampleThroughput(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	cur := m.servers.Load().([]*proxy.Upstream)
	m.tpMu.Lock()
	defer m.tpMu.Unlock()
	seen := make(map[*proxy.Upstream]struct{}, len(cur))
	for _, u := range cur {
		seen[u] = struct{}{}
		tr := u.Traffic()
		if prev, ok := m.lastSample[u]; ok {
			m.throughput[u] = Throughput{
				TxBps: (tr.TxBytes - prev.TxBytes) * int64(time.Second) / int64(elapsed),
				RxBps: (tr.RxBytes - prev.RxBytes) * int64(time.Second) / int64(elapsed),
			}
		}
		m.lastSample[u] = tr
	}
	for u := range m.lastSample {
		if _, ok := seen[u]; !ok {
			delete(m.lastSample, u)
			delete(m.throughput, u)
		}
	}
}

// Throughputs returns the latest per-upstream byte rates.
func (m *Monitor) Throughputs() map[*proxy.Upstream]Throughput {
	m.tpMu.RLock()
	defer m.tpMu.RUnlock()
	out := make(map[*proxy.Upstream]Throughput, len(m.throughput))
	for u, tp := range m.throughput {
		out[u] = tp
	}
	return out
}
