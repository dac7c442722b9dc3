package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presto/proxy"
)

func newTestUpstream(tag string, base int64) *proxy.Upstream {
	return proxy.NewUpstream(tag, "127.0.0.1:1080",
		proxy.Protocol{Kind: proxy.ProtoSOCKS5}, "1.1.1.1:53", base)
}

func TestServersRanking(t *testing.T) {
	a := newTestUpstream("a", 0)
	b := newTestUpstream("b", 0)
	c := newTestUpstream("c", 0)
	d := newTestUpstream("d", 0)

	a.UpdateDelay(300 * time.Millisecond)
	b.UpdateDelay(100 * time.Millisecond)
	// c、d 没有分数，按注册顺序排在最后

	m := New([]*proxy.Upstream{a, b, c, d}, time.Hour)
	ranked := m.Servers()
	require.Len(t, ranked, 4)
	assert.Equal(t, []string{"b", "a", "c", "d"},
		[]string{ranked[0].Tag, ranked[1].Tag, ranked[2].Tag, ranked[3].Tag})
}

func TestServersRankingHonorsScoreBase(t *testing.T) {
	a := newTestUpstream("a", 0)
	b := newTestUpstream("b", -250)
	a.UpdateDelay(100 * time.Millisecond)
	b.UpdateDelay(300 * time.Millisecond)

	m := New([]*proxy.Upstream{a, b}, time.Hour)
	ranked := m.Servers()
	// 300-250=50 < 100，静态加成扭转排序
	assert.Equal(t, "b", ranked[0].Tag)
}

func TestServersRankingTieBreakByLoad(t *testing.T) {
	a := newTestUpstream("a", 0)
	b := newTestUpstream("b", 0)
	a.UpdateDelay(100 * time.Millisecond)
	b.UpdateDelay(100 * time.Millisecond)
	a.IncAlive()
	a.IncAlive()
	b.IncAlive()

	m := New([]*proxy.Upstream{a, b}, time.Hour)
	ranked := m.Servers()
	assert.Equal(t, "b", ranked[0].Tag)
}

func TestUpdateServersSwapsAtomically(t *testing.T) {
	x := newTestUpstream("x", 0)
	y := newTestUpstream("y", 0)
	m := New([]*proxy.Upstream{x, y}, time.Hour)

	// 转发进行中的上游被移除后，持有的句柄照常计数
	x.IncAlive()

	next := []*proxy.Upstream{y}
	m.UpdateServers(next)
	ranked := m.Servers()
	require.Len(t, ranked, 1)
	assert.Same(t, y, ranked[0])

	x.AddTx(100)
	x.DecAlive()
	assert.Equal(t, int64(0), x.ConnAlive())

	// 幂等：同一列表再换一次，观察结果不变
	m.UpdateServers(next)
	again := m.Servers()
	require.Len(t, again, 1)
	assert.Same(t, y, again[0])
}

func TestProbeLoopMarksDeadThenRevives(t *testing.T) {
	u := newTestUpstream("u", 0)
	m := New([]*proxy.Upstream{u}, 10*time.Millisecond)

	var healthy atomic.Bool
	m.probeFn = func(ctx context.Context, up *proxy.Upstream) (time.Duration, error) {
		if healthy.Load() {
			return 50 * time.Millisecond, nil
		}
		return 0, errors.New("unreachable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.MonitorDelay(ctx)

	require.Eventually(t, func() bool {
		_, ok := u.Score()
		return !ok
	}, time.Second, 5*time.Millisecond)

	healthy.Store(true)
	require.Eventually(t, func() bool {
		score, ok := u.Score()
		return ok && score == 50
	}, time.Second, 5*time.Millisecond)
}

func TestProbeLoopStopsForRemovedUpstream(t *testing.T) {
	u := newTestUpstream("u", 0)
	m := New([]*proxy.Upstream{u}, 10*time.Millisecond)

	var probes atomic.Int64
	m.probeFn = func(ctx context.Context, up *proxy.Upstream) (time.Duration, error) {
		probes.Add(1)
		return 10 * time.Millisecond, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.MonitorDelay(ctx)

	require.Eventually(t, func() bool { return probes.Load() > 0 },
		time.Second, 5*time.Millisecond)

	m.UpdateServers(nil)
	time.Sleep(50 * time.Millisecond)
	settled := probes.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, probes.Load(), settled+1)
}

func TestThroughputSampling(t *testing.T) {
	u := newTestUpstream("u", 0)
	m := New([]*proxy.Upstream{u}, time.Hour)

	// 第一次采样建立基线，第二次算出速率
	m.sampleThroughput(time.Second)
	u.AddTx(4096)
	u.AddRx(1024)
	m.sampleThroughput(time.Second)

	tp := m.Throughputs()[u]
	assert.Equal(t, int64(4096), tp.TxBps)
	assert.Equal(t, int64(1024), tp.RxBps)

	// 零增量回落到零
	m.sampleThroughput(time.Second)
	tp = m.Throughputs()[u]
	assert.Equal(t, int64(0), tp.TxBps)
}

func TestJitterStaysWithinTenPercent(t *testing.T) {
	d := 30 * time.Second
	for i := 0; i < 100; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, d-d/10)
		assert.Less(t, j, d+d/10)
	}
}
