package controller

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"presto/monitor"
	"presto/proxy"
	"presto/utils"
)

const (
	// 单批握手竞速的软截止时间，以及整个调度过程的总上限
	batchTimeout    = 4 * time.Second
	dispatchTimeout = 20 * time.Second
)

// Dispatch 在排好序的上游里按批竞速握手，第一个握手成功的连接胜出，
// 然后进入双向转发。peeked 是嗅探阶段已经读走的客户端首包。
func Dispatch(ctx context.Context, conn net.Conn, dst proxy.Destination, mon *monitor.Monitor, nParallel int, peeked []byte) {
	decisionBegin := time.Now()
	ranked := mon.Servers()
	if len(ranked) == 0 {
		utils.Logger.Warn("no upstream configured",
			zap.String("client", conn.RemoteAddr().String()))
		return
	}
	batch := nParallel
	if batch < 1 {
		batch = 1
	}
	// 有分数的排前面；首批不跨过有分/无分的边界，全灭后再把无分的
	// 按注册顺序当最后手段
	scored := 0
	for _, u := range ranked {
		if _, ok := u.RankKey(); !ok {
			break
		}
		scored++
	}

	dctx, dcancel := context.WithTimeout(ctx, dispatchTimeout)
	defer dcancel()

	for i := 0; i < len(ranked); {
		end := i + batch
		if end > len(ranked) {
			end = len(ranked)
		}
		if i < scored && end > scored {
			end = scored
		}
		target, leftover, u := race(dctx, ranked[i:end], dst, peeked)
		if target != nil {
			utils.Logger.Debug("ESTABLISHED",
				zap.String("client", conn.RemoteAddr().String()),
				zap.String("dest", dst.String()),
				zap.String("upstream", u.Tag),
				zap.Int64("decisionTime(ms)", time.Since(decisionBegin).Milliseconds()))
			relay(conn, target, u, leftover)
			return
		}
		if dctx.Err() != nil {
			break
		}
		i = end
	}
	// 透明模式没有给客户端报错的通道，静默断开
	utils.Logger.Warn("all upstreams failed",
		zap.String("client", conn.RemoteAddr().String()),
		zap.String("dest", dst.String()))
}

type raceResult struct {
	conn     net.Conn
	leftover []byte
	u        *proxy.Upstream
}

// race 同时向一批候选上游发起握手，第一个成功的胜出，其余连接全部
// 取消并关闭。失败的尝试不碰 conn_alive，只有赢家计数。
func race(parent context.Context, cands []*proxy.Upstream, dst proxy.Destination, payload []byte) (net.Conn, []byte, *proxy.Upstream) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	winner := make(chan raceResult, len(cands))
	var wg sync.WaitGroup
	for _, u := range cands {
		wg.Add(1)
		go func(u *proxy.Upstream) {
			defer wg.Done()
			c, leftover, err := u.Connect(ctx, dst, payload)
			if err != nil {
				utils.Logger.Debug("handshake failed",
					zap.String("upstream", u.Tag), zap.Error(err))
				return
			}
			winner <- raceResult{conn: c, leftover: leftover, u: u}
		}(u)
	}
	go func() {
		wg.Wait()
		close(winner)
	}()
	// 晚到的成功连接交给这个清理协程关掉
	closeRest := func() {
		go func() {
			for r := range winner {
				r.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(batchTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-winner:
		if !ok {
			return nil, nil, nil
		}
		cancel()
		closeRest()
		r.u.IncAlive()
		return r.conn, r.leftover, r.u
	case <-timer.C:
		cancel()
		closeRest()
		return nil, nil, nil
	case <-ctx.Done():
		closeRest()
		return nil, nil, nil
	}
}

// relay 双向搬运字节并计数。一侧读尽或出错时向对侧传播半关，两个
// 方向都停了再收尾。退出时归还 conn_alive。
func relay(client, target net.Conn, u *proxy.Upstream, leftover []byte) {
	defer u.DecAlive()
	defer target.Close()

	// 握手阶段多读出来的字节属于下行流，先还给客户端
	if len(leftover) > 0 {
		if _, err := client.Write(leftover); err != nil {
			return
		}
		u.AddRx(int64(len(leftover)))
	}

	var g errgroup.Group
	g.Go(func() error {
		pipe(target, client, u.AddTx)
		closeWrite(target)
		return nil
	})
	g.Go(func() error {
		pipe(client, target, u.AddRx)
		closeWrite(client)
		return nil
	})
	_ = g.Wait()
}

// pipe copies until EOF or error, feeding written byte counts to account.
func pipe(dst io.Writer, src io.Reader, account func(int64)) {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			account(int64(n))
		}
		if rerr != nil {
			return
		}
	}
}

// closeWrite 传播半关；不支持半关的连接只能整个关掉
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
