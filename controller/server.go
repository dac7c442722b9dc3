package controller

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"presto/config"
	"presto/monitor"
	"presto/proxy"
	"presto/utils"
)

var ipCache = cache.New(30*time.Second, 1*time.Minute)

// Listen 启动入口监听，做基础黑名单与限流，然后把连接交给调度器。
// 监听失败返回错误（启动期致命）；accept 错误只记日志并退避重试。
func Listen(ctx context.Context, mon *monitor.Monitor) error {
	cfg := config.GlobalCfg
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		utils.Logger.Error("failed to listen", zap.String("addr", cfg.Listen), zap.Error(err))
		return err
	}
	defer listener.Close()
	if cfg.CongLocal != "" {
		if err := setCongestion(listener, cfg.CongLocal); err != nil {
			utils.Logger.Error("failed to set congestion algorithm",
				zap.String("alg", cfg.CongLocal), zap.Error(err))
			return err
		}
		utils.Logger.Info("congestion algorithm set",
			zap.String("alg", cfg.CongLocal), zap.String("addr", cfg.Listen))
	}
	utils.Logger.Info("listening", zap.String("addr", cfg.Listen))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			utils.Logger.Error("failed to accept", zap.Error(err))
			time.Sleep(time.Second * 1)
			continue
		}
		//判断黑名单
		clientIP := conn.RemoteAddr().String()
		clientIP = clientIP[0:strings.LastIndex(clientIP, ":")]
		if len(cfg.Blacklist) != 0 && cfg.Blacklist[clientIP] {
			utils.Logger.Info("disconnected ip in blacklist", zap.String("ip", clientIP))
			conn.Close()
			continue
		}
		//限制单一IP 30秒内接入不能超过200次
		if count, found := ipCache.Get(clientIP); found && count.(int) >= 200 {
			utils.Logger.Warn("too many requests", zap.String("ip", clientIP))
			conn.Close()
			continue
		} else {
			if found {
				ipCache.Increment(clientIP, 1)
			} else {
				ipCache.Set(clientIP, 1, cache.DefaultExpiration)
			}
		}
		go handleClient(ctx, conn, mon)
	}
}

// handleClient 恢复原始目的地址，按需做 SNI 嗅探，然后调度转发。
func handleClient(ctx context.Context, conn net.Conn, mon *monitor.Monitor) {
	defer conn.Close()
	cfg := config.GlobalCfg

	dst, err := originalDst(conn)
	if err != nil {
		utils.Logger.Info("cannot determine destination",
			zap.String("client", conn.RemoteAddr().String()), zap.Error(err))
		return
	}

	var peeked []byte
	if cfg.RemoteDNS && dst.Port == 443 {
		name, buf := peekClientHello(conn)
		peeked = buf
		if name != "" {
			utils.Logger.Debug("sni found",
				zap.String("client", conn.RemoteAddr().String()),
				zap.String("name", name))
			dst.Host = name
		}
	}

	Dispatch(ctx, conn, dst, mon, cfg.NParallel, peeked)
}

// originalDst 在 Linux 透明转发模式下取 SO_ORIGINAL_DST；取不到就退回
// socket 本地地址（显式代理模式）。
func originalDst(conn net.Conn) (proxy.Destination, error) {
	tc, ok := conn.(*net.TCPConn)
	if ok {
		if dst, err := redirectedDst(tc); err == nil {
			return dst, nil
		}
	}
	return proxy.ParseDestination(conn.LocalAddr().String())
}
