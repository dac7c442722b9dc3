package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"presto/config"
	"presto/controller"
	"presto/monitor"
	"presto/proxy"
	"presto/utils"
	"presto/web"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load config if a path is provided; overrides default and env
	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	defer utils.Logger.Sync()

	cfg := config.GlobalCfg
	servers, err := buildUpstreams()
	if err != nil {
		fmt.Printf("invalid upstream config: %v\n", err)
		os.Exit(1)
	}

	utils.Logger.Info("PRESTO 启动...",
		zap.String("version", web.Version),
		zap.Int("upstreams", len(servers)))

	mon := monitor.New(servers, time.Duration(cfg.ProbeInterval)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mon.MonitorDelay(ctx)
	go mon.MonitorThroughput(ctx)

	if cfg.Web != "" {
		go web.Run(ctx, cfg.Web, mon)
	}

	// SIGHUP 重读配置并热替换上游列表；解析失败保留旧列表继续跑
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := config.Reload(configPath(*conf)); err != nil {
				utils.Logger.Error("reload failed, keeping previous server list",
					zap.Error(err))
				continue
			}
			next, err := buildUpstreams()
			if err != nil {
				utils.Logger.Error("reload failed, keeping previous server list",
					zap.Error(err))
				continue
			}
			mon.UpdateServers(next)
			utils.Logger.Info("server list reloaded", zap.Int("upstreams", len(next)))
		}
	}()

	if err := controller.Listen(ctx, mon); err != nil {
		os.Exit(1)
	}
	utils.Logger.Info("PRESTO 关闭...")
}

func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("PRESTO_CONFIG"); p != "" {
		return p
	}
	return "config/setting.json"
}

// buildUpstreams 把配置里的上游列表翻译成描述符，顺序保持注册顺序。
func buildUpstreams() ([]*proxy.Upstream, error) {
	cfg := config.GlobalCfg
	servers := make([]*proxy.Upstream, 0, len(cfg.Upstreams))
	for i, uc := range cfg.Upstreams {
		var proto proxy.Protocol
		switch uc.Protocol {
		case "http":
			proto = proxy.Protocol{Kind: proxy.ProtoHTTP, AllowConnectPayload: uc.AllowConnectPayload}
		case "socks5":
			proto = proxy.Protocol{Kind: proxy.ProtoSOCKS5, FakeHandshake: uc.FakeHandshake}
		default:
			return nil, fmt.Errorf("unknown protocol %q at pos %d", uc.Protocol, i)
		}
		servers = append(servers, proxy.NewUpstream(uc.Tag, uc.Address, proto, uc.TestDNS, uc.ScoreBase))
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("missing server list")
	}
	return servers, nil
}
