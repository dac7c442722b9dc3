package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presto/monitor"
	"presto/proxy"
	"presto/utils"
)

// Version is the build version reported by /version and /plain.
const Version = "0.4.2"

type serverStatus struct {
	Tag        string             `json:"tag"`
	Address    string             `json:"address"`
	Score      *int64             `json:"score"`
	Delay      *int64             `json:"delay"`
	ConnAlive  int64              `json:"conn_alive"`
	ConnTotal  int64              `json:"conn_total"`
	Traffic    proxy.Traffic      `json:"traffic"`
	Throughput monitor.Throughput `json:"throughput"`
}

type status struct {
	Servers    []serverStatus     `json:"servers"`
	UptimeSecs int64              `json:"uptime_secs"`
	Throughput monitor.Throughput `json:"throughput"`
}

func buildStatus(mon *monitor.Monitor, startTime time.Time) status {
	thps := mon.Throughputs()
	var total monitor.Throughput
	for _, tp := range thps {
		total.TxBps += tp.TxBps
		total.RxBps += tp.RxBps
	}
	var servers []serverStatus
	for _, u := range mon.Servers() {
		s := serverStatus{
			Tag:        u.Tag,
			Address:    u.Addr,
			ConnAlive:  u.ConnAlive(),
			ConnTotal:  u.ConnTotal(),
			Traffic:    u.Traffic(),
			Throughput: thps[u],
		}
		if score, ok := u.Score(); ok {
			v := score
			s.Score = &v
		}
		if delay, ok := u.Delay(); ok {
			ms := delay.Milliseconds()
			s.Delay = &ms
		}
		servers = append(servers, s)
	}
	return status{
		Servers:    servers,
		UptimeSecs: int64(time.Since(startTime).Seconds()),
		Throughput: total,
	}
}

// NewRouter builds the status router; split out so tests can drive it
// with httptest.
func NewRouter(mon *monitor.Monitor, startTime time.Time) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, buildStatus(mon, startTime))
	})
	r.GET("/plain", func(c *gin.Context) {
		c.String(http.StatusOK, plainStatus(mon, startTime))
	})
	r.GET("/version", func(c *gin.Context) {
		c.String(http.StatusOK, Version)
	})
	r.GET("/metrics", metricsHandler(mon))
	return r
}

func plainStatus(mon *monitor.Monitor, startTime time.Time) string {
	st := buildStatus(mon, startTime)
	var sb strings.Builder
	fmt.Fprintf(&sb, "presto (%s) is running. %s\n",
		Version, time.Duration(st.UptimeSecs)*time.Second)
	fmt.Fprintf(&sb, "↑ %s ↓ %s\n",
		humanBps(st.Throughput.TxBps), humanBps(st.Throughput.RxBps))

	w := tabwriter.NewWriter(&sb, 2, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Server\tScore\tDelay\tCUR\tTTL\tUp\tDown\t↑↓")
	for _, s := range st.Servers {
		score, delay := "-", "-"
		if s.Score != nil {
			score = fmt.Sprintf("%d", *s.Score)
		}
		if s.Delay != nil {
			delay = fmt.Sprintf("%dms", *s.Delay)
		}
		rate := ""
		if sum := s.Throughput.TxBps + s.Throughput.RxBps; sum > 0 {
			rate = humanBps(sum)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.Tag, score, delay, s.ConnAlive, s.ConnTotal,
			humanBytes(s.Traffic.TxBytes), humanBytes(s.Traffic.RxBytes), rate)
	}
	w.Flush()
	return sb.String()
}

// Run serves the status interface until ctx is done. A bind starting
// with '/' is treated as a Unix socket path, removed on shutdown.
func Run(ctx context.Context, bind string, mon *monitor.Monitor) error {
	r := NewRouter(mon, time.Now())

	network := "tcp"
	if strings.HasPrefix(bind, "/") {
		network = "unix"
	}
	ln, err := net.Listen(network, bind)
	if err != nil {
		utils.Logger.Error("failed to bind web server",
			zap.String("addr", bind), zap.Error(err))
		return err
	}
	if network == "unix" {
		defer os.Remove(bind)
	}
	utils.Logger.Info("web server running", zap.String("addr", bind))

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
