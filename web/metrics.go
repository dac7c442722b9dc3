package web

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presto/monitor"
)

const namespace = "presto"

var (
	scoreDesc = prometheus.NewDesc(
		namespace+"_upstream_score",
		"Filtered probe RTT in milliseconds; absent while the upstream is unknown or dead.",
		[]string{"tag"}, nil)
	delayDesc = prometheus.NewDesc(
		namespace+"_upstream_delay_seconds",
		"Last measured probe RTT.",
		[]string{"tag"}, nil)
	aliveDesc = prometheus.NewDesc(
		namespace+"_upstream_connections_alive",
		"Currently open relayed connections through this upstream.",
		[]string{"tag"}, nil)
	totalDesc = prometheus.NewDesc(
		namespace+"_upstream_connections_total",
		"Cumulative successful relays through this upstream.",
		[]string{"tag"}, nil)
	txDesc = prometheus.NewDesc(
		namespace+"_upstream_tx_bytes_total",
		"Bytes relayed towards this upstream.",
		[]string{"tag"}, nil)
	rxDesc = prometheus.NewDesc(
		namespace+"_upstream_rx_bytes_total",
		"Bytes relayed back from this upstream.",
		[]string{"tag"}, nil)
)

// monitorCollector snapshots the monitor at scrape time; the status page
// and the exposition therefore always agree.
type monitorCollector struct {
	mon *monitor.Monitor
}

func (c *monitorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- scoreDesc
	ch <- delayDesc
	ch <- aliveDesc
	ch <- totalDesc
	ch <- txDesc
	ch <- rxDesc
}

func (c *monitorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, u := range c.mon.Servers() {
		if score, ok := u.Score(); ok {
			ch <- prometheus.MustNewConstMetric(scoreDesc, prometheus.GaugeValue,
				float64(score), u.Tag)
		}
		if delay, ok := u.Delay(); ok {
			ch <- prometheus.MustNewConstMetric(delayDesc, prometheus.GaugeValue,
				delay.Seconds(), u.Tag)
		}
		ch <- prometheus.MustNewConstMetric(aliveDesc, prometheus.GaugeValue,
			float64(u.ConnAlive()), u.Tag)
		ch <- prometheus.MustNewConstMetric(totalDesc, prometheus.CounterValue,
			float64(u.ConnTotal()), u.Tag)
		tr := u.Traffic()
		ch <- prometheus.MustNewConstMetric(txDesc, prometheus.CounterValue,
			float64(tr.TxBytes), u.Tag)
		ch <- prometheus.MustNewConstMetric(rxDesc, prometheus.CounterValue,
			float64(tr.RxBytes), u.Tag)
	}
}

func metricsHandler(mon *monitor.Monitor) gin.HandlerFunc {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&monitorCollector{mon: mon})
	return gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}
