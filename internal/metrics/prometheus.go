package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsDesc = prometheus.NewDesc(
		"aero_chat_hub_events_total",
		"Internal event counters.",
		[]string{"event"}, nil,
	)
	onlineDesc = prometheus.NewDesc(
		"aero_chat_hub_online_users",
		"Users with a registered live connection.",
		nil, nil,
	)
)

// Collector exposes a Metrics registry as a single labelled counter plus an
// optional online-users gauge.
type Collector struct {
	m      *Metrics
	online func() int
}

func NewCollector(m *Metrics, online func() int) *Collector {
	return &Collector{m: m, online: online}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- eventsDesc
	ch <- onlineDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(v), name)
	}
	if c.online != nil {
		ch <- prometheus.MustNewConstMetric(onlineDesc, prometheus.GaugeValue, float64(c.online()))
	}
}

// Handler builds a dedicated registry holding the hub collector and the Go
// runtime collectors and serves it in the Prometheus exposition format.
func Handler(m *Metrics, online func() int) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m, online),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
