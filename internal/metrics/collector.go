package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats provides the metrics collector access to live pipeline state.
type LiveStats interface {
	Listening() bool
	SubscriberCount() int
	SummaryPending() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats LiveStats

	listening      *prometheus.Desc
	subscribers    *prometheus.Desc
	summaryPending *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// stats may be nil (metrics will report 0).
func NewCollector(stats LiveStats) *Collector {
	return &Collector{
		stats: stats,
		listening: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "listening"),
			"1 while the microphone is open and the recognizer is ready.",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "subscribers_active"),
			"Current number of live stream subscribers.",
			nil, nil,
		),
		summaryPending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "summary", "queue_pending"),
			"Sentences waiting to be summarized.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.listening
	ch <- c.subscribers
	ch <- c.summaryPending
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var listening, subscribers, pending float64
	if c.stats != nil {
		if c.stats.Listening() {
			listening = 1
		}
		subscribers = float64(c.stats.SubscriberCount())
		pending = float64(c.stats.SummaryPending())
	}
	ch <- prometheus.MustNewConstMetric(c.listening, prometheus.GaugeValue, listening)
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, subscribers)
	ch <- prometheus.MustNewConstMetric(c.summaryPending, prometheus.GaugeValue, pending)
}
