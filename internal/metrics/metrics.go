// Package metrics exposes federation and call statistics to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NodeStatsProvider exposes federation-level gauges.
type NodeStatsProvider interface {
	ClaimedResources() int
	ContactCount() int
	TupleCount() int
}

// AGIStatsProvider exposes the number of live AGI sessions.
type AGIStatsProvider interface {
	ActiveSessions() int
}

// CallStatsProvider returns the number of persisted calls.
type CallStatsProvider interface {
	CallCount(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers meshivr metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	node      NodeStatsProvider
	agi       AGIStatsProvider
	calls     CallStatsProvider
	startTime time.Time

	claimedDesc  *prometheus.Desc
	contactsDesc *prometheus.Desc
	tuplesDesc   *prometheus.Desc
	sessionsDesc *prometheus.Desc
	callsDesc    *prometheus.Desc
	uptimeDesc   *prometheus.Desc
}

// NewCollector creates a metrics collector.
func NewCollector(node NodeStatsProvider, agi AGIStatsProvider, calls CallStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		node:      node,
		agi:       agi,
		calls:     calls,
		startTime: startTime,

		claimedDesc: prometheus.NewDesc(
			"meshivr_claimed_resources",
			"Number of federation resources this node currently holds a claim on",
			nil, nil,
		),
		contactsDesc: prometheus.NewDesc(
			"meshivr_contacts",
			"Number of known federation peers",
			nil, nil,
		),
		tuplesDesc: prometheus.NewDesc(
			"meshivr_tuples",
			"Number of tuples in the local registry view",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"meshivr_agi_active_sessions",
			"Number of AGI call legs currently connected to the local FastAGI server",
			nil, nil,
		),
		callsDesc: prometheus.NewDesc(
			"meshivr_calls_total",
			"Total number of calls persisted to the history store",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"meshivr_uptime_seconds",
			"Seconds since the meshivr process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.claimedDesc
	ch <- c.contactsDesc
	ch <- c.tuplesDesc
	ch <- c.sessionsDesc
	ch <- c.callsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.node != nil {
		ch <- prometheus.MustNewConstMetric(
			c.claimedDesc, prometheus.GaugeValue, float64(c.node.ClaimedResources()))
		ch <- prometheus.MustNewConstMetric(
			c.contactsDesc, prometheus.GaugeValue, float64(c.node.ContactCount()))
		ch <- prometheus.MustNewConstMetric(
			c.tuplesDesc, prometheus.GaugeValue, float64(c.node.TupleCount()))
	}

	if c.agi != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue, float64(c.agi.ActiveSessions()))
	}

	if c.calls != nil {
		count, err := c.calls.CallCount(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.callsDesc, prometheus.CounterValue, float64(count))
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
