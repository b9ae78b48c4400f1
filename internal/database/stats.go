package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports pgxpool statistics as Prometheus metrics.
type StatsCollector struct {
	pool *Pool

	maxConns        *prometheus.Desc
	totalConns      *prometheus.Desc
	idleConns       *prometheus.Desc
	acquiredConns   *prometheus.Desc
	acquireCount    *prometheus.Desc
	acquireDuration *prometheus.Desc
	emptyAcquire    *prometheus.Desc
}

// NewStatsCollector returns a collector reading p on every scrape.
func NewStatsCollector(p *Pool) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("db_pool_"+name, help, nil, nil)
	}
	return &StatsCollector{
		pool:            p,
		maxConns:        desc("max_conns", "Maximum size of the pool"),
		totalConns:      desc("total_conns", "Connections currently open"),
		idleConns:       desc("idle_conns", "Idle connections"),
		acquiredConns:   desc("acquired_conns", "Connections checked out"),
		acquireCount:    desc("acquire_total", "Successful acquires"),
		acquireDuration: desc("acquire_duration_seconds_total", "Time spent acquiring connections"),
		emptyAcquire:    desc("empty_acquire_total", "Acquires that waited for a connection"),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxConns
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.acquiredConns
	ch <- c.acquireCount
	ch <- c.acquireDuration
	ch <- c.emptyAcquire
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(s.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.CounterValue, s.AcquireDuration().Seconds())
	ch <- prometheus.MustNewConstMetric(c.emptyAcquire, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
}
