package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStater is satisfied by *pgxpool.Pool.
type PoolStater interface {
	Stat() *pgxpool.Stat
}

// PoolCollector exports connection pool state on every scrape.
type PoolCollector struct {
	pool  PoolStater
	conns *prometheus.Desc
	waits *prometheus.Desc
}

// NewPoolCollector creates a collector for pool.
func NewPoolCollector(pool PoolStater) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		conns: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "db", "pool_connections"),
			"Number of database connections by state",
			[]string{"state"}, nil,
		),
		waits: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "db", "pool_acquire_waits_total"),
			"Number of connection acquires that had to wait",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.waits
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(stats.AcquiredConns()), "in_use")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(stats.IdleConns()), "idle")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(stats.MaxConns()), "max")
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(stats.EmptyAcquireCount()))
}
