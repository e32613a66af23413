package kvdo

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports an instance's counter set to Prometheus. Gauges
// are sampled from the same snapshot as the counters so a scrape sees
// a consistent view.
type Collector struct {
	metrics *Metrics

	readOps    *prometheus.Desc
	writeOps   *prometheus.Desc
	discardOps *prometheus.Desc
	flushOps   *prometheus.Desc

	submitted *prometheus.Desc
	remapped  *prometheus.Desc
	errored   *prometheus.Desc

	deferred   *prometheus.Desc
	relaunched *prometheus.Desc

	requestPermits *prometheus.Desc
	discardPermits *prometheus.Desc
	deadlockDepth  *prometheus.Desc

	syncFlushes     *prometheus.Desc
	syncFlushErrors *prometheus.Desc
	uptime          *prometheus.Desc
}

// NewCollector creates a collector labeled with the pool name.
func NewCollector(m *Metrics, pool string) *Collector {
	labels := prometheus.Labels{"pool": pool}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("kvdo_"+name, help, nil, labels)
	}
	return &Collector{
		metrics:         m,
		readOps:         desc("read_ops_total", "Read requests submitted"),
		writeOps:        desc("write_ops_total", "Write requests submitted"),
		discardOps:      desc("discard_ops_total", "Discard requests submitted"),
		flushOps:        desc("flush_ops_total", "Flush requests submitted"),
		submitted:       desc("dispatch_submitted_total", "Requests dispatched asynchronously"),
		remapped:        desc("dispatch_remapped_total", "Requests remapped to the backing device"),
		errored:         desc("dispatch_error_total", "Requests rejected with an error"),
		deferred:        desc("deferred_total", "Re-entrant requests parked on the deadlock queue"),
		relaunched:      desc("relaunched_total", "Deferred requests relaunched on completion"),
		requestPermits:  desc("request_permits_outstanding", "Request permits currently held"),
		discardPermits:  desc("discard_permits_outstanding", "Discard permits currently held"),
		deadlockDepth:   desc("deadlock_queue_depth", "Requests parked on the deadlock queue"),
		syncFlushes:     desc("sync_flush_total", "Synchronous flushes issued"),
		syncFlushErrors: desc("sync_flush_errors_total", "Synchronous flushes that failed"),
		uptime:          desc("uptime_seconds", "Seconds since the instance started"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readOps
	ch <- c.writeOps
	ch <- c.discardOps
	ch <- c.flushOps
	ch <- c.submitted
	ch <- c.remapped
	ch <- c.errored
	ch <- c.deferred
	ch <- c.relaunched
	ch <- c.requestPermits
	ch <- c.discardPermits
	ch <- c.deadlockDepth
	ch <- c.syncFlushes
	ch <- c.syncFlushErrors
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}
	counter(c.readOps, snap.ReadOps)
	counter(c.writeOps, snap.WriteOps)
	counter(c.discardOps, snap.DiscardOps)
	counter(c.flushOps, snap.FlushOps)
	counter(c.submitted, snap.SubmittedOps)
	counter(c.remapped, snap.RemappedOps)
	counter(c.errored, snap.ErrorOps)
	counter(c.deferred, snap.DeferredOps)
	counter(c.relaunched, snap.RelaunchedOps)
	gauge(c.requestPermits, float64(snap.RequestPermitsOutstanding))
	gauge(c.discardPermits, float64(snap.DiscardPermitsOutstanding))
	gauge(c.deadlockDepth, float64(snap.DeadlockQueueDepth))
	counter(c.syncFlushes, snap.SyncFlushOps)
	counter(c.syncFlushErrors, snap.SyncFlushErrors)
	gauge(c.uptime, time.Duration(snap.UptimeNs).Seconds())
}

var _ prometheus.Collector = (*Collector)(nil)

// ServeMetrics starts a dedicated HTTP server exposing the given
// collectors on /metrics. If you already expose Prometheus elsewhere,
// register a Collector with your own registry instead.
func ServeMetrics(addr string, collectors ...prometheus.Collector) *http.Server {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
