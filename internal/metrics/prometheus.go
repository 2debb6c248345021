package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync node
type Metrics struct {
	// Local mutation metrics
	EventsAppendedTotal   prometheus.Counter
	EventAppendDuration   prometheus.Histogram
	ActiveRegisters       prometheus.Gauge
	TombstonesTotal       prometheus.Counter

	// Merge metrics
	RemoteEventsAppliedTotal prometheus.Counter
	MergesChangedStateTotal  prometheus.Counter
	ConcurrentTieBreaksTotal prometheus.Counter
	ClockSkewWarningsTotal   prometheus.Counter

	// Sync round metrics
	SyncRoundsTotal   *prometheus.CounterVec
	SyncRoundDuration prometheus.Histogram
	EventsSentTotal   prometheus.Counter
	EventsFetchedTotal prometheus.Counter
	PendingEvents     prometheus.Gauge

	// Membership metrics
	GossipMembers prometheus.Gauge

	// System metrics
	DiskUsedBytes      prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryAllocBytes   prometheus.Gauge
	Goroutines         prometheus.Gauge
}

// UpdateSystemStats refreshes the system-level gauges.
func (m *Metrics) UpdateSystemStats(diskUsed, diskAvailable, memAlloc int64, goroutines int) {
	m.DiskUsedBytes.Set(float64(diskUsed))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryAllocBytes.Set(float64(memAlloc))
	m.Goroutines.Set(float64(goroutines))
}

// NewMetrics creates all metrics and registers them with the default
// registry.
func NewMetrics(nodeID string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, nodeID)
}

// NewMetricsWith creates all metrics against the given registerer.
func NewMetricsWith(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		EventsAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "events",
			Name:        "appended_total",
			Help:        "Total number of events appended to the local log",
			ConstLabels: labels,
		}),
		EventAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "crdtsync",
			Subsystem:   "events",
			Name:        "append_duration_seconds",
			Help:        "Histogram of durable event append durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ActiveRegisters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crdtsync",
			Subsystem:   "registers",
			Name:        "active_total",
			Help:        "Number of live registers in the in-memory cache",
			ConstLabels: labels,
		}),
		TombstonesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "registers",
			Name:        "tombstones_total",
			Help:        "Total number of tombstone values written",
			ConstLabels: labels,
		}),
		RemoteEventsAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "merge",
			Name:        "remote_events_applied_total",
			Help:        "Total number of remote events fed through merge",
			ConstLabels: labels,
		}),
		MergesChangedStateTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "merge",
			Name:        "changed_state_total",
			Help:        "Total number of remote merges that changed local state",
			ConstLabels: labels,
		}),
		ConcurrentTieBreaksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "merge",
			Name:        "concurrent_tie_breaks_total",
			Help:        "Total number of merges resolved by the LWW tie-break",
			ConstLabels: labels,
		}),
		ClockSkewWarningsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "merge",
			Name:        "clock_skew_warnings_total",
			Help:        "Total number of remote events outside the skew tolerance",
			ConstLabels: labels,
		}),
		SyncRoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "sync",
			Name:        "rounds_total",
			Help:        "Total sync rounds by direction and status",
			ConstLabels: labels,
		}, []string{"direction", "status"}),
		SyncRoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "crdtsync",
			Subsystem:   "sync",
			Name:        "round_duration_seconds",
			Help:        "Histogram of sync round durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		EventsSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "sync",
			Name:        "events_sent_total",
			Help:        "Total number of events pushed to remote nodes",
			ConstLabels: labels,
		}),
		EventsFetchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crdtsync",
			Subsystem:   "sync",
			Name:        "events_fetched_total",
			Help:        "Total number of events pulled from remote nodes",
			ConstLabels: labels,
		}),
		PendingEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crdtsync",
			Subsystem:   "sync",
			Name:        "pending_events",
			Help:        "Events not yet confirmed delivered to the slowest remote",
			ConstLabels: labels,
		}),
		GossipMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crdtsync",
			Subsystem:   "gossip",
			Name:        "members",
			Help:        "Number of known live cluster members",
			ConstLabels: labels,
		}),
		DiskUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crdtsync",
			Subsystem:   "system",
			Name:        "disk_used_bytes",
			Help:        "Used bytes on the data directory filesystem",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crdtsync",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the data directory filesystem",
			ConstLabels: labels,
		}),
		MemoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crdtsync",
			Subsystem:   "system",
			Name:        "memory_alloc_bytes",
			Help:        "Heap bytes currently allocated",
			ConstLabels: labels,
		}),
		Goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crdtsync",
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of running goroutines",
			ConstLabels: labels,
		}),
	}
}
