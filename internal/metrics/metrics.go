package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncCyclesTotal counts sync cycles by result
	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgsync_cycles_total",
			Help: "Total number of sync cycles by result",
		},
		[]string{"result"},
	)

	// SyncCycleDuration observes how long a sync cycle takes
	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cfgsync_cycle_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ConfigsPulledTotal counts config files replaced by a peer copy
	ConfigsPulledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgsync_configs_pulled_total",
			Help: "Total number of config files pulled from peers",
		},
		[]string{"kind"},
	)

	// ConfigsPushedTotal counts local config files sent to peers
	ConfigsPushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgsync_configs_pushed_total",
			Help: "Total number of config files pushed to peers",
		},
		[]string{"kind"},
	)

	// PushesReceivedTotal counts pushes received from peers by outcome
	PushesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgsync_pushes_received_total",
			Help: "Total number of config pushes received from peers",
		},
		[]string{"kind", "result"},
	)

	// PeerRequestFailuresTotal counts failed requests to peers
	PeerRequestFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgsync_peer_request_failures_total",
			Help: "Total number of failed requests to peers",
		},
		[]string{"node", "op"},
	)

	// RegistryMergesTotal counts known-hosts registry merges
	RegistryMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cfgsync_registry_merges_total",
			Help: "Total number of known-hosts registry merges",
		},
	)

	// LocalConfigVersion reports the local version of each config file
	LocalConfigVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cfgsync_local_config_version",
			Help: "Version of the local copy of each config file",
		},
		[]string{"kind"},
	)

	// SyncAllowed is 1 when the sync loop is neither paused nor disabled
	SyncAllowed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cfgsync_sync_allowed",
			Help: "Whether the sync loop is currently allowed to run",
		},
	)

	// PollIntervalSeconds reports the configured sync period
	PollIntervalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cfgsync_poll_interval_seconds",
			Help: "Configured sync period in seconds",
		},
	)

	// RateLimitRejections counts requests rejected due to rate limiting
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgsync_rate_limit_rejections_total",
			Help: "Total number of peer requests rejected due to rate limiting",
		},
		[]string{"node"},
	)
)
