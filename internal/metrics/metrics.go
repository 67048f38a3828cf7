package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 连接指标
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_client_frames_received_total",
			Help: "Total inbound socket frames by type",
		},
		[]string{"type"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_client_frames_sent_total",
			Help: "Total outbound socket frames by type",
		},
		[]string{"type"},
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "im_client_malformed_frames_total",
			Help: "Inbound frames that could not be decoded",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "im_client_reconnects_total",
			Help: "Reconnect attempts after an unexpected close",
		},
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "im_client_heartbeat_timeouts_total",
			Help: "Sockets closed because the server went silent",
		},
	)

	ConnectionOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "im_client_connection_open",
			Help: "1 while the shared socket is open",
		},
	)

	// 业务指标
	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "im_client_duplicate_messages_total",
			Help: "Inbound messages dropped as duplicates",
		},
	)

	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "im_client_unread_messages",
			Help: "Unread messages across all conversations",
		},
	)

	// REST 指标
	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_client_rest_request_duration_seconds",
			Help:    "Chat REST request duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)

	RESTFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_client_rest_failures_total",
			Help: "Failed chat REST requests",
		},
		[]string{"endpoint"},
	)

	NATSConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "im_client_nats_connected",
			Help: "1 when the NATS event bridge is connected",
		},
	)

	// 任务池指标
	PoolQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "im_client_pool_queued_tasks",
			Help: "Tasks waiting in a worker pool",
		},
		[]string{"pool"},
	)

	PoolRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_client_pool_rejected_total",
			Help: "Tasks rejected because the pool queue was full or closed",
		},
		[]string{"pool"},
	)
)
