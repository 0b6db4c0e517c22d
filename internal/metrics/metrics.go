package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream metrics.
var (
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fpsp_stream_connected",
		Help: "1 while the stream connection is open, 0 otherwise.",
	})

	ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fpsp_stream_connect_attempts_total",
		Help: "Total connection attempts, including reconnects.",
	})

	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fpsp_stream_frames_routed_total",
		Help: "Inbound frames dispatched to subscribers, by frame type.",
	}, []string{"type"})

	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fpsp_stream_parse_errors_total",
		Help: "Inbound frames that failed to parse.",
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fpsp_stream_heartbeats_sent_total",
		Help: "Ping probes transmitted.",
	})

	PendingAcks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fpsp_stream_pending_acks",
		Help: "Sends currently awaiting acknowledgement.",
	})

	AcksResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fpsp_stream_acks_resolved_total",
		Help: "Acknowledgements matched to a pending send.",
	})

	AckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fpsp_stream_ack_timeouts_total",
		Help: "Sends that timed out waiting for an acknowledgement.",
	})
)

// Writer metrics.
var (
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fpsp_writer_rows_written_total",
		Help: "Rows inserted by batch writers.",
	}, []string{"writer"})

	WriterFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fpsp_writer_flushes_total",
		Help: "Batch flushes performed by writers.",
	}, []string{"writer"})

	WriterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fpsp_writer_errors_total",
		Help: "Failed batch inserts.",
	}, []string{"writer"})
)
