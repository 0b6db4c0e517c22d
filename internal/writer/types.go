package writer

import (
	"time"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the input channel capacity.
	BufferSize int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

// tradeRow represents a row to be inserted into the trades table.
type tradeRow struct {
	TradeID    string
	Symbol     string
	Direction  string
	Volume     float64
	Profit     float64
	EventTs    int64 // Microseconds
	ReceivedAt int64 // Microseconds
}

// signalRow represents a row to be inserted into the signals table.
type signalRow struct {
	Symbol     string
	Confidence float64
	EventTs    int64 // Microseconds
	ReceivedAt int64 // Microseconds
}
