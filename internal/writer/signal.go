package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/metrics"
	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/model"
)

// SignalWriter accumulates strategy signals from the stream and writes them
// to the signals table in batches.
type SignalWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input chan model.Signal

	db *pgxpool.Pool

	batch       []signalRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats WriterMetrics
}

// NewSignalWriter creates a new SignalWriter.
func NewSignalWriter(cfg WriterConfig, db *pgxpool.Pool, logger *slog.Logger) *SignalWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultWriterConfig().BufferSize
	}
	return &SignalWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan model.Signal, cfg.BufferSize),
		batch:  make([]signalRow, 0, cfg.BatchSize),
	}
}

// Enqueue submits a signal for persistence. Non-blocking: the signal is
// dropped with a warning if the writer cannot keep up.
func (w *SignalWriter) Enqueue(s model.Signal) {
	select {
	case w.input <- s:
	default:
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("signal writer backpressure, dropping signal", "symbol", s.Symbol)
	}
}

// Start begins consuming signals and writing to the database.
func (w *SignalWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("signal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer and flushes remaining rows.
func (w *SignalWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping signal writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("signal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("signal writer stop timed out")
	}

	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *SignalWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *SignalWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case s := <-w.input:
			w.handleSignal(s)
		}
	}
}

func (w *SignalWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

func (w *SignalWriter) handleSignal(s model.Signal) {
	row := w.transform(s)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a model.Signal to a signalRow.
func (w *SignalWriter) transform(s model.Signal) signalRow {
	return signalRow{
		Symbol:     s.Symbol,
		Confidence: s.Confidence,
		EventTs:    model.EpochMicros(s.Timestamp),
		ReceivedAt: time.Now().UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *SignalWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]signalRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		metrics.WriterErrors.WithLabelValues("signal").Inc()
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	metrics.WriterFlushes.WithLabelValues("signal").Inc()
	metrics.RowsWritten.WithLabelValues("signal").Add(float64(len(batch) - conflicts))

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed signals",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch. Signals are keyed by
// (symbol, event_ts); replays across reconnects are dropped.
func (w *SignalWriter) batchInsert(rows []signalRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO signals (symbol, confidence, event_ts, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (symbol, event_ts) DO NOTHING
		`, r.Symbol, r.Confidence, r.EventTs, r.ReceivedAt)
	}

	// The final flush from Stop runs after w.ctx is cancelled; give it its
	// own deadline instead of failing the batch.
	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
