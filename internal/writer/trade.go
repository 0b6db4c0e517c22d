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

// TradeWriter accumulates executed trades from the stream and writes them to
// the trades table in batches.
type TradeWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input, fed by a stream subscription via Enqueue
	input chan model.Trade

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []tradeRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats WriterMetrics
}

// NewTradeWriter creates a new TradeWriter.
func NewTradeWriter(cfg WriterConfig, db *pgxpool.Pool, logger *slog.Logger) *TradeWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultWriterConfig().BufferSize
	}
	return &TradeWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan model.Trade, cfg.BufferSize),
		batch:  make([]tradeRow, 0, cfg.BatchSize),
	}
}

// Enqueue submits a trade for persistence. Non-blocking: the trade is
// dropped with a warning if the writer cannot keep up.
func (w *TradeWriter) Enqueue(t model.Trade) {
	select {
	case w.input <- t:
	default:
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("trade writer backpressure, dropping trade", "trade_id", t.ID)
	}
}

// Start begins consuming trades and writing to the database.
func (w *TradeWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("trade writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer and flushes remaining rows.
func (w *TradeWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping trade writer")

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
		w.logger.Info("trade writer stopped")
	case <-ctx.Done():
		w.logger.Warn("trade writer stop timed out")
	}

	// Final flush
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *TradeWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop reads from the input channel and accumulates batches.
func (w *TradeWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.input:
			w.handleTrade(t)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *TradeWriter) flushLoop() {
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

// handleTrade transforms and adds a trade to the batch.
func (w *TradeWriter) handleTrade(t model.Trade) {
	row := w.transform(t)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a model.Trade to a tradeRow.
func (w *TradeWriter) transform(t model.Trade) tradeRow {
	return tradeRow{
		TradeID:    t.ID,
		Symbol:     t.Symbol,
		Direction:  t.Direction,
		Volume:     t.Volume,
		Profit:     t.Profit,
		EventTs:    model.EpochMicros(t.Timestamp),
		ReceivedAt: time.Now().UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *TradeWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]tradeRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		metrics.WriterErrors.WithLabelValues("trade").Inc()
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	metrics.WriterFlushes.WithLabelValues("trade").Inc()
	metrics.RowsWritten.WithLabelValues("trade").Add(float64(len(batch) - conflicts))

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed trades",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TradeWriter) batchInsert(rows []tradeRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO trades (trade_id, symbol, direction, volume, profit, event_ts, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (trade_id) DO NOTHING
		`, r.TradeID, r.Symbol, r.Direction, r.Volume, r.Profit, r.EventTs, r.ReceivedAt)
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
