package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fluxez/realtime-go/internal/protocol"
)

// Schema creates the archive table.
const Schema = `
CREATE TABLE IF NOT EXISTS realtime_frames (
	frame_id    TEXT PRIMARY KEY,
	channel     TEXT NOT NULL,
	frame_type  TEXT NOT NULL,
	data        JSONB,
	server_ts   BIGINT NOT NULL,
	received_at BIGINT NOT NULL
)`

const insertFrame = `
	INSERT INTO realtime_frames (frame_id, channel, frame_type, data, server_ts, received_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (frame_id) DO NOTHING
`

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// EnsureSchema creates the archive table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// WriterConfig configures batching.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Frames queued between Handle and the writer goroutine
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics contains runtime statistics.
type WriterMetrics struct {
	Received  int64
	Dropped   int64 // Queue full
	Inserts   int64
	Conflicts int64 // Already archived
	Errors    int64
	Flushes   int64
}

type frameRow struct {
	FrameID    string
	Channel    string
	Type       string
	Data       []byte
	ServerTs   int64
	ReceivedAt int64
}

// Writer batches frames into the realtime_frames table.
type Writer struct {
	cfg    WriterConfig
	logger *slog.Logger
	db     DB
	now    func() time.Time

	input chan frameRow

	batch   []frameRow
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewWriter creates a writer. Call Start before registering Handle.
func NewWriter(cfg WriterConfig, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}
	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "archive"),
		db:     db,
		now:    time.Now,
		input:  make(chan frameRow, cfg.BufferSize),
		batch:  make([]frameRow, 0, cfg.BatchSize),
	}
}

// Handle queues frame for archiving. It has the subscription handler
// signature and never blocks; a full queue drops the frame.
func (w *Writer) Handle(frame protocol.Frame) error {
	row := w.transform(frame)

	select {
	case w.input <- row:
		w.count(func(m *WriterMetrics) { m.Received++ })
	default:
		w.count(func(m *WriterMetrics) { m.Dropped++ })
		w.logger.Warn("archive queue full, dropping frame", "channel", frame.Channel, "id", row.FrameID)
	}
	return nil
}

// Start begins consuming queued frames.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the queue and flushes what remains.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
		return ctx.Err()
	}

drain:
	for {
		select {
		case row := <-w.input:
			w.add(ctx, row)
		default:
			break drain
		}
	}
	w.flush(ctx)

	w.logger.Info("archive writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.input:
			w.add(w.ctx, row)
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) add(ctx context.Context, row frameRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

func (w *Writer) transform(frame protocol.Frame) frameRow {
	id := frame.ID
	if id == "" {
		id = protocol.NewID()
	}
	var data []byte
	if len(frame.Data) > 0 {
		data = []byte(frame.Data)
	}
	return frameRow{
		FrameID:    id,
		Channel:    frame.Channel,
		Type:       string(frame.Type),
		Data:       data,
		ServerTs:   frame.Timestamp,
		ReceivedAt: w.now().UnixMilli(),
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]frameRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.count(func(m *WriterMetrics) { m.Errors++ })
		return
	}

	w.count(func(m *WriterMetrics) {
		m.Inserts += int64(len(batch) - conflicts)
		m.Conflicts += int64(conflicts)
		m.Flushes++
	})

	w.logger.Debug("flushed frames",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []frameRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertFrame, r.FrameID, r.Channel, r.Type, r.Data, r.ServerTs, r.ReceivedAt)
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

func (w *Writer) count(fn func(*WriterMetrics)) {
	w.batchMu.Lock()
	fn(&w.metrics)
	w.batchMu.Unlock()
}
