// Package persistence batches the intent audit trail off the signal path.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

const (
	auditColumns = "signal_id, user_id, intent_id, symbol, stage, reason, detail, created_at"
	auditParams  = "(?, ?, ?, ?, ?, ?, ?, ?)"

	// rowsPerStatement keeps one INSERT well under sqlite's bind variable limit.
	rowsPerStatement = 100
)

// AuditWriter buffers skip and rejection records and writes them in one
// transaction per flush, using multi-row inserts.
type AuditWriter struct {
	db       *db.Database
	log      *zap.Logger
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []db.AuditEntry

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	written atomic.Uint64
	batches atomic.Uint64
	failed  atomic.Uint64
	lost    atomic.Uint64
	last    atomic.Int64 // unix nanos of the last flush
}

// AuditStats is a point-in-time view of the writer.
type AuditStats struct {
	Written   uint64    `json:"written"`
	Batches   uint64    `json:"batches"`
	Failed    uint64    `json:"failed_batches"`
	Lost      uint64    `json:"lost_entries"`
	Pending   int       `json:"pending"`
	LastFlush time.Time `json:"last_flush"`
}

// NewAuditWriter flushes when maxSize entries are buffered or every interval.
func NewAuditWriter(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *AuditWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &AuditWriter{
		db:       database,
		log:      logger.Or(log, "audit"),
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]db.AuditEntry, 0, maxSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Audit queues one entry. It never blocks on the database unless the
// buffer is full, in which case the caller flushes.
func (w *AuditWriter) Audit(e db.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	w.mu.Lock()
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		_ = w.Flush()
	}
}

// Flush writes every buffered entry. A failed flush loses its entries; the
// loss is counted and logged with the affected signals.
func (w *AuditWriter) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	entries := w.buffer
	w.buffer = make([]db.AuditEntry, 0, w.maxSize)
	w.mu.Unlock()

	w.last.Store(time.Now().UnixNano())
	if err := w.write(entries); err != nil {
		w.failed.Add(1)
		w.lost.Add(uint64(len(entries)))
		w.log.Error("audit batch lost",
			zap.Int("entries", len(entries)),
			zap.Strings("signal_ids", signalIDs(entries)),
			zap.Error(err))
		return err
	}
	w.batches.Add(1)
	w.written.Add(uint64(len(entries)))
	w.log.Debug("audit batch flushed", zap.Int("entries", len(entries)))
	return nil
}

func (w *AuditWriter) write(entries []db.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := w.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	for start := 0; start < len(entries); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(entries))
		query, args := insertStatement(entries[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert audit rows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// insertStatement builds one INSERT with a VALUES group per entry.
func insertStatement(entries []db.AuditEntry) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO intent_audit (" + auditColumns + ") VALUES ")
	args := make([]any, 0, len(entries)*8)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(auditParams)
		args = append(args, e.SignalID, e.UserID, e.IntentID, e.Symbol, e.Stage, e.Reason, e.Detail, e.CreatedAt)
	}
	return b.String(), args
}

func signalIDs(entries []db.AuditEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	var out []string
	for _, e := range entries {
		if _, ok := seen[e.SignalID]; ok {
			continue
		}
		seen[e.SignalID] = struct{}{}
		out = append(out, e.SignalID)
	}
	return out
}

func (w *AuditWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.done:
			_ = w.Flush()
			return
		}
	}
}

// Pending returns the number of buffered entries.
func (w *AuditWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

func (w *AuditWriter) Stats() AuditStats {
	s := AuditStats{
		Written: w.written.Load(),
		Batches: w.batches.Load(),
		Failed:  w.failed.Load(),
		Lost:    w.lost.Load(),
		Pending: w.Pending(),
	}
	if ns := w.last.Load(); ns > 0 {
		s.LastFlush = time.Unix(0, ns)
	}
	return s
}

// Close stops the background loop after a final flush. It is safe to call
// more than once.
func (w *AuditWriter) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}
