// Package history persists terminal command outcomes in a local SQLite
// journal. Writes are buffered through a single writer goroutine so the
// broker's relay path never blocks on disk.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/switchboard/switchboard/pkg/metrics"
)

// writeBuffer is the number of entries that may be queued ahead of the
// writer goroutine before Record starts dropping.
const writeBuffer = 256

// Entry is one durable journal row, written when a command reaches a
// terminal status.
type Entry struct {
	CommandID    string    `json:"command_id"`
	Command      string    `json:"command"`
	TargetClient string    `json:"target_client"`
	Requester    string    `json:"requester"`
	Priority     int       `json:"priority"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	ResultSize   int       `json:"result_size"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Filter narrows a Recent query. Zero values match everything.
type Filter struct {
	Status       string
	TargetClient string
	Command      string
}

// Stats summarizes the journal contents.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

// Journal manages command history persistence using SQLite.
type Journal struct {
	db      *sql.DB
	dbPath  string
	logger  *slog.Logger
	metrics *metrics.BrokerMetrics
	mu      sync.RWMutex

	entries chan Entry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewJournal opens (or creates) the journal database at dbPath and starts
// the writer goroutine. The metrics argument may be nil.
func NewJournal(dbPath string, logger *slog.Logger, m *metrics.BrokerMetrics) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	j := &Journal{
		db:      db,
		dbPath:  dbPath,
		logger:  logger.With("component", "history"),
		metrics: m,
		entries: make(chan Entry, writeBuffer),
		stopCh:  make(chan struct{}),
	}

	j.wg.Add(1)
	go j.writeLoop()

	return j, nil
}

// createTables creates the required database tables.
func createTables(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			command_id    TEXT PRIMARY KEY,
			command       TEXT NOT NULL,
			target_client TEXT NOT NULL,
			requester     TEXT NOT NULL,
			priority      INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			result_size   INTEGER NOT NULL DEFAULT 0,
			created_at    DATETIME NOT NULL,
			completed_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
		CREATE INDEX IF NOT EXISTS idx_commands_completed_at ON commands(completed_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Record queues an entry for persistence. It never blocks: when the write
// buffer is full the entry is dropped and counted, not awaited.
func (j *Journal) Record(entry Entry) {
	select {
	case j.entries <- entry:
	default:
		j.logger.Warn("history write buffer full, dropping entry",
			"command_id", entry.CommandID,
			"command", entry.Command)
		if j.metrics != nil {
			j.metrics.RecordHistoryWrite("dropped")
		}
	}

	if j.metrics != nil {
		j.metrics.SetHistoryQueueDepth(float64(len(j.entries)))
	}
}

// writeLoop is the single writer goroutine. On shutdown it flushes whatever
// is still buffered before returning.
func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for {
		select {
		case entry := <-j.entries:
			j.write(entry)
		case <-j.stopCh:
			for {
				select {
				case entry := <-j.entries:
					j.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(entry Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// INSERT OR IGNORE keeps the journal at exactly one row per command id
	// even if a terminal outcome is reported twice.
	query := `
		INSERT OR IGNORE INTO commands
			(command_id, command, target_client, requester, priority, status,
			 error, duration_ms, result_size, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := j.db.Exec(query,
		entry.CommandID,
		entry.Command,
		entry.TargetClient,
		entry.Requester,
		entry.Priority,
		entry.Status,
		entry.Error,
		entry.DurationMs,
		entry.ResultSize,
		entry.CreatedAt,
		entry.CompletedAt,
	)
	if err != nil {
		j.logger.Error("failed to write history entry",
			"command_id", entry.CommandID,
			"error", err)
		if j.metrics != nil {
			j.metrics.RecordHistoryWrite("error")
		}
		return
	}

	if j.metrics != nil {
		j.metrics.RecordHistoryWrite("success")
		j.metrics.SetHistoryQueueDepth(float64(len(j.entries)))
	}
}

// Ping verifies the database connection is alive.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Recent returns the most recently completed entries matching the filter,
// newest first. The limit is clamped to [1, 1000]; zero or negative selects
// the default of 50.
func (j *Journal) Recent(limit int, filter Filter) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT command_id, command, target_client, requester, priority, status,
		       error, duration_ms, result_size, created_at, completed_at
		FROM commands
	`

	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.TargetClient != "" {
		conditions = append(conditions, "target_client = ?")
		args = append(args, filter.TargetClient)
	}
	if filter.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, filter.Command)
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	query += " ORDER BY completed_at DESC LIMIT ?"
	args = append(args, limit)

	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var e Entry

		if err := rows.Scan(
			&e.CommandID,
			&e.Command,
			&e.TargetClient,
			&e.Requester,
			&e.Priority,
			&e.Status,
			&e.Error,
			&e.DurationMs,
			&e.ResultSize,
			&e.CreatedAt,
			&e.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

// Stats returns row totals grouped by terminal status.
func (j *Journal) Stats() (*Stats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query("SELECT status, COUNT(*) FROM commands GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to query history stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[string]int64)}

	for rows.Next() {
		var status string
		var count int64

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}

		stats.ByStatus[status] = count
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return stats, nil
}

// Cleanup removes entries completed before now-maxAge and reports how many
// rows were deleted.
func (j *Journal) Cleanup(maxAge time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)

	result, err := j.db.Exec("DELETE FROM commands WHERE completed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}

	return deleted, nil
}

// Close stops the writer goroutine, flushes buffered entries, and closes the
// database.
func (j *Journal) Close() error {
	close(j.stopCh)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
