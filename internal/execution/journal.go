package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rsitrader/internal/trader"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	order_id   TEXT NOT NULL DEFAULT '',
	side       TEXT NOT NULL,
	token      TEXT NOT NULL,
	qty        INTEGER NOT NULL,
	price      REAL NOT NULL,
	rsi        REAL NOT NULL,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         DATETIME NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);
CREATE INDEX IF NOT EXISTS idx_trades_token ON trades(token);
`

// Order statuses recorded in the journal.
const (
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
)

// Journal persists every order attempt to SQLite. It implements
// trader.EventSink and ignores events other than orders.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at dsn. An in-memory
// dsn keeps the journal for the life of the process only.
func OpenJournal(dsn string) (*Journal, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	slog.Info("trade journal opened", "dsn", dsn)
	return &Journal{db: db}, nil
}

// Record implements trader.EventSink.
func (j *Journal) Record(ctx context.Context, ev trader.Event) {
	if ev.Kind != trader.EventOrder {
		return
	}
	status := StatusFilled
	if ev.Error != "" {
		status = StatusRejected
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO trades (run_id, order_id, side, token, qty, price, rsi, status, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.OrderID, string(ev.Side), ev.Token, ev.Qty, ev.Price, ev.RSI, status, ev.Error,
		ev.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		slog.Warn("journal insert failed", "run_id", ev.RunID, "error", err)
	}
}

// TradeRecord is one journal row.
type TradeRecord struct {
	ID      int64   `json:"id"`
	RunID   string  `json:"run_id"`
	OrderID string  `json:"order_id"`
	Side    string  `json:"side"`
	Token   string  `json:"token"`
	Qty     int64   `json:"qty"`
	Price   float64 `json:"price"`
	RSI     float64 `json:"rsi"`
	Status  string  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	At      string  `json:"at"`
}

// Trades returns up to limit rows, newest first. A non-empty runID
// restricts the result to that run.
func (j *Journal) Trades(ctx context.Context, runID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, run_id, order_id, side, token, qty, price, rsi, status, reason, at FROM trades`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.RunID, &t.OrderID, &t.Side, &t.Token, &t.Qty, &t.Price, &t.RSI, &t.Status, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
