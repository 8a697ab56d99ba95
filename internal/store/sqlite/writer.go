// Package sqlite holds the broker scrip master in SQLite so instrument
// lookups are indexed queries instead of full CSV scans.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	_ "github.com/mattn/go-sqlite3"

	"rsitrader/internal/model"
)

// expiryLayout is the scrip master expiry format, e.g. 27MAR2025.
const expiryLayout = "02Jan2006"

// Store is the SQLite-backed instrument master.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the instrument database at dsn and ensures the schema.
// dsn may be a file path or a sqlite URI such as "file::memory:?cache=shared".
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single connection: keeps an in-memory database alive and serializes writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("instrument store opened", "dsn", dsn)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			token           TEXT    NOT NULL,
			symbol          TEXT    NOT NULL,
			name            TEXT    NOT NULL,
			expiry          TEXT    NOT NULL DEFAULT '',
			expiry_ts       INTEGER,
			strike          REAL    NOT NULL DEFAULT 0,
			lot_size        INTEGER NOT NULL DEFAULT 0,
			instrument_type TEXT    NOT NULL DEFAULT '',
			exch_seg        TEXT    NOT NULL,
			tick_size       REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (exch_seg, token)
		);

		CREATE INDEX IF NOT EXISTS idx_instruments_lookup
			ON instruments (exch_seg, instrument_type, name);
	`)
	return err
}

// scripRow is one line of OpenAPIScripMaster.csv. Numeric columns are read as
// strings because the published file mixes "", "-1" and "5050000.000000".
type scripRow struct {
	Token          string `csv:"token"`
	Symbol         string `csv:"symbol"`
	Name           string `csv:"name"`
	Expiry         string `csv:"expiry"`
	Strike         string `csv:"strike"`
	LotSize        string `csv:"lotsize"`
	InstrumentType string `csv:"instrumenttype"`
	ExchSeg        string `csv:"exch_seg"`
	TickSize       string `csv:"tick_size"`
}

// LoadCSVFile replaces the instrument table with the contents of path.
func (s *Store) LoadCSVFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("scrip master: open %s: %w", path, err)
	}
	defer f.Close()
	return s.LoadCSV(ctx, f)
}

// LoadCSV replaces the instrument table with the rows read from r, in a
// single transaction. It returns the number of rows stored.
func (s *Store) LoadCSV(ctx context.Context, r io.Reader) (int, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scrip master: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instruments`); err != nil {
		return 0, fmt.Errorf("scrip master: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO instruments
			(token, symbol, name, expiry, expiry_ts, strike, lot_size, instrument_type, exch_seg, tick_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("scrip master: prepare: %w", err)
	}
	defer stmt.Close()

	var n int
	var insertErr error
	err = gocsv.UnmarshalToCallbackWithError(r, func(row scripRow) error {
		if row.Token == "" || row.ExchSeg == "" {
			return nil
		}
		inst := row.instrument()
		var expiryTS any
		if !inst.ExpiryDate.IsZero() {
			expiryTS = inst.ExpiryDate.Unix()
		}
		if _, err := stmt.ExecContext(ctx,
			inst.Token, inst.Symbol, inst.Name, inst.Expiry, expiryTS,
			inst.Strike, inst.LotSize, inst.InstrumentType, inst.Exchange, inst.TickSize,
		); err != nil {
			insertErr = fmt.Errorf("scrip master: insert %s:%s: %w", inst.Exchange, inst.Token, err)
			return insertErr
		}
		n++
		return nil
	})
	if insertErr != nil {
		return 0, insertErr
	}
	if err != nil {
		return 0, fmt.Errorf("scrip master: decode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("scrip master: commit: %w", err)
	}

	slog.Info("scrip master loaded", "rows", n, "elapsed", time.Since(start))
	return n, nil
}

func (r scripRow) instrument() model.Instrument {
	inst := model.Instrument{
		Token:          strings.TrimSpace(r.Token),
		Symbol:         strings.TrimSpace(r.Symbol),
		Name:           strings.TrimSpace(r.Name),
		Expiry:         strings.ToUpper(strings.TrimSpace(r.Expiry)),
		Strike:         parseFloat(r.Strike),
		LotSize:        int64(parseFloat(r.LotSize)),
		InstrumentType: strings.TrimSpace(r.InstrumentType),
		Exchange:       strings.TrimSpace(r.ExchSeg),
		TickSize:       parseFloat(r.TickSize),
	}
	if inst.Expiry != "" {
		if t, err := time.Parse(expiryLayout, inst.Expiry); err == nil {
			inst.ExpiryDate = t
		}
	}
	return inst
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
