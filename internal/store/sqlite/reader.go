package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rsitrader/internal/model"
)

// ErrUnsupportedQuery is returned for segment/type combinations the
// lookup does not cover.
var ErrUnsupportedQuery = errors.New("sqlite: unsupported instrument query")

const selectInstruments = `
	SELECT token, symbol, name, expiry, expiry_ts, strike, lot_size, instrument_type, exch_seg, tick_size
	FROM instruments
`

// Query returns the instruments matching q:
//   - NSE: equities whose symbol contains "EQ" and whose name is q.Symbol, in load order
//   - NFO futures (FUTSTK, FUTIDX): by name, nearest expiry first
//   - NFO options (OPTSTK, OPTIDX): by name, strike (q.StrikePrice x 100)
//     and symbol suffix q.OptionType, nearest expiry first
func (s *Store) Query(ctx context.Context, q model.InstrumentQuery) ([]model.Instrument, error) {
	var (
		where string
		args  []any
	)
	switch {
	case q.ExchangeSegment == "NSE":
		where = `WHERE exch_seg = 'NSE' AND instr(symbol, 'EQ') > 0 AND name = ? ORDER BY rowid`
		args = []any{q.Symbol}
	case q.ExchangeSegment == "NFO" && (q.InstrumentType == "FUTSTK" || q.InstrumentType == "FUTIDX"):
		where = `WHERE exch_seg = 'NFO' AND instrument_type = ? AND name = ? ORDER BY expiry_ts, rowid`
		args = []any{q.InstrumentType, q.Symbol}
	case q.ExchangeSegment == "NFO" && (q.InstrumentType == "OPTSTK" || q.InstrumentType == "OPTIDX"):
		where = `WHERE exch_seg = 'NFO' AND instrument_type = ? AND name = ? AND strike = ?
			AND substr(symbol, -length(?)) = ? ORDER BY expiry_ts, rowid`
		args = []any{q.InstrumentType, q.Symbol, float64(q.StrikePrice * 100), q.OptionType, q.OptionType}
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedQuery, q.ExchangeSegment, q.InstrumentType)
	}

	rows, err := s.db.QueryContext(ctx, selectInstruments+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var (
			inst     model.Instrument
			expiryTS sql.NullInt64
		)
		if err := rows.Scan(&inst.Token, &inst.Symbol, &inst.Name, &inst.Expiry, &expiryTS,
			&inst.Strike, &inst.LotSize, &inst.InstrumentType, &inst.Exchange, &inst.TickSize); err != nil {
			return nil, fmt.Errorf("sqlite scan instruments: %w", err)
		}
		if expiryTS.Valid {
			inst.ExpiryDate = time.Unix(expiryTS.Int64, 0).UTC()
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Count returns the number of stored instruments.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instruments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count instruments: %w", err)
	}
	return n, nil
}
