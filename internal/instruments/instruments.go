// Package instruments resolves a trading form's selection (segment, type,
// symbol, strike, option side) into concrete broker instruments.
package instruments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rsitrader/internal/model"
	"rsitrader/internal/store/sqlite"
)

var (
	// ErrNoMatch means the query matched no instrument.
	ErrNoMatch = errors.New("instruments: no matching instrument")
	// ErrIndexOutOfRange means the selected row does not exist.
	ErrIndexOutOfRange = errors.New("instruments: index out of range")
)

// Repository runs instrument queries against the scrip master.
type Repository interface {
	Query(ctx context.Context, q model.InstrumentQuery) ([]model.Instrument, error)
}

// Service looks up instruments.
type Service struct {
	repo Repository
}

// NewService returns a lookup service over repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Normalize upper-cases and trims the text fields of q.
func Normalize(q model.InstrumentQuery) model.InstrumentQuery {
	q.ExchangeSegment = strings.ToUpper(strings.TrimSpace(q.ExchangeSegment))
	q.InstrumentType = strings.ToUpper(strings.TrimSpace(q.InstrumentType))
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	q.OptionType = strings.ToUpper(strings.TrimSpace(q.OptionType))
	return q
}

// Lookup returns every instrument matching q, ordered as the scrip master
// query orders them. An empty result, or a query shape the master cannot
// answer, is ErrNoMatch.
func (s *Service) Lookup(ctx context.Context, q model.InstrumentQuery) ([]model.Instrument, error) {
	q = Normalize(q)
	if q.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrNoMatch)
	}

	rows, err := s.repo.Query(ctx, q)
	if errors.Is(err, sqlite.ErrUnsupportedQuery) {
		return nil, fmt.Errorf("%w: %w", ErrNoMatch, err)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s %s %s", ErrNoMatch, q.ExchangeSegment, q.InstrumentType, q.Symbol)
	}
	return rows, nil
}

// Select returns rows[index].
func Select(rows []model.Instrument, index int) (model.Instrument, error) {
	if index < 0 || index >= len(rows) {
		return model.Instrument{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(rows))
	}
	return rows[index], nil
}

// Resolve is Lookup followed by Select.
func (s *Service) Resolve(ctx context.Context, q model.InstrumentQuery, index int) (model.Instrument, error) {
	rows, err := s.Lookup(ctx, q)
	if err != nil {
		return model.Instrument{}, err
	}
	return Select(rows, index)
}
