package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rsitrader/internal/model"
	"rsitrader/pkg/smartconnect"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) LTPData(ctx context.Context, exchange, tradingSymbol, symbolToken string) (smartconnect.LTP, error) {
	args := m.Called(ctx, exchange, tradingSymbol, symbolToken)
	return args.Get(0).(smartconnect.LTP), args.Error(1)
}

func (m *mockAPI) CandleData(ctx context.Context, p smartconnect.CandleParams) ([]smartconnect.CandleRow, error) {
	args := m.Called(ctx, p)
	rows, _ := args.Get(0).([]smartconnect.CandleRow)
	return rows, args.Error(1)
}

func (m *mockAPI) PlaceOrder(ctx context.Context, p smartconnect.OrderParams) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

var testInst = model.Instrument{Token: "43210", Symbol: "BANKNIFTY24OCT50500CE", Exchange: "NFO", LotSize: 15}

var fixedNow = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

func TestLiveQuote(t *testing.T) {
	api := new(mockAPI)
	api.On("LTPData", mock.Anything, "NFO", testInst.Symbol, "43210").Return(smartconnect.LTP{LTP: 212.5}, nil)

	g := New(api, func() time.Time { return fixedNow })
	q, err := g.LiveQuote(context.Background(), testInst)
	require.NoError(t, err)
	assert.Equal(t, 212.5, q.LTP)
	assert.Equal(t, "43210", q.Token)
	assert.Equal(t, fixedNow, q.TS)
	api.AssertExpectations(t)
}

func TestLiveQuote_RejectedIsTagged(t *testing.T) {
	api := new(mockAPI)
	api.On("LTPData", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(smartconnect.LTP{}, &smartconnect.APIError{Route: "api.ltp.data", Code: "AB1004", Message: "bad token"})

	_, err := New(api, nil).LiveQuote(context.Background(), testInst)
	assert.ErrorIs(t, err, ErrRejected)

	var apiErr *smartconnect.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestLiveQuote_ZeroPriceIsFailure(t *testing.T) {
	api := new(mockAPI)
	api.On("LTPData", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(smartconnect.LTP{}, nil)

	_, err := New(api, nil).LiveQuote(context.Background(), testInst)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestHistoricalCandles_SortsAscending(t *testing.T) {
	t0 := time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC)
	api := new(mockAPI)
	api.On("CandleData", mock.Anything, mock.MatchedBy(func(p smartconnect.CandleParams) bool {
		return p.Exchange == "NFO" && p.SymbolToken == "43210" && p.Interval == "FIVE_MINUTE"
	})).Return([]smartconnect.CandleRow{
		{TS: t0.Add(10 * time.Minute), Close: 3},
		{TS: t0, Close: 1},
		{TS: t0.Add(5 * time.Minute), Close: 2},
	}, nil)

	candles, err := New(api, nil).HistoricalCandles(context.Background(), testInst, "FIVE_MINUTE", t0.AddDate(0, 0, -30), t0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, model.Closes(candles))
}

func TestHistoricalCandles_EmptyIsFailure(t *testing.T) {
	api := new(mockAPI)
	api.On("CandleData", mock.Anything, mock.Anything).Return([]smartconnect.CandleRow{}, nil)

	_, err := New(api, nil).HistoricalCandles(context.Background(), testInst, "FIVE_MINUTE", fixedNow, fixedNow)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestHistoricalCandles_TransportError(t *testing.T) {
	api := new(mockAPI)
	api.On("CandleData", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: timeout"))

	_, err := New(api, nil).HistoricalCandles(context.Background(), testInst, "FIVE_MINUTE", fixedNow, fixedNow)
	assert.Error(t, err)
}

func TestSubmit_MarketIntradayParams(t *testing.T) {
	api := new(mockAPI)
	api.On("PlaceOrder", mock.Anything, smartconnect.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   testInst.Symbol,
		SymbolToken:     "43210",
		TransactionType: "BUY",
		Exchange:        "NFO",
		OrderType:       "MARKET",
		ProductType:     "INTRADAY",
		Duration:        "DAY",
		Price:           "0",
		SquareOff:       "0",
		StopLoss:        "0",
		Quantity:        "15",
	}).Return("241016000000001", nil).Once()

	out := New(api, nil).Submit(context.Background(), testInst, 15, model.Buy)
	assert.True(t, out.Filled())
	assert.Equal(t, "241016000000001", out.OrderID)
	api.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestSubmit_FailureIsOutcomeNotRetry(t *testing.T) {
	api := new(mockAPI)
	api.On("PlaceOrder", mock.Anything, mock.Anything).
		Return("", &smartconnect.APIError{Route: "api.order.place", Message: "margin"}).Once()

	out := New(api, nil).Submit(context.Background(), testInst, 15, model.Sell)
	assert.False(t, out.Filled())
	assert.ErrorIs(t, out.Err, ErrRejected)
	assert.NotEmpty(t, out.Reason())
	api.AssertNumberOfCalls(t, "PlaceOrder", 1)
}
