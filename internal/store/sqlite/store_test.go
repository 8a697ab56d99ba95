package sqlite

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsitrader/internal/model"
)

const scripCSV = `token,symbol,name,expiry,strike,lotsize,instrumenttype,exch_seg,tick_size
3045,SBIN-EQ,SBIN,,-1.000000,1,,NSE,5.000000
99926009,Nifty Bank,BANKNIFTY,,0.000000,1,AMXIDX,NSE,0.000000
43210,BANKNIFTY27NOV2650500CE,BANKNIFTY,27NOV2026,5050000.000000,15,OPTIDX,NFO,5.000000
43199,BANKNIFTY30OCT2650500CE,BANKNIFTY,30OCT2026,5050000.000000,15,OPTIDX,NFO,5.000000
43200,BANKNIFTY30OCT2650500PE,BANKNIFTY,30OCT2026,5050000.000000,15,OPTIDX,NFO,5.000000
43300,BANKNIFTY30OCT2650600CE,BANKNIFTY,30OCT2026,5060000.000000,15,OPTIDX,NFO,5.000000
52001,BANKNIFTY24DEC26FUT,BANKNIFTY,24DEC2026,-1.000000,15,FUTIDX,NFO,10.000000
52000,BANKNIFTY30OCT26FUT,BANKNIFTY,30OCT2026,-1.000000,15,FUTIDX,NFO,10.000000
`

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	n, err := s.LoadCSV(context.Background(), strings.NewReader(scripCSV))
	require.NoError(t, err)
	require.Equal(t, 8, n)
	return s
}

func tokens(insts []model.Instrument) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.Token
	}
	return out
}

func TestQuery_NSEEquity(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Query(context.Background(), model.InstrumentQuery{ExchangeSegment: "NSE", Symbol: "SBIN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"3045"}, tokens(got))

	// index row has no "EQ" in its symbol
	got, err = s.Query(context.Background(), model.InstrumentQuery{ExchangeSegment: "NSE", Symbol: "BANKNIFTY"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_NFOFuturesByExpiry(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Query(context.Background(), model.InstrumentQuery{
		ExchangeSegment: "NFO", InstrumentType: "FUTIDX", Symbol: "BANKNIFTY",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"52000", "52001"}, tokens(got))
}

func TestQuery_NFOOptions(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Query(context.Background(), model.InstrumentQuery{
		ExchangeSegment: "NFO", InstrumentType: "OPTIDX", Symbol: "BANKNIFTY", StrikePrice: 50500, OptionType: "CE",
	})
	require.NoError(t, err)
	// OCT before NOV even though "27NOV2026" < "30OCT2026" lexically
	assert.Equal(t, []string{"43199", "43210"}, tokens(got))
	assert.Equal(t, int64(15), got[0].LotSize)
	assert.Equal(t, 5050000.0, got[0].Strike)
	assert.Equal(t, 2026, got[0].ExpiryDate.Year())
}

func TestQuery_Unsupported(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Query(context.Background(), model.InstrumentQuery{ExchangeSegment: "MCX", InstrumentType: "FUTCOM"})
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestLoadCSV_Replaces(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadCSV(context.Background(), strings.NewReader("token,symbol,name,expiry,strike,lotsize,instrumenttype,exch_seg,tick_size\n1,ABC-EQ,ABC,,0,1,,NSE,0.05\n"))
	require.NoError(t, err)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
