package model

import "time"

// Instrument is one row of the broker's scrip master.
type Instrument struct {
	Token          string    `json:"token"`
	Symbol         string    `json:"symbol"` // trading symbol, e.g. BANKNIFTY27MAR2550500CE
	Name           string    `json:"name"`   // underlying, e.g. BANKNIFTY
	Expiry         string    `json:"expiry"` // as published, e.g. 27MAR2025
	ExpiryDate     time.Time `json:"-"`
	Strike         float64   `json:"strike"` // scrip master units (price x 100)
	LotSize        int64     `json:"lot_size"`
	InstrumentType string    `json:"instrument_type"` // OPTIDX, FUTSTK, ...
	Exchange       string    `json:"exchange"`        // exch_seg: NSE, NFO, ...
	TickSize       float64   `json:"tick_size"`
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}

// InstrumentQuery selects instruments the way the trading form does.
// StrikePrice is in rupees; OptionType is CE or PE.
type InstrumentQuery struct {
	ExchangeSegment string `json:"exchange_segment"`
	InstrumentType  string `json:"instrument_type"`
	Symbol          string `json:"symbol"`
	StrikePrice     int64  `json:"strike_price"`
	OptionType      string `json:"option_type"`
}
