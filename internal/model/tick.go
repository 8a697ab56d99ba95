package model

import "time"

// LiveQuote is the last traded price of an instrument at a point in time.
// Consumed once per poll cycle.
type LiveQuote struct {
	Token string    `json:"token"`
	LTP   float64   `json:"ltp"` // rupees
	TS    time.Time `json:"ts"`
}
