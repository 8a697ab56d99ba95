// Package marketdata serves live quotes from the broker's streaming feed.
package marketdata

import (
	"sync"

	"rsitrader/internal/model"
)

// Feed keeps the most recent quote per instrument token. It is written by the
// stream ingest goroutine and read by trading loops.
type Feed struct {
	mu     sync.RWMutex
	latest map[string]model.LiveQuote

	// OnUpdate, if set, is called after every accepted quote.
	OnUpdate func(model.LiveQuote)
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{latest: make(map[string]model.LiveQuote)}
}

// Update records q unless a newer quote for the same token is already held.
func (f *Feed) Update(q model.LiveQuote) {
	f.mu.Lock()
	if prev, ok := f.latest[q.Token]; ok && prev.TS.After(q.TS) {
		f.mu.Unlock()
		return
	}
	f.latest[q.Token] = q
	f.mu.Unlock()

	if f.OnUpdate != nil {
		f.OnUpdate(q)
	}
}

// Latest returns the newest quote for token.
func (f *Feed) Latest(token string) (model.LiveQuote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.latest[token]
	return q, ok
}

// Len returns the number of tokens with a quote.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.latest)
}
