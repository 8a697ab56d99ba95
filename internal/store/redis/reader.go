package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"rsitrader/internal/trader"
)

// RunStatus is what the publisher last recorded for a run.
type RunStatus struct {
	RunID     string            `json:"run_id"`
	Fields    map[string]string `json:"fields"`
	Decisions []trader.Event    `json:"decisions"`
}

// Status reads a run's status hash and its most recent decisions, newest
// first. A run with nothing recorded returns an empty status and no error.
func (p *Publisher) Status(ctx context.Context, runID string, limit int64) (RunStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	out := RunStatus{RunID: runID}

	fields, err := p.client.HGetAll(ctx, StatusKey(runID)).Result()
	if err != nil {
		return out, fmt.Errorf("hgetall %s: %w", StatusKey(runID), err)
	}
	out.Fields = fields

	msgs, err := p.client.XRevRangeN(ctx, StreamKey(runID), "+", "-", limit).Result()
	if err != nil {
		return out, fmt.Errorf("xrevrange %s: %w", StreamKey(runID), err)
	}
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var ev trader.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out.Decisions = append(out.Decisions, ev)
	}
	return out, nil
}
