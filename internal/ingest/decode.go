// Package ingest turns raw transport bytes into validated events. Sources
// deliver events in arrival order; per-symbol ordering is the aligner's
// problem, malformed input is this package's.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"ofipipe/internal/model"
)

// flexFloat accepts both bare and quoted numbers. Exchange feeds quote
// prices and sizes inconsistently across endpoints.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type flexInt int64

func (i *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*i = flexInt(v)
	return nil
}

type wireLevel [2]flexFloat

type wireEvent struct {
	Kind   string  `json:"kind"`
	Symbol string  `json:"symbol"`
	TsMs   flexInt `json:"ts_ms"`

	Price flexFloat `json:"price"`
	Qty   flexFloat `json:"qty"`
	Side  string    `json:"side"`

	BestBid flexFloat `json:"best_bid"`
	BestAsk flexFloat `json:"best_ask"`
	BidSize flexFloat `json:"bid_size"`
	AskSize flexFloat `json:"ask_size"`

	Bids []wireLevel `json:"bids"`
	Asks []wireLevel `json:"asks"`
}

// DecodeEvent parses one raw event and validates it for its kind.
func DecodeEvent(data []byte) (model.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev := model.Event{
		Kind:    model.EventKind(w.Kind),
		Symbol:  w.Symbol,
		TsMs:    int64(w.TsMs),
		Price:   float64(w.Price),
		Qty:     float64(w.Qty),
		Side:    w.Side,
		BestBid: float64(w.BestBid),
		BestAsk: float64(w.BestAsk),
		BidSize: float64(w.BidSize),
		AskSize: float64(w.AskSize),
		Bids:    toLevels(w.Bids),
		Asks:    toLevels(w.Asks),
	}
	if !ev.Valid() {
		return model.Event{}, fmt.Errorf("invalid %s event for %q at %d", w.Kind, w.Symbol, w.TsMs)
	}
	return ev, nil
}

func toLevels(in []wireLevel) []model.Level {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Level, len(in))
	for i, l := range in {
		out[i] = model.Level{float64(l[0]), float64(l[1])}
	}
	return out
}
