package model

// EventKind identifies the raw stream an event came from.
type EventKind string

const (
	EventTrade      EventKind = "trade"
	EventBookTicker EventKind = "bookTicker"
	EventDepth      EventKind = "depth"
)

// Level is a single order-book level encoded as [price, size].
type Level [2]float64

// Price returns the level price.
func (l Level) Price() float64 { return l[0] }

// Size returns the level size.
func (l Level) Size() float64 { return l[1] }

// Event is a raw exchange event. Exactly one payload group is populated
// depending on Kind: trade (Price/Qty/Side), bookTicker (Best*), or
// depth (Bids/Asks, best-price-first).
type Event struct {
	Kind   EventKind `json:"kind"`
	Symbol string    `json:"symbol"`
	TsMs   int64     `json:"ts_ms"`

	// trade payload
	Price float64 `json:"price,omitempty"`
	Qty   float64 `json:"qty,omitempty"`
	Side  string  `json:"side,omitempty"` // "buy" or "sell", aggressor side

	// bookTicker payload
	BestBid float64 `json:"best_bid,omitempty"`
	BestAsk float64 `json:"best_ask,omitempty"`
	BidSize float64 `json:"bid_size,omitempty"`
	AskSize float64 `json:"ask_size,omitempty"`

	// depth payload
	Bids []Level `json:"bids,omitempty"`
	Asks []Level `json:"asks,omitempty"`
}

// Valid reports whether the event carries the minimum fields for its kind.
func (e *Event) Valid() bool {
	if e.Symbol == "" || e.TsMs <= 0 {
		return false
	}
	switch e.Kind {
	case EventTrade:
		return e.Price > 0 && e.Qty > 0 && (e.Side == "buy" || e.Side == "sell")
	case EventBookTicker:
		return e.BestBid > 0 && e.BestAsk > 0
	case EventDepth:
		return len(e.Bids) > 0 || len(e.Asks) > 0
	default:
		return false
	}
}
