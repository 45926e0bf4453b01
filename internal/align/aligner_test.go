package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/model"
)

func ticker(ts int64, bid, ask float64) model.Event {
	return model.Event{Kind: model.EventBookTicker, Symbol: "BTCUSDT", TsMs: ts, BestBid: bid, BestAsk: ask}
}

func trade(ts int64, px, qty float64) model.Event {
	return model.Event{Kind: model.EventTrade, Symbol: "BTCUSDT", TsMs: ts, Price: px, Qty: qty, Side: "buy"}
}

func TestAlignerEmitsCompletedSeconds(t *testing.T) {
	a := New("BTCUSDT", 5)

	require.Empty(t, a.Push(ticker(1000, 100.0, 100.02)))
	require.Empty(t, a.Push(trade(1500, 100.01, 0.5)))

	// an event in second 3 completes seconds 1 and 2
	rows := a.Push(ticker(3200, 100.0, 100.02))
	require.Len(t, rows, 2)

	r1 := rows[0]
	assert.Equal(t, int64(1), r1.SecondTs)
	assert.Equal(t, int64(2000), r1.TsMs)
	assert.InDelta(t, 100.01, r1.Mid, 1e-9)
	assert.InDelta(t, 2.0, r1.SpreadBps, 0.01)
	assert.Equal(t, int64(500), r1.LagMsPrice)
	assert.False(t, r1.IsGapSecond)

	// second 2 saw no observation; values carry forward
	r2 := rows[1]
	assert.True(t, r2.IsGapSecond)
	assert.InDelta(t, 100.01, r2.Mid, 1e-9)
	assert.Empty(t, r2.QualityFlags, "gap flag needs a longer run")
}

func TestAlignerGapFlagAfterThreshold(t *testing.T) {
	a := New("BTCUSDT", 2)
	a.Push(ticker(1000, 100.0, 100.02))

	// jump 6 seconds ahead: seconds 2..6 are gaps, flag from the 3rd on
	rows := a.Push(ticker(7000, 100.0, 100.02))
	require.Len(t, rows, 6)

	var flagged int
	for _, r := range rows {
		if r.HasFlag(model.FlagGap) {
			flagged++
		}
	}
	assert.Equal(t, 3, flagged)
}

func TestAlignerDropsStaleAndMalformed(t *testing.T) {
	a := New("BTCUSDT", 5)
	a.Push(ticker(10000, 100.0, 100.02))

	assert.Empty(t, a.Push(ticker(8000, 99.0, 99.02)))
	assert.Equal(t, int64(1), a.OODropped)

	assert.Empty(t, a.Push(model.Event{Kind: model.EventTrade, Symbol: "BTCUSDT", TsMs: 11000}))
	assert.Empty(t, a.Push(ticker(11000, 0, 0)))
	assert.Equal(t, int64(2), a.Malformed)

	wrongSym := ticker(11000, 100, 100.02)
	wrongSym.Symbol = "ETHUSDT"
	assert.Empty(t, a.Push(wrongSym))
	assert.Equal(t, int64(3), a.Malformed)
}

func TestAlignerFlushEmitsPartialSecond(t *testing.T) {
	a := New("BTCUSDT", 5)
	a.Push(ticker(1000, 100.0, 100.02))

	rows := a.Flush()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].SecondTs)
	assert.False(t, rows[0].IsGapSecond)

	assert.Empty(t, a.Flush(), "second flush has nothing")
}

func TestAlignerDepthFallbackForQuotes(t *testing.T) {
	a := New("BTCUSDT", 5)
	depth := model.Event{
		Kind: model.EventDepth, Symbol: "BTCUSDT", TsMs: 1000,
		Bids: []model.Level{{100.0, 3}}, Asks: []model.Level{{100.04, 2}},
	}
	a.Push(depth)
	rows := a.Push(ticker(2500, 0, 0)) // malformed, dropped
	require.Empty(t, rows)

	rows = a.Flush()
	require.Len(t, rows, 1)
	assert.InDelta(t, 100.02, rows[0].Mid, 1e-9)
}
