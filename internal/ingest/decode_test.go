package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/model"
)

func TestDecodeTradeWithQuotedNumbers(t *testing.T) {
	raw := `{"kind":"trade","symbol":"BTCUSDT","ts_ms":"1700000000123","price":"50123.5","qty":"0.002","side":"buy"}`
	ev, err := DecodeEvent([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, model.EventTrade, ev.Kind)
	assert.Equal(t, int64(1700000000123), ev.TsMs)
	assert.InDelta(t, 50123.5, ev.Price, 1e-9)
	assert.InDelta(t, 0.002, ev.Qty, 1e-9)
}

func TestDecodeDepthLevels(t *testing.T) {
	raw := `{"kind":"depth","symbol":"BTCUSDT","ts_ms":1000,` +
		`"bids":[["100.0","2"],[99.5,1]],"asks":[[100.5,3]]}`
	ev, err := DecodeEvent([]byte(raw))
	require.NoError(t, err)
	require.Len(t, ev.Bids, 2)
	require.Len(t, ev.Asks, 1)
	assert.InDelta(t, 100.0, ev.Bids[0].Price(), 1e-9)
	assert.InDelta(t, 2.0, ev.Bids[0].Size(), 1e-9)
	assert.InDelta(t, 100.5, ev.Asks[0].Price(), 1e-9)
}

func TestDecodeRejectsInvalidEvents(t *testing.T) {
	cases := map[string]string{
		"bad json":     `{"kind":"trade",`,
		"unknown side": `{"kind":"trade","symbol":"BTCUSDT","ts_ms":1000,"price":1,"qty":1,"side":"cross"}`,
		"missing ts":   `{"kind":"trade","symbol":"BTCUSDT","price":1,"qty":1,"side":"buy"}`,
		"empty depth":  `{"kind":"depth","symbol":"BTCUSDT","ts_ms":1000}`,
		"unknown kind": `{"kind":"funding","symbol":"BTCUSDT","ts_ms":1000}`,
		"non-numeric":  `{"kind":"trade","symbol":"BTCUSDT","ts_ms":1000,"price":"abc","qty":1,"side":"buy"}`,
	}
	for name, raw := range cases {
		_, err := DecodeEvent([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestDecodeNullFieldsDefaultToZero(t *testing.T) {
	raw := `{"kind":"bookTicker","symbol":"BTCUSDT","ts_ms":1000,"best_bid":100,"best_ask":100.02,"bid_size":null,"ask_size":null}`
	ev, err := DecodeEvent([]byte(raw))
	require.NoError(t, err)
	assert.Zero(t, ev.BidSize)
	assert.Zero(t, ev.AskSize)
}
