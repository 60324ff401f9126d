package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cryptoterm/internal/decoder"
	"cryptoterm/internal/exchange"
	"cryptoterm/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	depthFrame = `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":101,"u":105,"b":[["100.5","2"]],"a":[["101.0","0"]]}}`
	tradeFrame = `{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":7,"p":"100.75","q":"0.5","T":1700000000000,"m":true}}`
)

func venue(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("streams"), "btcusdt@depth") {
			http.Error(w, "missing depth stream", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/depth", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"lastUpdateId":100,"bids":[["100.0","1.5"],["99.5","3"]],"asks":[["101.0","2"]]}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, futures bool) *Client {
	cfg := Config{
		Symbol:  "btcusdt",
		Decoder: decoder.New(nil),
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream",
		RestURL: srv.URL + "/depth",
	}
	if futures {
		return NewFuturesExchange(cfg)
	}
	return NewSpotExchange(cfg)
}

func TestNames(t *testing.T) {
	spot := NewSpotExchange(Config{Symbol: "btcusdt"})
	assert.Equal(t, exchange.Binance, spot.GetName())
	assert.Equal(t, "BTCUSDT", spot.GetSymbol())
	assert.Contains(t, spot.wsURL, "btcusdt@trade")

	futures := NewFuturesExchange(Config{Symbol: "ETHUSDT"})
	assert.Equal(t, exchange.Binancef, futures.GetName())
	assert.Contains(t, futures.wsURL, "ethusdt@aggTrade")
	assert.Contains(t, futures.restURL, "symbol=ETHUSDT&limit=1000")
}

func TestGetSnapshot(t *testing.T) {
	srv := venue(t)
	ex := newTestClient(srv, false)

	snap, err := ex.GetSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.LastUpdateID)
	assert.Equal(t, exchange.Binance, snap.Exchange)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, exchange.PriceLevel{Price: "99.5", Quantity: "3"}, snap.Bids[1])
	require.Len(t, snap.Asks, 1)
}

func TestGetSnapshotError(t *testing.T) {
	srv := venue(t)
	ex := NewSpotExchange(Config{Symbol: "ethusdt", RestURL: srv.URL + "/depth"})

	_, err := ex.GetSnapshot(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), ex.Health().ErrorCount)
}

func TestStreamRouting(t *testing.T) {
	srv := venue(t, depthFrame, `{"stream":"btcusdt@trade","data":{"e":"mystery"}}`, tradeFrame)
	ex := newTestClient(srv, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ex.Connect(ctx))
	defer ex.Close()

	var update *exchange.DepthUpdate
	select {
	case update = <-ex.Updates():
	case <-ctx.Done():
		t.Fatal("no depth update")
	}
	assert.Equal(t, int64(101), update.FirstUpdateID)
	assert.Equal(t, int64(105), update.FinalUpdateID)
	assert.Equal(t, []exchange.PriceLevel{{Price: "100.5", Quantity: "2"}}, update.Bids)
	assert.Equal(t, []exchange.PriceLevel{{Price: "101.0", Quantity: "0"}}, update.Asks)
	assert.Equal(t, int64(1700000000000), update.EventTime.UnixMilli())

	var trade *types.DecodedTrade
	select {
	case trade = <-ex.Trades():
	case <-ctx.Done():
		t.Fatal("no trade")
	}
	assert.Equal(t, types.EventTrade, trade.EventType)
	assert.Equal(t, "BTCUSDT", trade.Symbol)
	assert.Equal(t, 100.75, trade.Price)
	assert.Equal(t, 0.5, trade.Quantity)
	assert.False(t, trade.IsBuyerInitiated)

	health := ex.Health()
	assert.True(t, health.Connected)
	assert.Equal(t, int64(1), health.TradeCount)
	assert.Equal(t, int64(3), health.MessageCount)
}

func TestCloseStopsReader(t *testing.T) {
	srv := venue(t)
	ex := newTestClient(srv, true)

	require.NoError(t, ex.Connect(context.Background()))
	require.NoError(t, ex.Close())
	require.NoError(t, ex.Close())

	select {
	case _, ok := <-ex.Updates():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("updates channel not closed")
	}
	assert.False(t, ex.IsConnected())
}

func TestContextCancelStopsReader(t *testing.T) {
	srv := venue(t)
	ex := newTestClient(srv, false)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ex.Connect(ctx))
	cancel()

	select {
	case _, ok := <-ex.Trades():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("trades channel not closed")
	}
	assert.Equal(t, int64(0), ex.Health().ErrorCount)
}
