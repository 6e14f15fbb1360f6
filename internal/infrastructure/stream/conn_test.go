package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/pivot_trade_bot/internal/domain"
	"go.uber.org/zap"
)

func TestNextBackoff_DoublesUntilCap(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, nextBackoff(i+1, base, cap), "attempt %d", i+1)
	}
}

func TestParseEvents_Ticker(t *testing.T) {
	data := json.RawMessage(`{"bid1Price":"99.5","ask1Price":"100.5"}`)

	events := parseEvents("tickers.BTCUSDT", data)

	require.Len(t, events, 1)
	require.Equal(t, domain.EventPriceUpdate, events[0].Type)
	assert.Equal(t, "BTCUSDT", events[0].Price.Symbol)
	assert.Equal(t, 99.5, events[0].Price.Bid)
	assert.Equal(t, 100.5, events[0].Price.Ask)
}

func TestParseEvents_Execution(t *testing.T) {
	data := json.RawMessage(`[{"symbol":"BTCUSDT","orderId":"o-1","execPrice":"80.05","execQty":"0.5","leavesQty":"0"}]`)

	events := parseEvents("execution", data)

	require.Len(t, events, 1)
	require.Equal(t, domain.EventFill, events[0].Type)
	assert.Equal(t, "o-1", events[0].Fill.OrderRef)
	assert.Equal(t, 80.05, events[0].Fill.Price)
	assert.Equal(t, 0.5, events[0].Fill.Filled)
	assert.Equal(t, 0.0, events[0].Fill.Remaining)
}

func TestParseEvents_OrderStatusMapping(t *testing.T) {
	data := json.RawMessage(`[
		{"symbol":"BTCUSDT","orderId":"o-1","orderStatus":"Filled"},
		{"symbol":"BTCUSDT","orderId":"o-2","orderStatus":"Cancelled"},
		{"symbol":"BTCUSDT","orderId":"o-3","orderStatus":"New"}
	]`)

	events := parseEvents("order", data)

	require.Len(t, events, 2)
	assert.Equal(t, domain.OrderReasonFilled, events[0].Order.Reason)
	assert.Equal(t, domain.OrderReasonCancelled, events[1].Order.Reason)
}

func TestParseEvents_UnknownTopicIgnored(t *testing.T) {
	assert.Nil(t, parseEvents("liquidation.BTCUSDT", json.RawMessage(`{}`)))
}

func TestHandleMessage_Classification(t *testing.T) {
	c := NewConn(Config{URL: "ws://unused"}, zap.NewNop())
	var got []domain.StreamEvent
	c.OnEvent(func(ev domain.StreamEvent) { got = append(got, ev) })

	// Correlation id: acknowledgement, logged only.
	c.handleMessage([]byte(`{"req_id":"abc","success":true}`))
	assert.Empty(t, got)

	// Type discriminator: dispatched.
	c.handleMessage([]byte(`{"topic":"tickers.BTCUSDT","data":{"bid1Price":"99","ask1Price":"101"}}`))
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventPriceUpdate, got[0].Type)

	// Anything else: ignored.
	c.handleMessage([]byte(`{"op":"pong"}`))
	c.handleMessage([]byte(`not json`))
	assert.Len(t, got, 1)
}

func TestSend_BuffersWhileDisconnectedInOrder(t *testing.T) {
	c := NewConn(Config{URL: "ws://unused"}, zap.NewNop())

	c.Send(map[string]string{"op": "first"})
	c.Send(map[string]string{"op": "second"})

	require.Len(t, c.queue, 2)
	assert.Contains(t, string(c.queue[0]), "first")
	assert.Contains(t, string(c.queue[1]), "second")
}

func TestConn_ConnectsAndDispatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte(`{"req_id":"1","success":true}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","data":{"bid1Price":"99","ask1Price":"101"}}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewConn(Config{URL: url, MaxAttempts: 1}, zap.NewNop())
	defer c.Close()

	events := make(chan domain.StreamEvent, 1)
	connected := make(chan struct{}, 1)
	c.OnEvent(func(ev domain.StreamEvent) { events <- ev })
	c.OnConnect(func() { connected <- struct{}{} })

	c.Start()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect signal not received")
	}

	select {
	case ev := <-events:
		require.Equal(t, domain.EventPriceUpdate, ev.Type)
		assert.Equal(t, "BTCUSDT", ev.Price.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestConn_FatalAfterAttemptsExhausted(t *testing.T) {
	// Nothing listens on this address; every dial fails immediately.
	c := NewConn(Config{
		URL:           "ws://127.0.0.1:1",
		ReconnectBase: time.Millisecond,
		ReconnectCap:  2 * time.Millisecond,
		MaxAttempts:   3,
	}, zap.NewNop())
	defer c.Close()

	c.Start()

	select {
	case <-c.Fatal():
	case <-time.After(2 * time.Second):
		t.Fatal("fatal signal not raised")
	}
}
