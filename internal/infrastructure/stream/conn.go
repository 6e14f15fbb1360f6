package stream

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vitos/pivot_trade_bot/internal/domain"
	"go.uber.org/zap"
)

type Config struct {
	URL           string
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxAttempts   int
}

func (c *Config) applyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
}

// Conn maintains one persistent connection to the venue event stream. Lost
// connections are re-dialled with exponential backoff up to a bounded attempt
// count; outbound messages sent while disconnected are buffered and replayed
// in order on the next successful connect.
type Conn struct {
	cfg Config
	log *zap.Logger

	onEvent      func(domain.StreamEvent)
	onConnect    func()
	onDisconnect func()

	mu       sync.Mutex
	ws       *websocket.Conn
	queue    [][]byte
	attempts int
	closed   bool
	pingStop chan struct{}

	fatal     chan struct{}
	fatalOnce sync.Once
}

func NewConn(cfg Config, log *zap.Logger) *Conn {
	cfg.applyDefaults()
	return &Conn{
		cfg:   cfg,
		log:   log,
		fatal: make(chan struct{}),
	}
}

// OnEvent registers the subscriber for parsed domain events. Must be set
// before Start.
func (c *Conn) OnEvent(fn func(domain.StreamEvent)) { c.onEvent = fn }

// OnConnect registers the connected signal, used to (re)issue subscriptions.
func (c *Conn) OnConnect(fn func()) { c.onConnect = fn }

func (c *Conn) OnDisconnect(fn func()) { c.onDisconnect = fn }

// Fatal is closed when the reconnect budget is exhausted. The caller decides
// whether that terminates the process.
func (c *Conn) Fatal() <-chan struct{} { return c.fatal }

// Start dials the first connection. A dial failure here follows the same
// backoff path as a mid-session drop.
func (c *Conn) Start() {
	if err := c.connect(); err != nil {
		c.log.Warn("initial connect failed", zap.Error(err))
		c.scheduleReconnect()
	}
}

func (c *Conn) connect() error {
	ws, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.attempts = 0
	queued := c.queue
	c.queue = nil
	c.pingStop = make(chan struct{})
	pingStop := c.pingStop
	c.mu.Unlock()

	c.log.Info("stream connected", zap.String("url", c.cfg.URL))

	for _, msg := range queued {
		if err := c.write(msg); err != nil {
			c.log.Warn("failed to flush queued message", zap.Error(err))
		}
	}

	go c.pingLoop(pingStop)
	go c.readLoop(ws)

	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

// Subscribe sends a subscription request for the given topics, tagged with a
// correlation id so the acknowledgement can be matched in the logs.
func (c *Conn) Subscribe(topics []string) {
	c.Send(map[string]interface{}{
		"op":     "subscribe",
		"req_id": uuid.NewString(),
		"args":   topics,
	})
}

// Send marshals and transmits v, buffering it in order if the connection is
// currently down.
func (c *Conn) Send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to marshal outbound message", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.ws == nil {
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.write(data); err != nil {
		c.log.Warn("send failed", zap.Error(err))
	}
}

func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		c.queue = append(c.queue, data)
		return nil
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Send(map[string]string{"op": "ping"})
		case <-stop:
			return
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		c.handleMessage(message)
	}
}

func (c *Conn) handleDisconnect(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	closed := c.closed
	c.mu.Unlock()

	ws.Close()
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	if closed {
		return
	}

	c.log.Warn("stream disconnected", zap.Error(err))
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > c.cfg.MaxAttempts {
		c.log.Error("reconnect attempts exhausted, giving up",
			zap.Int("attempts", c.cfg.MaxAttempts))
		c.fatalOnce.Do(func() { close(c.fatal) })
		return
	}

	delay := nextBackoff(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectCap)
	c.log.Info("scheduling reconnect",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.connect(); err != nil {
			c.log.Warn("reconnect failed", zap.Error(err))
			c.scheduleReconnect()
		}
	})
}

// nextBackoff returns min(base * 2^(attempt-1), cap) for attempt >= 1.
func nextBackoff(attempt int, base, cap time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// Close shuts the connection down deliberately, disabling reconnection.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

// frame covers the two inbound shapes the venue emits: subscription
// acknowledgements carry a correlation id, data messages a topic.
type frame struct {
	ReqID   string          `json:"req_id"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

func (c *Conn) handleMessage(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		c.log.Debug("unparseable stream message", zap.Error(err))
		return
	}

	switch {
	case f.ReqID != "":
		ok := f.Success == nil || *f.Success
		c.log.Debug("subscription ack",
			zap.String("req_id", f.ReqID), zap.Bool("success", ok), zap.String("msg", f.RetMsg))
	case f.Topic != "":
		for _, ev := range parseEvents(f.Topic, f.Data) {
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		}
	default:
		// Heartbeats and other noise.
	}
}

// parseEvents turns one topic frame into zero or more typed domain events.
func parseEvents(topic string, data json.RawMessage) []domain.StreamEvent {
	switch {
	case strings.HasPrefix(topic, "tickers."):
		var payload struct {
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil
		}
		bid, _ := strconv.ParseFloat(payload.Bid1Price, 64)
		ask, _ := strconv.ParseFloat(payload.Ask1Price, 64)
		if bid == 0 && ask == 0 {
			return nil
		}
		return []domain.StreamEvent{{
			Type: domain.EventPriceUpdate,
			Price: &domain.PriceUpdateEvent{
				Symbol: strings.TrimPrefix(topic, "tickers."),
				Bid:    bid,
				Ask:    ask,
			},
		}}

	case topic == "execution":
		var fills []struct {
			Symbol    string `json:"symbol"`
			OrderID   string `json:"orderId"`
			ExecPrice string `json:"execPrice"`
			ExecQty   string `json:"execQty"`
			LeavesQty string `json:"leavesQty"`
		}
		if err := json.Unmarshal(data, &fills); err != nil {
			return nil
		}
		var events []domain.StreamEvent
		for _, fill := range fills {
			price, _ := strconv.ParseFloat(fill.ExecPrice, 64)
			qty, _ := strconv.ParseFloat(fill.ExecQty, 64)
			leaves, _ := strconv.ParseFloat(fill.LeavesQty, 64)
			events = append(events, domain.StreamEvent{
				Type: domain.EventFill,
				Fill: &domain.FillEvent{
					Symbol:    fill.Symbol,
					OrderRef:  fill.OrderID,
					Price:     price,
					Filled:    qty,
					Remaining: leaves,
				},
			})
		}
		return events

	case topic == "order":
		var orders []struct {
			Symbol      string `json:"symbol"`
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
		}
		if err := json.Unmarshal(data, &orders); err != nil {
			return nil
		}
		var events []domain.StreamEvent
		for _, o := range orders {
			var reason domain.OrderUpdateReason
			switch o.OrderStatus {
			case "Filled":
				reason = domain.OrderReasonFilled
			case "Cancelled", "Deactivated":
				reason = domain.OrderReasonCancelled
			default:
				continue
			}
			events = append(events, domain.StreamEvent{
				Type: domain.EventOrderUpdate,
				Order: &domain.OrderUpdateEvent{
					Symbol:   o.Symbol,
					OrderRef: o.OrderID,
					Reason:   reason,
				},
			})
		}
		return events

	case topic == "position":
		var positions []struct {
			Symbol     string `json:"symbol"`
			Size       string `json:"size"`
			EntryPrice string `json:"entryPrice"`
		}
		if err := json.Unmarshal(data, &positions); err != nil {
			return nil
		}
		var events []domain.StreamEvent
		for _, p := range positions {
			size, _ := strconv.ParseFloat(p.Size, 64)
			entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
			events = append(events, domain.StreamEvent{
				Type:     domain.EventPosition,
				Position: &domain.PositionEvent{Symbol: p.Symbol, Size: size, Entry: entry},
			})
		}
		return events
	}
	return nil
}
