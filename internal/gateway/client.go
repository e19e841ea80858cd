package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

// SubscribeMsg is the client → server SUBSCRIBE request. An empty
// Indicators list subscribes to every indicator on the symbol and TF.
type SubscribeMsg struct {
	Type       string   `json:"type"`
	ReqID      string   `json:"reqId"`
	Symbol     string   `json:"symbol"` // "NSE:2885"
	TF         int      `json:"tf"`
	Indicators []string `json:"indicators"` // e.g. ["ADX_14", "RSI_14"]
}

// SubscribedMsg acknowledges a subscription with the latest matching values.
type SubscribedMsg struct {
	Type   string                     `json:"type"` // "SUBSCRIBED"
	ReqID  string                     `json:"reqId,omitempty"`
	Symbol string                     `json:"symbol"`
	TF     int                        `json:"tf"`
	Latest map[string]json.RawMessage `json:"latest"`
}

// ErrorMsg is the server → client ERROR message.
type ErrorMsg struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// subscription is one (symbol, tf) a client listens to.
type subscription struct {
	symbol     string
	tf         int
	indicators map[string]bool // empty means all
}

func subKey(symbol string, tf int) string {
	return symbol + ":" + strconv.Itoa(tf)
}

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	subs  map[string]*subscription
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  h,
		subs: make(map[string]*subscription),
	}
}

// sendInitialState queues the latest value of every channel updated after since.
func (c *Client) sendInitialState(since time.Time) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	for channel, entry := range c.hub.latest {
		if !since.IsZero() && !entry.TS.After(since) {
			continue
		}
		envelope, _ := json.Marshal(map[string]interface{}{
			"channel":     channel,
			"data":        entry.Data,
			"ts":          entry.TS.Format(time.RFC3339Nano),
			"channel_seq": entry.Seq,
			"initial":     true,
		})
		select {
		case c.send <- envelope:
		default:
		}
	}
}

// trySend queues msg unless the client is gone or its queue is full.
func (c *Client) trySend(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg []byte) {
	var base struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	if json.Unmarshal(msg, &base) != nil {
		c.sendJSON(ErrorMsg{Type: "ERROR", Error: "invalid JSON"})
		return
	}

	switch base.Type {
	case "SUBSCRIBE":
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.sendJSON(ErrorMsg{Type: "ERROR", Error: "invalid SUBSCRIBE: " + err.Error()})
			return
		}
		c.handleSubscribe(sub)

	case "UNSUBSCRIBE":
		var sub SubscribeMsg
		if json.Unmarshal(msg, &sub) == nil {
			c.subMu.Lock()
			delete(c.subs, subKey(sub.Symbol, sub.TF))
			c.subMu.Unlock()
		}

	default:
		if base.Ping > 0 {
			c.sendJSON(map[string]interface{}{
				"type":      "pong",
				"ping":      base.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
		}
	}
}

func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if msg.Symbol == "" || msg.TF <= 0 {
		c.sendJSON(ErrorMsg{Type: "ERROR", ReqID: msg.ReqID, Error: "symbol and tf are required"})
		return
	}

	sub := &subscription{symbol: msg.Symbol, tf: msg.TF, indicators: make(map[string]bool)}
	for _, name := range msg.Indicators {
		sub.indicators[name] = true
	}

	c.subMu.Lock()
	c.subs[subKey(msg.Symbol, msg.TF)] = sub
	c.subMu.Unlock()

	c.hub.log.Debug("client subscribed",
		"symbol", msg.Symbol, "tf", msg.TF, "indicators", msg.Indicators)

	latest := make(map[string]json.RawMessage)
	for channel, data := range c.hub.LatestAll() {
		if p := parseChannel(channel); p != nil && sub.matches(p) {
			latest[channel] = data
		}
	}
	c.sendJSON(SubscribedMsg{Type: "SUBSCRIBED", ReqID: msg.ReqID, Symbol: msg.Symbol, TF: msg.TF, Latest: latest})
}

func (s *subscription) matches(p *parsedChannel) bool {
	if s.symbol != p.exchange+":"+p.token || s.tf != p.tf {
		return false
	}
	if p.chType == "bar" || len(s.indicators) == 0 {
		return true
	}
	return s.indicators[p.indName]
}

// matchesChannel reports whether this client should receive a message on
// channel. A client without subscriptions receives everything.
func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.subs) == 0 {
		return true
	}
	p := parseChannel(channel)
	if p == nil {
		return true
	}
	for _, sub := range c.subs {
		if sub.matches(p) {
			return true
		}
	}
	return false
}

// parsedChannel holds the components of a pub/sub channel name.
type parsedChannel struct {
	chType   string // "bar" or "indicator"
	indName  string // e.g. "RSI_14"
	tf       int
	exchange string
	token    string
}

// parseChannel parses "pub:bar:60s:NSE:2885" or "pub:ind:RSI_14:60s:NSE:2885".
func parseChannel(channel string) *parsedChannel {
	parts := strings.Split(channel, ":")
	if len(parts) < 5 || parts[0] != "pub" {
		return nil
	}

	switch {
	case parts[1] == "bar" && len(parts) == 5:
		tf, ok := parseTFStr(parts[2])
		if !ok {
			return nil
		}
		return &parsedChannel{chType: "bar", tf: tf, exchange: parts[3], token: parts[4]}

	case parts[1] == "ind" && len(parts) == 6:
		tf, ok := parseTFStr(parts[3])
		if !ok {
			return nil
		}
		return &parsedChannel{chType: "indicator", indName: parts[2], tf: tf, exchange: parts[4], token: parts[5]}
	}
	return nil
}

// parseTFStr parses "60s" → 60.
func parseTFStr(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSuffix(s, "s"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
