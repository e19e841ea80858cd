// Package gateway fans indicator results out to WebSocket dashboards.
// Each result is wrapped in an envelope carrying a global and a per-channel
// sequence number; clients detect gaps with the latter and backfill them
// from the per-channel replay buffers over REST.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tastream/internal/model"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize   = 256
	replayBufferSize = 500
)

// Hub manages WebSocket clients and result fan-out. It implements
// model.IndicatorWriter so the engine service can publish to it directly.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	Lag *LagWindow // bar close to broadcast

	log *slog.Logger

	OnClients func(n int) // called with the client count after connect/disconnect
	OnDrop    func()      // called when a slow client misses a message
	OnLag     func(d time.Duration)
}

var _ model.IndicatorWriter = (*Hub)(nil)

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		Lag:         NewLagWindow(10000),
		log:         slog.With(slog.String("component", "gateway")),
	}
}

// WriteIndicatorBatch broadcasts every result on its pub/sub channel name.
func (h *Hub) WriteIndicatorBatch(_ context.Context, results []model.IndicatorResult) error {
	now := time.Now().UTC()
	for i := range results {
		r := &results[i]
		if !r.Live && r.Ready {
			lag := now.Sub(r.TS.Add(time.Duration(r.TF) * time.Second))
			h.Lag.Observe(lag)
			if h.OnLag != nil && lag >= 0 {
				h.OnLag(lag)
			}
		}
		h.Broadcast(r.PubSubChannel(), r.JSON(), now)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
	return nil
}

// Register attaches an upgraded connection, sends it the latest values
// newer than since (zero means all), and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn, since time.Time) *Client {
	client := newClient(h, conn)
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", slog.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}

	client.sendInitialState(since)
	go client.writePump()
	go client.readPump()
	return client
}

// removeClient detaches a client and closes its send queue.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client disconnected", slog.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// LatestAll returns a copy of the latest payload per channel.
func (h *Hub) LatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// ReplayRange returns buffered envelopes for a channel with channel_seq in
// [fromSeq, toSeq].
func (h *Hub) ReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// ChannelSeq returns the current sequence number for a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
