package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// setCORS sets CORS headers for REST endpoints.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// RegisterRoutes registers the WebSocket endpoint and the REST helpers
// on mux:
//
//	/ws                     upgrade; ?last_ts=RFC3339Nano limits the initial state
//	/api/indicators/latest  latest payload per channel
//	/api/missed             ?channel=&from=&to= replays buffered envelopes
//	/api/latency            bar-close to broadcast percentiles (ms)
func RegisterRoutes(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("ws upgrade failed", "error", err)
			return
		}
		var since time.Time
		if v := r.URL.Query().Get("last_ts"); v != "" {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				since = t
			}
		}
		hub.Register(conn, since)
	})

	mux.HandleFunc("/api/indicators/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.LatestAll())
	})

	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		channel := q.Get("channel")
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		if channel == "" || err1 != nil || err2 != nil || from > to {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel, from and to are required"})
			return
		}

		envelopes := hub.ReplayRange(channel, from, to)
		msgs := make([]json.RawMessage, len(envelopes))
		for i, e := range envelopes {
			msgs[i] = e
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"channel":     channel,
			"channel_seq": hub.ChannelSeq(channel),
			"messages":    msgs,
		})
	})

	mux.HandleFunc("/api/latency", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Lag.Summary())
	})
}
