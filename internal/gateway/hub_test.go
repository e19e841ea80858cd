package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tastream/internal/model"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessages reads one frame and splits coalesced messages.
func readMessages(t *testing.T, conn *websocket.Conn) [][]byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return bytes.Split(frame, []byte{'\n'})
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_SubscribeAndReceive(t *testing.T) {
	hub, srv := startTestServer(t)
	ts := time.Unix(1700000000, 0).UTC()
	rsi := model.IndicatorResult{Name: "RSI_14", Exchange: "NSE", Token: "2885", TF: 60, TS: ts, Value: 48, Ready: true}
	hub.WriteIndicatorBatch(context.Background(), []model.IndicatorResult{rsi})

	conn := dial(t, srv)
	waitClients(t, hub, 1)

	// Initial state carries the value published before connecting.
	var initial struct {
		Channel string `json:"channel"`
		Initial bool   `json:"initial"`
	}
	json.Unmarshal(readMessages(t, conn)[0], &initial)
	if initial.Channel != rsi.PubSubChannel() || !initial.Initial {
		t.Fatalf("unexpected initial message %+v", initial)
	}

	sub, _ := json.Marshal(SubscribeMsg{Type: "SUBSCRIBE", ReqID: "r1", Symbol: "NSE:2885", TF: 60, Indicators: []string{"RSI_14"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatal(err)
	}
	var ack SubscribedMsg
	json.Unmarshal(readMessages(t, conn)[0], &ack)
	if ack.Type != "SUBSCRIBED" || ack.ReqID != "r1" || len(ack.Latest) != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}

	// ADX on the same symbol is filtered out, RSI is delivered.
	adx := rsi
	adx.Name = "ADX_14"
	rsi.Value = 52
	hub.WriteIndicatorBatch(context.Background(), []model.IndicatorResult{adx, rsi})

	msgs := readMessages(t, conn)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after filtering, got %d", len(msgs))
	}
	var env envelope
	json.Unmarshal(msgs[0], &env)
	if env.Channel != rsi.PubSubChannel() || env.ChannelSeq != 2 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestHub_InvalidSubscribe(t *testing.T) {
	hub, srv := startTestServer(t)
	conn := dial(t, srv)
	waitClients(t, hub, 1)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE","reqId":"x","tf":60}`))
	var e ErrorMsg
	json.Unmarshal(readMessages(t, conn)[0], &e)
	if e.Type != "ERROR" || e.ReqID != "x" {
		t.Errorf("expected error reply, got %+v", e)
	}
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub, srv := startTestServer(t)
	var counts []int
	done := make(chan struct{}, 4)
	hub.OnClients = func(n int) {
		counts = append(counts, n)
		done <- struct{}{}
	}

	conn := dial(t, srv)
	<-done
	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client was not removed")
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Errorf("client counts = %v, want [1 0]", counts)
	}
}

func TestHandlers_Missed(t *testing.T) {
	hub, srv := startTestServer(t)
	r := model.IndicatorResult{Name: "CORREL_30", Exchange: "NSE", Token: "2885", TF: 60, Ready: true}
	for i := 0; i < 4; i++ {
		hub.WriteIndicatorBatch(context.Background(), []model.IndicatorResult{r})
	}

	resp, err := http.Get(srv.URL + "/api/missed?channel=" + r.PubSubChannel() + "&from=2&to=3")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		ChannelSeq int64             `json:"channel_seq"`
		Messages   []json.RawMessage `json:"messages"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.ChannelSeq != 4 || len(body.Messages) != 2 {
		t.Errorf("channel_seq=%d messages=%d, want 4 and 2", body.ChannelSeq, len(body.Messages))
	}

	bad, err := http.Get(srv.URL + "/api/missed?channel=x&from=5&to=1")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("status=%d, want 400", bad.StatusCode)
	}
}
