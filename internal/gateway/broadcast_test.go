package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tastream/internal/model"
)

// envelope is the parsed WS message structure.
type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
}

func TestBuildEnvelope_Format(t *testing.T) {
	channel := "pub:ind:RSI_14:60s:NSE:2885"
	data := []byte(`{"name":"RSI_14","value":61.5,"ready":true}`)
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)

	var env envelope
	if err := json.Unmarshal(buildEnvelope(channel, data, now, 42, 7), &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if env.Channel != channel || env.Seq != 42 || env.ChannelSeq != 7 {
		t.Errorf("unexpected envelope %+v", env)
	}
	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	if err != nil || !parsed.Equal(now) {
		t.Errorf("ts: got %q (%v)", env.TS, err)
	}

	var payload struct {
		Value float64 `json:"value"`
		Ready bool    `json:"ready"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("data is not valid JSON: %v", err)
	}
	if payload.Value != 61.5 || !payload.Ready {
		t.Errorf("payload = %+v", payload)
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		wantTF  int
		wantInd string
		wantNil bool
	}{
		{"bar_60s", "pub:bar:60s:NSE:2885", 60, "", false},
		{"bar_300s", "pub:bar:300s:NSE:2885", 300, "", false},
		{"adx", "pub:ind:ADX_14:60s:NSE:2885", 60, "ADX_14", false},
		{"correl", "pub:ind:CORREL_30:900s:BSE:500325", 900, "CORREL_30", false},
		{"garbage", "garbage", 0, "", true},
		{"short", "pub:bar", 0, "", true},
		{"bad_tf", "pub:bar:xs:NSE:2885", 0, "", true},
		{"not_pub", "sub:bar:60s:NSE:2885", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parseChannel(tt.channel)
			if tt.wantNil {
				if p != nil {
					t.Errorf("expected nil, got %+v", p)
				}
				return
			}
			if p == nil {
				t.Fatal("expected non-nil parsed channel")
			}
			if p.tf != tt.wantTF || p.indName != tt.wantInd {
				t.Errorf("got tf=%d ind=%q, want tf=%d ind=%q", p.tf, p.indName, tt.wantTF, tt.wantInd)
			}
		})
	}
}

func TestClient_MatchesChannel(t *testing.T) {
	c := newClient(NewHub(), nil)
	if !c.matchesChannel("pub:ind:RSI_14:60s:NSE:2885") {
		t.Error("client without subscriptions should receive everything")
	}

	c.subs[subKey("NSE:2885", 60)] = &subscription{
		symbol: "NSE:2885", tf: 60, indicators: map[string]bool{"RSI_14": true},
	}
	c.subs[subKey("NSE:1594", 300)] = &subscription{
		symbol: "NSE:1594", tf: 300, indicators: map[string]bool{},
	}

	cases := map[string]bool{
		"pub:ind:RSI_14:60s:NSE:2885":     true,
		"pub:ind:ADX_14:60s:NSE:2885":     false,
		"pub:ind:RSI_14:300s:NSE:2885":    false,
		"pub:bar:60s:NSE:2885":            true,
		"pub:ind:CORREL_30:300s:NSE:1594": true,
		"pub:ind:CORREL_30:60s:NSE:1594":  false,
		"system:notice":                   true,
	}
	for ch, want := range cases {
		if got := c.matchesChannel(ch); got != want {
			t.Errorf("matchesChannel(%q) = %v, want %v", ch, got, want)
		}
	}
}

func TestHub_WriteIndicatorBatchTracksSeqAndReplay(t *testing.T) {
	h := NewHub()
	ts := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Minute)
	rsi := model.IndicatorResult{Name: "RSI_14", Exchange: "NSE", Token: "2885", TF: 60, TS: ts, Value: 55, Ready: true}
	adx := model.IndicatorResult{Name: "ADX_14", Exchange: "NSE", Token: "2885", TF: 60, TS: ts, Value: 20, Ready: true}

	for i := 0; i < 3; i++ {
		rsi.Value = 55 + float64(i)
		h.WriteIndicatorBatch(context.Background(), []model.IndicatorResult{rsi, adx})
	}

	ch := rsi.PubSubChannel()
	if got := h.ChannelSeq(ch); got != 3 {
		t.Errorf("ChannelSeq = %d, want 3", got)
	}

	replayed := h.ReplayRange(ch, 2, 3)
	if len(replayed) != 2 {
		t.Fatalf("expected 2 replayed envelopes, got %d", len(replayed))
	}
	var env envelope
	if err := json.Unmarshal(replayed[1], &env); err != nil {
		t.Fatal(err)
	}
	if env.ChannelSeq != 3 || env.Seq != 5 {
		t.Errorf("last RSI envelope: channel_seq=%d seq=%d, want 3 and 5", env.ChannelSeq, env.Seq)
	}

	var latest model.IndicatorResult
	if err := json.Unmarshal(h.LatestAll()[ch], &latest); err != nil {
		t.Fatal(err)
	}
	if latest.Value != 57 {
		t.Errorf("latest RSI = %v, want 57", latest.Value)
	}

	if h.Lag.Len() != 6 {
		t.Errorf("lag samples = %d, want 6", h.Lag.Len())
	}
	if h.ReplayRange("pub:ind:NOPE:60s:NSE:2885", 0, 10) != nil {
		t.Error("unknown channel should have no replay")
	}
}
