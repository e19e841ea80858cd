package model

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Bar is an OHLCV bar for one instrument on one timeframe.
// TF is the timeframe duration in seconds (e.g., 60 = 1 minute).
type Bar struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	TF       int       `json:"tf"` // timeframe in seconds
	TS       time.Time `json:"ts"` // bucket start time (UTC, TF-aligned)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Forming  bool      `json:"forming"` // true if bucket is still open
}

// Finite reports whether every price and the volume are finite numbers.
func (b Bar) Finite() bool {
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// HighPrice, LowPrice and ClosePrice let indicators consume a Bar through
// narrow interfaces instead of the concrete type.
func (b Bar) HighPrice() float64  { return b.High }
func (b Bar) LowPrice() float64   { return b.Low }
func (b Bar) ClosePrice() float64 { return b.Close }

// Key returns "exchange:token".
func (b *Bar) Key() string {
	return b.Exchange + ":" + b.Token
}

// StreamKey returns the Redis stream key: "bar:{TF}s:{exchange}:{token}".
func (b *Bar) StreamKey() string {
	return "bar:" + strconv.Itoa(b.TF) + "s:" + b.Exchange + ":" + b.Token
}

// PubSubChannel returns the channel forming bars are published on.
func (b *Bar) PubSubChannel() string {
	return "pub:bar:" + strconv.Itoa(b.TF) + "s:" + b.Exchange + ":" + b.Token
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}
