package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// IndicatorResult holds a computed indicator value for a specific token + TF.
//
// Value is always a finite number: warm-up sentinels (NaN) are reported as 0
// with Ready=false, since JSON has no NaN.
type IndicatorResult struct {
	Name     string    `json:"name"`  // e.g. "ADX_14", "RSI_14", "CORREL_30"
	Label    string    `json:"label"` // e.g. "ADX(14)"
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	TF       int       `json:"tf"` // timeframe in seconds
	Value    float64   `json:"value"`
	TS       time.Time `json:"ts"`    // bar timestamp that produced this value
	Ready    bool      `json:"ready"` // true when indicator has enough data
	Live     bool      `json:"live"`  // true for preview values from forming bars
}

// StreamKey returns the Redis stream key: "ind:{name}:{TF}s:{exchange}:{token}".
func (r *IndicatorResult) StreamKey() string {
	return "ind:" + r.Name + ":" + strconv.Itoa(r.TF) + "s:" + r.Exchange + ":" + r.Token
}

// LatestKey returns the key holding the most recent confirmed value.
func (r *IndicatorResult) LatestKey() string {
	return "ind:" + r.Name + ":" + strconv.Itoa(r.TF) + "s:latest:" + r.Exchange + ":" + r.Token
}

// PubSubChannel returns "pub:ind:{name}:{TF}s:{exchange}:{token}".
func (r *IndicatorResult) PubSubChannel() string {
	return "pub:" + r.StreamKey()
}

// JSON returns the JSON-encoded indicator result.
func (r *IndicatorResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
