// Package replay feeds historical bars, from SQLite or CSV, to the indicator
// engine at a configurable speed for backtesting.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"tastream/internal/model"
)

// maxGap caps the simulated wait between two bars.
const maxGap = 5 * time.Second

// Replayer reads historical bars from a BarReader and replays them
// at a configurable speed multiplier.
type Replayer struct {
	reader   model.BarReader
	exchange string
	token    string
	log      *slog.Logger
}

// New creates a Replayer backed by a bar reader.
func New(reader model.BarReader) *Replayer {
	return &Replayer{
		reader: reader,
		log:    slog.With(slog.String("component", "replay")),
	}
}

// Only restricts replay to one instrument.
func (r *Replayer) Only(exchange, token string) *Replayer {
	r.exchange, r.token = exchange, token
	return r
}

// Load reads all bars for the given TFs after fromTS (0 = all), in time order.
func (r *Replayer) Load(tfs []int, fromTS int64) ([]model.Bar, error) {
	var all []model.Bar
	for _, tf := range tfs {
		var (
			bars []model.Bar
			err  error
		)
		if r.token != "" {
			bars, err = r.reader.ReadBars(r.exchange, r.token, tf, fromTS)
		} else {
			bars, err = r.reader.ReadAllBars(tf, fromTS)
		}
		if err != nil {
			return nil, fmt.Errorf("read tf=%d: %w", tf, err)
		}
		all = append(all, bars...)
	}
	// TFs interleave; keep the per-stream order stable.
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS.Before(all[j].TS) })
	return all, nil
}

// Run loads and plays bars for the given TFs into out.
// speed controls the playback rate: 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible.
func (r *Replayer) Run(ctx context.Context, tfs []int, fromTS int64, speed float64, out chan<- model.Bar) error {
	bars, err := r.Load(tfs, fromTS)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		r.log.Info("no bars found")
		return nil
	}
	r.log.Info("replaying bars", slog.Int("bars", len(bars)), slog.Int("tfs", len(tfs)), slog.Float64("speed", speed))
	return Play(ctx, bars, speed, out)
}

// Play emits bars into out as finalized, sleeping the scaled gap between
// consecutive timestamps when speed > 0.
func Play(ctx context.Context, bars []model.Bar, speed float64, out chan<- model.Bar) error {
	var prevTS time.Time
	for _, b := range bars {
		if speed > 0 && !prevTS.IsZero() {
			if gap := b.TS.Sub(prevTS); gap > 0 {
				wait := time.Duration(float64(gap) / speed)
				if wait > maxGap {
					wait = maxGap
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prevTS = b.TS

		b.Forming = false
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ReadCSV parses "ts,open,high,low,close[,volume]" rows into bars for one
// instrument. ts is unix seconds, unix milliseconds or RFC3339. A header
// row is skipped. Rows are returned in time order.
func ReadCSV(r io.Reader, exchange, token string, tf int) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var bars []model.Bar
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "ts") {
			continue
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 fields, got %d", line, len(rec))
		}

		ts, err := parseTS(rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var vals [5]float64
		for i := 1; i < len(rec) && i <= 5; i++ {
			if vals[i-1], err = strconv.ParseFloat(strings.TrimSpace(rec[i]), 64); err != nil {
				return nil, fmt.Errorf("line %d field %d: %w", line, i+1, err)
			}
		}
		bars = append(bars, model.Bar{
			Exchange: exchange,
			Token:    token,
			TF:       tf,
			TS:       ts,
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	return bars, nil
}

func parseTS(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t.UTC(), nil
}
