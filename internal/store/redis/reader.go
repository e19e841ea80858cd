package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tastream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	readCount   = 100
	readBlock   = 2 * time.Second
	replayBatch = 1000

	formingPattern = "pub:bar:*"
	basePattern    = "pub:bar:1s:*"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "indengine"
	ConsumerName  string // unique consumer name, e.g. hostname
}

// Reader reads finalized bars from Redis Streams via consumer groups and
// forming bars from pub/sub.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
	log           *slog.Logger
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client, err := connect(Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return nil, err
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "indengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	log := slog.With(slog.String("component", "redis-reader"))
	log.Info("connected", slog.String("addr", cfg.Addr), slog.String("group", group), slog.String("consumer", consumer))
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
		log:           log,
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// decodeBar extracts a bar from a stream message's "data" field.
func decodeBar(msg goredis.XMessage) (model.Bar, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.Bar{}, false
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return model.Bar{}, false
	}
	return b, true
}

// EnsureConsumerGroupFrom creates a consumer group starting from a specific
// stream ID, or moves an existing group there. Used after snapshot restore.
func (r *Reader) EnsureConsumerGroupFrom(ctx context.Context, stream, startID string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, startID).Err()
	if err == nil {
		return nil
	}
	if isBusyGroup(err) {
		return r.client.XGroupSetID(ctx, stream, r.consumerGroup, startID).Err()
	}
	return fmt.Errorf("xgroup create from %s at %s: %w", stream, startID, err)
}

// deliver sends a decoded bar to out and ACKs it. Undecodable messages are
// ACKed immediately so a poison message cannot block the group.
func (r *Reader) deliver(ctx context.Context, stream string, msg goredis.XMessage, out chan<- model.Bar) error {
	bar, ok := decodeBar(msg)
	if !ok {
		r.log.Warn("dropping undecodable message", slog.String("stream", stream), slog.String("id", msg.ID))
		r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
		return nil
	}

	select {
	case out <- bar:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
	return nil
}

// ConsumeBars reads finalized bars from Redis Streams using consumer groups.
// Blocks on XREADGROUP and sends parsed bars to out. Returns when ctx is cancelled.
func (r *Reader) ConsumeBars(ctx context.Context, streams []string, out chan<- model.Bar) error {
	if len(streams) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	// [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			r.log.Error("xreadgroup failed", slog.String("error", err.Error()))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if err := r.deliver(ctx, stream.Stream, msg, out); err != nil {
					return err
				}
			}
		}
	}
}

// RecoverPending processes any pending (unACKed) messages from a previous crash.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.Bar) error {
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  readCount,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				Messages: ids,
			}).Result()
			if err != nil {
				r.log.Error("xclaim failed", slog.String("stream", stream), slog.String("error", err.Error()))
				break
			}

			for _, msg := range claimed {
				if err := r.deliver(ctx, stream, msg, out); err != nil {
					return err
				}
			}

			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// ReclaimStaleMessages finds PEL entries idle longer than minIdle that belong
// to other consumers in the group and XCLAIMs them for this consumer.
func (r *Reader) ReclaimStaleMessages(ctx context.Context, stream string, minIdle time.Duration, batchSize int64) ([]goredis.XMessage, error) {
	pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  batchSize,
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var staleIDs []string
	for _, p := range pending {
		if p.Consumer != r.consumerName {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    r.consumerGroup,
		Consumer: r.consumerName,
		MinIdle:  minIdle,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}

	r.log.Info("reclaimed stale PEL entries", slog.String("stream", stream), slog.Int("count", len(claimed)))
	return claimed, nil
}

// StartPELReclaimer periodically reclaims stale PEL entries on streams and
// feeds the bars to out. Runs until ctx is cancelled.
func (r *Reader) StartPELReclaimer(ctx context.Context, streams []string, interval, minIdle time.Duration, out chan<- model.Bar, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, stream := range streams {
				claimed, err := r.ReclaimStaleMessages(ctx, stream, minIdle, 50)
				if err != nil {
					r.log.Error("PEL reclaim failed", slog.String("stream", stream), slog.String("error", err.Error()))
					continue
				}
				for _, msg := range claimed {
					if err := r.deliver(ctx, stream, msg, out); err != nil {
						return
					}
					total++
				}
			}
			if total > 0 && onReclaim != nil {
				onReclaim(total)
			}
		}
	}
}

// ReplayFromID reads all messages after startID (exclusive) from a stream.
// Used during restore to replay bars since the last snapshot. Returns the
// last ID seen.
func (r *Reader) ReplayFromID(ctx context.Context, stream, startID string, out chan<- model.Bar) (string, error) {
	lastID := startID
	for {
		results, err := r.client.XRangeN(ctx, stream, "("+lastID, "+", replayBatch).Result()
		if err != nil {
			return lastID, fmt.Errorf("xrange %s from %s: %w", stream, lastID, err)
		}
		if len(results) == 0 {
			break
		}

		for _, msg := range results {
			lastID = msg.ID
			bar, ok := decodeBar(msg)
			if !ok {
				continue
			}
			select {
			case out <- bar:
			case <-ctx.Done():
				return lastID, ctx.Err()
			}
		}

		if len(results) < replayBatch {
			break
		}
	}
	return lastID, nil
}

// DiscoverBarStreams returns the existing bar streams for every TF and
// "exchange:token" pair. With no tokens it scans for every bar stream of
// each TF.
func (r *Reader) DiscoverBarStreams(ctx context.Context, tfs []int, tokens []string) []string {
	var streams []string
	for _, tf := range tfs {
		if len(tokens) == 0 {
			iter := r.client.Scan(ctx, 0, fmt.Sprintf("bar:%ds:*", tf), 200).Iterator()
			for iter.Next(ctx) {
				streams = append(streams, iter.Val())
			}
			if err := iter.Err(); err != nil {
				r.log.Warn("stream scan failed", slog.Int("tf", tf), slog.String("error", err.Error()))
			}
			continue
		}
		for _, tok := range tokens {
			stream := fmt.Sprintf("bar:%ds:%s", tf, tok)
			exists, err := r.client.Exists(ctx, stream).Result()
			if err == nil && exists > 0 {
				streams = append(streams, stream)
			}
		}
	}
	return streams
}

// SubscribeFormingBars subscribes to pub:bar:* and feeds forming bars into
// out. Finalized bars arrive through XREADGROUP and are ignored here. Blocks
// until ctx is cancelled.
func (r *Reader) SubscribeFormingBars(ctx context.Context, out chan<- model.Bar) error {
	pubsub := r.client.PSubscribe(ctx, formingPattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var b model.Bar
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil || !b.Forming {
				continue
			}
			select {
			case out <- b:
			default:
			}
		}
	}
}

// SubscribeBaseForPeek subscribes to 1s bars and rolls them into forming bars
// for every TF in tfs, for feeds that do not publish forming TF bars.
func (r *Reader) SubscribeBaseForPeek(ctx context.Context, tfs []int, out chan<- model.Bar) error {
	pubsub := r.client.PSubscribe(ctx, basePattern)
	defer pubsub.Close()

	agg := newFormingAggregator(tfs)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var b model.Bar
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil || b.TF != 1 {
				continue
			}
			for _, fb := range agg.add(b) {
				select {
				case out <- fb:
				default:
				}
			}
		}
	}
}

// formingAggregator merges base bars into in-progress TF buckets.
type formingAggregator struct {
	tfs   []int
	state map[string]*formingBucket
}

type formingBucket struct {
	start int64
	bar   model.Bar
}

func newFormingAggregator(tfs []int) *formingAggregator {
	return &formingAggregator{tfs: tfs, state: make(map[string]*formingBucket)}
}

// add merges b into each TF bucket and returns a forming snapshot per TF.
func (a *formingAggregator) add(b model.Bar) []model.Bar {
	ts := b.TS.Unix()
	out := make([]model.Bar, 0, len(a.tfs))
	for _, tf := range a.tfs {
		start := ts - ts%int64(tf)
		key := fmt.Sprintf("%d:%s:%s", tf, b.Exchange, b.Token)

		st, ok := a.state[key]
		if !ok || start > st.start {
			st = &formingBucket{
				start: start,
				bar: model.Bar{
					Token: b.Token, Exchange: b.Exchange, TF: tf,
					TS:   time.Unix(start, 0).UTC(),
					Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
					Volume: b.Volume, Forming: true,
				},
			}
			a.state[key] = st
		} else if start == st.start {
			fb := &st.bar
			if b.High > fb.High {
				fb.High = b.High
			}
			if b.Low < fb.Low {
				fb.Low = b.Low
			}
			fb.Close = b.Close
			fb.Volume += b.Volume
		} else {
			// late base bar for an older bucket
			continue
		}
		out = append(out, st.bar)
	}
	return out
}

// SubscribeChannel subscribes to a Redis Pub/Sub channel and waits for the
// confirmation. Returns nil if the subscription failed.
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) *goredis.PubSub {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		r.log.Error("subscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		pubsub.Close()
		return nil
	}
	return pubsub
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
