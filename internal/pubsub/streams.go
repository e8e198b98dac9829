package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamMaxLen bounds each channel's replay stream
const streamMaxLen = 1000

// StreamEvent represents an event stored in Redis Streams
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// Streams manages Redis Streams for event replay
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewStreams creates a new Streams manager
func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{rdb: rdb, log: log}
}

func streamKey(channel string) string { return "stream:" + channel }
func seqKey(channel string) string    { return "seq:" + channel }
func ackKey(channel, connectionID string) string {
	return fmt.Sprintf("ack:%s:%s", channel, connectionID)
}

// PublishEvent appends an event to the channel's stream under the next
// sequence number and returns that number.
func (s *Streams) PublishEvent(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(ctx, seqKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":       seq,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"data":      string(data),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Published event to stream",
		zap.String("channel", channel),
		zap.Int64("sequence", seq),
		zap.String("stream_id", id),
	)
	return seq, nil
}

// GetLastSequence gets the last acknowledged sequence for a channel and connection
func (s *Streams) GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error) {
	seq, err := s.rdb.Get(ctx, ackKey(channel, connectionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return seq, nil
}

// AcknowledgeSequence records an acknowledgment for a sequence number
func (s *Streams) AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(ctx, ackKey(channel, connectionID), sequence, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

// ReplayEvents returns up to limit events with a sequence above sinceSeq, oldest first
func (s *Streams) ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRange(ctx, streamKey(channel), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := []StreamEvent{}
	for _, msg := range msgs {
		ev, ok := decodeStreamMessage(channel, msg.Values)
		if !ok {
			s.log.Warn("Skipping malformed stream entry", zap.String("channel", channel), zap.String("stream_id", msg.ID))
			continue
		}
		if ev.Sequence <= sinceSeq {
			continue
		}
		events = append(events, ev)
		if limit > 0 && int64(len(events)) == limit {
			break
		}
	}
	return events, nil
}

func decodeStreamMessage(channel string, values map[string]interface{}) (StreamEvent, bool) {
	data, ok := values["data"].(string)
	if !ok {
		return StreamEvent{}, false
	}
	seqStr, _ := values["seq"].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return StreamEvent{}, false
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return StreamEvent{}, false
	}

	ts, _ := values["timestamp"].(string)
	timestamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		timestamp = time.Now()
	}

	return StreamEvent{
		Channel:   channel,
		Sequence:  seq,
		Event:     event,
		Timestamp: timestamp,
	}, true
}
