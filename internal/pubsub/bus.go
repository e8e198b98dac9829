package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	ctx     context.Context
	wsHub   WSHub
	streams *Streams
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{
		rdb:     rdb,
		log:     log,
		ctx:     context.Background(),
		streams: NewStreams(rdb, log),
	}
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// GetStreams returns the streams provider
func (b *Bus) GetStreams() *Streams {
	return b.streams
}

// TicketChannel is the channel carrying a ticket's bot events
func TicketChannel(ticketID int64) string {
	return fmt.Sprintf("ticket:%d", ticketID)
}

// StreamChannel is the channel carrying a ticket's streamed reply chunks
func StreamChannel(ticketID int64) string {
	return fmt.Sprintf("ticket:%d:stream", ticketID)
}

// PublishTicket publishes an event to a ticket's channel
func (b *Bus) PublishTicket(ticketID int64, event map[string]interface{}) error {
	return b.Publish(TicketChannel(ticketID), event)
}

// PublishStreamChunk fans a streamed reply chunk out to live subscribers.
// Chunks are not written to the replay stream.
func (b *Bus) PublishStreamChunk(ticketID int64, chunk string) error {
	channel := StreamChannel(ticketID)
	event := map[string]interface{}{
		"type":     "bot.stream",
		"ticketId": ticketID,
		"chunk":    chunk,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(b.ctx, channel, data).Err(); err != nil {
		return err
	}

	if b.wsHub != nil {
		b.wsHub.Publish(channel, event)
	}
	return nil
}

// Publish publishes an event to a channel
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Publish to Redis pub/sub
	err = b.rdb.Publish(b.ctx, channel, data).Err()
	if err != nil {
		b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
		return err
	}

	// Also publish to Redis Streams for replay
	seq, err := b.streams.PublishEvent(b.ctx, channel, event)
	if err != nil {
		b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
		// Continue even if stream publish fails
	}

	eventWithSeq := make(map[string]interface{}, len(event)+1)
	for k, v := range event {
		eventWithSeq[k] = v
	}
	eventWithSeq["seq"] = seq

	if b.wsHub != nil {
		b.wsHub.Publish(channel, eventWithSeq)
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq))
	return nil
}
