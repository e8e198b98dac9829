package session

import (
	"context"
	"fmt"
	"time"

	"botbridge/internal/typebot"

	"go.uber.org/zap"
)

// dispatch relays provider messages in order, one at a time, waiting the
// configured delay between sends. Directives are applied instead of sent; once
// one takes the ticket out of bot mode the rest of the batch is dropped.
func (m *Manager) dispatch(ctx context.Context, turn *Turn, messages []typebot.Message) error {
	t := turn.Ticket
	delay := time.Duration(turn.Config.DelayMessageMs) * time.Millisecond
	sent := 0

	for _, msg := range messages {
		text := msg.Display()
		if text == "" {
			continue
		}

		handled, err := m.directives.Interpret(ctx, t, text)
		if err != nil {
			return fmt.Errorf("failed to apply directive on ticket %d: %w", t.ID, err)
		}
		if handled {
			if !t.IsBot {
				m.log.Info("Bot released ticket", zap.Int64("ticket_id", t.ID))
				m.publish(t.ID, map[string]interface{}{
					"type":     "bot.stopped",
					"ticketId": t.ID,
					"reason":   "directive",
				})
				return nil
			}
			continue
		}

		if sent > 0 && delay > 0 {
			if err := m.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := m.send(ctx, turn, text); err != nil {
			m.log.Warn("Failed to relay bot reply", zap.Int64("ticket_id", t.ID), zap.Error(err))
		}
		sent++
	}
	return nil
}

// send delivers text to the contact and records it on the ticket timeline
func (m *Manager) send(ctx context.Context, turn *Turn, text string) error {
	t := turn.Ticket
	waID, err := m.relay.Deliver(ctx, turn.SessionHandle, t.ContactNumber(), text)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}

	msg, err := m.store.RecordBotReply(ctx, t, text, waID)
	if err != nil {
		m.log.Warn("Failed to record bot reply", zap.Int64("ticket_id", t.ID), zap.Error(err))
	}

	m.publish(t.ID, map[string]interface{}{
		"type":      "bot.reply",
		"ticketId":  t.ID,
		"messageId": msg.ID,
		"body":      text,
	})
	return nil
}
