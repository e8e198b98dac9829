// Package store adapts the ticket repository to the bot session fields the
// bridge reads and writes.
package store

import (
	"context"
	"fmt"
	"time"

	"botbridge/internal/model"

	"github.com/oklog/ulid/v2"
)

// TicketRepository is the subset of ticket persistence the bridge needs
type TicketRepository interface {
	UpdateTicket(ctx context.Context, id int64, upd model.TicketUpdate) error
	CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error)
}

// SessionStore writes bot session state. Every successful write is mirrored
// onto the in-memory ticket so later steps of the same turn see it.
type SessionStore struct {
	repo TicketRepository
	now  func() time.Time
}

// NewSessionStore creates a session store
func NewSessionStore(repo TicketRepository) *SessionStore {
	return &SessionStore{repo: repo, now: time.Now}
}

// WithClock overrides the time source
func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	s.now = now
	return s
}

// Now returns the store's current time
func (s *SessionStore) Now() time.Time {
	return s.now()
}

func (s *SessionStore) apply(ctx context.Context, t *model.Ticket, upd model.TicketUpdate) error {
	if upd.Empty() {
		return nil
	}
	if err := s.repo.UpdateTicket(ctx, t.ID, upd); err != nil {
		return fmt.Errorf("failed to update ticket %d: %w", t.ID, err)
	}
	t.Apply(upd)
	return nil
}

// StartSession attaches a new provider session and puts the ticket in bot mode
func (s *SessionStore) StartSession(ctx context.Context, t *model.Ticket, sessionID string) error {
	return s.apply(ctx, t, model.TicketUpdate{
		IsBot:          model.Ptr(true),
		UseIntegration: model.Ptr(true),
		TypebotStatus:  model.Ptr(true),
		SessionID:      model.SetTo(sessionID),
		SessionTime:    model.SetTo(s.now()),
	})
}

// ReplaceSession swaps the session handle without touching bot mode flags
func (s *SessionStore) ReplaceSession(ctx context.Context, t *model.Ticket, sessionID string) error {
	return s.apply(ctx, t, model.TicketUpdate{
		SessionID:   model.SetTo(sessionID),
		SessionTime: model.SetTo(s.now()),
	})
}

// RefreshSession bumps the session time
func (s *SessionStore) RefreshSession(ctx context.Context, t *model.Ticket) error {
	return s.apply(ctx, t, model.TicketUpdate{
		SessionTime: model.SetTo(s.now()),
	})
}

// ClearSession drops the session handle and time, leaving bot mode as is
func (s *SessionStore) ClearSession(ctx context.Context, t *model.Ticket) error {
	return s.apply(ctx, t, model.TicketUpdate{
		SessionID:   model.SetNull[string](),
		SessionTime: model.SetNull[time.Time](),
	})
}

// ClearSessionAndStatus drops the session and the reported bot status. Used
// after an unexpected failure mid-turn.
func (s *SessionStore) ClearSessionAndStatus(ctx context.Context, t *model.Ticket) error {
	return s.apply(ctx, t, model.TicketUpdate{
		TypebotStatus: model.Ptr(false),
		SessionID:     model.SetNull[string](),
		SessionTime:   model.SetNull[time.Time](),
	})
}

// ExitBotMode takes the ticket out of bot mode and clears the session. extra
// is merged into the same write (queue, user, status reassignments).
func (s *SessionStore) ExitBotMode(ctx context.Context, t *model.Ticket, extra model.TicketUpdate) error {
	upd := extra
	upd.IsBot = model.Ptr(false)
	upd.UseIntegration = model.Ptr(false)
	upd.TypebotStatus = model.Ptr(false)
	upd.SessionID = model.SetNull[string]()
	upd.SessionTime = model.SetNull[time.Time]()
	upd.PendingVariable = model.SetNull[string]()
	upd.PendingVariableAt = model.SetNull[time.Time]()
	return s.apply(ctx, t, upd)
}

// SetPendingVariable records the variable the provider is waiting on
func (s *SessionStore) SetPendingVariable(ctx context.Context, t *model.Ticket, variableID string) error {
	return s.apply(ctx, t, model.TicketUpdate{
		PendingVariable:   model.SetTo(variableID),
		PendingVariableAt: model.SetTo(s.now()),
	})
}

// SetContactName updates the name shown on the ticket
func (s *SessionStore) SetContactName(ctx context.Context, t *model.Ticket, name string) error {
	if t.ContactName == name {
		return nil
	}
	return s.apply(ctx, t, model.TicketUpdate{ContactName: &name})
}

// RecordSystemMessage appends a system-authored entry to the ticket timeline
func (s *SessionStore) RecordSystemMessage(ctx context.Context, t *model.Ticket, body string) (model.Message, error) {
	msg, err := s.repo.CreateMessage(ctx, model.NewMessage{
		ID:       ulid.Make().String(),
		TicketID: t.ID,
		Kind:     model.MessageKindSystem,
		Body:     body,
		FromMe:   true,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to record system message: %w", err)
	}
	return msg, nil
}

// RecordBotReply appends a relayed bot reply to the ticket timeline
func (s *SessionStore) RecordBotReply(ctx context.Context, t *model.Ticket, body string, waMessageID string) (model.Message, error) {
	nm := model.NewMessage{
		ID:       ulid.Make().String(),
		TicketID: t.ID,
		Kind:     model.MessageKindBot,
		Body:     body,
		FromMe:   true,
	}
	if waMessageID != "" {
		nm.WAMessageID = &waMessageID
	}
	msg, err := s.repo.CreateMessage(ctx, nm)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to record bot reply: %w", err)
	}
	return msg, nil
}
