package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botbridge/internal/bridge"
	"botbridge/internal/db"
	"botbridge/internal/model"
	"botbridge/internal/resolver"
	"botbridge/internal/session"

	"go.uber.org/zap"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrTurnInFlight   = errors.New("bot turn in progress")
)

// Skip reasons reported for inbound messages the bot did not handle
const (
	SkipBotDisabled   = "bot_disabled"
	SkipNoIntegration = "no_integration"
	SkipAgentMessage  = "agent_message"
)

const stoppedMessage = "Bot session stopped"

// TicketLoader loads a ticket with its contact
type TicketLoader interface {
	GetTicket(ctx context.Context, id int64) (model.Ticket, error)
}

// IntegrationResolver picks the integration that drives a ticket
type IntegrationResolver interface {
	Resolve(ctx context.Context, t *model.Ticket) (*model.Integration, error)
}

// TurnProcessor runs one bot turn
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, t *model.Ticket, sessionHandle string, in bridge.Inbound, cfg model.IntegrationConfig) bool
}

// SessionWriter persists bot mode exits
type SessionWriter interface {
	ExitBotMode(ctx context.Context, t *model.Ticket, extra model.TicketUpdate) error
	RecordSystemMessage(ctx context.Context, t *model.Ticket, body string) (model.Message, error)
}

// TurnGuard serializes work per ticket
type TurnGuard interface {
	Acquire(ticketID int64) (release func(), ok bool)
	Active(ticketID int64) bool
	ResetEmpty(ticketID int64)
}

type EventBus interface {
	PublishTicket(ticketID int64, event map[string]interface{}) error
}

// BotService is the application surface of the bridge used by the HTTP API
// and websocket commands.
type BotService struct {
	tickets      TicketLoader
	integrations IntegrationResolver
	turns        TurnProcessor
	sessions     SessionWriter
	guard        TurnGuard
	bus          EventBus
	log          *zap.Logger
}

func NewBotService(tickets TicketLoader, integrations IntegrationResolver, turns TurnProcessor, sessions SessionWriter, guard TurnGuard, bus EventBus, log *zap.Logger) *BotService {
	if log == nil {
		log = zap.NewNop()
	}
	return &BotService{
		tickets:      tickets,
		integrations: integrations,
		turns:        turns,
		sessions:     sessions,
		guard:        guard,
		bus:          bus,
		log:          log,
	}
}

// InboundInput is an inbound WhatsApp message on a ticket
type InboundInput struct {
	SessionHandle string               `json:"sessionId"`
	MessageID     string               `json:"messageId"`
	Text          string               `json:"text"`
	Timestamp     time.Time            `json:"timestamp"`
	Attachments   []string             `json:"attachments,omitempty"`
	Kind          resolver.InboundKind `json:"kind,omitempty"`
}

type InboundResult struct {
	Processed bool   `json:"processed"`
	Skipped   string `json:"skipped,omitempty"`
}

// BotState is the bot projection of a ticket
type BotState struct {
	TicketID        int64      `json:"ticketId"`
	State           string     `json:"state"`
	IsBot           bool       `json:"isBot"`
	UseIntegration  bool       `json:"useIntegration"`
	TypebotStatus   bool       `json:"typebotStatus"`
	SessionID       *string    `json:"typebotSessionId,omitempty"`
	SessionTime     *time.Time `json:"typebotSessionTime,omitempty"`
	PendingVariable *string    `json:"typebotPendingVariable,omitempty"`
	TurnInFlight    bool       `json:"turnInFlight"`
}

// loadTicket loads a ticket visible to tenantID. A zero tenantID is unscoped.
func (s *BotService) loadTicket(ctx context.Context, tenantID, ticketID int64) (*model.Ticket, error) {
	t, err := s.tickets.GetTicket(ctx, ticketID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	if tenantID != 0 && t.TenantID != tenantID {
		return nil, ErrTicketNotFound
	}
	return &t, nil
}

// HandleInbound routes an inbound message to the bot when the ticket is bot
// eligible. Provider and relay failures never surface here; they only make
// Processed false.
func (s *BotService) HandleInbound(ctx context.Context, tenantID, ticketID int64, in InboundInput) (*InboundResult, error) {
	t, err := s.loadTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}

	kind := in.Kind
	if kind == "" {
		kind = resolver.KindContact
	}

	if stop, reason := resolver.ShouldStop(t, kind); stop {
		if err := s.exit(ctx, t, reason); err != nil {
			return nil, err
		}
		return &InboundResult{Skipped: reason}, nil
	}
	if kind == resolver.KindAgent {
		return &InboundResult{Skipped: SkipAgentMessage}, nil
	}
	if !resolver.ShouldUse(t) {
		return &InboundResult{Skipped: SkipBotDisabled}, nil
	}

	integration, err := s.integrations.Resolve(ctx, t)
	if errors.Is(err, resolver.ErrNoIntegration) {
		return &InboundResult{Skipped: SkipNoIntegration}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve integration: %w", err)
	}

	processed := s.turns.ProcessTurn(ctx, t, in.SessionHandle, bridge.Inbound{
		MessageID:   in.MessageID,
		Text:        in.Text,
		Timestamp:   in.Timestamp,
		Attachments: in.Attachments,
	}, integration.Config)
	return &InboundResult{Processed: processed}, nil
}

// State returns the bot projection of a ticket
func (s *BotService) State(ctx context.Context, tenantID, ticketID int64) (*BotState, error) {
	t, err := s.loadTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	return &BotState{
		TicketID:        t.ID,
		State:           session.Initial(t).String(),
		IsBot:           t.IsBot,
		UseIntegration:  t.UseIntegration,
		TypebotStatus:   t.TypebotStatus,
		SessionID:       t.TypebotSessionID,
		SessionTime:     t.TypebotSessionTime,
		PendingVariable: t.TypebotPendingVariable,
		TurnInFlight:    s.guard.Active(t.ID),
	}, nil
}

// Stop takes the ticket out of bot mode. It is a no-op for tickets without a
// running bot and fails with ErrTurnInFlight while a turn is running.
func (s *BotService) Stop(ctx context.Context, tenantID, ticketID int64, reason string) (*BotState, error) {
	t, err := s.loadTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	if t.IsBot || t.HasSession() {
		if reason == "" {
			reason = "manual"
		}
		if err := s.exit(ctx, t, reason); err != nil {
			return nil, err
		}
	}
	return s.State(ctx, tenantID, ticketID)
}

func (s *BotService) exit(ctx context.Context, t *model.Ticket, reason string) error {
	release, ok := s.guard.Acquire(t.ID)
	if !ok {
		return ErrTurnInFlight
	}
	defer release()

	if err := s.sessions.ExitBotMode(ctx, t, model.TicketUpdate{}); err != nil {
		return fmt.Errorf("failed to exit bot mode: %w", err)
	}
	s.guard.ResetEmpty(t.ID)

	if _, err := s.sessions.RecordSystemMessage(ctx, t, stoppedMessage+" ("+reason+")"); err != nil {
		s.log.Warn("Failed to record stop message", zap.Int64("ticket_id", t.ID), zap.Error(err))
	}

	if s.bus != nil {
		_ = s.bus.PublishTicket(t.ID, map[string]interface{}{
			"type":     "bot.stopped",
			"ticketId": t.ID,
			"reason":   reason,
		})
	}
	s.log.Info("Bot stopped", zap.Int64("ticket_id", t.ID), zap.String("reason", reason))
	return nil
}
