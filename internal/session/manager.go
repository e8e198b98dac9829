// Package session drives the lifecycle of a ticket's provider session.
package session

import (
	"context"
	"fmt"
	"time"

	"botbridge/internal/metrics"
	"botbridge/internal/model"
	"botbridge/internal/store"
	"botbridge/internal/typebot"

	"go.uber.org/zap"
)

const (
	// EmptyReplyThreshold is the number of consecutive empty replies that
	// triggers the fallback text
	EmptyReplyThreshold = 3

	finishedMessage = "Bot session finished"
	maxTransitions  = 8
)

// Provider is the bot provider client
type Provider interface {
	CreateSession(ctx context.Context, baseURL, slug string, tc typebot.TicketContext, initialMessage, token string) (*typebot.StartResult, error)
	ContinueSession(ctx context.Context, baseURL, sessionID, message string, opts typebot.ContinueOptions) (*typebot.ContinueResult, error)
}

// DirectiveInterpreter applies bot control messages
type DirectiveInterpreter interface {
	Interpret(ctx context.Context, t *model.Ticket, text string) (bool, error)
}

// OutboundRelay delivers text to the end user and returns the transport
// message id
type OutboundRelay interface {
	Deliver(ctx context.Context, sessionHandle, to, text string) (string, error)
}

// Counters tracks consecutive empty provider replies per ticket
type Counters interface {
	IncrementEmpty(ticketID int64) int
	ResetEmpty(ticketID int64)
}

// EventPublisher publishes realtime ticket events
type EventPublisher interface {
	PublishTicket(ticketID int64, event map[string]interface{}) error
}

// ExpiryScheduler schedules the background session expiry sweep
type ExpiryScheduler interface {
	ScheduleSessionExpiry(ticketID int64, sessionID string, after time.Duration) error
}

// Turn is one inbound event for one ticket
type Turn struct {
	Ticket        *model.Ticket
	SessionHandle string
	Text          string
	Config        model.IntegrationConfig
	Attachments   []string
}

// Manager runs the session state machine for a turn
type Manager struct {
	provider   Provider
	store      *store.SessionStore
	directives DirectiveInterpreter
	relay      OutboundRelay
	counters   Counters
	events     EventPublisher
	jobs       ExpiryScheduler
	stream     bool
	sleep      func(ctx context.Context, d time.Duration) error
	log        *zap.Logger
}

// NewManager creates a session manager
func NewManager(provider Provider, st *store.SessionStore, directives DirectiveInterpreter, relay OutboundRelay, counters Counters, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		provider:   provider,
		store:      st,
		directives: directives,
		relay:      relay,
		counters:   counters,
		sleep:      sleepContext,
		log:        log,
	}
}

// SetEventPublisher sets the realtime event sink
func (m *Manager) SetEventPublisher(events EventPublisher) {
	m.events = events
}

// SetExpiryScheduler sets the job client used for expiry sweeps
func (m *Manager) SetExpiryScheduler(jobs ExpiryScheduler) {
	m.jobs = jobs
}

// SetStreaming makes continuations use the provider's streaming mode
func (m *Manager) SetStreaming(stream bool) {
	m.stream = stream
}

// Run drives the turn from the ticket's current state until it settles
func (m *Manager) Run(ctx context.Context, turn *Turn) error {
	state := Initial(turn.Ticket)
	for steps := 0; state != Done; steps++ {
		if steps == maxTransitions {
			return fmt.Errorf("session for ticket %d did not settle after %d transitions", turn.Ticket.ID, steps)
		}

		next, err := m.step(ctx, state, turn)
		if err != nil {
			return err
		}

		metrics.SessionTransitions.WithLabelValues(state.String(), next.String()).Inc()
		m.log.Debug("Session transition",
			zap.Int64("ticket_id", turn.Ticket.ID),
			zap.Stringer("from", state),
			zap.Stringer("to", next))
		state = next
	}
	return nil
}

func (m *Manager) step(ctx context.Context, state State, turn *Turn) (State, error) {
	switch state {
	case NoSession:
		return m.noSession(ctx, turn)
	case Creating:
		return m.create(ctx, turn, false)
	case Active:
		return m.active(ctx, turn)
	case Recreating:
		return m.create(ctx, turn, true)
	case Terminated:
		return m.terminate(ctx, turn)
	default:
		return Done, fmt.Errorf("unknown session state %d", state)
	}
}

func (m *Manager) noSession(ctx context.Context, turn *Turn) (State, error) {
	switch {
	case MatchesKeyword(turn.Text, turn.Config.KeywordFinish):
		return Terminated, nil
	case MatchesKeyword(turn.Text, turn.Config.KeywordRestart):
		m.sendRestartAck(ctx, turn)
		return Done, nil
	default:
		return Creating, nil
	}
}

// create starts a provider session. The inbound text is the session's first
// message, so the turn ends here instead of continuing the new session.
func (m *Manager) create(ctx context.Context, turn *Turn, recreate bool) (State, error) {
	t := turn.Ticket
	cfg := turn.Config

	contactName := t.ContactName
	if contactName == "" && t.Contact != nil {
		contactName = t.Contact.Name
	}

	res, err := m.provider.CreateSession(ctx, cfg.BaseURL, cfg.Slug, typebot.TicketContext{
		TicketID:      t.ID,
		ContactID:     t.ContactID,
		ContactName:   contactName,
		ContactNumber: t.ContactNumber(),
		SessionHandle: turn.SessionHandle,
	}, turn.Text, cfg.Token)
	if err != nil {
		return NoSession, fmt.Errorf("failed to create session for ticket %d: %w", t.ID, err)
	}

	if recreate {
		err = m.store.ReplaceSession(ctx, t, res.SessionID)
	} else {
		err = m.store.StartSession(ctx, t, res.SessionID)
	}
	if err != nil {
		return NoSession, err
	}
	m.counters.ResetEmpty(t.ID)

	m.log.Info("Bot session started",
		zap.Int64("ticket_id", t.ID),
		zap.String("session_id", res.SessionID),
		zap.Bool("recreated", recreate))

	m.publish(t.ID, map[string]interface{}{
		"type":      "bot.started",
		"ticketId":  t.ID,
		"sessionId": res.SessionID,
		"recreated": recreate,
	})

	if m.jobs != nil && cfg.ExpiresMinutes > 0 {
		after := time.Duration(cfg.ExpiresMinutes) * time.Minute
		if err := m.jobs.ScheduleSessionExpiry(t.ID, res.SessionID, after); err != nil {
			m.log.Warn("Failed to schedule session expiry", zap.Int64("ticket_id", t.ID), zap.Error(err))
		}
	}

	if err := m.dispatch(ctx, turn, res.Messages); err != nil {
		return Done, err
	}
	if err := m.savePending(ctx, t, res.Pending); err != nil {
		return Done, err
	}
	return Done, nil
}

func (m *Manager) active(ctx context.Context, turn *Turn) (State, error) {
	t := turn.Ticket
	cfg := turn.Config

	if Expired(t, cfg.ExpiresMinutes, m.store.Now()) {
		m.log.Info("Bot session expired, starting over",
			zap.Int64("ticket_id", t.ID),
			zap.String("session_id", t.SessionID()))
		if err := m.store.ClearSession(ctx, t); err != nil {
			return Done, err
		}
		return NoSession, nil
	}

	switch {
	case MatchesKeyword(turn.Text, cfg.KeywordFinish):
		return Terminated, nil
	case MatchesKeyword(turn.Text, cfg.KeywordRestart):
		if err := m.store.ClearSession(ctx, t); err != nil {
			return Done, err
		}
		m.sendRestartAck(ctx, turn)
		return Done, nil
	}

	res, err := m.provider.ContinueSession(ctx, cfg.BaseURL, t.SessionID(), turn.Text, typebot.ContinueOptions{
		Token:            cfg.Token,
		AttachedFileURLs: turn.Attachments,
		Stream:           m.stream,
		TicketID:         t.ID,
	})
	if err != nil {
		return Done, fmt.Errorf("failed to continue session for ticket %d: %w", t.ID, err)
	}

	if res.SessionExpired {
		m.log.Info("Provider reported session gone, recreating",
			zap.Int64("ticket_id", t.ID),
			zap.String("session_id", t.SessionID()))
		if err := m.store.ClearSession(ctx, t); err != nil {
			return Done, err
		}
		return Recreating, nil
	}

	if err := m.store.RefreshSession(ctx, t); err != nil {
		return Done, err
	}

	messages := res.Messages
	if len(messages) == 0 && res.RawText != "" {
		messages = []typebot.Message{{Kind: typebot.KindText, Text: res.RawText}}
	}

	if len(messages) == 0 {
		m.handleEmptyReply(ctx, turn)
		return Done, nil
	}
	m.counters.ResetEmpty(t.ID)

	if err := m.dispatch(ctx, turn, messages); err != nil {
		return Done, err
	}
	if err := m.savePending(ctx, t, res.Pending); err != nil {
		return Done, err
	}
	return Done, nil
}

func (m *Manager) terminate(ctx context.Context, turn *Turn) (State, error) {
	t := turn.Ticket
	if err := m.store.ExitBotMode(ctx, t, model.TicketUpdate{}); err != nil {
		return Done, err
	}
	m.counters.ResetEmpty(t.ID)

	if _, err := m.store.RecordSystemMessage(ctx, t, finishedMessage); err != nil {
		m.log.Warn("Failed to record bot finish", zap.Int64("ticket_id", t.ID), zap.Error(err))
	}

	m.log.Info("Bot session finished", zap.Int64("ticket_id", t.ID))
	m.publish(t.ID, map[string]interface{}{
		"type":     "bot.finished",
		"ticketId": t.ID,
	})
	return Done, nil
}

// handleEmptyReply counts replies with no messages. The provider may be
// collecting input over several turns, so only a run of them gets the
// fallback text.
func (m *Manager) handleEmptyReply(ctx context.Context, turn *Turn) {
	t := turn.Ticket
	count := m.counters.IncrementEmpty(t.ID)
	if count < EmptyReplyThreshold {
		m.log.Debug("Empty provider reply", zap.Int64("ticket_id", t.ID), zap.Int("count", count))
		return
	}

	m.counters.ResetEmpty(t.ID)
	if turn.Config.UnknownMessage == "" {
		return
	}
	metrics.FallbackSent.Inc()
	if err := m.send(ctx, turn, turn.Config.UnknownMessage); err != nil {
		m.log.Warn("Failed to send fallback message", zap.Int64("ticket_id", t.ID), zap.Error(err))
	}
}

func (m *Manager) sendRestartAck(ctx context.Context, turn *Turn) {
	if turn.Config.RestartMessage == "" {
		return
	}
	if err := m.send(ctx, turn, turn.Config.RestartMessage); err != nil {
		m.log.Warn("Failed to send restart acknowledgement", zap.Int64("ticket_id", turn.Ticket.ID), zap.Error(err))
	}
}

func (m *Manager) savePending(ctx context.Context, t *model.Ticket, pending *typebot.PendingInput) error {
	if pending == nil || !t.IsBot {
		return nil
	}
	return m.store.SetPendingVariable(ctx, t, pending.VariableID)
}

func (m *Manager) publish(ticketID int64, event map[string]interface{}) {
	if m.events == nil {
		return
	}
	_ = m.events.PublishTicket(ticketID, event)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
