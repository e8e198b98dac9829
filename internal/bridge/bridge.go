// Package bridge is the entry point the ingestion pipeline calls for every
// bot-eligible inbound message.
package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"botbridge/internal/guard"
	"botbridge/internal/metrics"
	"botbridge/internal/model"
	"botbridge/internal/resolver"
	"botbridge/internal/session"
	"botbridge/internal/typebot"

	"go.uber.org/zap"
)

// Runner runs one turn of the session state machine
type Runner interface {
	Run(ctx context.Context, turn *session.Turn) error
}

// SessionClearer drops session state after an unexpected failure
type SessionClearer interface {
	ClearSessionAndStatus(ctx context.Context, t *model.Ticket) error
}

// AttachmentResolver turns a stored object name into a URL the provider can fetch
type AttachmentResolver interface {
	ResolveURL(ctx context.Context, objectName string) (string, error)
}

// TicketReloader re-reads a ticket once its turn holds the guard, so a
// snapshot taken before a previous turn finished is not acted on.
type TicketReloader interface {
	GetTicket(ctx context.Context, id int64) (model.Ticket, error)
}

// Inbound is the inbound event handed to the bridge
type Inbound struct {
	MessageID string
	Text      string
	Timestamp time.Time
	// Attachments, when non-nil, replaces the ticket's pending files
	Attachments []string
}

// EventID identifies the event for deduplication. The transport message id
// is preferred; without one the ticket, timestamp and text are combined.
func (in Inbound) EventID(ticketID int64) string {
	if in.MessageID != "" {
		return in.MessageID
	}
	return fmt.Sprintf("%d:%d:%s", ticketID, in.Timestamp.UnixMilli(), in.Text)
}

// Bridge serializes turns per ticket and shields callers from every failure
type Bridge struct {
	guard   *guard.Guard
	runner  Runner
	clearer SessionClearer
	files   AttachmentResolver
	tickets TicketReloader
	log     *zap.Logger
}

// New creates a bridge
func New(g *guard.Guard, runner Runner, clearer SessionClearer, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{guard: g, runner: runner, clearer: clearer, log: log}
}

// SetTicketReloader enables re-reading the ticket under the guard
func (b *Bridge) SetTicketReloader(r TicketReloader) {
	b.tickets = r
}

// SetAttachmentResolver enables object-name resolution for attachments
func (b *Bridge) SetAttachmentResolver(r AttachmentResolver) {
	b.files = r
}

// ProcessTurn hands one inbound event to the bot. It returns true when the
// turn ran to completion; duplicates, overlapping turns and failures return
// false. It never panics. The turn is not cancelled with ctx; provider and
// relay calls are bounded by their own timeouts.
func (b *Bridge) ProcessTurn(ctx context.Context, t *model.Ticket, sessionHandle string, in Inbound, cfg model.IntegrationConfig) (processed bool) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			metrics.Turns.WithLabelValues(metrics.OutcomePanic).Inc()
			b.log.Error("Bot turn panicked",
				zap.Int64("ticket_id", t.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			b.resetSession(ctx, t)
			processed = false
		}
	}()

	if b.guard.IsDuplicate(in.EventID(t.ID)) {
		metrics.Turns.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		b.log.Debug("Skipping duplicate inbound event", zap.Int64("ticket_id", t.ID), zap.String("message_id", in.MessageID))
		return false
	}

	release, ok := b.guard.Acquire(t.ID)
	if !ok {
		metrics.Turns.WithLabelValues(metrics.OutcomeBusy).Inc()
		b.log.Debug("Turn already in flight", zap.Int64("ticket_id", t.ID))
		return false
	}
	defer release()

	if b.tickets != nil {
		fresh, err := b.tickets.GetTicket(ctx, t.ID)
		if err != nil {
			metrics.Turns.WithLabelValues(metrics.OutcomeFailed).Inc()
			b.log.Warn("Failed to reload ticket", zap.Int64("ticket_id", t.ID), zap.Error(err))
			return false
		}
		*t = fresh
		if !resolver.ShouldUse(t) {
			metrics.Turns.WithLabelValues(metrics.OutcomeSkipped).Inc()
			b.log.Debug("Ticket left bot mode before its turn", zap.Int64("ticket_id", t.ID))
			return false
		}
	}

	turn := &session.Turn{
		Ticket:        t,
		SessionHandle: sessionHandle,
		Text:          in.Text,
		Config:        cfg,
		Attachments:   b.resolveAttachments(ctx, t, in.Attachments),
	}

	if err := b.runner.Run(ctx, turn); err != nil {
		metrics.Turns.WithLabelValues(metrics.OutcomeFailed).Inc()
		switch {
		case typebot.IsProviderUnavailable(err):
			b.log.Warn("Bot provider unavailable", zap.Int64("ticket_id", t.ID), zap.Error(err))
		case typebot.IsNoReply(err):
			b.log.Warn("Bot provider returned no reply", zap.Int64("ticket_id", t.ID), zap.Error(err))
		default:
			b.log.Error("Bot turn failed", zap.Int64("ticket_id", t.ID), zap.Error(err))
			b.resetSession(ctx, t)
		}
		return false
	}

	metrics.Turns.WithLabelValues(metrics.OutcomeProcessed).Inc()
	return true
}

func (b *Bridge) resetSession(ctx context.Context, t *model.Ticket) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Session reset panicked", zap.Int64("ticket_id", t.ID), zap.Any("panic", r))
		}
	}()
	if err := b.clearer.ClearSessionAndStatus(ctx, t); err != nil {
		b.log.Error("Failed to reset bot session", zap.Int64("ticket_id", t.ID), zap.Error(err))
	}
}

// resolveAttachments picks the supplied list over the ticket's pending files,
// caps it and turns object names into URLs. Unresolvable names are dropped.
func (b *Bridge) resolveAttachments(ctx context.Context, t *model.Ticket, supplied []string) []string {
	refs := t.PendingFiles
	if supplied != nil {
		refs = supplied
	}
	refs = typebot.CapAttachments(refs)
	if b.files == nil || len(refs) == 0 {
		return refs
	}

	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		if isURL(ref) {
			urls = append(urls, ref)
			continue
		}
		u, err := b.files.ResolveURL(ctx, ref)
		if err != nil {
			b.log.Warn("Failed to resolve attachment", zap.Int64("ticket_id", t.ID), zap.String("object", ref), zap.Error(err))
			continue
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil
	}
	return urls
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
