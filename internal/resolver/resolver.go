// Package resolver decides whether a ticket is handled by a bot and which
// integration config drives it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"botbridge/internal/db"
	"botbridge/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	cacheSize = 512
	cacheTTL  = time.Minute
)

// ErrNoIntegration is returned when no typebot integration applies to a ticket
var ErrNoIntegration = errors.New("no bot integration for ticket")

// InboundKind identifies who sent an inbound message
type InboundKind string

const (
	KindContact InboundKind = "contact"
	// KindAgent is a message a human sent from the connected device
	KindAgent InboundKind = "agent"
)

// Stop reasons reported by ShouldStop
const (
	ReasonTicketClosed = "ticket_closed"
	ReasonAssigned     = "assigned_to_agent"
	ReasonAgentReply   = "agent_reply"
)

// IntegrationStore loads stored integrations
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id int64) (*db.IntegrationRow, error)
	GetQueueIntegration(ctx context.Context, queueID int64) (*db.IntegrationRow, error)
	GetDefaultIntegration(ctx context.Context, tenantID int64) (*db.IntegrationRow, error)
}

// ConfigDecoder validates and decodes a stored integration config
type ConfigDecoder interface {
	IntegrationConfig(ctx context.Context, raw []byte) (model.IntegrationConfig, error)
}

// Resolver picks the integration for a ticket: the queue's integration
// first, then one pinned on the ticket, then the tenant default.
type Resolver struct {
	store   IntegrationStore
	configs ConfigDecoder
	cache   *expirable.LRU[string, model.Integration]
	log     *zap.Logger
}

func New(store IntegrationStore, configs ConfigDecoder, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:   store,
		configs: configs,
		cache:   expirable.NewLRU[string, model.Integration](cacheSize, nil, cacheTTL),
		log:     log,
	}
}

type lookup struct {
	key  string
	load func(ctx context.Context) (*db.IntegrationRow, error)
}

// Resolve returns the integration that drives the ticket's bot
func (r *Resolver) Resolve(ctx context.Context, t *model.Ticket) (*model.Integration, error) {
	var lookups []lookup
	if t.QueueID != nil {
		queueID := *t.QueueID
		lookups = append(lookups, lookup{
			key:  "queue:" + strconv.FormatInt(queueID, 10),
			load: func(ctx context.Context) (*db.IntegrationRow, error) { return r.store.GetQueueIntegration(ctx, queueID) },
		})
	}
	if t.IntegrationID != nil {
		id := *t.IntegrationID
		lookups = append(lookups, lookup{
			key:  "integration:" + strconv.FormatInt(id, 10),
			load: func(ctx context.Context) (*db.IntegrationRow, error) { return r.store.GetIntegration(ctx, id) },
		})
	}
	lookups = append(lookups, lookup{
		key:  "tenant:" + strconv.FormatInt(t.TenantID, 10),
		load: func(ctx context.Context) (*db.IntegrationRow, error) { return r.store.GetDefaultIntegration(ctx, t.TenantID) },
	})

	for _, l := range lookups {
		integration, err := r.resolve(ctx, l)
		if errors.Is(err, ErrNoIntegration) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if integration.TenantID != t.TenantID {
			r.log.Warn("Ignoring integration of another tenant",
				zap.Int64("ticket_id", t.ID),
				zap.Int64("integration_id", integration.ID))
			continue
		}
		return &integration, nil
	}
	return nil, ErrNoIntegration
}

func (r *Resolver) resolve(ctx context.Context, l lookup) (model.Integration, error) {
	if cached, ok := r.cache.Get(l.key); ok {
		return cached, nil
	}

	row, err := l.load(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return model.Integration{}, ErrNoIntegration
	}
	if err != nil {
		return model.Integration{}, fmt.Errorf("failed to load integration: %w", err)
	}
	if model.IntegrationType(row.Type) != model.IntegrationTypeTypebot {
		return model.Integration{}, ErrNoIntegration
	}

	cfg, err := r.configs.IntegrationConfig(ctx, row.Config)
	if err != nil {
		return model.Integration{}, fmt.Errorf("integration %d: %w", row.ID, err)
	}

	integration := model.Integration{
		ID:       row.ID,
		TenantID: row.TenantID,
		Type:     model.IntegrationType(row.Type),
		Name:     row.Name,
		Config:   cfg,
	}
	r.cache.Add(l.key, integration)
	return integration, nil
}

// Purge drops every cached integration
func (r *Resolver) Purge() {
	r.cache.Purge()
}

// ShouldUse reports whether inbound messages on the ticket go to the bot
func ShouldUse(t *model.Ticket) bool {
	if t.Status == model.TicketStatusClosed {
		return false
	}
	if t.UserID != nil && !t.IsBot {
		return false
	}
	return t.IsBot || t.UseIntegration
}

// ShouldStop reports whether a running bot must be taken off the ticket
func ShouldStop(t *model.Ticket, kind InboundKind) (bool, string) {
	if !t.IsBot && !t.HasSession() {
		return false, ""
	}
	switch {
	case t.Status == model.TicketStatusClosed:
		return true, ReasonTicketClosed
	case t.Status == model.TicketStatusOpen && t.UserID != nil:
		return true, ReasonAssigned
	case kind == KindAgent:
		return true, ReasonAgentReply
	}
	return false, ""
}
