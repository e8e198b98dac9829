package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botbridge/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const ticketColumns = `t.id, t.tenant_id, t.contact_id, t.contact_name, t.queue_id, t.user_id, t.status,
	t.integration_id, t.pending_files, t.is_bot, t.use_integration, t.typebot_status,
	t.typebot_session_id, t.typebot_session_time, t.typebot_pending_variable, t.typebot_pending_variable_at,
	t.created_at, t.updated_at,
	c.id, c.tenant_id, c.name, c.number, c.email, c.company`

// Ticket queries
func (q *Queries) GetTicket(ctx context.Context, id int64) (model.Ticket, error) {
	var t model.Ticket
	var c model.Contact
	err := q.Pool.QueryRow(ctx,
		`SELECT `+ticketColumns+`
		FROM tickets t JOIN contacts c ON c.id = t.contact_id
		WHERE t.id = $1`,
		id,
	).Scan(
		&t.ID, &t.TenantID, &t.ContactID, &t.ContactName, &t.QueueID, &t.UserID, &t.Status,
		&t.IntegrationID, &t.PendingFiles, &t.IsBot, &t.UseIntegration, &t.TypebotStatus,
		&t.TypebotSessionID, &t.TypebotSessionTime, &t.TypebotPendingVariable, &t.TypebotPendingVariableAt,
		&t.CreatedAt, &t.UpdatedAt,
		&c.ID, &c.TenantID, &c.Name, &c.Number, &c.Email, &c.Company,
	)
	if err != nil {
		return t, notFound(err)
	}
	t.Contact = &c
	return t, nil
}

// UpdateTicket writes the columns set in upd
func (q *Queries) UpdateTicket(ctx context.Context, id int64, upd model.TicketUpdate) error {
	if upd.Empty() {
		return nil
	}

	var sets []string
	args := []interface{}{id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.IsBot != nil {
		add("is_bot", *upd.IsBot)
	}
	if upd.UseIntegration != nil {
		add("use_integration", *upd.UseIntegration)
	}
	if upd.TypebotStatus != nil {
		add("typebot_status", *upd.TypebotStatus)
	}
	if upd.SessionID.Set {
		add("typebot_session_id", upd.SessionID.Value)
	}
	if upd.SessionTime.Set {
		add("typebot_session_time", upd.SessionTime.Value)
	}
	if upd.PendingVariable.Set {
		add("typebot_pending_variable", upd.PendingVariable.Value)
	}
	if upd.PendingVariableAt.Set {
		add("typebot_pending_variable_at", upd.PendingVariableAt.Value)
	}
	if upd.QueueID != nil {
		add("queue_id", *upd.QueueID)
	}
	if upd.UserID != nil {
		add("user_id", *upd.UserID)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.ContactName != nil {
		add("contact_name", *upd.ContactName)
	}

	tag, err := q.Pool.Exec(ctx,
		"UPDATE tickets SET "+strings.Join(sets, ", ")+", updated_at = NOW() WHERE id = $1",
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearStaleSession drops the session only if it is still the given one and
// has not been refreshed since staleBefore. It reports whether a row changed.
func (q *Queries) ClearStaleSession(ctx context.Context, ticketID int64, sessionID string, staleBefore time.Time) (bool, error) {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE tickets
		SET typebot_session_id = NULL, typebot_session_time = NULL, updated_at = NOW()
		WHERE id = $1 AND typebot_session_id = $2 AND typebot_session_time <= $3`,
		ticketID, sessionID, staleBefore,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Contact queries
func (q *Queries) UpdateContact(ctx context.Context, id int64, upd model.ContactUpdate) error {
	_, err := q.Pool.Exec(ctx,
		`UPDATE contacts SET
			name = COALESCE($2, name),
			email = COALESCE($3, email),
			company = COALESCE($4, company),
			updated_at = NOW()
		WHERE id = $1`,
		id, upd.Name, upd.Email, upd.Company,
	)
	return err
}

// Message queries
func (q *Queries) CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	var m model.Message
	err := q.Pool.QueryRow(ctx,
		`INSERT INTO messages (id, ticket_id, kind, body, from_me, wa_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, ticket_id, kind, body, from_me, wa_message_id, created_at`,
		msg.ID, msg.TicketID, string(msg.Kind), msg.Body, msg.FromMe, msg.WAMessageID,
	).Scan(&m.ID, &m.TicketID, &m.Kind, &m.Body, &m.FromMe, &m.WAMessageID, &m.CreatedAt)
	return m, err
}

func (q *Queries) ListMessages(ctx context.Context, ticketID int64, limit int) ([]model.Message, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT id, ticket_id, kind, body, from_me, wa_message_id, created_at
		FROM messages WHERE ticket_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		ticketID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.TicketID, &m.Kind, &m.Body, &m.FromMe, &m.WAMessageID, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// IntegrationRow is an integration with its config still encoded
type IntegrationRow struct {
	ID       int64
	TenantID int64
	Type     string
	Name     string
	Config   []byte
}

const integrationColumns = "i.id, i.tenant_id, i.type, i.name, i.config"

func (q *Queries) scanIntegration(row pgx.Row) (*IntegrationRow, error) {
	var i IntegrationRow
	if err := row.Scan(&i.ID, &i.TenantID, &i.Type, &i.Name, &i.Config); err != nil {
		return nil, notFound(err)
	}
	return &i, nil
}

// Integration queries
func (q *Queries) GetIntegration(ctx context.Context, id int64) (*IntegrationRow, error) {
	return q.scanIntegration(q.Pool.QueryRow(ctx,
		"SELECT "+integrationColumns+" FROM integrations i WHERE i.id = $1",
		id,
	))
}

func (q *Queries) GetQueueIntegration(ctx context.Context, queueID int64) (*IntegrationRow, error) {
	return q.scanIntegration(q.Pool.QueryRow(ctx,
		`SELECT `+integrationColumns+`
		FROM queues qu JOIN integrations i ON i.id = qu.integration_id
		WHERE qu.id = $1`,
		queueID,
	))
}

func (q *Queries) GetDefaultIntegration(ctx context.Context, tenantID int64) (*IntegrationRow, error) {
	return q.scanIntegration(q.Pool.QueryRow(ctx,
		`SELECT `+integrationColumns+`
		FROM integrations i
		WHERE i.tenant_id = $1 AND i.is_default
		ORDER BY i.id LIMIT 1`,
		tenantID,
	))
}
