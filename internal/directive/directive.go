// Package directive interprets "#"-prefixed control messages sent by the bot.
package directive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"botbridge/internal/model"

	"go.uber.org/zap"
)

// Prefix marks a bot message as a directive
const Prefix = "#"

// ContactStore updates contact fields
type ContactStore interface {
	UpdateContact(ctx context.Context, id int64, upd model.ContactUpdate) error
}

// TicketWriter is the part of the session store directives write through
type TicketWriter interface {
	SetContactName(ctx context.Context, t *model.Ticket, name string) error
	ExitBotMode(ctx context.Context, t *model.Ticket, extra model.TicketUpdate) error
}

// ID accepts a JSON number or a numeric string
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid id %q", s)
		}
		v = int64(f)
	}
	*id = ID(v)
	return nil
}

// Directive is the decoded JSON body of a control message
type Directive struct {
	Vars    map[string]interface{} `json:"vars"`
	StopBot bool                   `json:"stopBot"`
	QueueID *ID                    `json:"queueId"`
	UserID  *ID                    `json:"userId"`
}

// IsDirective reports whether text is a control message
func IsDirective(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Prefix)
}

// Parse decodes the JSON after the prefix
func Parse(text string) (*Directive, error) {
	body := strings.TrimPrefix(strings.TrimSpace(text), Prefix)
	var d Directive
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("failed to parse directive: %w", err)
	}
	return &d, nil
}

// Interpreter applies directives to a ticket and its contact
type Interpreter struct {
	contacts ContactStore
	tickets  TicketWriter
	log      *zap.Logger
}

// NewInterpreter creates a directive interpreter
func NewInterpreter(contacts ContactStore, tickets TicketWriter, log *zap.Logger) *Interpreter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Interpreter{contacts: contacts, tickets: tickets, log: log}
}

// Interpret applies text if it is a directive. handled is true for every
// "#"-prefixed message, including malformed ones, which are dropped. Contact
// field failures are logged and skipped; an error is returned only when a
// bot-mode exit could not be written.
func (i *Interpreter) Interpret(ctx context.Context, t *model.Ticket, text string) (bool, error) {
	if !IsDirective(text) {
		return false, nil
	}

	d, err := Parse(text)
	if err != nil {
		i.log.Debug("Discarding malformed directive", zap.Int64("ticket_id", t.ID), zap.Error(err))
		return true, nil
	}

	if len(d.Vars) > 0 {
		i.applyVars(ctx, t, d.Vars)
	}

	if d.StopBot {
		if err := i.tickets.ExitBotMode(ctx, t, model.TicketUpdate{}); err != nil {
			return true, fmt.Errorf("stopBot: %w", err)
		}
		i.log.Info("Bot stopped by directive", zap.Int64("ticket_id", t.ID))
	}

	if d.QueueID != nil {
		queueID := int64(*d.QueueID)
		if err := i.tickets.ExitBotMode(ctx, t, model.TicketUpdate{QueueID: &queueID}); err != nil {
			return true, fmt.Errorf("queueId: %w", err)
		}
		i.log.Info("Ticket moved to queue by directive", zap.Int64("ticket_id", t.ID), zap.Int64("queue_id", queueID))
	}

	if d.UserID != nil {
		userID := int64(*d.UserID)
		status := model.TicketStatusOpen
		if err := i.tickets.ExitBotMode(ctx, t, model.TicketUpdate{UserID: &userID, Status: &status}); err != nil {
			return true, fmt.Errorf("userId: %w", err)
		}
		i.log.Info("Ticket assigned to user by directive", zap.Int64("ticket_id", t.ID), zap.Int64("user_id", userID))
	}

	return true, nil
}

// applyVars writes each recognized variable on its own so one failure does
// not stop the rest. Keys are applied in sorted order, so when aliases of
// the same field collide the last one in that order wins.
func (i *Interpreter) applyVars(ctx context.Context, t *model.Ticket, vars map[string]interface{}) {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := stringValue(vars[key])
		if value == "" {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "nome", "name", "contactname":
			i.setName(ctx, t, value)
		case "email":
			if err := i.contacts.UpdateContact(ctx, t.ContactID, model.ContactUpdate{Email: &value}); err != nil {
				i.log.Warn("Failed to update contact email", zap.Int64("contact_id", t.ContactID), zap.Error(err))
				continue
			}
			if t.Contact != nil {
				t.Contact.Email = value
			}
		case "empresa", "company":
			if err := i.contacts.UpdateContact(ctx, t.ContactID, model.ContactUpdate{Company: &value}); err != nil {
				i.log.Warn("Failed to update contact company", zap.Int64("contact_id", t.ContactID), zap.Error(err))
				continue
			}
			if t.Contact != nil {
				t.Contact.Company = value
			}
		}
	}
}

func (i *Interpreter) setName(ctx context.Context, t *model.Ticket, name string) {
	if t.Contact == nil || t.Contact.Name != name {
		if err := i.contacts.UpdateContact(ctx, t.ContactID, model.ContactUpdate{Name: &name}); err != nil {
			i.log.Warn("Failed to update contact name", zap.Int64("contact_id", t.ContactID), zap.Error(err))
		} else if t.Contact != nil {
			t.Contact.Name = name
		}
	}
	if err := i.tickets.SetContactName(ctx, t, name); err != nil {
		i.log.Warn("Failed to update ticket contact name", zap.Int64("ticket_id", t.ID), zap.Error(err))
	}
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
