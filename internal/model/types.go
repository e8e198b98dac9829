package model

import "time"

// TicketStatus represents ticket status
type TicketStatus string

const (
	TicketStatusPending TicketStatus = "pending"
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusClosed  TicketStatus = "closed"
)

// IntegrationType identifies the bot provider family of an integration
type IntegrationType string

const (
	IntegrationTypeTypebot IntegrationType = "typebot"
)

// MessageKind distinguishes timeline entries written by the bridge
type MessageKind string

const (
	MessageKindInbound MessageKind = "inbound"
	MessageKindBot     MessageKind = "bot"
	MessageKindSystem  MessageKind = "system"
)

// Contact is the end user behind a ticket
type Contact struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"tenantId"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Email    string `json:"email,omitempty"`
	Company  string `json:"company,omitempty"`
}

// Ticket carries the ticket fields the bridge reads, including the bot state
// projection it mutates.
type Ticket struct {
	ID            int64        `json:"id"`
	TenantID      int64        `json:"tenantId"`
	ContactID     int64        `json:"contactId"`
	ContactName   string       `json:"contactName,omitempty"`
	QueueID       *int64       `json:"queueId,omitempty"`
	UserID        *int64       `json:"userId,omitempty"`
	Status        TicketStatus `json:"status"`
	IntegrationID *int64       `json:"integrationId,omitempty"`
	PendingFiles  []string     `json:"pendingFiles,omitempty"`

	IsBot                    bool       `json:"isBot"`
	UseIntegration           bool       `json:"useIntegration"`
	TypebotStatus            bool       `json:"typebotStatus"`
	TypebotSessionID         *string    `json:"typebotSessionId,omitempty"`
	TypebotSessionTime       *time.Time `json:"typebotSessionTime,omitempty"`
	TypebotPendingVariable   *string    `json:"typebotPendingVariable,omitempty"`
	TypebotPendingVariableAt *time.Time `json:"typebotPendingVariableAt,omitempty"`

	Contact *Contact `json:"contact,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasSession reports whether a provider session is attached
func (t *Ticket) HasSession() bool {
	return t.TypebotSessionID != nil && *t.TypebotSessionID != ""
}

// SessionID returns the provider session id or ""
func (t *Ticket) SessionID() string {
	if t.TypebotSessionID == nil {
		return ""
	}
	return *t.TypebotSessionID
}

// ContactNumber returns the contact's address, if loaded
func (t *Ticket) ContactNumber() string {
	if t.Contact == nil {
		return ""
	}
	return t.Contact.Number
}

// Apply mirrors a persisted update onto the in-memory ticket.
func (t *Ticket) Apply(u TicketUpdate) {
	if u.IsBot != nil {
		t.IsBot = *u.IsBot
	}
	if u.UseIntegration != nil {
		t.UseIntegration = *u.UseIntegration
	}
	if u.TypebotStatus != nil {
		t.TypebotStatus = *u.TypebotStatus
	}
	if u.SessionID.Set {
		t.TypebotSessionID = u.SessionID.Value
	}
	if u.SessionTime.Set {
		t.TypebotSessionTime = u.SessionTime.Value
	}
	if u.PendingVariable.Set {
		t.TypebotPendingVariable = u.PendingVariable.Value
	}
	if u.PendingVariableAt.Set {
		t.TypebotPendingVariableAt = u.PendingVariableAt.Value
	}
	if u.QueueID != nil {
		t.QueueID = u.QueueID
	}
	if u.UserID != nil {
		t.UserID = u.UserID
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.ContactName != nil {
		t.ContactName = *u.ContactName
	}
}

// Field is a nullable column update. Zero value leaves the column untouched;
// Set with a nil Value writes NULL.
type Field[T any] struct {
	Set   bool
	Value *T
}

// SetTo returns a Field that writes v
func SetTo[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: &v}
}

// SetNull returns a Field that writes NULL
func SetNull[T any]() Field[T] {
	return Field[T]{Set: true}
}

// TicketUpdate is a partial ticket update. Nil pointers and unset fields are
// left untouched.
type TicketUpdate struct {
	IsBot             *bool
	UseIntegration    *bool
	TypebotStatus     *bool
	SessionID         Field[string]
	SessionTime       Field[time.Time]
	PendingVariable   Field[string]
	PendingVariableAt Field[time.Time]
	QueueID           *int64
	UserID            *int64
	Status            *TicketStatus
	ContactName       *string
}

// Empty reports whether the update touches no column
func (u TicketUpdate) Empty() bool {
	return u.IsBot == nil && u.UseIntegration == nil && u.TypebotStatus == nil &&
		!u.SessionID.Set && !u.SessionTime.Set && !u.PendingVariable.Set && !u.PendingVariableAt.Set &&
		u.QueueID == nil && u.UserID == nil && u.Status == nil && u.ContactName == nil
}

// ContactUpdate is a partial contact update
type ContactUpdate struct {
	Name    *string
	Email   *string
	Company *string
}

// Message is a ticket timeline entry
type Message struct {
	ID          string      `json:"id"`
	TicketID    int64       `json:"ticketId"`
	Kind        MessageKind `json:"kind"`
	Body        string      `json:"body"`
	FromMe      bool        `json:"fromMe"`
	WAMessageID *string     `json:"waMessageId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// NewMessage holds the input for a timeline entry
type NewMessage struct {
	ID          string
	TicketID    int64
	Kind        MessageKind
	Body        string
	FromMe      bool
	WAMessageID *string
}

// IntegrationConfig is the per-turn provider configuration
type IntegrationConfig struct {
	BaseURL        string `json:"baseUrl"`
	Slug           string `json:"typebotSlug"`
	ExpiresMinutes int    `json:"typebotExpires"`
	KeywordFinish  string `json:"typebotKeywordFinish"`
	KeywordRestart string `json:"typebotKeywordRestart"`
	UnknownMessage string `json:"typebotUnknownMessage"`
	DelayMessageMs int    `json:"typebotDelayMessage"`
	RestartMessage string `json:"typebotRestartMessage"`
	Token          string `json:"typebotToken,omitempty"`
}

// Integration is a configured bot integration
type Integration struct {
	ID       int64             `json:"id"`
	TenantID int64             `json:"tenantId"`
	Type     IntegrationType   `json:"type"`
	Name     string            `json:"name"`
	Config   IntegrationConfig `json:"config"`
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
