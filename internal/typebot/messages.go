package typebot

import (
	"bytes"
	"encoding/json"
	"strings"

	"botbridge/internal/richtext"
)

// MessageKind is the decoded bubble type
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindImage   MessageKind = "image"
	KindVideo   MessageKind = "video"
	KindAudio   MessageKind = "audio"
	KindEmbed   MessageKind = "embed"
	KindUnknown MessageKind = "unknown"
)

// Message is one bubble returned by the provider. The provider sends bubbles
// as typed objects, as objects carrying a "message" field, or as bare strings;
// all three decode into this shape.
type Message struct {
	ID       string          `json:"id,omitempty"`
	Kind     MessageKind     `json:"kind"`
	Text     string          `json:"text,omitempty"`
	RichText json.RawMessage `json:"richText,omitempty"`
	URL      string          `json:"url,omitempty"`
}

type wireMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Content *wireContent    `json:"content"`
	Message json.RawMessage `json:"message"`
}

type wireContent struct {
	RichText  json.RawMessage `json:"richText"`
	PlainText string          `json:"plainText"`
	Markdown  string          `json:"markdown"`
	URL       string          `json:"url"`
}

// UnmarshalJSON decodes any of the provider's bubble shapes. Shapes it does
// not recognize become KindUnknown rather than failing the whole reply.
func (m *Message) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*m = Message{Kind: KindUnknown}

	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil
		}
		m.Kind = KindText
		m.Text = s
		return nil
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil
	}
	m.ID = w.ID

	switch {
	case w.Type != "":
		m.Kind = kindOf(w.Type)
		if w.Content != nil {
			m.RichText = w.Content.RichText
			m.URL = w.Content.URL
			m.Text = w.Content.PlainText
			if m.Text == "" {
				m.Text = w.Content.Markdown
			}
		}
	case len(w.Message) > 0:
		var s string
		if err := json.Unmarshal(w.Message, &s); err == nil {
			m.Kind = KindText
			m.Text = s
		}
	}
	return nil
}

func kindOf(t string) MessageKind {
	switch strings.ToLower(t) {
	case "text":
		return KindText
	case "image":
		return KindImage
	case "video":
		return KindVideo
	case "audio":
		return KindAudio
	case "embed":
		return KindEmbed
	default:
		return KindUnknown
	}
}

// Display returns the text relayed to the end user. Media bubbles are relayed
// as their URL.
func (m Message) Display() string {
	switch m.Kind {
	case KindText:
		if len(m.RichText) > 0 {
			if text := richtext.Decode(m.RichText); text != "" {
				return text
			}
		}
		return strings.TrimSpace(m.Text)
	case KindImage, KindVideo, KindAudio, KindEmbed:
		return m.URL
	default:
		return strings.TrimSpace(m.Text)
	}
}

// PendingInput is the variable the provider is waiting to capture
type PendingInput struct {
	VariableID string `json:"variableId"`
}

type wireInput struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	VariableID string `json:"variableId"`
	Options    *struct {
		VariableID string `json:"variableId"`
	} `json:"options"`
}

func (w *wireInput) pending() *PendingInput {
	if w == nil {
		return nil
	}
	id := w.VariableID
	if id == "" && w.Options != nil {
		id = w.Options.VariableID
	}
	if id == "" {
		return nil
	}
	return &PendingInput{VariableID: id}
}

type chatResponse struct {
	SessionID string     `json:"sessionId"`
	Messages  []Message  `json:"messages"`
	Input     *wireInput `json:"input"`
}

// TicketContext is sent as prefilled variables when a session starts
type TicketContext struct {
	TicketID      int64
	ContactID     int64
	ContactName   string
	ContactNumber string
	SessionHandle string
}

// StartResult is a created session
type StartResult struct {
	SessionID string
	Messages  []Message
	Pending   *PendingInput
}

// ContinueResult is the provider's reply to a continued session. RawText is
// set instead of Messages when a streamed reply could not be decoded.
type ContinueResult struct {
	Messages       []Message
	Pending        *PendingInput
	SessionExpired bool
	RawText        string
}

type startChatRequest struct {
	Message                 string            `json:"message"`
	PrefilledVariables      prefilledVariable `json:"prefilledVariables"`
	TextBubbleContentFormat string            `json:"textBubbleContentFormat"`
}

type prefilledVariable struct {
	TicketID      int64  `json:"ticketId"`
	Contact       string `json:"contact"`
	SessionID     string `json:"sessionId"`
	ContactName   string `json:"contactName"`
	ContactNumber string `json:"contactNumber"`
}

type continueChatRequest struct {
	Message                 continueMessage `json:"message"`
	TextBubbleContentFormat string          `json:"textBubbleContentFormat"`
}

type continueMessage struct {
	Type             string   `json:"type"`
	Text             string   `json:"text"`
	AttachedFileURLs []string `json:"attachedFileUrls,omitempty"`
}
