package model

import (
	"strings"
)

// MessageKind discriminates the payload a message carries. A message may
// carry more than one payload on the wire; Kind reports the dominant one in
// the order cards > text > value.
type MessageKind string

const (
	KindCard  MessageKind = "card"
	KindText  MessageKind = "text"
	KindValue MessageKind = "value"
	KindEmpty MessageKind = "empty"
)

// ChannelAccount identifies a conversation participant.
type ChannelAccount struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// Attachment is a structured card attached to a message. Card content is
// open-shaped (hero cards, adaptive cards), so it is kept as a generic tree
// with typed accessors for the fields the engine inspects.
type Attachment struct {
	ContentType string         `json:"contentType,omitempty" yaml:"content_type,omitempty"`
	Content     map[string]any `json:"content,omitempty" yaml:"content,omitempty"`
}

// FirstButtonTitle returns the title of the first content button, or "".
func (a Attachment) FirstButtonTitle() string {
	buttons, ok := a.Content["buttons"].([]any)
	if !ok || len(buttons) == 0 {
		return ""
	}
	button, ok := buttons[0].(map[string]any)
	if !ok {
		return ""
	}
	title, _ := button["title"].(string)
	return title
}

// Body returns the card content body entries, or nil when absent.
func (a Attachment) Body() []any {
	body, _ := a.Content["body"].([]any)
	return body
}

// Message is one utterance in a conversation, scripted or received.
// Text is a pointer so that an absent text field can be told apart from an
// empty one; the assertion engine treats those differently.
type Message struct {
	Type        string          `json:"type,omitempty" yaml:"type,omitempty"`
	ID          string          `json:"id,omitempty" yaml:"id,omitempty"`
	From        ChannelAccount  `json:"from" yaml:"from"`
	Recipient   *ChannelAccount `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	Text        *string         `json:"text,omitempty" yaml:"text,omitempty"`
	Value       any             `json:"value,omitempty" yaml:"value,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

func (m *Message) Kind() MessageKind {
	switch {
	case m == nil:
		return KindEmpty
	case len(m.Attachments) > 0:
		return KindCard
	case m.Text != nil:
		return KindText
	case m.Value != nil:
		return KindValue
	default:
		return KindEmpty
	}
}

func (m *Message) HasText() bool {
	return m != nil && m.Text != nil
}

// GetText returns the message text, or "" when the text field is absent.
func (m *Message) GetText() string {
	if m == nil || m.Text == nil {
		return ""
	}
	return *m.Text
}

func (m *Message) TrimmedText() string {
	return strings.TrimSpace(m.GetText())
}

// SetText replaces the message text.
func (m *Message) SetText(text string) {
	m.Text = &text
}

// NewTextMessage builds a plain text message from the given sender.
func NewTextMessage(from ChannelAccount, text string) Message {
	return Message{Type: ActivityMessage, From: from, Text: &text}
}

// ActivityMessage is the wire activity type for ordinary messages.
const ActivityMessage = "message"
