package tests

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/bot-conformance/directline"
	"github.com/mykhaliev/bot-conformance/model"
)

func jsonMarshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// dummy writer for logger
type DummyWriter struct{}

// NewDummyWriter creates a new DummyWriter instance
func NewDummyWriter() *DummyWriter {
	return &DummyWriter{}
}

// Write implements io.Writer interface and discards all data
func (d *DummyWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// Close implements io.Closer interface (if needed)
func (d *DummyWriter) Close() error {
	return nil
}

// FakeBot is a scripted in-memory transport. Each call to PollMessages pops
// the next reply batch; when Echo is set, SendMessage returns an ack and
// polls include the echoed user message, mirroring a channel that replays
// user activities.
type FakeBot struct {
	Echo    bool
	Replies [][]model.Message
	Sent    []model.Message

	InitErr error
	SendErr error
	PollErr error

	batch int
}

func (b *FakeBot) Init(ctx context.Context, secret string) (*directline.Conversation, error) {
	if b.InitErr != nil {
		return nil, b.InitErr
	}
	if secret == "" {
		return nil, fmt.Errorf("conversation secret is empty")
	}
	return &directline.Conversation{ConversationID: "conv-1", Token: "fake-token"}, nil
}

func (b *FakeBot) SendMessage(ctx context.Context, conversationID string, message model.Message) (*directline.SendAck, error) {
	if b.SendErr != nil {
		return nil, b.SendErr
	}
	b.Sent = append(b.Sent, message)
	if b.Echo {
		return &directline.SendAck{ID: fmt.Sprintf("msg-%d", len(b.Sent))}, nil
	}
	return nil, nil
}

func (b *FakeBot) PollMessages(ctx context.Context, conversationID string, expectedCount int, includeUserEcho bool, timeout time.Duration) ([]model.Message, error) {
	if b.PollErr != nil {
		return nil, b.PollErr
	}
	if b.batch >= len(b.Replies) {
		target := expectedCount
		if includeUserEcho {
			target++
		}
		return nil, fmt.Errorf("timed out waiting for %d messages, got 0", target)
	}

	messages := make([]model.Message, 0)
	if includeUserEcho && len(b.Sent) > 0 {
		messages = append(messages, b.Sent[len(b.Sent)-1])
	}
	messages = append(messages, b.Replies[b.batch]...)
	b.batch++
	return messages, nil
}

// PanicBot blows up on first use; the suite runner has to contain it.
type PanicBot struct{}

func (b *PanicBot) Init(ctx context.Context, secret string) (*directline.Conversation, error) {
	panic("transport wiring is broken")
}

func (b *PanicBot) SendMessage(ctx context.Context, conversationID string, message model.Message) (*directline.SendAck, error) {
	panic("transport wiring is broken")
}

func (b *PanicBot) PollMessages(ctx context.Context, conversationID string, expectedCount int, includeUserEcho bool, timeout time.Duration) ([]model.Message, error) {
	panic("transport wiring is broken")
}

// ============================================================================
// Message fixtures
// ============================================================================

var (
	botAccount  = model.ChannelAccount{ID: "bot-1", Name: "trials-bot", Role: "bot"}
	userAccount = model.ChannelAccount{ID: "user-1", Name: "patient", Role: "user"}
)

func botText(text string) model.Message {
	return model.NewTextMessage(botAccount, text)
}

func userText(text string) model.Message {
	return model.NewTextMessage(userAccount, text)
}

func trialsFound(count int) model.Message {
	return botText(fmt.Sprintf("Found %d relevant trials", count))
}

func closingMessage() model.Message {
	return botText("Thank you for using this service for COVID-19 Clinical Trials Matching.")
}

// menuPrompt is the closing menu: exact prompt text plus a card whose first
// button offers more questions.
func menuPrompt() model.Message {
	message := botText("What would you like to do?")
	message.Attachments = []model.Attachment{{
		ContentType: "application/vnd.microsoft.card.hero",
		Content: map[string]any{
			"buttons": []any{
				map[string]any{"title": "Answer additional questions", "value": "1"},
				map[string]any{"title": "Get Results", "value": "2"},
			},
		},
	}}
	return message
}

func cardMessage(content map[string]any) model.Message {
	message := botText("Here is what we found")
	message.Attachments = []model.Attachment{{
		ContentType: "application/vnd.microsoft.card.adaptive",
		Content:     content,
	}}
	return message
}

func createTempFile(t *testing.T, pattern, content string) string {
	t.Helper()
	file, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := file.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return file.Name()
}
