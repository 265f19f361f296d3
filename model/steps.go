package model

// ConversationStep pairs one user message with the bot replies expected to
// follow it. A leading step has a nil UserMessage when the bot speaks first.
// Steps are built once per test run and never mutated while driving.
type ConversationStep struct {
	UserMessage *Message
	BotReplies  []Message
}

// BuildConversationSteps turns a flat ordered message script into ordered
// conversation steps. Each user message starts a new step; bot messages are
// appended to the current step's expected replies. Every user message is
// assumed to be followed by at least one bot reply before the next user
// message; malformed scripts yield a step with no expected replies.
func BuildConversationSteps(expectedUserID string, messages []Message) []ConversationStep {
	steps := make([]ConversationStep, 0, len(messages))
	if len(messages) == 0 {
		return steps
	}

	if !IsUserMessage(expectedUserID, messages[0]) {
		// Bot speaks first: start with a step that has no user message.
		steps = append(steps, ConversationStep{BotReplies: []Message{}})
	}
	for i := range messages {
		message := messages[i]
		if IsUserMessage(expectedUserID, message) {
			steps = append(steps, ConversationStep{
				UserMessage: &message,
				BotReplies:  []Message{},
			})
		} else {
			steps[len(steps)-1].BotReplies = append(steps[len(steps)-1].BotReplies, message)
		}
	}
	return steps
}

// FlattenSteps is the inverse of BuildConversationSteps for well-formed
// scripts: user message then its bot replies, step by step.
func FlattenSteps(steps []ConversationStep) []Message {
	messages := make([]Message, 0)
	for _, step := range steps {
		if step.UserMessage != nil {
			messages = append(messages, *step.UserMessage)
		}
		messages = append(messages, step.BotReplies...)
	}
	return messages
}
