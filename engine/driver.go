package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mykhaliev/bot-conformance/directline"
	"github.com/mykhaliev/bot-conformance/logger"
	"github.com/mykhaliev/bot-conformance/model"

	"github.com/life4/genesis/slices"
)

// ConversationDriver runs one scripted conversation step by step: pick or
// synthesize the outgoing user message, submit it, wait for the expected
// replies and assert on them. The driver is in the RUNNING state until the
// conversation-ended signal is observed, then stops.
type ConversationDriver struct {
	client         directline.Client
	rules          *model.ClassifierRules
	steps          []model.ConversationStep
	expectations   []model.CardExpectation
	tcx            *model.TestContext
	testUser       model.ChannelAccount
	conversationID string
	timeout        time.Duration
}

func NewConversationDriver(
	client directline.Client,
	rules *model.ClassifierRules,
	steps []model.ConversationStep,
	expectations []model.CardExpectation,
	tcx *model.TestContext,
	testUser model.ChannelAccount,
	conversationID string,
	timeout time.Duration,
) *ConversationDriver {
	return &ConversationDriver{
		client:         client,
		rules:          rules,
		steps:          steps,
		expectations:   expectations,
		tcx:            tcx,
		testUser:       testUser,
		conversationID: conversationID,
		timeout:        timeout,
	}
}

// Run drives the conversation until the ended signal is observed. It
// returns the number of steps completed before termination.
func (d *ConversationDriver) Run(ctx context.Context) (int, error) {
	logger.Logger.Debug("Conversation driving started",
		"test_user", d.testUser.ID,
		"conversation_id", d.conversationID,
		"scripted_steps", len(d.steps),
		"timeout", d.timeout)

	index := 0
	for {
		if d.tcx.TestEnded {
			logger.Logger.Debug("Conversation ended", "steps", index)
			return index, nil
		}
		if d.rules.ConversationEnded(d.tcx.LastMessageFromBot) {
			// The ended signal slipped past the assertion engine, e.g.
			// because the terminal batch carried no checked slot. The
			// decrease invariant still has to hold at this point.
			d.tcx.TestEnded = true
			if !d.tcx.DecreasedAtLeastOnce() {
				return index, &StepError{
					Message:  "Trials count didn't decrease",
					Expected: "trials count decreased at least once",
					Actual:   fmt.Sprintf("count stayed at %d", d.tcx.PrevTrialsCount),
					Code:     CodeInvariant,
				}
			}
			return index, nil
		}
		logger.Logger.Debug("Driving conversation step", "index", index)

		// Default to replaying the last bot message as a pass-through:
		// this keeps driving a conversation that ran past the script
		// but has not signaled completion yet. A nil reply list (as
		// opposed to an empty one) makes the step expect one reply and
		// asserts on every reply the batch brings back.
		step := model.ConversationStep{UserMessage: d.tcx.LastMessageFromBot}
		if index < len(d.steps) {
			step = d.steps[index]
		}

		userMessage := d.buildUserMessage(step.UserMessage)
		stepExpectations := slices.Filter(d.expectations, func(e model.CardExpectation) bool {
			return e.Step == index
		})
		index++

		if err := d.step(ctx, userMessage, step.BotReplies, stepExpectations); err != nil {
			return index, err
		}
	}
}

// buildUserMessage constructs the outgoing message: the scripted message's
// type/text/value stamped with the synthetic test-user identity.
func (d *ConversationDriver) buildUserMessage(scripted *model.Message) model.Message {
	userMessage := model.Message{Type: model.ActivityMessage, From: d.testUser}
	if scripted != nil {
		if scripted.Type != "" {
			userMessage.Type = scripted.Type
		}
		userMessage.Text = scripted.Text
		userMessage.Value = scripted.Value
	}
	return userMessage
}

func (d *ConversationDriver) step(
	ctx context.Context,
	userMessage model.Message,
	expectedReplies []model.Message,
	expectations []model.CardExpectation,
) error {
	// The live bot may ask a question the script does not answer.
	// Synthesize a plausible reply from the classification of its last
	// utterance; the scripted message is overridden in that case.
	last := d.tcx.LastMessageFromBot
	switch {
	case d.rules.IsLastStep(last):
		userMessage.SetText(d.rules.MenuAnswer)
	case d.rules.IsChoicesQuestion(last):
		userMessage.SetText(d.rules.ChoiceAnswer)
	case d.rules.IsNumericQuestion(last):
		userMessage.SetText(d.rules.NumericAnswer)
	}

	logger.Logger.Debug("Submitting user message",
		"conversation_id", d.conversationID,
		"message", stringify(userMessage),
		"expected_replies", len(expectedReplies))

	ack, err := d.client.SendMessage(ctx, d.conversationID, userMessage)
	if err != nil {
		return d.transportError(userMessage, err)
	}

	expectedCount := 1
	if expectedReplies != nil {
		expectedCount = len(expectedReplies)
	}
	includeUserEcho := ack != nil

	batch, err := d.client.PollMessages(ctx, d.conversationID, expectedCount, includeUserEcho, d.timeout)
	if err != nil {
		return d.transportError(userMessage, err)
	}

	if err := CompareMessages(d.rules, userMessage, expectedReplies, batch, expectations, d.tcx); err != nil {
		return d.annotate(userMessage, err)
	}
	return nil
}

// transportError embeds the failing user message text for diagnostics and
// keeps the original error as the cause.
func (d *ConversationDriver) transportError(userMessage model.Message, err error) error {
	message := stepFailureMessage(userMessage, err)
	return &StepError{Message: message, Code: CodeInvariant, Cause: err}
}

// annotate rewrites a structured step failure with the user-message framing
// while preserving its expected/actual detail.
func (d *ConversationDriver) annotate(userMessage model.Message, err error) error {
	if stepErr, ok := AsStepError(err); ok {
		stepErr.Message = stepFailureMessage(userMessage, err)
		return stepErr
	}
	return &StepError{Message: stepFailureMessage(userMessage, err), Code: CodeGeneric, Cause: err}
}

func stepFailureMessage(userMessage model.Message, err error) string {
	message := "User message '" + userMessage.GetText() + "' response failed - "
	if stepErr, ok := AsStepError(err); ok {
		return message + stepErr.Message
	}
	return message + err.Error()
}
