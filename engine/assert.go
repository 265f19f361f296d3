package engine

import (
	"fmt"

	"github.com/mykhaliev/bot-conformance/logger"
	"github.com/mykhaliev/bot-conformance/model"

	"github.com/bytedance/sonic"
	"github.com/google/go-cmp/cmp"
	"github.com/life4/genesis/slices"
)

// CompareMessages validates one step's reply batch against the scripted
// expectations and updates the test context. Echoed test-user messages are
// discarded first; the remaining bot replies are checked slot by slot.
// Any violation is returned as a *StepError and aborts the run.
func CompareMessages(
	rules *model.ClassifierRules,
	userMessage model.Message,
	expectedReplies []model.Message,
	actualMessages []model.Message,
	expectations []model.CardExpectation,
	tcx *model.TestContext,
) error {
	logger.Logger.Debug("Comparing messages", "actual", stringify(actualMessages))

	botReplies := slices.Reject(actualMessages, func(m model.Message) bool {
		return m.From.ID == userMessage.From.ID
	})

	// Remember the most recent bot message that carries text; the driver
	// classifies it to synthesize the next answer.
	if last, err := slices.Find(slices.Reverse(botReplies), func(m model.Message) bool {
		return m.HasText()
	}); err == nil {
		tcx.LastMessageFromBot = &last
	}

	// A scripted step checks exactly its expected slots. A step past the
	// script has no expected shape, so every reply it drew is checked.
	slots := len(expectedReplies)
	if expectedReplies == nil {
		slots = len(botReplies)
	}

	for i := 0; i < slots; i++ {
		if i >= len(botReplies) {
			return &StepError{
				Message:  fmt.Sprintf("Expected %d bot replies, got %d", slots, len(botReplies)),
				Expected: slots,
				Actual:   len(botReplies),
				Code:     CodeInvariant,
			}
		}
		botReply := botReplies[i]

		if botReply.HasText() {
			if err := checkReplyText(rules, &botReply, tcx); err != nil {
				return err
			}
		}
		if len(botReply.Attachments) > 0 {
			if err := checkReplyCards(&botReply, tcx); err != nil {
				return err
			}
		}
		for _, exp := range expectations {
			if exp.Reply != i {
				continue
			}
			if err := model.EvalCardExpectation(botReply.Attachments, exp); err != nil {
				return wrapFieldError(err)
			}
		}
	}
	return nil
}

func checkReplyText(rules *model.ClassifierRules, botReply *model.Message, tcx *model.TestContext) error {
	text := botReply.GetText()

	if text == rules.EmptyResults {
		// An expected non-empty result set came back empty. Hard failure.
		return &StepError{
			Message:  "Initial trials count is ZERO",
			Expected: "Initial trials count > ZERO",
			Actual:   "Initial trials count = ZERO",
			Code:     CodeInvariant,
		}
	}

	if count, ok := rules.ExtractTrialsCount(text); ok {
		// The count varies per run, so the text is never compared
		// literally; only the embedded number is checked.
		tcx.TrialsCount = count
		if count <= 0 {
			return &StepError{
				Message:  "Initial trials count is ZERO",
				Expected: "trials count > 0",
				Actual:   count,
				Code:     CodeInvariant,
			}
		}
		if tcx.PrevTrialsCount > 0 && tcx.PrevTrialsCount > count {
			tcx.MarkDecreased()
		}
		tcx.PrevTrialsCount = count
		return nil
	}

	if rules.ConversationEnded(tcx.LastMessageFromBot) {
		tcx.TestEnded = true
		if !tcx.DecreasedAtLeastOnce() {
			return &StepError{
				Message:  "Trials count didn't decrease",
				Expected: "trials count decreased at least once",
				Actual:   fmt.Sprintf("count stayed at %d", tcx.PrevTrialsCount),
				Code:     CodeInvariant,
			}
		}
	}
	if text == "" {
		return &StepError{
			Message:  "The bot replied with empty text",
			Expected: "<non-empty>",
			Actual:   "",
			Code:     CodeInvariant,
		}
	}
	return nil
}

func checkReplyCards(botReply *model.Message, tcx *model.TestContext) error {
	if err := model.CheckCardFields(botReply.Attachments); err != nil {
		return wrapFieldError(err)
	}
	if tcx.TestEnded && len(botReply.Attachments[0].Body()) == 0 {
		// The terminal card must carry the matched trials.
		return &StepError{
			Message:  "Final trials count is ZERO",
			Expected: "final card body length > 0",
			Actual:   0,
			Code:     CodeInvariant,
		}
	}
	return nil
}

func wrapFieldError(err error) error {
	fieldErr, ok := err.(*model.FieldError)
	if !ok {
		return &StepError{Message: err.Error(), Code: CodeInvariant, Cause: err}
	}
	return &StepError{
		Message:  fieldErr.Error(),
		Expected: fieldErr.Expected,
		Actual:   fieldErr.Actual,
		Diff:     cmp.Diff(fieldErr.Expected, fieldErr.Actual),
		Code:     CodeInvariant,
		Cause:    err,
	}
}

func stringify(v any) string {
	s, err := sonic.MarshalString(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}
