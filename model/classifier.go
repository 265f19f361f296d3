package model

import (
	"regexp"
	"strconv"
	"strings"
)

// ClassifierRules is the table of patterns and sentinel phrases used to
// classify bot utterances. The phrases are domain data, not code: keeping
// them in one table lets the classification rules be tested independently
// of the driver loop.
type ClassifierRules struct {
	// NumericQuestion matches prompts answered with a number.
	NumericQuestion *regexp.Regexp
	// NumericExcluded is the one NumericQuestion-shaped prompt that
	// expects free text instead of a number.
	NumericExcluded string
	// ChoiceQuestion matches prompts answered by picking a choice.
	ChoiceQuestion *regexp.Regexp
	// LastStepText plus LastStepButton identify the closing menu prompt.
	LastStepText   string
	LastStepButton string
	// EndedClosing and EndedResults are the two terminal bot phrases.
	EndedClosing string
	EndedResults string
	// EmptyResults is the hard-failure sentinel for an empty result set.
	EmptyResults string
	// TrialsCount extracts the candidate count embedded in bot text.
	TrialsCount *regexp.Regexp

	// Synthesized answers for unscripted prompts.
	MenuAnswer    string
	ChoiceAnswer  string
	NumericAnswer string
}

// DefaultRules returns the rule table for the clinical trials matching bot.
func DefaultRules() *ClassifierRules {
	return &ClassifierRules{
		NumericQuestion: regexp.MustCompile(`^([Ww]hat is the patient's).*\?`),
		NumericExcluded: "What is the patient's condition?",
		ChoiceQuestion:  regexp.MustCompile(`^([Ww]as|[Dd]id|[Ww]hat is the patient's ECOG score|[Ii]s).*\?`),
		LastStepText:    "What would you like to do?",
		LastStepButton:  "Answer additional questions",
		EndedClosing:    "Thank you for using this service for COVID-19 Clinical Trials Matching.",
		EndedResults:    "Here are the clinical trials the patient may qualify for:",
		EmptyResults:    "Sorry, no relevant trials were found",
		TrialsCount:     regexp.MustCompile(`Found (\d+) relevant trials`),
		MenuAnswer:      "2", // selects 'Get Results'
		ChoiceAnswer:    "1", // first choice
		NumericAnswer:   "20",
	}
}

// IsUserMessage reports whether a scripted message originates from the test
// user. With an explicit expected user id the sender id decides; otherwise
// a recipient with the bot role marks an outgoing user message, and as a
// last resort anything not sent by the bot role counts as the user.
// The layered fallback exists because transports populate either `from` or
// `recipient` depending on direction.
func IsUserMessage(expectedUserID string, m Message) bool {
	if expectedUserID != "" {
		return m.From.ID == expectedUserID
	}
	if m.Recipient != nil {
		return m.Recipient.Role == "bot"
	}
	return m.From.Role != "bot"
}

func (r *ClassifierRules) IsNumericQuestion(m *Message) bool {
	if !m.HasText() {
		return false
	}
	return r.NumericQuestion.MatchString(m.GetText()) && m.GetText() != r.NumericExcluded
}

func (r *ClassifierRules) IsChoicesQuestion(m *Message) bool {
	return m.HasText() && r.ChoiceQuestion.MatchString(m.GetText())
}

// IsLastStep reports whether the message is the closing menu prompt: the
// exact menu text plus a card whose first button offers more questions.
func (r *ClassifierRules) IsLastStep(m *Message) bool {
	if m == nil || !m.HasText() {
		return false
	}
	if m.TrimmedText() != r.LastStepText {
		return false
	}
	return len(m.Attachments) > 0 && m.Attachments[0].FirstButtonTitle() == r.LastStepButton
}

// ConversationEnded reports whether the message signals that the domain
// workflow has concluded.
func (r *ClassifierRules) ConversationEnded(m *Message) bool {
	if m == nil || !m.HasText() {
		return false
	}
	trimmed := m.TrimmedText()
	return strings.Contains(trimmed, r.EndedClosing) || trimmed == r.EndedResults
}

// ExtractTrialsCount parses the candidate count embedded in bot text.
// The second return is false when the text does not carry a count.
func (r *ClassifierRules) ExtractTrialsCount(text string) (int, bool) {
	match := r.TrialsCount.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
