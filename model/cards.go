package model

import (
	"fmt"

	"github.com/yalp/jsonpath"
)

// FieldError reports a card payload field that violated an expectation.
type FieldError struct {
	Path     string
	Expected any
	Actual   any
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("Cards contains empty field at %s", e.Path)
}

// CheckCardFields requires every leaf value of every card payload to be
// non-empty, recursing through nested maps and slices. It returns a
// *FieldError locating the first violation.
func CheckCardFields(attachments []Attachment) error {
	for i, attachment := range attachments {
		path := fmt.Sprintf("attachments[%d].content", i)
		if err := checkNode(path, attachment.Content); err != nil {
			return err
		}
	}
	return nil
}

func checkNode(path string, node any) error {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if err := checkNode(path+"."+key, child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range v {
			if err := checkNode(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	case string:
		if v == "" {
			return &FieldError{Path: path, Expected: "<non-empty>", Actual: ""}
		}
	case nil:
		return &FieldError{Path: path, Expected: "<non-empty>", Actual: nil}
	}
	// Numbers and booleans carry information as-is, including zero values.
	return nil
}

// EvalCardExpectation checks one JSONPath expectation against a reply's
// attachments. The document root is the ordered list of card contents, so
// paths look like `$[0].buttons[0].title`.
func EvalCardExpectation(attachments []Attachment, exp CardExpectation) error {
	document := make([]any, 0, len(attachments))
	for _, attachment := range attachments {
		document = append(document, map[string]any(attachment.Content))
	}

	value, err := jsonpath.Read(any(document), exp.Path)
	if err != nil {
		return &FieldError{Path: exp.Path, Expected: "<present>", Actual: fmt.Sprintf("<missing: %v>", err)}
	}

	actual := fmt.Sprint(value)
	if exp.Value == "" {
		if value == nil || actual == "" {
			return &FieldError{Path: exp.Path, Expected: "<non-empty>", Actual: value}
		}
		return nil
	}
	if actual != exp.Value {
		return &FieldError{Path: exp.Path, Expected: exp.Value, Actual: value}
	}
	return nil
}
