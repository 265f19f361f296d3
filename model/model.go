package model

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aymerick/raymond"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// SUITE CONFIGURATION
// ============================================================================

type SuiteConfiguration struct {
	Name      string            `yaml:"name"`
	RunID     string            `yaml:"run_id,omitempty"`
	Settings  Settings          `yaml:"settings"`
	Variables map[string]string `yaml:"variables,omitempty"`
	Batches   []TestBatch       `yaml:"batches"`
}

// TestBatch groups tests that run together. Batches run strictly in
// sequence; tests within a batch run with a small bounded concurrency.
type TestBatch struct {
	Name  string             `yaml:"name,omitempty"`
	Tests []ConversationTest `yaml:"tests"`
}

// ============================================================================
// TEST CONFIGURATION
// ============================================================================

type TestConfiguration struct {
	Name      string             `yaml:"name"`
	Settings  Settings           `yaml:"settings"`
	Variables map[string]string  `yaml:"variables,omitempty"`
	Tests     []ConversationTest `yaml:"tests"`
}

type Settings struct {
	Verbose bool `yaml:"verbose"`
	// ServiceURL is the base URL of the Direct Line-style endpoint.
	ServiceURL string `yaml:"service_url,omitempty"`
	// PollTimeout bounds how long a step waits for the expected replies.
	PollTimeout string `yaml:"poll_timeout,omitempty"`
	TestDelay   string `yaml:"test_delay,omitempty"`
	// BatchConcurrency bounds concurrent tests within one batch. Values
	// below 1 fall back to the default of one test at a time.
	BatchConcurrency int `yaml:"batch_concurrency,omitempty"`
}

// ConversationTest is one scripted conversation against a live bot.
type ConversationTest struct {
	Name      string            `yaml:"name"`
	Secret    string            `yaml:"secret"`
	UserID    string            `yaml:"user_id,omitempty"`
	Timeout   string            `yaml:"timeout,omitempty"`
	Variables map[string]string `yaml:"variables,omitempty"`
	Messages  []Message         `yaml:"messages"`
	Expect    []CardExpectation `yaml:"expect,omitempty"`
	// Index is assigned at load time and used in test titles when the
	// test has no name.
	Index int `yaml:"-"`
}

// CardExpectation asserts on a card payload of a scripted reply by JSONPath.
// An empty Value means the addressed field only has to be non-empty.
type CardExpectation struct {
	Step  int    `yaml:"step"`
	Reply int    `yaml:"reply"`
	Path  string `yaml:"path"`
	Value string `yaml:"value,omitempty"`
}

// Title returns the human-readable test title used in result messages.
func (t ConversationTest) Title() string {
	if t.Name != "" {
		return fmt.Sprintf("Test '%s'", t.Name)
	}
	return fmt.Sprintf("Test #%d", t.Index)
}

// ============================================================================
// TEST CONTEXT
// ============================================================================

// TestContext is the mutable per-run state. It is owned by exactly one test
// run and is mutated only by the step driver and the assertion engine.
type TestContext struct {
	TrialsCount          int
	PrevTrialsCount      int
	decreasedAtLeastOnce bool
	TestEnded            bool
	LastMessageFromBot   *Message
}

func NewTestContext() *TestContext {
	return &TestContext{TrialsCount: -1, PrevTrialsCount: -1}
}

// MarkDecreased latches the decrease flag. It never resets within a run.
func (c *TestContext) MarkDecreased() {
	c.decreasedAtLeastOnce = true
}

func (c *TestContext) DecreasedAtLeastOnce() bool {
	return c.decreasedAtLeastOnce
}

// ============================================================================
// RESULT
// ============================================================================

// Result is the terminal outcome of one test run.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuiteOutcome aggregates all per-test results for one suite run.
// Success holds iff every constituent result succeeded.
type SuiteOutcome struct {
	RunID   string   `json:"runId"`
	Name    string   `json:"name"`
	Success bool     `json:"success"`
	Results []Result `json:"results"`
}

// ============================================================================
// YAML PARSER
// ============================================================================

func ParseTestConfig(filename string) (*TestConfiguration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseTestConfigFromString(string(data))
}

func ParseTestConfigFromString(definition string) (*TestConfiguration, error) {
	var config TestConfiguration
	if err := yaml.Unmarshal([]byte(definition), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	for i := range config.Tests {
		config.Tests[i].Index = i
	}
	return &config, nil
}

func ParseSuiteConfig(filename string) (*SuiteConfiguration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseSuiteConfigFromString(string(data))
}

func ParseSuiteConfigFromString(definition string) (*SuiteConfiguration, error) {
	var suite SuiteConfiguration
	if err := yaml.Unmarshal([]byte(definition), &suite); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	index := 0
	for b := range suite.Batches {
		for i := range suite.Batches[b].Tests {
			suite.Batches[b].Tests[i].Index = index
			index++
		}
	}
	return &suite, nil
}

// ============================================================================
// TEMPLATING
// ============================================================================

func GetAllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}

// RenderTemplate safely parses and executes a Raymond template.
// If parsing or execution fails, it returns the input string unchanged.
func RenderTemplate(input string, context map[string]string) string {
	tmpl, err := raymond.Parse(input)
	if err != nil {
		log.Printf("Failed to parse template: %v", err)
		return input
	}

	output, err := tmpl.Exec(context)
	if err != nil {
		log.Printf("Failed to execute template: %v", err)
		return input
	}

	return output
}

// RenderMessages renders templated text and string values of scripted
// messages in place. Received messages are never templated.
func RenderMessages(messages []Message, context map[string]string) {
	for i := range messages {
		if messages[i].Text != nil && strings.Contains(*messages[i].Text, "{{") {
			rendered := RenderTemplate(*messages[i].Text, context)
			messages[i].Text = &rendered
		}
		if s, ok := messages[i].Value.(string); ok && strings.Contains(s, "{{") {
			messages[i].Value = RenderTemplate(s, context)
		}
	}
}
