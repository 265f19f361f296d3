// Package report provides result aggregation, telemetry and report
// generation for conversation test runs.
package report

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mykhaliev/bot-conformance/logger"
	"github.com/mykhaliev/bot-conformance/model"
	"github.com/mykhaliev/bot-conformance/version"

	"github.com/aymerick/raymond"
	"github.com/bytedance/sonic"
)

// Summary holds the aggregate counts for one run.
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"passRate"`
}

// ReportData is the view model handed to report renderers.
type ReportData struct {
	Version     string         `json:"version"`
	GeneratedAt string         `json:"generatedAt"`
	RunID       string         `json:"runId,omitempty"`
	Suite       string         `json:"suite,omitempty"`
	Success     bool           `json:"success"`
	Summary     Summary        `json:"summary"`
	Results     []model.Result `json:"results"`
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func buildReportData(results []model.Result, outcome *model.SuiteOutcome) ReportData {
	summary := Summary{Total: len(results)}
	for _, result := range results {
		if result.Success {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}
	if summary.Total > 0 {
		summary.PassRate = float64(summary.Passed) / float64(summary.Total) * 100
	}

	data := ReportData{
		Version:     version.Version,
		GeneratedAt: time.Now().Format(time.RFC3339),
		Success:     summary.Failed == 0,
		Summary:     summary,
		Results:     results,
	}
	if outcome != nil {
		data.RunID = outcome.RunID
		data.Suite = outcome.Name
		data.Success = outcome.Success
	}
	return data
}

// GenerateConsoleReport prints a per-test PASS/FAIL line and the summary
// to stdout.
func (g *Generator) GenerateConsoleReport(results []model.Result, outcome *model.SuiteOutcome) {
	data := buildReportData(results, outcome)

	var buf bytes.Buffer
	if data.Suite != "" {
		fmt.Fprintf(&buf, "Suite: %s (run %s)\n", data.Suite, data.RunID)
	}
	for _, result := range data.Results {
		status := "PASS"
		if !result.Success {
			status = "FAIL"
		}
		fmt.Fprintf(&buf, "[%s] %s\n", status, result.Message)
	}
	fmt.Fprintf(&buf, "%d/%d tests passed (%.1f%%)\n",
		data.Summary.Passed, data.Summary.Total, data.Summary.PassRate)

	fmt.Fprint(os.Stdout, buf.String())
}

// GenerateJSONReport returns the report as indented JSON, or an empty
// string when marshalling fails.
func (g *Generator) GenerateJSONReport(results []model.Result, outcome *model.SuiteOutcome) string {
	data := buildReportData(results, outcome)
	out, err := sonic.ConfigDefault.MarshalIndent(data, "", "  ")
	if err != nil {
		logger.Logger.Error("Failed to marshal JSON report", "error", err)
		return ""
	}
	return string(out)
}

// Raw triple-stache keeps quotes in result messages from being
// HTML-escaped.
const markdownTemplate = `# Conversation Test Report

{{#if suite}}**Suite:** {{{suite}}} (run ` + "`{{{runId}}}`" + `)
{{/if}}**Generated:** {{generatedAt}} (v{{version}})

**{{summary.passed}}/{{summary.total}}** tests passed

| Status | Result |
| --- | --- |
{{#each results}}| {{#if success}}PASS{{else}}FAIL{{/if}} | {{{message}}} |
{{/each}}`

// GenerateMarkdownReport renders the markdown report template, or returns
// an empty string when rendering fails.
func (g *Generator) GenerateMarkdownReport(results []model.Result, outcome *model.SuiteOutcome) string {
	data := buildReportData(results, outcome)
	ctx := map[string]any{
		"version":     data.Version,
		"generatedAt": data.GeneratedAt,
		"runId":       data.RunID,
		"suite":       data.Suite,
		"summary":     map[string]any{"total": data.Summary.Total, "passed": data.Summary.Passed},
		"results": func() []map[string]any {
			rows := make([]map[string]any, 0, len(data.Results))
			for _, r := range data.Results {
				rows = append(rows, map[string]any{"success": r.Success, "message": r.Message})
			}
			return rows
		}(),
	}
	out, err := raymond.Render(markdownTemplate, ctx)
	if err != nil {
		logger.Logger.Error("Failed to render markdown report", "error", err)
		return ""
	}
	return out
}

// ============================================================================
// RESULTS MANAGER
// ============================================================================

// RunRecord is the stored outcome of one suite run.
type RunRecord struct {
	RunID     string    `json:"runId"`
	Messages  []string  `json:"messages"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResultsManager keeps the outcome of each suite run keyed by run id.
type ResultsManager struct {
	mu      sync.Mutex
	records map[string]RunRecord
}

var (
	resultsManager     *ResultsManager
	resultsManagerOnce sync.Once
)

// GetResultsManager returns the process-wide results manager.
func GetResultsManager() *ResultsManager {
	resultsManagerOnce.Do(func() {
		resultsManager = &ResultsManager{records: make(map[string]RunRecord)}
	})
	return resultsManager
}

func (m *ResultsManager) UpdateResults(runID string, messages []string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[runID] = RunRecord{
		RunID:     runID,
		Messages:  messages,
		Status:    status,
		UpdatedAt: time.Now(),
	}
}

// Results returns the record for a run and whether it exists.
func (m *ResultsManager) Results(runID string) (RunRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[runID]
	return record, ok
}

// ============================================================================
// TELEMETRY
// ============================================================================

// TelemetryClient ships run events to an external collector. A client
// without an endpoint, including a nil client, drops all events.
type TelemetryClient struct {
	endpoint string
	key      string
	http     *http.Client
}

// NewTelemetryClientFromEnv builds a client from TELEMETRY_ENDPOINT and
// TELEMETRY_KEY. Either variable missing yields a no-op client.
func NewTelemetryClientFromEnv() *TelemetryClient {
	endpoint := os.Getenv("TELEMETRY_ENDPOINT")
	key := os.Getenv("TELEMETRY_KEY")
	if endpoint == "" || key == "" {
		return &TelemetryClient{}
	}
	return &TelemetryClient{
		endpoint: endpoint,
		key:      key,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type telemetryEvent struct {
	Name       string            `json:"name"`
	Key        string            `json:"iKey"`
	Time       string            `json:"time"`
	Properties map[string]string `json:"properties,omitempty"`
}

// TrackEvent sends one event. Delivery failures are logged and swallowed;
// telemetry never fails a run.
func (t *TelemetryClient) TrackEvent(name string, properties map[string]string) {
	if t == nil || t.endpoint == "" {
		return
	}

	payload, err := sonic.Marshal(telemetryEvent{
		Name:       name,
		Key:        t.key,
		Time:       time.Now().UTC().Format(time.RFC3339),
		Properties: properties,
	})
	if err != nil {
		logger.Logger.Debug("Failed to encode telemetry event", "event", name, "error", err)
		return
	}

	resp, err := t.http.Post(t.endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		logger.Logger.Debug("Failed to send telemetry event", "event", name, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Logger.Debug("Telemetry collector rejected event",
			"event", name, "status", resp.StatusCode)
	}
}
