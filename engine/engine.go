package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mykhaliev/bot-conformance/directline"
	"github.com/mykhaliev/bot-conformance/logger"
	"github.com/mykhaliev/bot-conformance/model"
	"github.com/mykhaliev/bot-conformance/report"

	"github.com/google/uuid"
	"github.com/life4/genesis/slices"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollTimeout = 30 * time.Second
	DefaultTestDelay   = 0 * time.Second

	// DefaultBatchConcurrency bounds concurrent tests within one batch.
	// It is kept low to avoid overloading the backend under test.
	DefaultBatchConcurrency = 1
)

// Run executes a test file and/or a suite file, generates reports and exits
// with a non-zero code when any test failed.
func Run(testPath *string, verbose *bool, suitePath *string, reportFileName *string, reportTypes []string) {
	results := make([]model.Result, 0)
	var outcome *model.SuiteOutcome

	client := directline.NewHTTPClient(os.Getenv("DIRECTLINE_SERVICE_URL"), nil)

	if *testPath != "" {
		if err := ValidateTestInputFile(*testPath); err != nil {
			logger.Logger.Error("Invalid input file", "error", err)
			os.Exit(1)
		}
		logger.Logger.Info("Loading test configuration")
		testConfig, err := model.ParseTestConfig(*testPath)
		if err != nil {
			logger.Logger.Error("Failed to parse configuration", "error", err)
			os.Exit(1)
		}
		if *verbose {
			testConfig.Settings.Verbose = true
		}
		if err := ValidateTestConfig(testConfig); err != nil {
			logger.Logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}

		logger.Logger.Info("Configuration loaded",
			"name", testConfig.Name,
			"tests", len(testConfig.Tests))

		if testConfig.Settings.ServiceURL != "" {
			client = directline.NewHTTPClient(testConfig.Settings.ServiceURL, nil)
		}

		staticCtx := CreateStaticTemplateContext(*testPath, testConfig.Variables)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logger.Logger.Info("Starting test execution")
		for _, test := range testConfig.Tests {
			prepareTest(&test, staticCtx)
			results = append(results, RunTest(ctx, client, test, testConfig.Settings))
		}
	}

	if *suitePath != "" {
		if err := ValidateTestInputFile(*suitePath); err != nil {
			logger.Logger.Error("Invalid input file", "error", err)
			os.Exit(1)
		}
		logger.Logger.Info("Loading suite configuration")
		suiteConfig, err := model.ParseSuiteConfig(*suitePath)
		if err != nil {
			logger.Logger.Error("Failed to parse suite configuration", "error", err)
			os.Exit(1)
		}
		if *verbose {
			suiteConfig.Settings.Verbose = true
		}
		if err := ValidateSuiteConfig(suiteConfig); err != nil {
			logger.Logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}

		if suiteConfig.Settings.ServiceURL != "" {
			client = directline.NewHTTPClient(suiteConfig.Settings.ServiceURL, nil)
		}

		runID := suiteConfig.RunID
		if runID == "" {
			runID = uuid.New().String()
		}
		logger.Logger.Info("Running test suite", "name", suiteConfig.Name, "run_id", runID)

		staticCtx := CreateStaticTemplateContext(*suitePath, suiteConfig.Variables)
		for b := range suiteConfig.Batches {
			for i := range suiteConfig.Batches[b].Tests {
				prepareTest(&suiteConfig.Batches[b].Tests[i], staticCtx)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		suiteOutcome, err := RunSuite(ctx, client, suiteConfig, runID,
			report.GetResultsManager(), report.NewTelemetryClientFromEnv())
		if err != nil {
			logger.Logger.Error("Suite execution failed", "error", err)
			os.Exit(1)
		}
		outcome = &suiteOutcome
		results = append(results, suiteOutcome.Results...)
	}

	logger.Logger.Info("Generating reports")
	if *reportFileName == "" {
		*reportFileName = "report"
	}
	for _, rt := range reportTypes {
		if err := GenerateReports(results, outcome, rt, *reportFileName+"."+rt); err != nil {
			logger.Logger.Error("Failed to generate reports", "error", err)
			os.Exit(1)
		}
	}

	if HasFailures(results) {
		logger.Logger.Warn("Tests completed with failures")
		os.Exit(1)
	}
	logger.Logger.Info("All tests passed successfully")
	os.Exit(0)
}

// prepareTest renders templated script values with the merged static and
// per-test variable context.
func prepareTest(test *model.ConversationTest, staticCtx map[string]string) {
	templateCtx := staticCtx
	if len(test.Variables) > 0 {
		templateCtx = MergeVariables(test.Variables, staticCtx)
	}
	test.Secret = model.RenderTemplate(test.Secret, templateCtx)
	model.RenderMessages(test.Messages, templateCtx)
	for i := range test.Expect {
		test.Expect[i].Value = model.RenderTemplate(test.Expect[i].Value, templateCtx)
	}
}

// PerformTest runs one scripted conversation and converts any failure into
// a terminal Result. It never returns an error.
func PerformTest(ctx context.Context, client directline.Client, test model.ConversationTest, settings model.Settings) model.Result {
	logger.Logger.Info("Test started", "test", test.Title())
	logger.Logger.Debug("Test script", "messages", len(test.Messages))

	testUser := model.ChannelAccount{
		ID:   "test-user-" + uuid.New().String()[:8],
		Name: "Test User",
	}
	steps := model.BuildConversationSteps(test.UserID, test.Messages)

	conversation, err := client.Init(ctx, test.Secret)
	if err != nil {
		return model.Result{
			Success: false,
			Message: fmt.Sprintf("%s: %s", test.Title(), err.Error()),
			Code:    CodeInvariant,
		}
	}

	tcx := model.NewTestContext()
	driver := NewConversationDriver(client, model.DefaultRules(), steps, test.Expect,
		tcx, testUser, conversation.ConversationID, pollTimeout(test, settings))

	count, err := driver.Run(ctx)
	if err != nil {
		return failureResult(test, err)
	}

	stepWord := "steps"
	if count == 1 {
		stepWord = "step"
	}
	return model.Result{
		Success: true,
		Message: fmt.Sprintf("%s passed successfully (%d %s passed)", test.Title(), count, stepWord),
	}
}

// RunTest performs one test and logs its outcome.
func RunTest(ctx context.Context, client directline.Client, test model.ConversationTest, settings model.Settings) model.Result {
	result := PerformTest(ctx, client, test, settings)
	if result.Success {
		logger.Logger.Info("Test PASSED", "test", test.Title(), "message", result.Message)
	} else {
		logger.Logger.Warn("Test FAILED", "test", test.Title(), "code", result.Code, "message", result.Message)
	}
	return result
}

func failureResult(test model.ConversationTest, err error) model.Result {
	if stepErr, ok := AsStepError(err); ok {
		message := fmt.Sprintf("%s: %s", test.Title(), stepErr.Message)
		if stepErr.Diff != "" {
			logger.Logger.Debug("Failure diff", "test", test.Title(), "diff", stepErr.Diff)
		}
		code := stepErr.Code
		if code == 0 {
			code = CodeInvariant
		}
		return model.Result{Success: false, Message: message, Code: code}
	}
	return model.Result{
		Success: false,
		Message: fmt.Sprintf("%s: %s", test.Title(), err.Error()),
		Code:    CodeInvariant,
	}
}

// RunSuite executes all batches of a suite. Batches run strictly in
// sequence; tests within a batch run with bounded concurrency. The
// aggregated outcome is handed to the results manager and telemetry.
func RunSuite(
	ctx context.Context,
	client directline.Client,
	suite *model.SuiteConfiguration,
	runID string,
	resultsManager *report.ResultsManager,
	telemetry *report.TelemetryClient,
) (outcome model.SuiteOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("error occurred while executing a test: %v", r)
		}
	}()

	logger.Logger.Info("Suite run started", "suite", suite.Name, "batches", len(suite.Batches))

	results := make([]model.Result, 0)
	for i, batch := range suite.Batches {
		logger.Logger.Info("Running batch",
			"batch", batch.Name,
			"index", i+1,
			"total", len(suite.Batches),
			"tests", len(batch.Tests))
		results = append(results, runBatch(ctx, client, batch, suite.Settings)...)
	}

	success := slices.All(results, func(r model.Result) bool { return r.Success })
	messages := slices.Map(results, func(r model.Result) string { return r.Message })

	status := "failure"
	event := "TestSuiteFailed"
	if success {
		status = "success"
		event = "TestSuiteSucceeded"
	}
	telemetry.TrackEvent(event, map[string]string{"suite": suite.Name, "run_id": runID})
	resultsManager.UpdateResults(runID, messages, status)

	return model.SuiteOutcome{
		RunID:   runID,
		Name:    suite.Name,
		Success: success,
		Results: results,
	}, nil
}

// runBatch runs the batch's tests into an indexed result list. Results are
// written by index, so no counter is shared between concurrent tests.
func runBatch(ctx context.Context, client directline.Client, batch model.TestBatch, settings model.Settings) []model.Result {
	concurrency := settings.BatchConcurrency
	if concurrency < 1 {
		concurrency = DefaultBatchConcurrency
	}
	testDelay := ParseDelay(settings.TestDelay)

	results := make([]model.Result, len(batch.Tests))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, test := range batch.Tests {
		group.Go(func() error {
			results[i] = performTestSafely(groupCtx, client, test, settings)
			if testDelay > 0 {
				time.Sleep(testDelay)
			}
			return nil
		})
	}
	// Workers never return errors; failures become Results.
	_ = group.Wait()
	return results
}

// performTestSafely converts a panicking test into a failed Result so one
// broken test cannot take down the rest of the batch.
func performTestSafely(ctx context.Context, client directline.Client, test model.ConversationTest, settings model.Settings) (result model.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = model.Result{
				Success: false,
				Message: fmt.Sprintf("%s: %v", test.Title(), r),
				Code:    CodeGeneric,
			}
		}
	}()
	return RunTest(ctx, client, test, settings)
}

// ============================================================================
// VALIDATION
// ============================================================================

func ValidateTestInputFile(path string) error {
	if path == "" {
		return fmt.Errorf("input file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file %s: %w", path, err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}

	if info.Size() == 0 {
		return fmt.Errorf("file is empty: %s", path)
	}

	ext := filepath.Ext(path)
	if ext != ".yaml" && ext != ".yml" {
		logger.Logger.Warn("Unexpected file extension", "extension", ext, "expected", ".yaml, .yml")
		return fmt.Errorf("unexpected file extension: %s", ext)
	}

	return nil
}

func ValidateTestConfig(config *model.TestConfiguration) error {
	if config == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(config.Tests) == 0 {
		return fmt.Errorf("no tests configured")
	}
	for _, test := range config.Tests {
		if err := validateTest(test); err != nil {
			return err
		}
	}
	return nil
}

func ValidateSuiteConfig(config *model.SuiteConfiguration) error {
	if config == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(config.Batches) == 0 {
		return fmt.Errorf("no batches configured")
	}
	for _, batch := range config.Batches {
		if len(batch.Tests) == 0 {
			return fmt.Errorf("batch '%s' has no tests", batch.Name)
		}
		for _, test := range batch.Tests {
			if err := validateTest(test); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTest(test model.ConversationTest) error {
	if test.Secret == "" {
		return fmt.Errorf("%s has no secret", test.Title())
	}
	if len(test.Messages) == 0 {
		return fmt.Errorf("%s has no scripted messages", test.Title())
	}
	return nil
}

func ValidateReportType(reportType string) error {
	if reportType != "json" && reportType != "md" {
		return fmt.Errorf("unknown type %s, supported types are: json, md", reportType)
	}
	return nil
}

// ============================================================================
// SETTINGS
// ============================================================================

func pollTimeout(test model.ConversationTest, settings model.Settings) time.Duration {
	if test.Timeout != "" {
		return ParseTimeout(test.Timeout)
	}
	if settings.PollTimeout != "" {
		return ParseTimeout(settings.PollTimeout)
	}
	return DefaultPollTimeout
}

func ParseTimeout(timeoutStr string) time.Duration {
	if timeoutStr == "" {
		return DefaultPollTimeout
	}

	dur, err := time.ParseDuration(timeoutStr)
	if err != nil {
		logger.Logger.Warn("Invalid timeout, using default",
			"timeout", timeoutStr,
			"default", DefaultPollTimeout,
			"error", err)
		return DefaultPollTimeout
	}
	if dur < 0 {
		logger.Logger.Warn("Negative timeout, using 0", "timeout", dur)
		return 0
	}
	return dur
}

func ParseDelay(delayStr string) time.Duration {
	if delayStr == "" {
		return DefaultTestDelay
	}

	dur, err := time.ParseDuration(delayStr)
	if err != nil {
		logger.Logger.Warn("Invalid delay, using default",
			"delay", delayStr,
			"default", DefaultTestDelay,
			"error", err)
		return DefaultTestDelay
	}
	if dur < 0 {
		logger.Logger.Warn("Negative delay, using 0", "delay", dur)
		return 0
	}
	return dur
}

// CreateStaticTemplateContext builds the template context available before
// execution begins: environment variables, RUN_ID, TEMP_DIR, TEST_DIR and
// the user-defined variables from the config.
func CreateStaticTemplateContext(sourceFile string, variables map[string]string) map[string]string {
	templateCtx := model.GetAllEnv()

	templateCtx["RUN_ID"] = uuid.New().String()
	templateCtx["TEMP_DIR"] = os.TempDir()

	if sourceFile != "" {
		absPath, err := filepath.Abs(sourceFile)
		if err == nil {
			templateCtx["TEST_DIR"] = filepath.Dir(absPath)
		}
	}

	if variables == nil {
		return templateCtx
	}
	// Variables may reference env vars or each other.
	for k, v := range variables {
		templateCtx[k] = model.RenderTemplate(v, templateCtx)
	}
	return templateCtx
}

func MergeVariables(primary map[string]string, secondary map[string]string) map[string]string {
	merged := make(map[string]string)
	for key, value := range secondary {
		merged[key] = value
	}
	for key, value := range primary {
		merged[key] = value
	}
	return merged
}

// ============================================================================
// REPORTS
// ============================================================================

func GenerateReports(results []model.Result, outcome *model.SuiteOutcome, reportType, outputPath string) error {
	if len(results) == 0 {
		return fmt.Errorf("no test results to generate report")
	}

	generator := report.NewGenerator()
	generator.GenerateConsoleReport(results, outcome)

	var content string
	switch reportType {
	case "json":
		content = generator.GenerateJSONReport(results, outcome)
	case "md":
		content = generator.GenerateMarkdownReport(results, outcome)
	default:
		return fmt.Errorf("unknown report type: %s", reportType)
	}
	if content == "" {
		return fmt.Errorf("generated report is empty")
	}

	outputDir := filepath.Dir(outputPath)
	if outputDir != "." && outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, []byte(content), logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	logger.Logger.Info("Report generated successfully", "path", outputPath)
	return nil
}

func HasFailures(results []model.Result) bool {
	for _, result := range results {
		if !result.Success {
			return true
		}
	}
	return false
}
