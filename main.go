package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mykhaliev/bot-conformance/engine"
	"github.com/mykhaliev/bot-conformance/logger"
	"github.com/mykhaliev/bot-conformance/templates"
	"github.com/mykhaliev/bot-conformance/version"
)

const (
	AppName = "bot-conformance"
)

func main() {
	testPath := flag.String("f", "", "Path to the test configuration file (YAML)")
	suitePath := flag.String("s", "", "Path to the suite configuration file (YAML)")
	outputPath := flag.String("o", "report", "Base name of the report file(s), without extension")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")
	reportType := flag.String("reportType", "json", "Comma-separated report types (json, md)")

	flag.Parse()

	fmt.Printf("Version: %s\nCommit: %s\nBuildDate: %s\n",
		version.Version, version.Commit, version.BuildDate)
	if *showVersion {
		return
	}

	// Initialize Logger
	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.SetupLogger(logWriter, *verbose)
	templates.NewTemplateEngine()
	// Validate input
	if *testPath == "" && *suitePath == "" {
		fmt.Fprintf(os.Stderr, "Error: -f <test-file> or -s <suite-file> is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// Validate report types
	reportTypes := strings.Split(*reportType, ",")
	for i, rt := range reportTypes {
		reportTypes[i] = strings.TrimSpace(rt)
		if err := engine.ValidateReportType(reportTypes[i]); err != nil {
			logger.Logger.Error("Invalid report type", "error", err)
			os.Exit(1)
		}
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"config", *testPath,
		"suite", *suitePath,
		"output", *outputPath,
		"logfile", *logPath,
		"verbose", *verbose)

	engine.Run(testPath, verbose, suitePath, outputPath, reportTypes)
}
