package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-harvest-books/config"
	"github.com/aluiziolira/go-harvest-books/models"
	"github.com/aluiziolira/go-harvest-books/pipeline"
	"github.com/aluiziolira/go-harvest-books/scraper"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaults := config.DefaultConfig()

	configPath := flag.String("config", "", "YAML configuration file")
	baseURL := flag.String("base-url", defaults.BaseURL, "Catalog landing page URL")
	pattern := flag.String("page-pattern", defaults.PageURLPattern, "Page URL pattern, resolved against base-url")
	source := flag.String("page-source", defaults.PageCountSource, "Page count source: discovered or fixed")
	fixedPages := flag.Int("pages", defaults.FixedPages, "Page count used in fixed mode or as discovery fallback")
	fallback := flag.Bool("fallback", defaults.DiscoveryFallback, "Use the fixed page list when discovery fails")
	concurrency := flag.Int("concurrency", defaults.Concurrency, "Maximum concurrent page fetches")
	rps := flag.Float64("rps", defaults.RequestsPerSecond, "Request starts per second (0 disables pacing)")
	timeout := flag.Duration("timeout", defaults.Timeout, "Per-request timeout")
	outputFile := flag.String("output", defaults.OutputFile, "Output file path")
	outputFormat := flag.String("format", defaults.OutputFormat, "Output format: csv, json, dual, xlsx or sqlite")
	delimiter := flag.String("delimiter", defaults.Delimiter, "CSV field delimiter")
	dedupe := flag.Bool("dedupe", defaults.Dedupe, "Drop records with a link seen earlier in the run")
	metricsAddr := flag.String("metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", defaults.Verbose, "Enable verbose logging")

	flag.Parse()

	cfg := config.DefaultConfig()
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "load env files: %v\n", err)
		return 1
	}
	if err := config.LoadFile(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	// Explicit flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-url":
			cfg.BaseURL = *baseURL
		case "page-pattern":
			cfg.PageURLPattern = *pattern
		case "page-source":
			cfg.PageCountSource = strings.ToLower(*source)
		case "pages":
			cfg.FixedPages = *fixedPages
		case "fallback":
			cfg.DiscoveryFallback = *fallback
		case "concurrency":
			cfg.Concurrency = *concurrency
		case "rps":
			cfg.RequestsPerSecond = *rps
		case "timeout":
			cfg.Timeout = *timeout
		case "output":
			cfg.OutputFile = *outputFile
		case "format":
			cfg.OutputFormat = strings.ToLower(*outputFormat)
		case "delimiter":
			cfg.Delimiter = *delimiter
		case "dedupe":
			cfg.Dedupe = *dedupe
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	s, err := scraper.NewScraper(cfg, scraper.WithLogger(logger))
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return 1
	}

	writer, err := createWriter(cfg)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return 1
	}

	p, err := pipeline.NewPipeline(writer, cfg.OutputFile, cfg)
	if err != nil {
		if d, ok := writer.(interface{ Discard() error }); ok {
			d.Discard()
		}
		slog.Error("creating pipeline", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer := startMetricsServer(cfg.MetricsAddr, s.Metrics)
	defer shutdownMetricsServer(metricsServer)

	slog.Info("starting harvest",
		slog.String("base_url", cfg.BaseURL),
		slog.String("page_source", cfg.PageCountSource),
		slog.Int("concurrency", cfg.Concurrency),
		slog.String("format", cfg.OutputFormat),
	)

	result, err := s.Run(ctx, p)
	if err != nil {
		if abortErr := p.Abort(); abortErr != nil {
			slog.Warn("discard output", slog.Any("error", abortErr))
		}
		slog.Error("harvest failed", slog.Any("error", err))
		return 1
	}

	if err := p.Close(); err != nil {
		return 1
	}
	if result.TotalCount > 0 {
		if err := writer.Validate(); err != nil {
			slog.Error("output validation failed", slog.Any("error", err))
			return 1
		}
	}

	printSummary(result, cfg.OutputFile, p.GetMetrics())
	return 0
}

func createWriter(cfg *config.Config) (pipeline.OutputWriter, error) {
	switch cfg.OutputFormat {
	case "csv":
		return pipeline.NewCSVWriter(cfg.OutputFile, cfg.DelimiterRune())
	case "json":
		return pipeline.NewJSONWriter(cfg.OutputFile)
	case "dual":
		jsonFilename := strings.TrimSuffix(cfg.OutputFile, ".csv") + ".json"
		return pipeline.NewDualWriter(cfg.OutputFile, jsonFilename, cfg.DelimiterRune())
	case "xlsx":
		return pipeline.NewXLSXWriter(cfg.OutputFile)
	case "sqlite":
		return pipeline.NewSQLiteWriter(cfg.OutputFile)
	default:
		return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func shutdownMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(result *models.ScraperResult, outputFile string, metrics map[string]interface{}) {
	duration := result.EndTime.Sub(result.StartTime)
	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(result.TotalCount) / duration.Seconds()
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Harvest complete")
	t.AppendRows([]table.Row{
		{"Run ID", result.RunID},
		{"Pages", fmt.Sprintf("%d/%d", result.PagesOK, result.PageCount)},
		{"Records", result.TotalCount},
		{"Requests", result.RequestCount},
		{"Failed pages", result.ErrorCount()},
	})
	if len(result.ErrorsByType) > 0 {
		t.AppendRow(table.Row{"Error types", formatCounts(result.ErrorsByType)})
	}
	if validation, ok := metrics["validation_errors"].(map[string]int); ok && len(validation) > 0 {
		t.AppendRow(table.Row{"Dropped", formatCounts(validation)})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Duration", duration.Round(time.Millisecond)},
		{"Records/sec", fmt.Sprintf("%.2f", itemsPerSec)},
		{"Output", outputFile},
	})
	t.Render()

	if failed := result.FailedURLs(); len(failed) > 0 {
		f := table.NewWriter()
		f.SetOutputMirror(os.Stdout)
		f.SetStyle(table.StyleLight)
		f.AppendHeader(table.Row{"Page", "Status", "Category", "URL"})
		for _, failure := range result.Failures {
			f.AppendRow(table.Row{failure.Page, failure.StatusCode, failure.Category, failure.URL})
		}
		f.Render()
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
