package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/whiteforrest/equipment-valuator/internal/batch"
	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/export"
	"github.com/whiteforrest/equipment-valuator/internal/ingest"
	"github.com/whiteforrest/equipment-valuator/internal/llm/anthropic"
	"github.com/whiteforrest/equipment-valuator/internal/store"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		input     = flag.String("input", "", "input CSV or XLSX file with equipment list (required)")
		output    = flag.String("output", "", "output directory for valuation results (required)")
		limit     = flag.Int("limit", 0, "limit processing to N items (0 = all)")
		workers   = flag.Int("workers", 0, "worker count override")
		webSearch = flag.Bool("web-search", true, "enable web-search augmentation")
	)
	flag.Parse()

	if *input == "" || *output == "" {
		printError("Error: --input and --output are required\n")
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	cfg := common.LoadConfig(logger)
	if err := cfg.Validate(); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*input)
	if err != nil {
		printError("Error: input file %s is not readable: %v\n", *input, err)
		os.Exit(1)
	}
	defer f.Close()

	if err := os.MkdirAll(*output, 0o755); err != nil {
		printError("Error: cannot create output directory: %v\n", err)
		os.Exit(1)
	}

	res, err := ingest.NewLoader(logger).Load(f, *input)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}

	records := res.Records
	if *limit > 0 && *limit < len(records) {
		records = records[:*limit]
	}

	valuator := anthropic.NewClient(anthropic.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryBackoff: cfg.LLM.RetryBackoff,
	}, logger)

	opts := []batch.Option{
		batch.WithWorkers(cfg.Batch.Workers),
		batch.WithMinInterval(cfg.Batch.MinInterval),
		batch.WithItemTimeout(cfg.Batch.ItemTimeout),
	}
	if *workers > 0 {
		opts = append(opts, batch.WithWorkers(*workers))
	}
	if cfg.Archive.Path != "" {
		archive, err := store.Open(ctx, cfg.Archive.Path, logger)
		if err != nil {
			printError("Error: cannot open archive: %v\n", err)
			os.Exit(1)
		}
		defer archive.Close()
		opts = append(opts, batch.WithCache(archive))
	}

	driver := batch.NewDriver(valuator, logger, opts...)
	report := driver.Run(ctx, uuid.New(), records, *webSearch, func(p batch.Progress) {
		fmt.Printf("Processing equipment: %d/%d (%s)\n", p.Done, p.Total, p.Unit)
	})

	// Per-item JSON files plus a combined results file, then the XLSX report.
	combined := make(map[string]json.RawMessage, len(report.Entries))
	for _, entry := range report.Entries {
		var payload []byte
		if entry.Result != nil {
			payload, err = json.MarshalIndent(entry.Result, "", "  ")
		} else {
			payload, err = json.MarshalIndent(map[string]string{
				"error": entry.Error,
				"code":  entry.ErrorCode,
			}, "", "  ")
		}
		if err != nil {
			logger.Error("encode result failed", "unit_id", entry.Record.UnitID, "error", err)
			continue
		}
		combined[entry.Record.UnitID] = payload

		path := filepath.Join(*output, safeFilename(entry.Record.UnitID)+".json")
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			logger.Error("write result failed", "path", path, "error", err)
		}
	}

	combinedJSON, err := json.MarshalIndent(combined, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(*output, "combined_results.json"), combinedJSON, 0o644)
	}
	if err != nil {
		printError("Error: writing combined results: %v\n", err)
		os.Exit(1)
	}

	xlsxBytes, err := export.NewService(logger).ReportXLSX(report)
	if err != nil {
		printError("Error: building XLSX report: %v\n", err)
		os.Exit(1)
	}
	xlsxPath := filepath.Join(*output, "report.xlsx")
	if err := os.WriteFile(xlsxPath, xlsxBytes, 0o644); err != nil {
		printError("Error: writing XLSX report: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Items processed: %d\n", report.Total)
	fmt.Printf("- Succeeded: %d\n", report.Succeeded)
	fmt.Printf("- Failed: %d\n", report.Failed)
	if report.Aborted {
		fmt.Printf("- Aborted: %s\n", report.AbortReason)
	}
	if len(res.RowErrors) > 0 {
		fmt.Printf("- Malformed input rows skipped: %d\n", len(res.RowErrors))
	}
	fmt.Printf("- Output: %s\n", *output)

	if report.Aborted {
		os.Exit(1)
	}
}

func safeFilename(unitID string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "_")
	return r.Replace(unitID)
}
