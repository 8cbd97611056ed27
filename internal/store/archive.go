package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/whiteforrest/equipment-valuator/internal/batch"
	"github.com/whiteforrest/equipment-valuator/internal/llm"
)

const schema = `
CREATE TABLE IF NOT EXISTS valuation_cache (
	content_hash TEXT PRIMARY KEY,
	payload      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS batch_reports (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	summary    TEXT NOT NULL,
	report     TEXT NOT NULL
);
`

// Archive persists finished batch reports and caches per-item valuations so
// identical equipment is not re-valued across runs. It is optional; callers
// hold a nil *Archive when ARCHIVE_PATH is unset.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite archive at path. ":memory:" is supported.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	logger.Info("archive.open", "path", path)
	return &Archive{db: db, logger: logger}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// GetValuation returns the cached valuation for a content hash, if present.
func (a *Archive) GetValuation(ctx context.Context, contentHash string) (*llm.Result, bool, error) {
	var payload string
	err := a.db.QueryRowContext(ctx,
		`SELECT payload FROM valuation_cache WHERE content_hash = ?`, contentHash,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	var res llm.Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		// A corrupt cache row must not fail the valuation; treat as a miss.
		a.logger.Warn("archive.cache_decode_failed", "content_hash", contentHash, "error", err)
		return nil, false, nil
	}
	return &res, true, nil
}

// PutValuation stores (or replaces) a cached valuation.
func (a *Archive) PutValuation(ctx context.Context, contentHash string, res *llm.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO valuation_cache (content_hash, payload, created_at) VALUES (?, ?, ?)`,
		contentHash, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// SaveReport archives a finished batch report.
func (a *Archive) SaveReport(ctx context.Context, report *batch.Report) error {
	summary, err := json.Marshal(report.Summary())
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	full, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO batch_reports (id, created_at, summary, report) VALUES (?, ?, ?, ?)`,
		report.ID.String(), report.CreatedAt, string(summary), string(full),
	)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	a.logger.Info("archive.report_saved", "batch_id", report.ID.String(), "entries", report.Total)
	return nil
}

// GetReport loads one archived report by id.
func (a *Archive) GetReport(ctx context.Context, id uuid.UUID) (*batch.Report, bool, error) {
	var payload string
	err := a.db.QueryRowContext(ctx,
		`SELECT report FROM batch_reports WHERE id = ?`, id.String(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load report: %w", err)
	}

	var report batch.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, false, fmt.Errorf("decode report: %w", err)
	}
	return &report, true, nil
}

// ListReports returns the most recent archived report summaries.
func (a *Archive) ListReports(ctx context.Context, limit int) ([]batch.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT summary FROM batch_reports ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			a.logger.Warn("archive.rows_close_error", "error", cerr)
		}
	}()

	var out []batch.Summary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s batch.Summary
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			a.logger.Warn("archive.summary_decode_failed", "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
