package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whiteforrest/equipment-valuator/internal/batch"
	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/ingest"
	"github.com/whiteforrest/equipment-valuator/internal/llm"
	"github.com/whiteforrest/equipment-valuator/internal/store"
)

// Batch lifecycle states exposed to pollers.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// batchState is the mutable in-memory view of one batch run.
type batchState struct {
	mu        sync.RWMutex
	id        uuid.UUID
	status    string
	done      int
	total     int
	current   string
	rowErrors []ingest.RowError
	report    *batch.Report
	startedAt time.Time
}

type progressView struct {
	ID        uuid.UUID         `json:"id"`
	Status    string            `json:"status"`
	Done      int               `json:"done"`
	Total     int               `json:"total"`
	Current   string            `json:"current,omitempty"`
	RowErrors []ingest.RowError `json:"row_errors,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Succeeded int               `json:"succeeded,omitempty"`
	Failed    int               `json:"failed,omitempty"`
}

func (b *batchState) view() progressView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v := progressView{
		ID:        b.id,
		Status:    b.status,
		Done:      b.done,
		Total:     b.total,
		Current:   b.current,
		RowErrors: b.rowErrors,
		StartedAt: b.startedAt,
	}
	if b.report != nil {
		v.Succeeded = b.report.Succeeded
		v.Failed = b.report.Failed
	}
	return v
}

// Service owns the batch registry and wires ingestion, the valuation driver
// and the optional archive together for the HTTP layer.
type Service struct {
	cfg      *common.Config
	loader   *ingest.Loader
	valuator llm.Valuator
	archive  *store.Archive // nil when archiving is disabled
	logger   *slog.Logger

	mu      sync.RWMutex
	batches map[uuid.UUID]*batchState
}

func NewService(cfg *common.Config, loader *ingest.Loader, valuator llm.Valuator, archive *store.Archive, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		loader:   loader,
		valuator: valuator,
		archive:  archive,
		logger:   logger,
		batches:  make(map[uuid.UUID]*batchState),
	}
}

// BatchOptions are the per-run knobs accepted from the upload form.
type BatchOptions struct {
	WebSearch bool
	Workers   int
	Limit     int // 0 means all rows
}

// StartBatch registers a batch for the ingested records and processes it in
// the background. The returned id is valid for polling immediately.
func (s *Service) StartBatch(res *ingest.Result, opts BatchOptions) uuid.UUID {
	records := res.Records
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}

	id := uuid.New()
	state := &batchState{
		id:        id,
		status:    StatusRunning,
		total:     len(records),
		rowErrors: res.RowErrors,
		startedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.batches[id] = state
	s.mu.Unlock()

	driverOpts := []batch.Option{
		batch.WithWorkers(s.cfg.Batch.Workers),
		batch.WithMinInterval(s.cfg.Batch.MinInterval),
		batch.WithItemTimeout(s.cfg.Batch.ItemTimeout),
	}
	if opts.Workers > 0 {
		driverOpts = append(driverOpts, batch.WithWorkers(opts.Workers))
	}
	if s.archive != nil {
		driverOpts = append(driverOpts, batch.WithCache(s.archive))
	}
	driver := batch.NewDriver(s.valuator, s.logger, driverOpts...)

	go func() {
		report := driver.Run(context.Background(), id, records, opts.WebSearch, func(p batch.Progress) {
			state.mu.Lock()
			state.done = p.Done
			state.current = p.Unit
			state.mu.Unlock()
		})

		state.mu.Lock()
		state.report = report
		state.done = report.Total
		state.current = ""
		if report.Aborted {
			state.status = StatusAborted
		} else {
			state.status = StatusCompleted
		}
		state.mu.Unlock()

		if s.archive != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.archive.SaveReport(ctx, report); err != nil {
				s.logger.Error("server.archive_save_failed", "batch_id", id.String(), "error", err)
			}
		}
	}()

	return id
}

// Progress returns the polling view for a batch.
func (s *Service) Progress(id uuid.UUID) (progressView, bool) {
	s.mu.RLock()
	state, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		return progressView{}, false
	}
	return state.view(), true
}

// Report returns the finished report for a batch, consulting the archive for
// runs that predate this process. Live reports are returned as a snapshot with
// their own entry slice, so callers can marshal the result while a later
// Enhance rewrites the live entries.
func (s *Service) Report(ctx context.Context, id uuid.UUID) (*batch.Report, error) {
	s.mu.RLock()
	state, ok := s.batches[id]
	s.mu.RUnlock()
	if ok {
		state.mu.RLock()
		defer state.mu.RUnlock()
		if state.report == nil {
			return nil, common.NewAppError("BATCH_RUNNING", "batch is still running", common.ErrInvalidInput)
		}
		snapshot := *state.report
		snapshot.Entries = append([]batch.Entry(nil), state.report.Entries...)
		return &snapshot, nil
	}

	if s.archive != nil {
		report, found, err := s.archive.GetReport(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			return report, nil
		}
	}
	return nil, common.NewAppError("BATCH_NOT_FOUND", "unknown batch id", common.ErrNotFound)
}

// Enhance runs the second-pass analysis for a single finished item and folds
// the result back into the report.
func (s *Service) Enhance(ctx context.Context, id uuid.UUID, unitID string, webSearch bool) (*llm.Result, error) {
	report, err := s.Report(ctx, id)
	if err != nil {
		return nil, err
	}

	var target *batch.Entry
	for i := range report.Entries {
		if strings.EqualFold(report.Entries[i].Record.UnitID, unitID) {
			target = &report.Entries[i]
			break
		}
	}
	if target == nil {
		return nil, common.NewAppError("ITEM_NOT_FOUND", fmt.Sprintf("no item %q in batch", unitID), common.ErrNotFound)
	}
	if target.Result == nil {
		return nil, common.NewAppError("ITEM_FAILED", "cannot enhance a failed item", common.ErrInvalidInput)
	}

	enhanced, err := s.valuator.Enhance(ctx, llm.Request{Record: target.Record, WebSearch: webSearch}, target.Result)
	if err != nil {
		return nil, err
	}

	// target points into our snapshot (or an archive copy), so this write is
	// private. The live report gets the new result swapped in whole under the
	// state lock; snapshotting in Report takes the same lock.
	target.Result = enhanced
	s.mu.RLock()
	state, live := s.batches[id]
	s.mu.RUnlock()
	if live {
		state.mu.Lock()
		if state.report != nil {
			for i := range state.report.Entries {
				if strings.EqualFold(state.report.Entries[i].Record.UnitID, unitID) {
					state.report.Entries[i].Result = enhanced
					break
				}
			}
		}
		state.mu.Unlock()
	}

	if s.archive != nil {
		if err := s.archive.SaveReport(ctx, report); err != nil {
			s.logger.Warn("server.archive_update_failed", "batch_id", id.String(), "error", err)
		}
	}
	return enhanced, nil
}

// ArchivedReports lists recent archived batch summaries.
func (s *Service) ArchivedReports(ctx context.Context, limit int) ([]batch.Summary, error) {
	if s.archive == nil {
		return nil, common.NewAppError("ARCHIVE_DISABLED", "archive store is not configured", common.ErrInvalidInput)
	}
	return s.archive.ListReports(ctx, limit)
}

// Loader exposes the ingestion adapter to the upload handler.
func (s *Service) Loader() *ingest.Loader { return s.loader }
