package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/equipment"
	"github.com/whiteforrest/equipment-valuator/internal/llm"
)

// Progress is delivered to the progress callback after every finished item.
type Progress struct {
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Unit  string `json:"unit"` // unit id of the item just finished
}

type ProgressFunc func(Progress)

// Cache lets the driver reuse valuations across runs. Implemented by the
// archive store; nil disables caching.
type Cache interface {
	GetValuation(ctx context.Context, contentHash string) (*llm.Result, bool, error)
	PutValuation(ctx context.Context, contentHash string, res *llm.Result) error
}

// Driver fans records out to a bounded worker pool, captures one outcome per
// record, and assembles an ordered Report.
type Driver struct {
	valuator    llm.Valuator
	cache       Cache
	logger      *slog.Logger
	workers     int
	minInterval time.Duration
	itemTimeout time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

type Option func(*Driver)

func WithWorkers(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithMinInterval(iv time.Duration) Option {
	return func(d *Driver) {
		if iv >= 0 {
			d.minInterval = iv
		}
	}
}

func WithItemTimeout(t time.Duration) Option {
	return func(d *Driver) {
		if t > 0 {
			d.itemTimeout = t
		}
	}
}

func WithCache(c Cache) Option {
	return func(d *Driver) { d.cache = c }
}

func NewDriver(valuator llm.Valuator, logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		valuator:    valuator,
		logger:      logger,
		workers:     2,
		minInterval: 500 * time.Millisecond,
		itemTimeout: 2 * time.Minute,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run processes every record and returns a Report with exactly one entry per
// record. Per-item failures are captured in place; an authentication failure
// cancels the remaining work since every retry would fail the same way.
// The caller supplies the batch id so it can hand it out before the run finishes.
func (d *Driver) Run(ctx context.Context, batchID uuid.UUID, records []equipment.Record, webSearch bool, onProgress ProgressFunc) *Report {
	start := time.Now()
	report := &Report{
		ID:        batchID,
		CreatedAt: start.UTC(),
		Entries:   make([]Entry, len(records)),
	}

	d.logger.Info("batch.start",
		"batch_id", report.ID.String(),
		"records", len(records),
		"workers", d.workers,
		"web_search", webSearch,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		abortOnce   sync.Once
		abortReason atomic.Value
		done        atomic.Int64
	)
	abort := func(err error) {
		abortOnce.Do(func() {
			abortReason.Store(err)
			cancel()
		})
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < d.workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				rec := records[idx]
				entry := Entry{Index: idx, Record: rec}

				if err := runCtx.Err(); err != nil {
					cause, _ := abortReason.Load().(error)
					if cause == nil {
						// Cancelled from outside rather than by a worker; the
						// report must still read as truncated.
						abort(common.NewAppError("BATCH_CANCELLED", "batch cancelled", common.ErrTimeout))
						cause, _ = abortReason.Load().(error)
					}
					entry.Error = "skipped: " + cause.Error()
					entry.ErrorCode = common.ClassifyCode(cause)
				} else {
					res, err := d.valuateOne(runCtx, rec, webSearch)
					if err != nil {
						entry.Error = err.Error()
						entry.ErrorCode = common.ClassifyCode(err)
						d.logger.Error("batch.item_failed",
							"batch_id", report.ID.String(),
							"worker_id", workerID,
							"unit_id", rec.UnitID,
							"code", entry.ErrorCode,
							"error", err,
						)
						if errors.Is(err, common.ErrAuthentication) {
							abort(err)
						}
					} else {
						entry.Result = res
					}
				}

				report.Entries[idx] = entry
				n := int(done.Add(1))
				if onProgress != nil {
					onProgress(Progress{Done: n, Total: len(records), Unit: rec.UnitID})
				}
			}
		}(w + 1)
	}

	for idx := range records {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	if cause, ok := abortReason.Load().(error); ok && cause != nil {
		report.Aborted = true
		report.AbortReason = cause.Error()
	}
	report.tally()
	report.DurationMS = time.Since(start).Milliseconds()

	d.logger.Info("batch.done",
		"batch_id", report.ID.String(),
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"aborted", report.Aborted,
		"elapsed_ms", report.DurationMS,
	)
	return report
}

// valuateOne consults the cache, paces upstream calls, and applies the
// per-item timeout.
func (d *Driver) valuateOne(ctx context.Context, rec equipment.Record, webSearch bool) (*llm.Result, error) {
	hash := rec.ContentHash()
	if d.cache != nil {
		if res, ok, err := d.cache.GetValuation(ctx, hash); err != nil {
			d.logger.Warn("batch.cache_lookup_failed", "unit_id", rec.UnitID, "error", err)
		} else if ok {
			res.Cached = true
			d.logger.Info("batch.cache_hit", "unit_id", rec.UnitID)
			return res, nil
		}
	}

	d.pace()

	itemCtx, cancel := context.WithTimeout(ctx, d.itemTimeout)
	defer cancel()

	res, err := d.valuator.Valuate(itemCtx, llm.Request{Record: rec, WebSearch: webSearch})
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		if err := d.cache.PutValuation(ctx, hash, res); err != nil {
			d.logger.Warn("batch.cache_store_failed", "unit_id", rec.UnitID, "error", err)
		}
	}
	return res, nil
}

// pace enforces a minimum interval between upstream calls across all workers.
func (d *Driver) pace() {
	if d.minInterval <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if elapsed := time.Since(d.lastCall); elapsed < d.minInterval {
		time.Sleep(d.minInterval - elapsed)
	}
	d.lastCall = time.Now()
}
