package batch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/cmsbatch/cmsapi"
	"github.com/hazyhaar/cmsbatch/ledger"
	"github.com/hazyhaar/cmsbatch/token"
)

// Job is an ordered set of mutations submitted together under one
// confirmation/rollback policy. Operation order is significant and preserved
// end-to-end: a later edit to the same field always wins.
type Job struct {
	Operations []Mutation
	// ConfirmationRequired means the caller must have obtained explicit
	// confirmation before invoking Run. The coordinator performs no
	// confirmation itself.
	ConfirmationRequired bool
	// RollbackEnabled records the batch in the change ledger and attaches
	// a rollback id to the result.
	RollbackEnabled bool
}

// Result is the terminal outcome of one mutation. Exactly one of Data/Err
// is populated.
type Result struct {
	Mutation Mutation
	Success  bool
	Data     json.RawMessage
	Err      error
	Duration time.Duration
}

// BatchResult aggregates one batch execution. Success is true iff Failed is
// zero. RollbackID is set iff the job had RollbackEnabled, regardless of
// partial failure.
type BatchResult struct {
	Success    bool
	Results    []Result
	Succeeded  int
	Failed     int
	RollbackID string
	Duration   time.Duration
}

// Progress is reported before each operation starts (Current = its index)
// and once after the batch completes (Current = Total).
type Progress struct {
	Current          int
	Total            int
	Percentage       float64
	CurrentOperation string
}

// ProgressFunc receives progress events on the caller's goroutine.
type ProgressFunc func(Progress)

// Config configures a Coordinator.
type Config struct {
	// PerOpCost is the estimated wall time of one mutation, used only for
	// duration estimates exposed to callers. Default: 500ms.
	PerOpCost time.Duration
	// ThroughputPerMinute is the remote per-minute call budget; batches
	// larger than it get RateLimitBuffer added to the estimate.
	// Default: 60.
	ThroughputPerMinute int
	// RateLimitBuffer is the estimate padding for batches expected to hit
	// the rate limit. Default: 30s.
	RateLimitBuffer time.Duration
	// RetryFraction of the base operation time is added to the estimate to
	// account for anticipated retries. Default: 0.15.
	RetryFraction float64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.PerOpCost <= 0 {
		c.PerOpCost = 500 * time.Millisecond
	}
	if c.ThroughputPerMinute <= 0 {
		c.ThroughputPerMinute = 60
	}
	if c.RateLimitBuffer <= 0 {
		c.RateLimitBuffer = 30 * time.Second
	}
	if c.RetryFraction <= 0 {
		c.RetryFraction = 0.15
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator walks a job's mutations strictly in order, one dispatched and
// awaited at a time, and aggregates the batch result. One operation's
// failure never aborts the batch: partial success stays observable in the
// per-item results instead of hiding behind an error.
type Coordinator struct {
	client *cmsapi.Client
	ledger *ledger.Ledger
	cfg    Config
}

// New creates a Coordinator. led may be nil when no job will enable
// rollback.
func New(client *cmsapi.Client, led *ledger.Ledger, cfg Config) *Coordinator {
	cfg.defaults()
	return &Coordinator{client: client, ledger: led, cfg: cfg}
}

// Run executes the job. onProgress may be nil.
//
// Cancelling ctx stops further dispatch but never reverts mutations already
// applied — those are still tracked in the ledger (when RollbackEnabled) so
// an explicit rollback remains possible, and Run returns the partial result
// alongside ctx's error. An auth failure also stops the batch: once the
// token is dead every remaining dispatch would be rejected anyway.
func (c *Coordinator) Run(ctx context.Context, job Job, onProgress ProgressFunc) (BatchResult, error) {
	start := time.Now()
	total := len(job.Operations)
	res := BatchResult{Results: make([]Result, 0, total)}

	var snap ledger.Snapshot
	if job.RollbackEnabled {
		snap = c.snapshot(ctx, job.Operations)
	}

	var runErr error
	for i, m := range job.Operations {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		report(onProgress, Progress{
			Current:          i,
			Total:            total,
			Percentage:       pct(i, total),
			CurrentOperation: m.Describe(),
		})

		r := c.apply(ctx, m)
		res.Results = append(res.Results, r)
		if r.Success {
			res.Succeeded++
		} else {
			res.Failed++
			c.cfg.Logger.WarnContext(ctx, "batch: operation failed",
				"operation", m.Describe(), "error", r.Err)
			var authErr *token.AuthError
			if errors.As(r.Err, &authErr) {
				runErr = r.Err
				break
			}
		}
	}

	res.Success = res.Failed == 0 && len(res.Results) == total
	res.Duration = time.Since(start)

	if job.RollbackEnabled && c.ledger != nil {
		log := c.ledger.Track(c.outcomes(res.Results), snap)
		if err := c.ledger.Persist(ctx, log.RollbackID); err != nil {
			c.cfg.Logger.Error("batch: persisting change log failed",
				"rollback_id", log.RollbackID, "error", err)
		}
		res.RollbackID = log.RollbackID
	}

	report(onProgress, Progress{Current: total, Total: total, Percentage: 100})

	c.cfg.Logger.InfoContext(ctx, "batch: completed",
		"operations", total,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"rollback_id", res.RollbackID,
		"duration_ms", res.Duration.Milliseconds())
	return res, runErr
}

// apply executes one mutation. Preview mutations short-circuit without a
// network call and report the payload that would have been sent.
func (c *Coordinator) apply(ctx context.Context, m Mutation) Result {
	start := time.Now()
	if m.Preview() {
		data, _ := json.Marshal(m.body())
		return Result{Mutation: m, Success: true, Data: data, Duration: time.Since(start)}
	}
	method, path := m.endpoint()
	data, err := c.client.Execute(ctx, method, path, m.body())
	if err != nil {
		return Result{Mutation: m, Err: err, Duration: time.Since(start)}
	}
	return Result{Mutation: m, Success: true, Data: data, Duration: time.Since(start)}
}

// outcomes converts per-operation results into the ledger's view. Preview
// results changed nothing remotely and contribute no outcome.
func (c *Coordinator) outcomes(results []Result) []ledger.Outcome {
	out := make([]ledger.Outcome, 0, len(results))
	for _, r := range results {
		if r.Mutation.Preview() {
			continue
		}
		out = append(out, ledger.Outcome{
			ResourceID: r.Mutation.ledgerResource(),
			Kind:       string(r.Mutation.Kind()),
			Success:    r.Success,
			Fields:     r.Mutation.fields(),
		})
	}
	return out
}

// snapshot reads the current value of every field the job is about to
// mutate. The first value observed for a field wins — that is the pre-batch
// value even when several operations later touch the same field. Fetch
// failures leave the field out of the snapshot (recorded as an empty
// before) rather than failing the batch.
func (c *Coordinator) snapshot(ctx context.Context, ops []Mutation) ledger.Snapshot {
	snap := ledger.Snapshot{}
	bodies := map[string]map[string]any{}

	for _, m := range ops {
		if m.Preview() {
			continue
		}
		path := m.snapshotPath()
		obj, ok := bodies[path]
		if !ok {
			data, err := c.client.Get(ctx, path)
			if err != nil {
				c.cfg.Logger.WarnContext(ctx, "batch: snapshot fetch failed",
					"path", path, "error", err)
				bodies[path] = nil
				continue
			}
			obj = map[string]any{}
			if err := json.Unmarshal(data, &obj); err != nil {
				c.cfg.Logger.WarnContext(ctx, "batch: snapshot decode failed",
					"path", path, "error", err)
				bodies[path] = nil
				continue
			}
			bodies[path] = obj
		}
		if obj == nil {
			continue
		}
		for _, fc := range m.fields() {
			key := ledger.SnapshotKey(m.ledgerResource(), fc.Field)
			if _, seen := snap[key]; seen {
				continue
			}
			snap[key] = snapshotValue(obj, m.Kind(), fc.Field)
		}
	}
	return snap
}

// snapshotValue extracts one field's current value from a snapshot body.
// Resource reads return the field by name; CMS field reads return {"value":...}.
func snapshotValue(obj map[string]any, kind Kind, field string) string {
	key := field
	if kind == KindCMSField {
		key = "value"
	}
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

// EstimateDuration predicts how long a batch of n operations will take:
// base operation time, plus the rate-limit buffer once n exceeds the
// per-minute throughput, plus a fixed fraction for anticipated retries.
// Exposed for callers; nothing inside Run enforces it.
func (c *Coordinator) EstimateDuration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	op := time.Duration(n) * c.cfg.PerOpCost
	est := op + time.Duration(float64(op)*c.cfg.RetryFraction)
	if n > c.cfg.ThroughputPerMinute {
		est += c.cfg.RateLimitBuffer
	}
	return est
}

func report(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}

func pct(i, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(i) / float64(total) * 100
}
