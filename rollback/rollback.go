// Package rollback reverses a recorded change log, either through the remote
// API's native single-call undo or by replaying each change record as an
// inverse mutation.
//
// Which path a given deployment supports is not assumed: ModeAuto tries the
// native endpoint first and falls back to per-record replay when the remote
// does not expose one.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/cmsbatch/batch"
	"github.com/hazyhaar/cmsbatch/cmsapi"
	"github.com/hazyhaar/cmsbatch/ledger"
)

// Mode selects how a rollback is performed.
type Mode string

const (
	// ModeAuto tries the native undo endpoint and falls back to replay
	// when the remote answers 404/405.
	ModeAuto Mode = "auto"
	// ModeNative only uses the native undo endpoint.
	ModeNative Mode = "native"
	// ModeReplay always replays inverse mutations per record.
	ModeReplay Mode = "replay"
)

// ErrIneligible is terminal: the change log is unknown or past the retention
// window, and no network call was made.
type ErrIneligible struct {
	RollbackID string
}

func (e *ErrIneligible) Error() string {
	return fmt.Sprintf("rollback: change log not eligible: %s", e.RollbackID)
}

// Result aggregates one rollback execution. Success is true iff every
// record was reversed. Errors carries per-record or remote-supplied error
// messages; a partially failed rollback is a normal outcome, not an error.
type Result struct {
	Success      bool
	TotalChanges int
	RolledBack   int
	Failed       int
	Errors       []string
	Duration     time.Duration
}

// Config configures an Executor.
type Config struct {
	// Mode selects native undo vs replay. Default: ModeAuto.
	Mode Mode
	// PerRecordCost is the estimated wall time to reverse one record, used
	// by Preview. Default: 500ms.
	PerRecordCost time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.PerRecordCost <= 0 {
		c.PerRecordCost = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Executor reverses change logs through the client.
type Executor struct {
	client *cmsapi.Client
	ledger *ledger.Ledger
	cfg    Config
}

// New creates an Executor.
func New(client *cmsapi.Client, led *ledger.Ledger, cfg Config) *Executor {
	cfg.defaults()
	return &Executor{client: client, ledger: led, cfg: cfg}
}

// nativeFailure is the remote body of a failed native undo:
// { rolledBack, failed, errors? }.
type nativeFailure struct {
	RolledBack int      `json:"rolledBack"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
}

// Execute reverses the change log addressed by rollbackID. Ineligible ids
// fail fast with *ErrIneligible before any network call. onProgress may be
// nil; it is only invoked on the replay path, reported the same way the
// batch coordinator reports.
func (e *Executor) Execute(ctx context.Context, rollbackID string, onProgress batch.ProgressFunc) (Result, error) {
	if !e.ledger.IsEligible(ctx, rollbackID) {
		return Result{}, &ErrIneligible{RollbackID: rollbackID}
	}
	log, err := e.ledger.Get(ctx, rollbackID)
	if err != nil || log == nil {
		return Result{}, &ErrIneligible{RollbackID: rollbackID}
	}

	start := time.Now()
	var res Result
	switch e.cfg.Mode {
	case ModeNative:
		res, err = e.native(ctx, log)
	case ModeReplay:
		res, err = e.replay(ctx, log, onProgress)
	default:
		res, err = e.native(ctx, log)
		if isNoNativeUndo(err) {
			e.cfg.Logger.Info("rollback: no native undo endpoint, replaying records",
				"rollback_id", rollbackID)
			res, err = e.replay(ctx, log, onProgress)
		}
	}
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	e.cfg.Logger.InfoContext(ctx, "rollback: finished",
		"rollback_id", rollbackID,
		"total", res.TotalChanges,
		"rolled_back", res.RolledBack,
		"failed", res.Failed,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// native performs the single-call server-side reversal. A remote-reported
// failure comes back as a structured Result carrying the remote's error
// list, not as an error.
func (e *Executor) native(ctx context.Context, log *ledger.ChangeLog) (Result, error) {
	_, err := e.client.Post(ctx, "/rollback", map[string]string{"rollbackId": log.RollbackID})
	if err == nil {
		return Result{
			Success:      true,
			TotalChanges: log.TotalChanges,
			RolledBack:   log.TotalChanges,
		}, nil
	}

	var apiErr *cmsapi.APIError
	if errors.As(err, &apiErr) && !isNoNativeUndo(err) {
		var fail nativeFailure
		if len(apiErr.Details) > 0 {
			_ = json.Unmarshal(apiErr.Details, &fail)
		}
		if len(fail.Errors) == 0 && apiErr.Message != "" {
			fail.Errors = []string{apiErr.Message}
		}
		failed := fail.Failed
		if failed == 0 {
			failed = log.TotalChanges - fail.RolledBack
		}
		return Result{
			TotalChanges: log.TotalChanges,
			RolledBack:   fail.RolledBack,
			Failed:       failed,
			Errors:       fail.Errors,
		}, nil
	}
	return Result{TotalChanges: log.TotalChanges}, err
}

// replay reverses each record (after → before) in reverse chronological
// order. A single record's failure never aborts the replay.
func (e *Executor) replay(ctx context.Context, log *ledger.ChangeLog, onProgress batch.ProgressFunc) (Result, error) {
	total := len(log.Changes)
	res := Result{TotalChanges: total}

	for i := total - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		rec := log.Changes[i]
		done := total - 1 - i
		report(onProgress, batch.Progress{
			Current:          done,
			Total:            total,
			Percentage:       pct(done, total),
			CurrentOperation: fmt.Sprintf("revert %s %s.%s", rec.ChangeType, rec.ResourceID, rec.Field),
		})

		method, path, body := inverse(rec)
		if _, err := e.client.Execute(ctx, method, path, body); err != nil {
			res.Failed++
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s.%s: %v", rec.ResourceID, rec.Field, err))
			e.cfg.Logger.WarnContext(ctx, "rollback: record revert failed",
				"resource", rec.ResourceID, "field", rec.Field, "error", err)
			continue
		}
		res.RolledBack++
	}

	report(onProgress, batch.Progress{Current: total, Total: total, Percentage: 100})
	res.Success = res.Failed == 0
	return res, nil
}

// inverse builds the call that writes a record's before value back.
func inverse(rec ledger.ChangeRecord) (method, path string, body any) {
	if rec.ChangeType == string(batch.KindCMSField) {
		return http.MethodPatch,
			"/collections/items/" + rec.ResourceID + "/fields/" + rec.Field,
			map[string]string{"value": rec.Before}
	}
	return http.MethodPatch,
		"/resources/" + rec.ResourceID,
		map[string]string{rec.Field: rec.Before}
}

// isNoNativeUndo reports whether err means the deployment has no native
// undo endpoint (404/405), which triggers the replay fallback in ModeAuto.
func isNoNativeUndo(err error) bool {
	var apiErr *cmsapi.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusMethodNotAllowed
}

func report(fn batch.ProgressFunc, p batch.Progress) {
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
