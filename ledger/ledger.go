// Package ledger records what a completed batch changed and can answer for
// it later: every successfully mutated field becomes one ChangeRecord, the
// records of one batch form one ChangeLog addressable by rollback id, and
// logs older than the retention window are purged and become
// rollback-ineligible.
//
// Storage is pluggable behind the Store interface: MemoryStore for tests,
// SQLiteStore for durability across process restarts.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/cmsbatch/idgen"
)

// Status of a ChangeLog.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial_failure"
)

// ChangeRecord is a before/after snapshot of one field altered by one
// mutation. ChangeType is the mutation kind that produced it; for CMS item
// fields ResourceID is the item id and Field the field id, so the record
// alone is enough to build the inverse call.
type ChangeRecord struct {
	ResourceID string `json:"resourceId"`
	Field      string `json:"field"`
	Before     string `json:"before"`
	After      string `json:"after"`
	ChangeType string `json:"changeType"`
}

// ChangeLog is the set of change records from one batch execution.
// Timestamp is unix milliseconds. TotalChanges always equals len(Changes).
type ChangeLog struct {
	RollbackID   string         `json:"rollbackId"`
	Timestamp    int64          `json:"timestamp"`
	TotalChanges int            `json:"totalChanges"`
	Changes      []ChangeRecord `json:"changes"`
	Status       Status         `json:"status"`
}

// Time returns the creation time of the log.
func (c *ChangeLog) Time() time.Time { return time.UnixMilli(c.Timestamp) }

// FieldChange is one field the batch applied, with the value it wrote.
type FieldChange struct {
	Field string
	Value string
}

// Outcome is the ledger-facing view of one executed mutation. A combined
// mutation (e.g. title+description in one call) reports one FieldChange per
// field it touched; each becomes its own ChangeRecord on success.
type Outcome struct {
	ResourceID string
	Kind       string
	Success    bool
	Fields     []FieldChange
}

// Snapshot maps SnapshotKey(resourceID, field) to the value observed before
// the batch ran.
type Snapshot map[string]string

// SnapshotKey builds the lookup key for one resource field.
func SnapshotKey(resourceID, field string) string {
	return resourceID + "/" + field
}

// ErrNotTracked is returned by Persist when the rollback id has no pending
// in-memory log.
type ErrNotTracked struct {
	RollbackID string
}

func (e *ErrNotTracked) Error() string {
	return fmt.Sprintf("ledger: no tracked change log: %s", e.RollbackID)
}

// Options configures a Ledger.
type Options struct {
	// Retention is how long a ChangeLog stays rollback-eligible.
	// Default: 24h.
	Retention time.Duration
	// IDGenerator produces rollback ids. Default: idgen.Rollback.
	IDGenerator idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.IDGenerator == nil {
		o.IDGenerator = idgen.Rollback
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Ledger tracks, persists and expires change logs.
//
// Persist, Restore and CleanupExpired are serialized relative to each other;
// concurrent batches write distinct rollback ids and never contend.
type Ledger struct {
	store Store
	opts  Options
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]*ChangeLog // tracked but not yet persisted
	cache   map[string]*ChangeLog // persisted logs seen by this process
}

// New creates a Ledger over the given store.
func New(store Store, opts Options) *Ledger {
	opts.defaults()
	return &Ledger{
		store:   store,
		opts:    opts,
		now:     time.Now,
		pending: make(map[string]*ChangeLog),
		cache:   make(map[string]*ChangeLog),
	}
}

// Track converts a batch's outcomes plus the pre-batch snapshot into a new
// ChangeLog. Only successful outcomes contribute records; the log status is
// partial_failure whenever at least one outcome failed. The log is held
// in memory until Persist is called with its id.
func (l *Ledger) Track(outcomes []Outcome, before Snapshot) *ChangeLog {
	var records []ChangeRecord
	failed := 0
	for _, out := range outcomes {
		if !out.Success {
			failed++
			continue
		}
		for _, fc := range out.Fields {
			records = append(records, ChangeRecord{
				ResourceID: out.ResourceID,
				Field:      fc.Field,
				Before:     before[SnapshotKey(out.ResourceID, fc.Field)],
				After:      fc.Value,
				ChangeType: out.Kind,
			})
		}
	}

	status := StatusCompleted
	if failed > 0 {
		status = StatusPartialFailure
	}

	log := &ChangeLog{
		RollbackID:   l.opts.IDGenerator(),
		Timestamp:    l.now().UnixMilli(),
		TotalChanges: len(records),
		Changes:      records,
		Status:       status,
	}

	l.mu.Lock()
	l.pending[log.RollbackID] = log
	l.mu.Unlock()

	l.opts.Logger.Info("ledger: tracked change log",
		"rollback_id", log.RollbackID,
		"changes", log.TotalChanges,
		"status", string(log.Status))
	return log
}

// Persist writes a tracked log to the store.
func (l *Ledger) Persist(ctx context.Context, rollbackID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	log, ok := l.pending[rollbackID]
	if !ok {
		return &ErrNotTracked{RollbackID: rollbackID}
	}
	if err := l.store.Put(ctx, log); err != nil {
		return fmt.Errorf("ledger: persist %s: %w", rollbackID, err)
	}
	delete(l.pending, rollbackID)
	l.cache[rollbackID] = log
	return nil
}

// Restore loads a persisted log back into memory, e.g. after a process
// restart. Returns nil, nil when the id is unknown.
func (l *Ledger) Restore(ctx context.Context, rollbackID string) (*ChangeLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log, err := l.store.Get(ctx, rollbackID)
	if err != nil {
		return nil, fmt.Errorf("ledger: restore %s: %w", rollbackID, err)
	}
	if log != nil {
		l.cache[rollbackID] = log
	}
	return log, nil
}

// Get returns a log by rollback id, or nil when unknown. Pending, cached and
// stored logs are all visible.
func (l *Ledger) Get(ctx context.Context, rollbackID string) (*ChangeLog, error) {
	l.mu.Lock()
	if log, ok := l.pending[rollbackID]; ok {
		l.mu.Unlock()
		return log, nil
	}
	if log, ok := l.cache[rollbackID]; ok {
		l.mu.Unlock()
		return log, nil
	}
	l.mu.Unlock()
	log, err := l.store.Get(ctx, rollbackID)
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", rollbackID, err)
	}
	return log, nil
}

// IsEligible reports whether the log exists and is younger than the
// retention window. Unknown ids are ineligible.
func (l *Ledger) IsEligible(ctx context.Context, rollbackID string) bool {
	log, err := l.Get(ctx, rollbackID)
	if err != nil || log == nil {
		return false
	}
	return l.now().Sub(log.Time()) < l.opts.Retention
}

// CleanupExpired removes every log older than the retention window and
// returns how many were purged.
func (l *Ledger) CleanupExpired(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logs, err := l.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: cleanup: %w", err)
	}
	cutoff := l.now().Add(-l.opts.Retention)
	var expired []string
	for _, log := range logs {
		if log.Time().Before(cutoff) {
			expired = append(expired, log.RollbackID)
		}
	}
	for id, log := range l.cache {
		if log.Time().Before(cutoff) {
			delete(l.cache, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := l.store.Delete(ctx, expired...); err != nil {
		return 0, fmt.Errorf("ledger: cleanup: %w", err)
	}
	l.opts.Logger.Info("ledger: purged expired change logs", "count", len(expired))
	return len(expired), nil
}

// HistoryEntry is one change to a resource, annotated with the log it came
// from.
type HistoryEntry struct {
	RollbackID string       `json:"rollbackId"`
	Timestamp  int64        `json:"timestamp"`
	Record     ChangeRecord `json:"record"`
}

// History derives the change history of one resource by scanning all
// retained logs, newest-first. It is a pure read-side projection: nothing is
// stored, and repeated calls over the same retained set yield identical
// results.
func (l *Ledger) History(ctx context.Context, resourceID string) ([]HistoryEntry, error) {
	logs, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", resourceID, err)
	}
	cutoff := l.now().Add(-l.opts.Retention)

	var entries []HistoryEntry
	for _, log := range logs {
		if log.Time().Before(cutoff) {
			continue
		}
		for _, rec := range log.Changes {
			if rec.ResourceID != resourceID {
				continue
			}
			entries = append(entries, HistoryEntry{
				RollbackID: log.RollbackID,
				Timestamp:  log.Timestamp,
				Record:     rec,
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	return entries, nil
}

// StartJanitor runs CleanupExpired on a ticker until done is closed.
func (l *Ledger) StartJanitor(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = time.Hour
	}
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if _, err := l.CleanupExpired(context.Background()); err != nil {
					l.opts.Logger.Warn("ledger: janitor cleanup failed", "error", err)
				}
			}
		}
	}()
}
