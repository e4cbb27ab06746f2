package rollback

import (
	"context"
	"time"

	"github.com/hazyhaar/cmsbatch/batch"
	"github.com/hazyhaar/cmsbatch/ledger"
)

// Risk is a coarse classification of how disruptive a rollback would be,
// derived from the number and nature of affected resources.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Revert describes one field write the rollback would perform.
type Revert struct {
	ResourceID string `json:"resourceId"`
	Field      string `json:"field"`
	From       string `json:"from"` // current (applied) value
	To         string `json:"to"`   // value being restored
}

// Preview describes what executing a rollback would do.
type Preview struct {
	RollbackID        string        `json:"rollbackId"`
	Status            ledger.Status `json:"status"`
	AffectedResources []string      `json:"affectedResources"`
	Reverts           []Revert      `json:"reverts"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Risk              Risk          `json:"risk"`
}

// Preview reports what Execute would do, without touching ledger state or
// the network beyond reading the change log. It is idempotent: successive
// calls over the same retained log yield identical output.
func (e *Executor) Preview(ctx context.Context, rollbackID string) (Preview, error) {
	if !e.ledger.IsEligible(ctx, rollbackID) {
		return Preview{}, &ErrIneligible{RollbackID: rollbackID}
	}
	log, err := e.ledger.Get(ctx, rollbackID)
	if err != nil || log == nil {
		return Preview{}, &ErrIneligible{RollbackID: rollbackID}
	}

	p := Preview{
		RollbackID:        rollbackID,
		Status:            log.Status,
		EstimatedDuration: time.Duration(len(log.Changes)) * e.cfg.PerRecordCost,
	}

	seen := map[string]bool{}
	structured := false
	// Reverts are listed in execution order: reverse chronological.
	for i := len(log.Changes) - 1; i >= 0; i-- {
		rec := log.Changes[i]
		p.Reverts = append(p.Reverts, Revert{
			ResourceID: rec.ResourceID,
			Field:      rec.Field,
			From:       rec.After,
			To:         rec.Before,
		})
		if !seen[rec.ResourceID] {
			seen[rec.ResourceID] = true
			p.AffectedResources = append(p.AffectedResources, rec.ResourceID)
		}
		if rec.ChangeType == string(batch.KindCMSField) {
			structured = true
		}
	}

	p.Risk = riskLevel(len(p.AffectedResources), structured)
	return p, nil
}

// riskLevel grades by affected-resource count, bumped one level when
// structured CMS fields are involved (their values feed templates and
// integrations, not just page metadata).
func riskLevel(resources int, structured bool) Risk {
	var r Risk
	switch {
	case resources <= 5:
		r = RiskLow
	case resources <= 20:
		r = RiskMedium
	default:
		r = RiskHigh
	}
	if structured && r == RiskLow {
		r = RiskMedium
	} else if structured && r == RiskMedium {
		r = RiskHigh
	}
	return r
}
