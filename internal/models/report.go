package models

// HealthAction classifies one outcome within a health-check pass.
type HealthAction string

const (
	HealthCreated      HealthAction = "created"
	HealthReactivated  HealthAction = "reactivated"
	HealthDisconnected HealthAction = "disconnected"
	HealthValidated    HealthAction = "validated"
	HealthError        HealthAction = "error"
)

// HealthEntry is one line of a health-check report.
type HealthEntry struct {
	OwnerID   string
	Provider  Provider
	AccountID string
	Action    HealthAction
	Detail    string
}

// HealthReport is the structured action log a health check returns. The
// check itself never breaks the no-auto-reactivate rule; entries only
// describe what was done or found.
type HealthReport struct {
	Entries []HealthEntry
}

// Count returns how many entries carry the given action.
func (r *HealthReport) Count(action HealthAction) int {
	n := 0
	for _, e := range r.Entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// OwnerReconcileResult summarizes one owner's reconciliation pass.
type OwnerReconcileResult struct {
	OwnerID string
	// Created counts accounts provisioned from credentials that had none.
	Created int
	// Existing counts credentials whose account was already present.
	Existing int
	// Demoted counts orphaned ACTIVE accounts moved to DISCONNECTED.
	Demoted int
	// Skipped counts non-storage credentials that were ignored.
	Skipped int
	// Failed counts credentials whose provisioning failed; the pass
	// continues past them.
	Failed int
}

// OwnerError records a per-owner failure that did not abort a sweep.
type OwnerError struct {
	OwnerID string
	Err     string
}

// SweepResult aggregates a reconcile-all pass.
type SweepResult struct {
	Owners  int
	Created int
	Demoted int
	Errors  []OwnerError
}
