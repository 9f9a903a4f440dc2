package models

import "time"

type EligibilityStatus string

const (
	EligibilityEligible            EligibilityStatus = "eligible"
	EligibilityNotified            EligibilityStatus = "notified"
	EligibilityAccepted            EligibilityStatus = "accepted"
	EligibilitySelected            EligibilityStatus = "selected"
	EligibilityRejected            EligibilityStatus = "rejected"
	EligibilityCancelledUnassigned EligibilityStatus = "cancelled_unassigned"
	EligibilityCancelledAssigned   EligibilityStatus = "cancelled_assigned"
	EligibilityCancelledByProvider EligibilityStatus = "cancelled_by_provider"
	EligibilityCancelledInProgress EligibilityStatus = "cancelled_in_progress"
)

func (s EligibilityStatus) IsValid() bool {
	switch s {
	case EligibilityEligible, EligibilityNotified, EligibilityAccepted, EligibilitySelected, EligibilityRejected,
		EligibilityCancelledUnassigned, EligibilityCancelledAssigned, EligibilityCancelledByProvider, EligibilityCancelledInProgress:
		return true
	default:
		return false
	}
}

func (s EligibilityStatus) String() string { return string(s) }

func (s EligibilityStatus) IsCancellation() bool {
	switch s {
	case EligibilityCancelledUnassigned, EligibilityCancelledAssigned, EligibilityCancelledByProvider, EligibilityCancelledInProgress:
		return true
	default:
		return false
	}
}

// IsTerminal is true for the cancellation statuses; nothing leaves them.
func (s EligibilityStatus) IsTerminal() bool { return s.IsCancellation() }

// forward lists the non-cancellation moves out of each status.
var forward = map[EligibilityStatus][]EligibilityStatus{
	EligibilityEligible: {EligibilityNotified, EligibilityRejected},
	EligibilityNotified: {EligibilityAccepted, EligibilityRejected},
	EligibilityAccepted: {EligibilitySelected, EligibilityRejected},
	EligibilityRejected: {EligibilityEligible},
}

// CanTransitionTo reports whether a row may move from s to next.
// eligible -> notified -> accepted may not be skipped; cancellation
// statuses are reachable from every non-terminal status.
func (s EligibilityStatus) CanTransitionTo(next EligibilityStatus) bool {
	if !s.IsValid() || !next.IsValid() || s.IsTerminal() {
		return false
	}
	if next.IsCancellation() {
		return true
	}
	for _, n := range forward[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Eligibility is the per (request, provider) record kept by the matcher.
type Eligibility struct {
	RequestID     string            `json:"request_id"`
	ProviderID    string            `json:"provider_id"`
	Score         float64           `json:"match_score"`
	DistanceMiles *float64          `json:"distance_miles,omitempty"`
	Rank          int               `json:"rank"`
	Status        EligibilityStatus `json:"status"`
	NotifiedAt    *time.Time        `json:"notified_at,omitempty"`
	AcceptedAt    *time.Time        `json:"accepted_at,omitempty"`
	SelectedAt    *time.Time        `json:"selected_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Stamp applies the status change and records the matching timestamp.
// Earlier timestamps are never cleared.
func (e *Eligibility) Stamp(next EligibilityStatus, at time.Time) {
	e.Status = next
	e.UpdatedAt = at
	switch {
	case next == EligibilityNotified:
		e.NotifiedAt = &at
	case next == EligibilityAccepted:
		e.AcceptedAt = &at
	case next == EligibilitySelected:
		e.SelectedAt = &at
	case next.IsCancellation():
		e.CancelledAt = &at
	}
}

// Consistent reports whether the cached status agrees with the timestamp trail.
func (e *Eligibility) Consistent() bool {
	switch e.Status {
	case EligibilityNotified:
		return e.NotifiedAt != nil
	case EligibilityAccepted:
		return e.AcceptedAt != nil
	case EligibilitySelected:
		return e.AcceptedAt != nil && e.SelectedAt != nil
	case EligibilityCancelledAssigned, EligibilityCancelledByProvider, EligibilityCancelledInProgress:
		return e.SelectedAt != nil && e.CancelledAt != nil
	case EligibilityCancelledUnassigned:
		return e.CancelledAt != nil
	case EligibilityEligible, EligibilityRejected:
		return e.SelectedAt == nil && e.CancelledAt == nil
	}
	return false
}
