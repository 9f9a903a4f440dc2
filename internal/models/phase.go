package models

type Phase string

const (
	PhasePendingUnmatched Phase = "pending_unmatched"
	PhasePendingMatched   Phase = "pending_matched"
	PhasePendingAccepted  Phase = "pending_accepted"
	PhaseAssigned         Phase = "assigned"
	PhaseInProgress       Phase = "in_progress"
	PhaseCompleted        Phase = "completed"
	PhaseCancelled        Phase = "cancelled"
)

// DerivePhase summarizes a request and its eligibility rows.
func DerivePhase(r *ServiceRequest, rows []Eligibility) Phase {
	switch r.Status {
	case RequestAssigned:
		return PhaseAssigned
	case RequestInProgress:
		return PhaseInProgress
	case RequestCompleted:
		return PhaseCompleted
	case RequestCancelled:
		return PhaseCancelled
	}
	phase := PhasePendingUnmatched
	for _, row := range rows {
		switch row.Status {
		case EligibilityAccepted:
			return PhasePendingAccepted
		case EligibilityNotified:
			phase = PhasePendingMatched
		}
	}
	return phase
}
