package assignment

import (
	"context"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/observability"
	"github.com/example/home-services-matching/internal/storage"
)

// Cancel applies a cancellation by the customer or the assigned provider.
//
//	customer, pending      -> cancelled; notified/accepted offers cancelled_unassigned
//	customer, assigned     -> cancelled; selected offer cancelled_assigned
//	provider, assigned     -> pending again; own offer cancelled_by_provider,
//	                          rejected offers reset to eligible and re-offered
//	provider, in_progress  -> cancelled; selected offer cancelled_in_progress
//
// Once work has started only the provider may cancel.
func (c *Coordinator) Cancel(ctx context.Context, requestID, actorID, reason string) (req *models.ServiceRequest, err error) {
	defer func() { observability.ObserveTransition("cancel", err) }()

	now := c.now()
	var out outbox
	err = c.Store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockRequest(ctx, requestID, storage.LockUpdate)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return apperr.InvalidState("request %s is already %s", requestID, cur.Status)
		}
		customer := actorID == cur.CustomerID
		provider := cur.IsAssignedTo(actorID)

		switch {
		case customer && cur.Status == models.RequestPending:
			err = c.cancelPending(ctx, tx, cur, actorID, reason, now, &out)
		case customer && cur.Status == models.RequestAssigned:
			err = c.cancelAssigned(ctx, tx, cur, actorID, reason, now, &out)
		case customer && cur.Status == models.RequestInProgress:
			err = apperr.InvalidState("request %s is in progress and can only be cancelled by the provider", requestID)
		case provider && cur.Status == models.RequestAssigned:
			err = c.reopen(ctx, tx, cur, actorID, reason, now, &out)
		case provider && cur.Status == models.RequestInProgress:
			err = c.cancelInProgress(ctx, tx, cur, actorID, reason, now, &out)
		default:
			err = apperr.Unauthorized("%s may not cancel request %s", actorID, requestID)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		req = cur
		return nil
	})
	if err != nil {
		return nil, apperr.Internal(err, "cancel request %s", requestID)
	}
	c.flush(ctx, out)
	c.log().Info("request cancelled", "request_id", requestID, "actor_id", actorID, "status", req.Status, "stage", *req.CancellationStage)
	return req, nil
}

func (c *Coordinator) cancelPending(ctx context.Context, tx storage.Tx, r *models.ServiceRequest, actorID, reason string, now time.Time, out *outbox) error {
	r.MarkCancelled(actorID, models.RoleCustomer, reason, now)
	r.Status = models.RequestCancelled

	rows, err := tx.Eligibility().ListByRequest(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status == models.EligibilityNotified || row.Status == models.EligibilityAccepted {
			if _, err := tx.Eligibility().Transition(ctx, r.ID, row.ProviderID, models.EligibilityCancelledUnassigned, now); err != nil {
				return err
			}
		}
		// providers who already withdrew are not told
		if row.AcceptedAt != nil && row.Status != models.EligibilityRejected && !row.Status.IsCancellation() {
			out.add(row.ProviderID, models.NotifyRequestCancelled, "Request cancelled",
				"The customer cancelled a job you accepted.", cancelPayload(r, reason))
		}
	}
	return nil
}

func (c *Coordinator) cancelAssigned(ctx context.Context, tx storage.Tx, r *models.ServiceRequest, actorID, reason string, now time.Time, out *outbox) error {
	assigned := *r.AssignedProviderID
	r.MarkCancelled(actorID, models.RoleCustomer, reason, now)
	r.Status = models.RequestCancelled
	if _, err := tx.Eligibility().Transition(ctx, r.ID, assigned, models.EligibilityCancelledAssigned, now); err != nil {
		return err
	}
	out.add(assigned, models.NotifyRequestCancelled, "Job cancelled",
		"The customer cancelled a job assigned to you.", cancelPayload(r, reason))
	return nil
}

// reopen returns the request to pending after the assigned provider withdraws
// before starting. Rejected offers become eligible again and every eligible
// provider hears that the job is open.
func (c *Coordinator) reopen(ctx context.Context, tx storage.Tx, r *models.ServiceRequest, actorID, reason string, now time.Time, out *outbox) error {
	r.MarkCancelled(actorID, models.RoleProvider, reason, now)
	r.Status = models.RequestPending
	r.AssignedProviderID = nil
	r.AssignedAt = nil
	r.ProviderAcceptedAt = nil

	el := tx.Eligibility()
	if _, err := el.Transition(ctx, r.ID, actorID, models.EligibilityCancelledByProvider, now); err != nil {
		return err
	}
	rows, err := el.ListByRequest(ctx, r.ID, models.EligibilityRejected, models.EligibilityEligible)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status == models.EligibilityRejected {
			if _, err := el.Transition(ctx, r.ID, row.ProviderID, models.EligibilityEligible, now); err != nil {
				return err
			}
		}
		out.add(row.ProviderID, models.NotifyJobAvailableAgain, "Job available again",
			"A job you were offered is open again.", map[string]any{"request_id": r.ID, "urgency": r.Urgency, "rank": row.Rank})
	}
	out.add(r.CustomerID, models.NotifyProviderCancelled, "Provider cancelled",
		"Your provider withdrew before starting. We are finding you another provider.", cancelPayload(r, reason))
	return nil
}

func (c *Coordinator) cancelInProgress(ctx context.Context, tx storage.Tx, r *models.ServiceRequest, actorID, reason string, now time.Time, out *outbox) error {
	r.MarkCancelled(actorID, models.RoleProvider, reason, now)
	r.Status = models.RequestCancelled
	if _, err := tx.Eligibility().Transition(ctx, r.ID, actorID, models.EligibilityCancelledInProgress, now); err != nil {
		return err
	}
	out.add(r.CustomerID, models.NotifyProviderCancelled, "Provider cancelled",
		"Your provider cancelled the job while it was in progress.", cancelPayload(r, reason))
	return nil
}

func cancelPayload(r *models.ServiceRequest, reason string) map[string]any {
	p := map[string]any{"request_id": r.ID}
	if r.CancellationStage != nil {
		p["stage"] = *r.CancellationStage
	}
	if reason != "" {
		p["reason"] = reason
	}
	return p
}
