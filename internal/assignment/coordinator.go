// Package assignment drives a matched request from provider acceptance to
// completion or cancellation. Every action runs in one store transaction and
// notifications go out only after it commits.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/dispatch"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/observability"
	"github.com/example/home-services-matching/internal/storage"
)

type Coordinator struct {
	Store    storage.Store
	Notifier dispatch.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now()
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// outbox collects notifications inside a transaction.
type outbox []models.Notification

func (o *outbox) add(userID string, t models.NotificationType, title, msg string, payload map[string]any) {
	*o = append(*o, models.Notification{UserID: userID, Type: t, Title: title, Message: msg, Payload: payload})
}

func (c *Coordinator) flush(ctx context.Context, o outbox) {
	if c.Notifier == nil {
		return
	}
	for _, n := range o {
		c.Notifier.Notify(ctx, n)
	}
}

// Accept records that providerID wants the job. The request stays pending so
// several providers may accept; an eligible row is marked notified first.
func (c *Coordinator) Accept(ctx context.Context, requestID, providerID string) (row *models.Eligibility, err error) {
	defer func() { observability.ObserveTransition("accept", err) }()

	now := c.now()
	var out outbox
	err = c.Store.WithTx(ctx, func(tx storage.Tx) error {
		req, err := tx.LockRequest(ctx, requestID, storage.LockShare)
		if err != nil {
			return err
		}
		cur, err := findOffer(ctx, tx, requestID, providerID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return apperr.InvalidState("request %s is %s", requestID, req.Status)
		}
		switch cur.Status {
		case models.EligibilityEligible:
			if _, err := tx.Eligibility().Transition(ctx, requestID, providerID, models.EligibilityNotified, now); err != nil {
				return err
			}
		case models.EligibilityNotified:
		default:
			return apperr.InvalidState("offer for provider %s is %s", providerID, cur.Status)
		}
		row, err = tx.Eligibility().Transition(ctx, requestID, providerID, models.EligibilityAccepted, now)
		if err != nil {
			return err
		}
		out.add(req.CustomerID, models.NotifyProviderAccepted, "A provider accepted your request",
			"A provider is ready to take your job. Confirm them to assign the work.",
			offerPayload(requestID, row))
		return nil
	})
	if err != nil {
		return nil, apperr.Internal(err, "accept request %s", requestID)
	}
	c.flush(ctx, out)
	c.log().Info("offer accepted", "request_id", requestID, "provider_id", providerID)
	return row, nil
}

// Decline rejects providerID's offer and counts it against the provider. A
// decline that arrives after the request left pending changes nothing and
// reports applied=false.
func (c *Coordinator) Decline(ctx context.Context, requestID, providerID, reason string) (applied bool, err error) {
	defer func() { observability.ObserveTransition("decline", err) }()

	now := c.now()
	var out outbox
	err = c.Store.WithTx(ctx, func(tx storage.Tx) error {
		req, err := tx.LockRequest(ctx, requestID, storage.LockShare)
		if err != nil {
			return err
		}
		cur, err := findOffer(ctx, tx, requestID, providerID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			c.log().Info("decline ignored, request no longer pending", "request_id", requestID, "provider_id", providerID, "status", req.Status)
			return nil
		}
		switch cur.Status {
		case models.EligibilityEligible, models.EligibilityNotified, models.EligibilityAccepted:
		default:
			return apperr.InvalidState("offer for provider %s is %s", providerID, cur.Status)
		}
		if _, err := tx.Eligibility().Transition(ctx, requestID, providerID, models.EligibilityRejected, now); err != nil {
			return err
		}
		if err := tx.IncrementCounter(ctx, providerID, models.CounterDeclined); err != nil {
			return err
		}
		applied = true
		if cur.AcceptedAt != nil {
			payload := map[string]any{"request_id": requestID, "provider_id": providerID}
			if reason != "" {
				payload["reason"] = reason
			}
			out.add(req.CustomerID, models.NotifyProviderDeclined, "A provider withdrew",
				"A provider who accepted your request is no longer available.", payload)
		}
		return nil
	})
	if err != nil {
		return false, apperr.Internal(err, "decline request %s", requestID)
	}
	c.flush(ctx, out)
	if applied {
		c.log().Info("offer declined", "request_id", requestID, "provider_id", providerID, "reason", reason)
	}
	return applied, nil
}

// Confirm assigns the request to one accepted provider and rejects every
// other provider that had accepted.
func (c *Coordinator) Confirm(ctx context.Context, requestID, customerID, providerID string) (req *models.ServiceRequest, err error) {
	defer func() { observability.ObserveTransition("confirm", err) }()

	now := c.now()
	var out outbox
	err = c.Store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockRequest(ctx, requestID, storage.LockUpdate)
		if err != nil {
			return err
		}
		if cur.CustomerID != customerID {
			return apperr.Unauthorized("request %s does not belong to %s", requestID, customerID)
		}
		if cur.Status != models.RequestPending {
			return apperr.InvalidState("request %s is %s", requestID, cur.Status)
		}
		target, err := findOffer(ctx, tx, requestID, providerID)
		if err != nil {
			return err
		}
		if target.Status != models.EligibilityAccepted {
			return apperr.InvalidState("provider %s has not accepted request %s", providerID, requestID)
		}
		rows, err := tx.Eligibility().ListByRequest(ctx, requestID)
		if err != nil {
			return err
		}

		cur.Status = models.RequestAssigned
		cur.AssignedProviderID = &providerID
		cur.AssignedAt = &now
		cur.ProviderAcceptedAt = &now
		cur.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		if _, err := tx.Eligibility().Transition(ctx, requestID, providerID, models.EligibilitySelected, now); err != nil {
			return err
		}
		for _, row := range rows {
			if row.ProviderID == providerID || row.AcceptedAt == nil {
				continue
			}
			switch row.Status {
			case models.EligibilityEligible, models.EligibilityNotified, models.EligibilityAccepted:
			default:
				continue
			}
			if _, err := tx.Eligibility().Transition(ctx, requestID, row.ProviderID, models.EligibilityRejected, now); err != nil {
				return err
			}
			out.add(row.ProviderID, models.NotifyAssignmentNotSelected, "Job assigned to another provider",
				"The customer chose another provider for this job.", map[string]any{"request_id": requestID})
		}
		out.add(providerID, models.NotifyAssignmentConfirmed, "You got the job",
			"The customer confirmed you for this job.", map[string]any{"request_id": requestID, "customer_id": cur.CustomerID})
		out.add(cur.CustomerID, models.NotifyRequestAssigned, "Provider assigned",
			"Your request has been assigned.", map[string]any{"request_id": requestID, "provider_id": providerID})
		req = cur
		return nil
	})
	if err != nil {
		return nil, apperr.Internal(err, "confirm request %s", requestID)
	}
	c.flush(ctx, out)
	c.log().Info("assignment confirmed", "request_id", requestID, "provider_id", providerID, "actor_id", customerID)
	return req, nil
}

// Start moves an assigned request to in_progress.
func (c *Coordinator) Start(ctx context.Context, requestID, providerID string) (req *models.ServiceRequest, err error) {
	defer func() { observability.ObserveTransition("start", err) }()
	return c.advance(ctx, requestID, providerID, models.RequestAssigned, func(tx storage.Tx, r *models.ServiceRequest, now time.Time, out *outbox) error {
		r.Status = models.RequestInProgress
		r.StartedAt = &now
		out.add(r.CustomerID, models.NotifyJobStarted, "Work has started",
			"Your provider has started the job.", map[string]any{"request_id": r.ID, "provider_id": providerID})
		return nil
	})
}

// Complete finishes an in-progress request and credits the provider.
func (c *Coordinator) Complete(ctx context.Context, requestID, providerID string) (req *models.ServiceRequest, err error) {
	defer func() { observability.ObserveTransition("complete", err) }()
	return c.advance(ctx, requestID, providerID, models.RequestInProgress, func(tx storage.Tx, r *models.ServiceRequest, now time.Time, out *outbox) error {
		r.Status = models.RequestCompleted
		r.CompletedAt = &now
		if err := tx.IncrementCounter(ctx, providerID, models.CounterCompleted); err != nil {
			return err
		}
		out.add(r.CustomerID, models.NotifyJobCompleted, "Job completed",
			"Your provider marked the job as completed.", map[string]any{"request_id": r.ID, "provider_id": providerID})
		return nil
	})
}

// advance runs a provider-driven step on the assigned provider's request.
func (c *Coordinator) advance(ctx context.Context, requestID, providerID string, from models.RequestStatus,
	apply func(tx storage.Tx, r *models.ServiceRequest, now time.Time, out *outbox) error) (*models.ServiceRequest, error) {
	now := c.now()
	var out outbox
	var req *models.ServiceRequest
	err := c.Store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockRequest(ctx, requestID, storage.LockUpdate)
		if err != nil {
			return err
		}
		if cur.AssignedProviderID == nil {
			return apperr.InvalidState("request %s has no assigned provider", requestID)
		}
		if !cur.IsAssignedTo(providerID) {
			return apperr.Unauthorized("request %s is not assigned to %s", requestID, providerID)
		}
		if cur.Status != from {
			return apperr.InvalidState("request %s is %s, expected %s", requestID, cur.Status, from)
		}
		if err := apply(tx, cur, now, &out); err != nil {
			return err
		}
		cur.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		req = cur
		return nil
	})
	if err != nil {
		return nil, apperr.Internal(err, "update request %s", requestID)
	}
	c.flush(ctx, out)
	c.log().Info("request advanced", "request_id", requestID, "provider_id", providerID, "status", req.Status)
	return req, nil
}

// findOffer maps a missing row to NotEligible.
func findOffer(ctx context.Context, tx storage.Tx, requestID, providerID string) (*models.Eligibility, error) {
	row, err := tx.Eligibility().FindByRequestAndProvider(ctx, requestID, providerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotEligible("provider %s has no offer for request %s", providerID, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("load offer: %w", err)
	}
	return row, nil
}

func offerPayload(requestID string, row *models.Eligibility) map[string]any {
	p := map[string]any{
		"request_id":  requestID,
		"provider_id": row.ProviderID,
		"rank":        row.Rank,
		"score":       row.Score,
	}
	if row.DistanceMiles != nil {
		p["distance_miles"] = *row.DistanceMiles
	}
	return p
}
