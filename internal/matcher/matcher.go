package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/dispatch"
	"github.com/example/home-services-matching/internal/geo"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/observability"
	"github.com/example/home-services-matching/internal/scoring"
	"github.com/example/home-services-matching/internal/storage"
)

const (
	DefaultTopK         = 5
	DefaultActiveJobCap = 5
)

// Engine finds, scores and ranks providers for pending requests and notifies
// the best of them.
type Engine struct {
	Store        storage.Store
	Notifier     dispatch.Notifier
	TopK         int
	ActiveJobCap int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Result summarizes one matching round.
type Result struct {
	RequestID  string   `json:"request_id"`
	Candidates int      `json:"candidates"`
	Inserted   int      `json:"inserted"`
	Notified   []string `json:"notified"`
}

func (e *Engine) topK() int {
	if e.TopK <= 0 {
		return DefaultTopK
	}
	return e.TopK
}

func (e *Engine) activeJobCap() int {
	if e.ActiveJobCap <= 0 {
		return DefaultActiveJobCap
	}
	return e.ActiveJobCap
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// OnRequestCreated runs the first matching round for a new request.
func (e *Engine) OnRequestCreated(ctx context.Context, r *models.ServiceRequest) (*Result, error) {
	return e.Match(ctx, r.ID)
}

// Match stores an eligibility row for every qualified provider and notifies
// the top ranked ones. A second run for the same request fails with
// storage.ErrAlreadyMatched and notifies nobody.
func (e *Engine) Match(ctx context.Context, requestID string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		observability.MatchLatency.Observe(time.Since(start).Seconds())
		observability.MatchRuns.WithLabelValues("match", outcome(res, err)).Inc()
	}()

	req, err := e.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, apperr.InvalidState("request %s is %s", requestID, req.Status)
	}
	ranked, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	res = &Result{RequestID: requestID, Candidates: len(ranked)}
	if len(ranked) == 0 {
		// rows already exist: a repeated trigger, offers are still out
		existing, err := e.Store.Eligibility().ListByRequest(ctx, requestID)
		if err != nil {
			return nil, apperr.Internal(err, "list eligibility for request %s", requestID)
		}
		if len(existing) > 0 {
			return nil, storage.ErrAlreadyMatched
		}
		e.notifyNoProviders(ctx, req)
		return res, nil
	}

	now := e.now()
	var offers []offer
	err = e.Store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockRequest(ctx, requestID, storage.LockUpdate)
		if err != nil {
			return err
		}
		if cur.Status != models.RequestPending {
			return apperr.InvalidState("request %s is %s", requestID, cur.Status)
		}
		rows := make([]models.Eligibility, len(ranked))
		for i, c := range ranked {
			rows[i] = models.Eligibility{
				RequestID:     requestID,
				ProviderID:    c.ProviderID,
				Score:         c.Score,
				DistanceMiles: c.DistanceMiles,
				Rank:          i + 1,
				Status:        models.EligibilityEligible,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
		}
		if err := tx.Eligibility().InsertBatch(ctx, requestID, rows); err != nil {
			return err
		}
		for _, row := range rows[:min(e.topK(), len(rows))] {
			notified, err := tx.Eligibility().Transition(ctx, requestID, row.ProviderID, models.EligibilityNotified, now)
			if err != nil {
				return err
			}
			offers = append(offers, offer{row: *notified, kind: models.NotifyJobOffer})
		}
		cur.MatchedAt = &now
		cur.UpdatedAt = now
		return tx.UpdateRequest(ctx, cur)
	})
	if err != nil {
		return nil, apperr.Internal(err, "match request %s", requestID)
	}
	res.Inserted = len(ranked)
	res.Notified = e.sendOffers(ctx, req, offers, now)
	e.log().Info("request matched", "request_id", requestID, "candidates", res.Candidates, "notified", len(res.Notified))
	return res, nil
}

// Rematch re-scores a pending request against the providers qualified now.
// Existing rows keep their status and timestamps but get fresh scores and
// ranks; newly qualified providers are added as eligible. The top ranked rows
// that are still eligible and whose provider passed this round's filters are
// then notified.
func (e *Engine) Rematch(ctx context.Context, requestID string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		observability.MatchLatency.Observe(time.Since(start).Seconds())
		observability.MatchRuns.WithLabelValues("rematch", outcome(res, err)).Inc()
	}()

	req, err := e.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, apperr.InvalidState("request %s is %s, only pending requests can be rematched", requestID, req.Status)
	}
	fresh, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	res = &Result{RequestID: requestID, Candidates: len(fresh)}
	var offers []offer
	empty := false
	err = e.Store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockRequest(ctx, requestID, storage.LockUpdate)
		if err != nil {
			return err
		}
		if cur.Status != models.RequestPending {
			return apperr.InvalidState("request %s is %s, only pending requests can be rematched", requestID, cur.Status)
		}
		existing, err := tx.Eligibility().ListByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if len(existing) == 0 && len(fresh) == 0 {
			empty = true
			return nil
		}

		rows, inserted, qualified := merge(requestID, existing, fresh, now)
		if err := tx.Eligibility().Rerank(ctx, requestID, rows); err != nil {
			return err
		}
		res.Inserted = inserted

		k := e.topK()
		for _, row := range rows {
			if len(offers) == k {
				break
			}
			if row.Status != models.EligibilityEligible || !qualified[row.ProviderID] {
				continue
			}
			kind := models.NotifyJobOffer
			if row.NotifiedAt != nil {
				kind = models.NotifyJobAvailableAgain
			}
			notified, err := tx.Eligibility().Transition(ctx, requestID, row.ProviderID, models.EligibilityNotified, now)
			if err != nil {
				return err
			}
			offers = append(offers, offer{row: *notified, kind: kind})
		}
		cur.MatchedAt = &now
		cur.UpdatedAt = now
		return tx.UpdateRequest(ctx, cur)
	})
	if err != nil {
		return nil, apperr.Internal(err, "rematch request %s", requestID)
	}
	if empty {
		e.notifyNoProviders(ctx, req)
		return res, nil
	}
	res.Notified = e.sendOffers(ctx, req, offers, now)
	e.log().Info("request rematched", "request_id", requestID, "candidates", res.Candidates, "inserted", res.Inserted, "notified", len(res.Notified))
	return res, nil
}

// candidates returns the ranked providers that may take req right now.
func (e *Engine) candidates(ctx context.Context, req *models.ServiceRequest) ([]scoring.Candidate, error) {
	tier, err := e.Store.Providers().GetTier(ctx, req.TierID)
	if err != nil {
		return nil, fmt.Errorf("resolve tier %d: %w", req.TierID, err)
	}
	if tier.CategoryID != 0 && tier.CategoryID != req.CategoryID {
		return nil, apperr.InvalidState("tier %d belongs to category %d, not %d", tier.ID, tier.CategoryID, req.CategoryID)
	}
	level := tier.ResolveLevel()
	providers, err := e.Store.Providers().QualifiedProviders(ctx, req.CategoryID, level)
	if err != nil {
		return nil, apperr.Internal(err, "list providers for category %d", req.CategoryID)
	}

	jobCap := e.activeJobCap()
	cands := make([]scoring.Candidate, 0, len(providers))
	for i := range providers {
		p := &providers[i]
		if !p.Approved || !p.Available || !p.QualifiedFor(req.CategoryID, level) {
			continue
		}
		if p.ActiveJobs >= jobCap {
			e.log().Debug("provider over active job cap", "provider_id", p.ID, "active_jobs", p.ActiveJobs)
			continue
		}
		d := geo.DistanceMiles(req.Location, p.Location)
		cands = append(cands, scoring.Candidate{
			ProviderID:    p.ID,
			Score:         scoring.Score(scoring.InputFor(p, d, req.Urgency)),
			DistanceMiles: d,
		})
	}
	observability.MatchCandidates.Observe(float64(len(cands)))
	return scoring.Rank(cands), nil
}

// merge re-scores existing rows with fresh candidates and appends rows for
// providers seen for the first time. The result is ordered by the new rank.
// The returned set holds the providers that passed this round's filters.
func merge(requestID string, existing []models.Eligibility, fresh []scoring.Candidate, now time.Time) ([]models.Eligibility, int, map[string]bool) {
	byProvider := make(map[string]models.Eligibility, len(existing))
	for _, row := range existing {
		byProvider[row.ProviderID] = row
	}
	all := make([]scoring.Candidate, 0, len(existing)+len(fresh))
	seen := make(map[string]bool, len(fresh))
	for _, c := range fresh {
		seen[c.ProviderID] = true
		all = append(all, c)
	}
	// providers that dropped out keep their last score but are not offered
	// the job again
	for _, row := range existing {
		if !seen[row.ProviderID] {
			all = append(all, scoring.Candidate{ProviderID: row.ProviderID, Score: row.Score, DistanceMiles: row.DistanceMiles})
		}
	}

	inserted := 0
	ranked := scoring.Rank(all)
	rows := make([]models.Eligibility, len(ranked))
	for i, c := range ranked {
		row, ok := byProvider[c.ProviderID]
		if !ok {
			inserted++
			row = models.Eligibility{
				RequestID:  requestID,
				ProviderID: c.ProviderID,
				Status:     models.EligibilityEligible,
				CreatedAt:  now,
			}
		}
		row.Score = c.Score
		row.DistanceMiles = c.DistanceMiles
		row.Rank = i + 1
		row.UpdatedAt = now
		rows[i] = row
	}
	return rows, inserted, seen
}

type offer struct {
	row  models.Eligibility
	kind models.NotificationType
}

func (e *Engine) sendOffers(ctx context.Context, req *models.ServiceRequest, offers []offer, now time.Time) []string {
	window := scoring.ResponseWindow(req.Urgency)
	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		payload := map[string]any{
			"request_id":              req.ID,
			"category_id":             req.CategoryID,
			"tier_id":                 req.TierID,
			"urgency":                 req.Urgency,
			"rank":                    o.row.Rank,
			"score":                   o.row.Score,
			"response_window_minutes": int(window / time.Minute),
			"respond_by":              now.Add(window).Format(time.RFC3339),
		}
		msg := fmt.Sprintf("A %s priority job needs a provider. Respond within %d minutes.", req.Urgency, int(window/time.Minute))
		if o.row.DistanceMiles != nil {
			payload["distance_miles"] = scoring.Round2(*o.row.DistanceMiles)
			msg = fmt.Sprintf("A %s priority job %.1f miles away needs a provider. Respond within %d minutes.", req.Urgency, *o.row.DistanceMiles, int(window/time.Minute))
		}
		title := "New job offer"
		if o.kind == models.NotifyJobAvailableAgain {
			title = "Job available again"
		}
		e.notify(ctx, models.Notification{UserID: o.row.ProviderID, Type: o.kind, Title: title, Message: msg, Payload: payload})
		ids = append(ids, o.row.ProviderID)
	}
	return ids
}

func (e *Engine) notifyNoProviders(ctx context.Context, req *models.ServiceRequest) {
	e.log().Info("no qualified providers", "request_id", req.ID, "category_id", req.CategoryID, "tier_id", req.TierID)
	e.notify(ctx, models.Notification{
		UserID:  req.CustomerID,
		Type:    models.NotifyNoProviders,
		Title:   "No providers available",
		Message: "No qualified providers are available for your request right now. We will keep looking.",
		Payload: map[string]any{"request_id": req.ID},
	})
}

func (e *Engine) notify(ctx context.Context, n models.Notification) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Notify(ctx, n)
}

func outcome(res *Result, err error) string {
	switch {
	case errors.Is(err, storage.ErrAlreadyMatched):
		return "already_matched"
	case err != nil:
		return apperr.KindName(err)
	case res != nil && res.Candidates == 0:
		return "no_providers"
	default:
		return "ok"
	}
}
