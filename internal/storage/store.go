package storage

import (
	"context"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/models"
)

// ErrAlreadyMatched is returned by InsertBatch when the request already has
// eligibility rows, so a second match run cannot double-notify.
var ErrAlreadyMatched error = &apperr.Error{Kind: apperr.ErrConcurrencyConflict, Msg: "eligibility already recorded for request"}

type LockMode int

const (
	LockShare LockMode = iota
	LockUpdate
)

// EligibilityStore owns the per (request, provider) records.
type EligibilityStore interface {
	// InsertBatch stores the first match round for a request. It fails with
	// ErrAlreadyMatched when rows exist for the request.
	InsertBatch(ctx context.Context, requestID string, rows []models.Eligibility) error
	FindByRequestAndProvider(ctx context.Context, requestID, providerID string) (*models.Eligibility, error)
	// ListByRequest returns rows ordered by rank, optionally filtered by status.
	ListByRequest(ctx context.Context, requestID string, statuses ...models.EligibilityStatus) ([]models.Eligibility, error)
	ListByProvider(ctx context.Context, providerID string, statuses ...models.EligibilityStatus) ([]models.Eligibility, error)
	// Transition moves one row to next and stamps the matching timestamp.
	// Illegal moves fail with apperr.ErrInvalidState; a row that changed
	// underneath the caller fails with apperr.ErrConcurrencyConflict.
	Transition(ctx context.Context, requestID, providerID string, next models.EligibilityStatus, at time.Time) (*models.Eligibility, error)
	// Rerank rewrites score, distance and rank of existing rows and inserts
	// the rows that do not exist yet. Status of existing rows is untouched.
	Rerank(ctx context.Context, requestID string, rows []models.Eligibility) error
}

type ProviderStore interface {
	GetTier(ctx context.Context, tierID int64) (*models.Tier, error)
	GetProvider(ctx context.Context, providerID string) (*models.Provider, error)
	// QualifiedProviders returns approved, available providers holding a
	// verified qualification for the category and level, with ActiveJobs set.
	QualifiedProviders(ctx context.Context, categoryID int64, level models.TierLevel) ([]models.Provider, error)
}

// Tx is the unit of work every multi-row transition runs in.
type Tx interface {
	LockRequest(ctx context.Context, id string, mode LockMode) (*models.ServiceRequest, error)
	UpdateRequest(ctx context.Context, r *models.ServiceRequest) error
	Eligibility() EligibilityStore
	IncrementCounter(ctx context.Context, providerID string, c models.ProviderCounter) error
}

type Store interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	// ListStaleMatches returns pending requests with notified but no accepted
	// rows whose last match round happened before cutoff(urgency).
	ListStaleMatches(ctx context.Context, cutoff func(models.Urgency) time.Time, limit int) ([]models.ServiceRequest, error)

	Eligibility() EligibilityStore
	Providers() ProviderStore

	// WithTx runs fn atomically. Any error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

func statusIn(s models.EligibilityStatus, statuses []models.EligibilityStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func validateBatch(requestID string, rows []models.Eligibility) error {
	providers := make(map[string]struct{}, len(rows))
	ranks := make(map[int]struct{}, len(rows))
	for _, r := range rows {
		if r.RequestID != requestID {
			return apperr.InvalidState("row for request %s in batch for %s", r.RequestID, requestID)
		}
		if !r.Status.IsValid() {
			return apperr.InvalidState("row status %q", r.Status)
		}
		if _, dup := providers[r.ProviderID]; dup {
			return apperr.Conflict("provider %s twice in batch", r.ProviderID)
		}
		if _, dup := ranks[r.Rank]; dup || r.Rank < 1 {
			return apperr.Conflict("rank %d invalid or repeated in batch", r.Rank)
		}
		providers[r.ProviderID] = struct{}{}
		ranks[r.Rank] = struct{}{}
	}
	return nil
}
