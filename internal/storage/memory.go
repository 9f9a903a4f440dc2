package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/models"
)

type memState struct {
	requests    map[string]models.ServiceRequest
	eligibility map[string]map[string]models.Eligibility
	providers   map[string]models.Provider
	tiers       map[int64]models.Tier
}

func (s *memState) clone() *memState {
	c := &memState{
		requests:    make(map[string]models.ServiceRequest, len(s.requests)),
		eligibility: make(map[string]map[string]models.Eligibility, len(s.eligibility)),
		providers:   make(map[string]models.Provider, len(s.providers)),
		tiers:       s.tiers,
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, rows := range s.eligibility {
		cp := make(map[string]models.Eligibility, len(rows))
		for p, row := range rows {
			cp[p] = row
		}
		c.eligibility[k] = cp
	}
	for k, v := range s.providers {
		c.providers[k] = v
	}
	return c
}

// MemoryStore keeps everything in process. One mutex serializes all access,
// so a WithTx callback sees a consistent view and rolls back on error.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		requests:    make(map[string]models.ServiceRequest),
		eligibility: make(map[string]map[string]models.Eligibility),
		providers:   make(map[string]models.Provider),
		tiers:       make(map[int64]models.Tier),
	}}
}

// PutProvider inserts or replaces a provider. ActiveJobs is ignored.
func (m *MemoryStore) PutProvider(p models.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ActiveJobs = 0
	m.state.providers[p.ID] = p
}

func (m *MemoryStore) PutTier(t models.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.tiers[t.ID] = t
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.requests[r.ID]; ok {
		return apperr.Conflict("request %s already exists", r.ID)
	}
	m.state.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getRequest(id)
}

func (m *MemoryStore) ListStaleMatches(_ context.Context, cutoff func(models.Urgency) time.Time, limit int) ([]models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ServiceRequest
	for _, r := range m.state.requests {
		if r.Status != models.RequestPending {
			continue
		}
		last := r.CreatedAt
		if r.MatchedAt != nil {
			last = *r.MatchedAt
		}
		if !last.Before(cutoff(r.Urgency)) {
			continue
		}
		var notified, accepted bool
		for _, row := range m.state.eligibility[r.ID] {
			switch row.Status {
			case models.EligibilityNotified:
				notified = true
			case models.EligibilityAccepted:
				accepted = true
			}
		}
		if notified && !accepted {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Eligibility() EligibilityStore { return &memEligibility{m: m} }

func (m *MemoryStore) Providers() ProviderStore { return &memProviders{m: m} }

func (m *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (s *memState) getRequest(id string) (*models.ServiceRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, apperr.NotFound("request %s", id)
	}
	return &r, nil
}

func (s *memState) activeJobs(providerID string) int {
	n := 0
	for _, r := range s.requests {
		if (r.Status == models.RequestAssigned || r.Status == models.RequestInProgress) && r.IsAssignedTo(providerID) {
			n++
		}
	}
	return n
}

// memTx runs with MemoryStore.mu already held.
type memTx struct{ m *MemoryStore }

func (t *memTx) LockRequest(_ context.Context, id string, _ LockMode) (*models.ServiceRequest, error) {
	return t.m.state.getRequest(id)
}

func (t *memTx) UpdateRequest(_ context.Context, r *models.ServiceRequest) error {
	if _, ok := t.m.state.requests[r.ID]; !ok {
		return apperr.NotFound("request %s", r.ID)
	}
	t.m.state.requests[r.ID] = *r
	return nil
}

func (t *memTx) Eligibility() EligibilityStore { return &memEligibility{m: t.m, inTx: true} }

func (t *memTx) IncrementCounter(_ context.Context, providerID string, c models.ProviderCounter) error {
	p, ok := t.m.state.providers[providerID]
	if !ok {
		return apperr.NotFound("provider %s", providerID)
	}
	switch c {
	case models.CounterCompleted:
		p.CompletedJobs++
	case models.CounterDeclined:
		p.DeclinedJobs++
	default:
		return apperr.InvalidState("unknown counter %q", c)
	}
	t.m.state.providers[providerID] = p
	return nil
}

type memEligibility struct {
	m    *MemoryStore
	inTx bool
}

// do runs fn under the store mutex unless the caller is a transaction that
// already holds it.
func (e *memEligibility) do(fn func(s *memState) error) error {
	if !e.inTx {
		e.m.mu.Lock()
		defer e.m.mu.Unlock()
	}
	return fn(e.m.state)
}

func (e *memEligibility) InsertBatch(_ context.Context, requestID string, rows []models.Eligibility) error {
	if err := validateBatch(requestID, rows); err != nil {
		return err
	}
	return e.do(func(s *memState) error {
		if _, ok := s.requests[requestID]; !ok {
			return apperr.NotFound("request %s", requestID)
		}
		if len(s.eligibility[requestID]) > 0 {
			return ErrAlreadyMatched
		}
		byProvider := make(map[string]models.Eligibility, len(rows))
		for _, r := range rows {
			byProvider[r.ProviderID] = r
		}
		s.eligibility[requestID] = byProvider
		return nil
	})
}

func (e *memEligibility) FindByRequestAndProvider(_ context.Context, requestID, providerID string) (*models.Eligibility, error) {
	var out *models.Eligibility
	err := e.do(func(s *memState) error {
		row, ok := s.eligibility[requestID][providerID]
		if !ok {
			return apperr.NotFound("eligibility for request %s provider %s", requestID, providerID)
		}
		out = &row
		return nil
	})
	return out, err
}

func (e *memEligibility) ListByRequest(_ context.Context, requestID string, statuses ...models.EligibilityStatus) ([]models.Eligibility, error) {
	var out []models.Eligibility
	_ = e.do(func(s *memState) error {
		for _, row := range s.eligibility[requestID] {
			if statusIn(row.Status, statuses) {
				out = append(out, row)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (e *memEligibility) ListByProvider(_ context.Context, providerID string, statuses ...models.EligibilityStatus) ([]models.Eligibility, error) {
	var out []models.Eligibility
	_ = e.do(func(s *memState) error {
		for _, rows := range s.eligibility {
			if row, ok := rows[providerID]; ok && statusIn(row.Status, statuses) {
				out = append(out, row)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out, nil
}

func (e *memEligibility) Transition(_ context.Context, requestID, providerID string, next models.EligibilityStatus, at time.Time) (*models.Eligibility, error) {
	var out *models.Eligibility
	err := e.do(func(s *memState) error {
		row, ok := s.eligibility[requestID][providerID]
		if !ok {
			return apperr.NotFound("eligibility for request %s provider %s", requestID, providerID)
		}
		if !row.Status.CanTransitionTo(next) {
			return apperr.InvalidState("eligibility %s cannot move from %s to %s", providerID, row.Status, next)
		}
		row.Stamp(next, at)
		s.eligibility[requestID][providerID] = row
		out = &row
		return nil
	})
	return out, err
}

func (e *memEligibility) Rerank(_ context.Context, requestID string, rows []models.Eligibility) error {
	return e.do(func(s *memState) error {
		if _, ok := s.requests[requestID]; !ok {
			return apperr.NotFound("request %s", requestID)
		}
		existing := make(map[string]models.Eligibility, len(s.eligibility[requestID])+len(rows))
		for p, row := range s.eligibility[requestID] {
			existing[p] = row
		}
		for _, r := range rows {
			if cur, ok := existing[r.ProviderID]; ok {
				cur.Score = r.Score
				cur.DistanceMiles = r.DistanceMiles
				cur.Rank = r.Rank
				cur.UpdatedAt = r.UpdatedAt
				existing[r.ProviderID] = cur
				continue
			}
			existing[r.ProviderID] = r
		}
		seen := make(map[int]string, len(existing))
		for p, row := range existing {
			if other, dup := seen[row.Rank]; dup {
				return apperr.Conflict("rank %d held by %s and %s", row.Rank, other, p)
			}
			seen[row.Rank] = p
		}
		s.eligibility[requestID] = existing
		return nil
	})
}

type memProviders struct{ m *MemoryStore }

func (p *memProviders) GetTier(_ context.Context, tierID int64) (*models.Tier, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	t, ok := p.m.state.tiers[tierID]
	if !ok {
		return nil, apperr.NotFound("tier %d", tierID)
	}
	return &t, nil
}

func (p *memProviders) GetProvider(_ context.Context, providerID string) (*models.Provider, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	pr, ok := p.m.state.providers[providerID]
	if !ok {
		return nil, apperr.NotFound("provider %s", providerID)
	}
	pr.ActiveJobs = p.m.state.activeJobs(providerID)
	return &pr, nil
}

func (p *memProviders) QualifiedProviders(_ context.Context, categoryID int64, level models.TierLevel) ([]models.Provider, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	var out []models.Provider
	for _, pr := range p.m.state.providers {
		if !pr.Approved || !pr.Available || !pr.QualifiedFor(categoryID, level) {
			continue
		}
		pr.ActiveJobs = p.m.state.activeJobs(pr.ID)
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
