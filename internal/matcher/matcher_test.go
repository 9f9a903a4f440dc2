package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/storage"
)

const (
	plumbing  = int64(1)
	basicTier = int64(1)

	// one degree of latitude in miles at the haversine radius
	milesPerDegree = 69.0973
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) ofType(t models.NotificationType) []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

var origin = models.Coord{Lat: 40.0, Lon: -75.0}

func milesNorth(miles float64) *models.Coord {
	return &models.Coord{Lat: origin.Lat + miles/milesPerDegree, Lon: origin.Lon}
}

func provider(id string, miles, rating float64) models.Provider {
	return models.Provider{
		ID:             id,
		Approved:       true,
		Available:      true,
		Location:       milesNorth(miles),
		Rating:         rating,
		Qualifications: []models.Qualification{{CategoryID: plumbing, Level: models.TierBasic, VerifiedAt: time.Unix(0, 0)}},
	}
}

type fixture struct {
	store *storage.MemoryStore
	notes *recordingNotifier
	eng   *Engine
	now   time.Time
}

func newFixture(t *testing.T, providers ...models.Provider) *fixture {
	t.Helper()
	st := storage.NewMemoryStore()
	st.PutTier(models.Tier{ID: basicTier, CategoryID: plumbing, Name: "Basic", Level: models.TierBasic})
	for _, p := range providers {
		st.PutProvider(p)
	}
	f := &fixture{store: st, notes: &recordingNotifier{}, now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.eng = &Engine{Store: st, Notifier: f.notes, Now: func() time.Time { return f.now }}
	return f
}

func (f *fixture) request(t *testing.T, id string, urgency models.Urgency) *models.ServiceRequest {
	t.Helper()
	in := models.NewServiceRequest{CustomerID: "cust-1", CategoryID: plumbing, TierID: basicTier, Location: &origin, Urgency: urgency}
	r := in.Build(id, f.now)
	if err := f.store.CreateRequest(context.Background(), r); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func (f *fixture) rows(t *testing.T, requestID string) []models.Eligibility {
	t.Helper()
	rows, err := f.store.Eligibility().ListByRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	for i, row := range rows {
		if row.Rank != i+1 {
			t.Fatalf("ranks not contiguous: row %d has rank %d", i, row.Rank)
		}
		if !row.Consistent() {
			t.Fatalf("row %s status %s disagrees with timestamps", row.ProviderID, row.Status)
		}
	}
	return rows
}

func TestMatchEmergencyRanksCloserProviderFirst(t *testing.T) {
	f := newFixture(t, provider("far", 8, 3.0), provider("near", 1, 5.0))
	f.request(t, "r1", models.UrgencyEmergency)

	res, err := f.eng.Match(context.Background(), "r1")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Candidates != 2 || len(res.Notified) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	rows := f.rows(t, "r1")
	if rows[0].ProviderID != "near" || rows[1].ProviderID != "far" {
		t.Fatalf("expected near ranked first, got %s then %s", rows[0].ProviderID, rows[1].ProviderID)
	}
	if rows[0].Score <= rows[1].Score || rows[0].Score > 100 {
		t.Fatalf("unexpected scores %.2f %.2f", rows[0].Score, rows[1].Score)
	}
	offers := f.notes.ofType(models.NotifyJobOffer)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	if offers[0].Payload["response_window_minutes"] != 10 {
		t.Fatalf("expected emergency window of 10 minutes, got %v", offers[0].Payload["response_window_minutes"])
	}
	if _, ok := offers[0].Payload["distance_miles"]; !ok {
		t.Fatalf("expected distance in payload")
	}
	req, _ := f.store.GetRequest(context.Background(), "r1")
	if req.Status != models.RequestPending || req.MatchedAt == nil || !req.MatchedAt.Equal(f.now) {
		t.Fatalf("expected pending request stamped with match time, got %+v", req)
	}
}

func TestMatchWithoutProvidersNotifiesCustomer(t *testing.T) {
	unqualified := provider("p1", 1, 5)
	unqualified.Qualifications = []models.Qualification{{CategoryID: plumbing, Level: models.TierPremium}}
	unapproved := provider("p2", 1, 5)
	unapproved.Approved = false
	f := newFixture(t, unqualified, unapproved)
	f.request(t, "r1", models.UrgencyMedium)

	res, err := f.eng.Match(context.Background(), "r1")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Candidates != 0 {
		t.Fatalf("expected no candidates, got %d", res.Candidates)
	}
	if rows := f.rows(t, "r1"); len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
	notes := f.notes.ofType(models.NotifyNoProviders)
	if len(notes) != 1 || notes[0].UserID != "cust-1" {
		t.Fatalf("expected a no_providers notification to the customer, got %+v", f.notes.sent)
	}
	req, _ := f.store.GetRequest(context.Background(), "r1")
	if req.Status != models.RequestPending {
		t.Fatalf("expected request to stay pending, got %s", req.Status)
	}
}

func TestMatchExcludesProvidersAtActiveJobCap(t *testing.T) {
	f := newFixture(t, provider("busy", 0.5, 5), provider("free", 6, 4))
	busy := "busy"
	for i := 0; i < DefaultActiveJobCap; i++ {
		status := models.RequestAssigned
		if i%2 == 1 {
			status = models.RequestInProgress
		}
		job := &models.ServiceRequest{ID: fmt.Sprintf("job-%d", i), CustomerID: "c", Status: status, AssignedProviderID: &busy}
		if err := f.store.CreateRequest(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}
	f.request(t, "r1", models.UrgencyHigh)

	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	rows := f.rows(t, "r1")
	if len(rows) != 1 || rows[0].ProviderID != "free" {
		t.Fatalf("expected only the free provider, got %+v", rows)
	}
}

func TestMatchPersistsAllAndNotifiesTopK(t *testing.T) {
	var ps []models.Provider
	for i := 1; i <= 7; i++ {
		ps = append(ps, provider(fmt.Sprintf("p%d", i), float64(i), 4.5))
	}
	f := newFixture(t, ps...)
	f.eng.TopK = 3
	f.request(t, "r1", models.UrgencyLow)

	res, err := f.eng.Match(context.Background(), "r1")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	rows := f.rows(t, "r1")
	if len(rows) != 7 || res.Inserted != 7 {
		t.Fatalf("expected 7 rows, got %d", len(rows))
	}
	for i, row := range rows {
		want := models.EligibilityEligible
		if i < 3 {
			want = models.EligibilityNotified
		}
		if row.Status != want {
			t.Fatalf("rank %d: expected %s, got %s", row.Rank, want, row.Status)
		}
		if row.ProviderID != fmt.Sprintf("p%d", i+1) {
			t.Fatalf("rank %d: expected p%d, got %s", row.Rank, i+1, row.ProviderID)
		}
	}
	if got := len(f.notes.ofType(models.NotifyJobOffer)); got != 3 {
		t.Fatalf("expected 3 offers, got %d", got)
	}
}

func TestMatchTwiceIsRejected(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5))
	f.request(t, "r1", models.UrgencyMedium)
	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("first match: %v", err)
	}
	_, err := f.eng.Match(context.Background(), "r1")
	if !errors.Is(err, apperr.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict on second match, got %v", err)
	}
	if got := len(f.notes.ofType(models.NotifyJobOffer)); got != 1 {
		t.Fatalf("expected a single offer, got %d", got)
	}
}

func TestMatchConcurrentRunsNotifyOnce(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5), provider("p2", 2, 5))
	f.request(t, "r1", models.UrgencyMedium)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.eng.Match(context.Background(), "r1")
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, apperr.ErrConcurrencyConflict) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful run, got %d", ok)
	}
	if got := len(f.notes.ofType(models.NotifyJobOffer)); got != 2 {
		t.Fatalf("expected 2 offers, got %d", got)
	}
}

func TestMatchRejectsNonPendingRequest(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5))
	r := f.request(t, "r1", models.UrgencyMedium)
	r.Status = models.RequestCancelled
	_ = f.store.WithTx(context.Background(), func(tx storage.Tx) error { return tx.UpdateRequest(context.Background(), r) })

	if _, err := f.eng.Match(context.Background(), "r1"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := f.eng.Match(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRematchNotifiesNextEligibleAndAddsNewProviders(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5), provider("p2", 2, 5), provider("p3", 3, 5), provider("p4", 4, 5))
	f.eng.TopK = 2
	f.request(t, "r1", models.UrgencyMedium)
	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}

	f.store.PutProvider(provider("p0", 0.1, 5))
	f.now = f.now.Add(45 * time.Minute)
	res, err := f.eng.Rematch(context.Background(), "r1")
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("expected one inserted row, got %d", res.Inserted)
	}
	rows := f.rows(t, "r1")
	if len(rows) != 5 || rows[0].ProviderID != "p0" {
		t.Fatalf("expected p0 ranked first among 5 rows, got %+v", rows)
	}
	want := map[string]models.EligibilityStatus{
		"p0": models.EligibilityNotified,
		"p1": models.EligibilityNotified,
		"p2": models.EligibilityNotified,
		"p3": models.EligibilityNotified,
		"p4": models.EligibilityEligible,
	}
	for _, row := range rows {
		if row.Status != want[row.ProviderID] {
			t.Fatalf("%s: expected %s, got %s", row.ProviderID, want[row.ProviderID], row.Status)
		}
	}
	if len(res.Notified) != 2 || res.Notified[0] != "p0" || res.Notified[1] != "p3" {
		t.Fatalf("expected p0 and p3 notified, got %v", res.Notified)
	}
	req, _ := f.store.GetRequest(context.Background(), "r1")
	if !req.MatchedAt.Equal(f.now) {
		t.Fatalf("expected MatchedAt to move to the rematch time")
	}
}

func TestRematchReoffersResetRows(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5), provider("p2", 2, 5))
	f.eng.TopK = 1
	f.request(t, "r1", models.UrgencyMedium)
	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	el := f.store.Eligibility()
	if _, err := el.Transition(context.Background(), "r1", "p1", models.EligibilityRejected, f.now); err != nil {
		t.Fatal(err)
	}
	if _, err := el.Transition(context.Background(), "r1", "p1", models.EligibilityEligible, f.now); err != nil {
		t.Fatal(err)
	}

	if _, err := f.eng.Rematch(context.Background(), "r1"); err != nil {
		t.Fatalf("rematch: %v", err)
	}
	again := f.notes.ofType(models.NotifyJobAvailableAgain)
	if len(again) != 1 || again[0].UserID != "p1" {
		t.Fatalf("expected p1 re-offered, got %+v", again)
	}
}

func TestRematchRequiresPending(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5))
	r := f.request(t, "r1", models.UrgencyMedium)
	r.Status = models.RequestCompleted
	_ = f.store.WithTx(context.Background(), func(tx storage.Tx) error { return tx.UpdateRequest(context.Background(), r) })
	if _, err := f.eng.Rematch(context.Background(), "r1"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func (f *fixture) assignJobs(t *testing.T, providerID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		pid := providerID
		job := &models.ServiceRequest{ID: fmt.Sprintf("%s-job-%d", providerID, i), CustomerID: "c", Status: models.RequestAssigned, AssignedProviderID: &pid}
		if err := f.store.CreateRequest(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRematchSkipsProvidersNowAtActiveJobCap(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5), provider("p2", 2, 5))
	f.eng.TopK = 1
	f.request(t, "r1", models.UrgencyMedium)
	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	f.assignJobs(t, "p2", DefaultActiveJobCap)
	before := len(f.notes.ofType(models.NotifyJobOffer))

	res, err := f.eng.Rematch(context.Background(), "r1")
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if len(res.Notified) != 0 {
		t.Fatalf("provider at the cap must not be offered the job, notified %v", res.Notified)
	}
	if got := len(f.notes.ofType(models.NotifyJobOffer)); got != before {
		t.Fatalf("expected no new offers, got %d more", got-before)
	}
	for _, row := range f.rows(t, "r1") {
		if row.ProviderID == "p2" && row.Status != models.EligibilityEligible {
			t.Fatalf("p2 row should stay eligible, got %s", row.Status)
		}
	}
}

func TestRematchSkipsUnavailableProviders(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5), provider("p2", 2, 5), provider("p3", 3, 5))
	f.eng.TopK = 1
	f.request(t, "r1", models.UrgencyMedium)
	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	off := provider("p2", 2, 5)
	off.Available = false
	f.store.PutProvider(off)

	res, err := f.eng.Rematch(context.Background(), "r1")
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if len(res.Notified) != 1 || res.Notified[0] != "p3" {
		t.Fatalf("expected the next available provider p3, got %v", res.Notified)
	}
	if len(f.rows(t, "r1")) != 3 {
		t.Fatalf("rows for providers that dropped out are kept")
	}
}

func TestMatchRedeliveryWithoutCandidatesIsAlreadyMatched(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5))
	f.request(t, "r1", models.UrgencyMedium)
	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	off := provider("p1", 1, 5)
	off.Available = false
	f.store.PutProvider(off)

	if _, err := f.eng.Match(context.Background(), "r1"); !errors.Is(err, storage.ErrAlreadyMatched) {
		t.Fatalf("expected ErrAlreadyMatched, got %v", err)
	}
	if got := f.notes.ofType(models.NotifyNoProviders); len(got) != 0 {
		t.Fatalf("customer must not hear no_providers while offers are out, got %+v", got)
	}
}

func (f *fixture) requestForTier(t *testing.T, id string, tierID int64) {
	t.Helper()
	in := models.NewServiceRequest{CustomerID: "cust-1", CategoryID: plumbing, TierID: tierID, Location: &origin, Urgency: models.UrgencyLow}
	if err := f.store.CreateRequest(context.Background(), in.Build(id, f.now)); err != nil {
		t.Fatalf("create request: %v", err)
	}
}

func TestMatchExcludesProvidersQualifiedAtAnotherLevel(t *testing.T) {
	expert := provider("expert-only", 0.5, 5)
	expert.Qualifications = []models.Qualification{{CategoryID: plumbing, Level: models.TierExpert}}
	f := newFixture(t, expert, provider("basic", 3, 4))
	f.request(t, "r1", models.UrgencyLow)

	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	rows := f.rows(t, "r1")
	if len(rows) != 1 || rows[0].ProviderID != "basic" {
		t.Fatalf("expected only the basic-qualified provider, got %+v", rows)
	}
}

func TestMatchUsesPositionalLevelForTierWithoutLevel(t *testing.T) {
	expert := provider("expert", 1, 5)
	expert.Qualifications = []models.Qualification{{CategoryID: plumbing, Level: models.TierExpert}}
	f := newFixture(t, expert, provider("basic", 1, 5))
	// tier 5 is the second tier of its category's block: expert
	f.store.PutTier(models.Tier{ID: 5, CategoryID: plumbing, Name: "Legacy"})
	f.requestForTier(t, "r1", 5)

	if _, err := f.eng.Match(context.Background(), "r1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	rows := f.rows(t, "r1")
	if len(rows) != 1 || rows[0].ProviderID != "expert" {
		t.Fatalf("expected the expert provider, got %+v", rows)
	}
}

func TestMatchRejectsTierFromAnotherCategory(t *testing.T) {
	f := newFixture(t, provider("p1", 1, 5))
	f.store.PutTier(models.Tier{ID: 9, CategoryID: plumbing + 1, Level: models.TierBasic})
	f.requestForTier(t, "r1", 9)

	if _, err := f.eng.Match(context.Background(), "r1"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if got := len(f.rows(t, "r1")); got != 0 {
		t.Fatalf("expected no rows, got %d", got)
	}
}
