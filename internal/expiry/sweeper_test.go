package expiry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/matcher"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/storage"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Notification) {}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func seed(t *testing.T, st *storage.MemoryStore, c *clock, ids ...string) {
	t.Helper()
	st.PutTier(models.Tier{ID: 3, CategoryID: 2, Level: models.TierPremium})
	for _, p := range []string{"p1", "p2", "p3"} {
		st.PutProvider(models.Provider{ID: p, Approved: true, Available: true, Rating: 4,
			Qualifications: []models.Qualification{{CategoryID: 2, Level: models.TierPremium}}})
	}
	for _, id := range ids {
		in := models.NewServiceRequest{CustomerID: "c1", CategoryID: 2, TierID: 3, Urgency: models.UrgencyHigh}
		if err := st.CreateRequest(context.Background(), in.Build(id, c.t)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSweepRematchesOncePerWindow(t *testing.T) {
	st := storage.NewMemoryStore()
	c := &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	seed(t, st, c, "r1", "r2")
	eng := &matcher.Engine{Store: st, Notifier: nopNotifier{}, TopK: 1, Now: c.now}
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		if _, err := eng.Match(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	// r2 has an acceptance, so it is waiting on the customer, not on providers
	if _, err := st.Eligibility().Transition(ctx, "r2", "p1", models.EligibilityAccepted, c.t); err != nil {
		t.Fatal(err)
	}

	sw := &Sweeper{Store: st, Rematcher: eng, Now: c.now}
	c.t = c.t.Add(10 * time.Minute)
	if n, err := sw.SweepOnce(ctx); err != nil || n != 0 {
		t.Fatalf("inside the window: n=%d err=%v", n, err)
	}

	c.t = c.t.Add(6 * time.Minute)
	if n, err := sw.SweepOnce(ctx); err != nil || n != 1 {
		t.Fatalf("after the window: n=%d err=%v", n, err)
	}
	rows, _ := st.Eligibility().ListByRequest(ctx, "r1", models.EligibilityNotified)
	if len(rows) != 2 {
		t.Fatalf("expected the next provider notified, got %d notified rows", len(rows))
	}

	c.t = c.t.Add(5 * time.Minute)
	if n, _ := sw.SweepOnce(ctx); n != 0 {
		t.Fatalf("rematched again inside the new window")
	}
}

type stubRematcher struct {
	calls atomic.Int32
	err   error
}

func (s *stubRematcher) Rematch(_ context.Context, id string) (*matcher.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &matcher.Result{RequestID: id}, nil
}

func TestSweepSkipsRequestsThatMovedOn(t *testing.T) {
	st := storage.NewMemoryStore()
	c := &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	seed(t, st, c, "r1")
	eng := &matcher.Engine{Store: st, Notifier: nopNotifier{}, TopK: 1, Now: c.now}
	if _, err := eng.Match(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(time.Hour)
	stub := &stubRematcher{err: apperr.InvalidState("request r1 is assigned")}
	sw := &Sweeper{Store: st, Rematcher: stub, Now: c.now}
	n, err := sw.SweepOnce(context.Background())
	if err != nil || n != 0 || stub.calls.Load() != 1 {
		t.Fatalf("n=%d err=%v calls=%d", n, err, stub.calls.Load())
	}
}

func TestStartStop(t *testing.T) {
	st := storage.NewMemoryStore()
	c := &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	seed(t, st, c, "r1")
	eng := &matcher.Engine{Store: st, Notifier: nopNotifier{}, TopK: 1, Now: c.now}
	if _, err := eng.Match(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(time.Hour)

	stub := &stubRematcher{}
	sw := &Sweeper{Store: st, Rematcher: stub, Interval: 5 * time.Millisecond, Now: c.now}
	sw.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for stub.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sw.Stop()
	if stub.calls.Load() == 0 {
		t.Fatalf("expected the ticker to trigger a sweep")
	}

	disabled := &Sweeper{Store: st, Rematcher: stub}
	disabled.Start(context.Background())
	disabled.Stop()
}
