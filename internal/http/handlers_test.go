package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/assignment"
	"github.com/example/home-services-matching/internal/dispatch"
	"github.com/example/home-services-matching/internal/matcher"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/storage"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Notification) {}

type fakeTrigger struct{ got []string }

func (f *fakeTrigger) RequestCreated(_ context.Context, r *models.ServiceRequest) error {
	f.got = append(f.got, r.ID)
	return errors.New("broker unavailable")
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	st := storage.NewMemoryStore()
	st.PutTier(models.Tier{ID: 4, CategoryID: 2, Level: models.TierExpert})
	for _, id := range []string{"p1", "p2"} {
		st.PutProvider(models.Provider{ID: id, Approved: true, Available: true, Rating: 4.5,
			Qualifications: []models.Qualification{{CategoryID: 2, Level: models.TierExpert}}})
	}
	opts.Store = st
	opts.Engine = &matcher.Engine{Store: st, Notifier: nopNotifier{}}
	opts.Coordinator = &assignment.Coordinator{Store: st, Notifier: nopNotifier{}}
	opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewServer(opts)
}

func do(t *testing.T, s *Server, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func createRequest(t *testing.T, s *Server) assignment.RequestView {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/requests", "cust-1", map[string]any{
		"category_id": 2, "tier_id": 4, "urgency": "high", "location": map[string]float64{"lat": 40, "lon": -75},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var view assignment.RequestView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	return view
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, Options{})
	view := createRequest(t, s)
	if view.Request.CustomerID != "cust-1" || view.Phase != models.PhasePendingMatched || len(view.Offers) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	id := view.Request.ID
	base := "/api/v1/requests/" + id

	if rec := do(t, s, http.MethodPost, base+"/accept", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("accept without actor: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, base+"/accept", "p1", nil); rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodPost, base+"/accept", "stranger", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("accept by stranger: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, base+"/confirm", "cust-2", map[string]string{"provider_id": "p1"}); rec.Code != http.StatusForbidden {
		t.Fatalf("confirm by other customer: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, base+"/confirm", "cust-1", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("confirm without provider: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, base+"/confirm", "cust-1", map[string]string{"provider_id": "p1"}); rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body)
	}

	rec := do(t, s, http.MethodPost, base+"/decline", "p2", map[string]string{"reason": "busy"})
	var declined map[string]bool
	_ = json.NewDecoder(rec.Body).Decode(&declined)
	if rec.Code != http.StatusOK || declined["applied"] {
		t.Fatalf("late decline must be a no-op: %d %v", rec.Code, declined)
	}
	if rec := do(t, s, http.MethodPost, base+"/start", "p2", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("start by other provider: %d", rec.Code)
	}
	for _, step := range []string{"start", "complete"} {
		if rec := do(t, s, http.MethodPost, base+"/"+step, "p1", nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step, rec.Code, rec.Body)
		}
	}
	if rec := do(t, s, http.MethodPost, base+"/cancel", "cust-1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel completed request: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/internal/requests/"+id+"/rematch", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("rematch completed request: %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, base, "", nil)
	var final assignment.RequestView
	_ = json.NewDecoder(rec.Body).Decode(&final)
	if rec.Code != http.StatusOK || final.Phase != models.PhaseCompleted {
		t.Fatalf("get: %d phase=%s", rec.Code, final.Phase)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/providers/p1/offers?status=selected", "", nil)
	var offers struct{ Offers []models.Eligibility }
	_ = json.NewDecoder(rec.Body).Decode(&offers)
	if rec.Code != http.StatusOK || len(offers.Offers) != 1 || offers.Offers[0].RequestID != id {
		t.Fatalf("offers: %d %+v", rec.Code, offers)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/providers/p1/offers?status=bogus", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", rec.Code)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	s := newTestServer(t, Options{})
	if rec := do(t, s, http.MethodPost, "/api/v1/requests", "cust-1", map[string]any{"category_id": 2, "tier_id": 4, "urgency": "whenever"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad urgency: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/requests", "cust-1", map[string]any{"customer_id": "cust-9", "category_id": 2, "tier_id": 4, "urgency": "low"}); rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched customer: %d", rec.Code)
	}
}

func TestCreateRequestWithExternalTrigger(t *testing.T) {
	trig := &fakeTrigger{}
	s := newTestServer(t, Options{Trigger: trig})
	view := createRequest(t, s)
	if len(trig.got) != 1 || trig.got[0] != view.Request.ID {
		t.Fatalf("trigger not called: %v", trig.got)
	}
	if view.Phase != models.PhasePendingUnmatched || len(view.Offers) != 0 {
		t.Fatalf("matching must be left to the trigger, got %+v", view)
	}
}

func TestNotFoundAndRequestID(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/api/v1/requests/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id header")
	}
}

func TestReadiness(t *testing.T) {
	s := newTestServer(t, Options{WSReg: dispatch.NewWSRegistry()})
	if rec := do(t, s, http.MethodGet, "/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	down := newTestServer(t, Options{Checks: []Check{{Name: "redis", Ping: func(context.Context) error { return errors.New("dial tcp: refused") }}}})
	if rec := do(t, down, http.MethodGet, "/ready", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.NotFound("x"), http.StatusNotFound},
		{apperr.Unauthorized("x"), http.StatusForbidden},
		{apperr.NotEligible("x"), http.StatusForbidden},
		{apperr.InvalidState("x"), http.StatusConflict},
		{storage.ErrAlreadyMatched, http.StatusConflict},
		{apperr.Internal(errors.New("pq: boom"), "x"), http.StatusInternalServerError},
		{errors.New("raw"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
