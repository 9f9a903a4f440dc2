package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/assignment"
	"github.com/example/home-services-matching/internal/dispatch"
	"github.com/example/home-services-matching/internal/matcher"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/observability"
	"github.com/example/home-services-matching/internal/storage"
)

// ActorHeader carries the authenticated user id set by the gateway.
const ActorHeader = "X-User-ID"

// Trigger starts matching for a freshly stored request, in process or by
// handing it to the consumer.
type Trigger interface {
	RequestCreated(ctx context.Context, r *models.ServiceRequest) error
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Options struct {
	Store       storage.Store
	Engine      *matcher.Engine
	Coordinator *assignment.Coordinator
	// Trigger defaults to running the engine in process.
	Trigger Trigger
	WSReg   *dispatch.WSRegistry
	Checks  []Check
	Logger  *slog.Logger
	Now     func() time.Time
}

type Server struct {
	store   storage.Store
	engine  *matcher.Engine
	coord   *assignment.Coordinator
	trigger Trigger
	wsReg   *dispatch.WSRegistry
	checks  []Check
	logger  *slog.Logger
	now     func() time.Time
	mux     *mux.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:   opts.Store,
		engine:  opts.Engine,
		coord:   opts.Coordinator,
		trigger: opts.Trigger,
		wsReg:   opts.WSReg,
		checks:  opts.Checks,
		logger:  opts.Logger,
		now:     opts.Now,
		mux:     mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.trigger == nil {
		s.trigger = inProcess{s.engine}
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}/offers", s.handleOffers).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/requests/{id}/rematch", s.handleRematch).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.wsReg != nil {
		s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type inProcess struct{ e *matcher.Engine }

func (t inProcess) RequestCreated(ctx context.Context, r *models.ServiceRequest) error {
	_, err := t.e.OnRequestCreated(ctx, r)
	return err
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in models.NewServiceRequest
	if err := decodeJSON(r, &in); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if actor := actorID(r); actor != "" {
		if in.CustomerID == "" {
			in.CustomerID = actor
		} else if in.CustomerID != actor {
			writeJSONError(w, http.StatusForbidden, "customer_id does not match the caller")
			return
		}
	}
	if err := in.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := in.Build(uuid.NewString(), s.now())
	if err := s.store.CreateRequest(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// the request is stored; a failed trigger is left to rematch or the sweeper
	if err := s.trigger.RequestCreated(r.Context(), req); err != nil {
		s.logger.Warn("matching trigger failed", "request_id", req.ID, "err", err)
	}
	view, err := s.coord.Describe(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.Describe(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	var statuses []models.EligibilityStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := models.EligibilityStatus(strings.TrimSpace(part))
			if !st.IsValid() {
				writeJSONError(w, http.StatusBadRequest, "unknown status "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	}
	offers, err := s.coord.Offers(r.Context(), mux.Vars(r)["id"], statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	row, err := s.coord.Accept(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	applied, err := s.coord.Decline(r.Context(), mux.Vars(r)["id"], actor, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		ProviderID string `json:"provider_id"`
	}
	if err := decodeJSON(r, &body); err != nil || body.ProviderID == "" {
		writeJSONError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	req, err := s.coord.Confirm(r.Context(), mux.Vars(r)["id"], actor, body.ProviderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.providerStep(w, r, s.coord.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.providerStep(w, r, s.coord.Complete)
}

func (s *Server) providerStep(w http.ResponseWriter, r *http.Request, step func(ctx context.Context, requestID, providerID string) (*models.ServiceRequest, error)) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	req, err := step(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"], actor, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRematch(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Rematch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := append([]Check{{Name: "store", Ping: s.store.Ping}}, s.checks...)
	for _, c := range checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "err", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id, "err", err)
		return
	}
	s.wsReg.Add(id, conn)
	observability.WSSessions.Set(float64(s.wsReg.Len()))
	defer func() {
		s.wsReg.Remove(id, conn)
		_ = conn.Close()
		observability.WSSessions.Set(float64(s.wsReg.Len()))
	}()
	// sessions are push only; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func actorID(r *http.Request) string { return strings.TrimSpace(r.Header.Get(ActorHeader)) }

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := actorID(r)
	if id == "" {
		writeJSONError(w, http.StatusUnauthorized, ActorHeader+" header is required")
		return "", false
	}
	return id, true
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrUnauthorized), errors.Is(err, apperr.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "http_request_id", requestIDFromContext(r.Context()), "err", err)
		msg = "internal error"
	}
	writeJSONError(w, status, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
