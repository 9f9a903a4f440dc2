package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const requestColumns = `id, customer_id, category_id, tier_id, lat, lon, urgency, description, status,
	assigned_provider_id, matched_at, assigned_at, provider_accepted_at, started_at, completed_at,
	cancelled_at, cancelled_by, cancelled_by_role, cancellation_reason, cancellation_stage,
	created_at, updated_at`

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	lat, lon := coordArgs(r.Location)
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, r.CustomerID, r.CategoryID, r.TierID, lat, lon, r.Urgency, r.Description, r.Status,
		r.AssignedProviderID, r.MatchedAt, r.AssignedAt, r.ProviderAcceptedAt, r.StartedAt, r.CompletedAt,
		r.CancelledAt, r.CancelledBy, r.CancelledByRole, r.CancellationReason, r.CancellationStage,
		r.CreatedAt, r.UpdatedAt)
	return translateErr(err, "create request")
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id))
	if err != nil {
		return nil, translateErr(err, "request "+id)
	}
	return r, nil
}

func (p *PostgresStore) ListStaleMatches(ctx context.Context, cutoff func(models.Urgency) time.Time, limit int) ([]models.ServiceRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM service_requests r
		WHERE r.status = 'pending'
		  AND EXISTS (SELECT 1 FROM request_eligibility e WHERE e.request_id = r.id AND e.status = 'notified')
		  AND NOT EXISTS (SELECT 1 FROM request_eligibility e WHERE e.request_id = r.id AND e.status = 'accepted')
		  AND COALESCE(r.matched_at, r.created_at) < CASE r.urgency
		      WHEN 'emergency' THEN $1::timestamptz
		      WHEN 'high' THEN $2::timestamptz
		      WHEN 'medium' THEN $3::timestamptz
		      WHEN 'low' THEN $4::timestamptz
		      ELSE $3::timestamptz END
		ORDER BY r.created_at
		LIMIT $5`,
		cutoff(models.UrgencyEmergency), cutoff(models.UrgencyHigh), cutoff(models.UrgencyMedium), cutoff(models.UrgencyLow), limit)
	if err != nil {
		return nil, translateErr(err, "list stale matches")
	}
	defer rows.Close()
	var out []models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, translateErr(err, "scan request")
		}
		out = append(out, *r)
	}
	return out, translateErr(rows.Err(), "list stale matches")
}

func (p *PostgresStore) Eligibility() EligibilityStore { return &pgEligibility{q: p.db} }

func (p *PostgresStore) Providers() ProviderStore { return &pgProviders{q: p.db} }

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translateErr(err, "begin")
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return translateErr(sqlTx.Commit(), "commit")
}

type pgTx struct{ tx *sql.Tx }

func (t *pgTx) LockRequest(ctx context.Context, id string, mode LockMode) (*models.ServiceRequest, error) {
	lock := "FOR SHARE"
	if mode == LockUpdate {
		lock = "FOR UPDATE"
	}
	r, err := scanRequest(t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1 `+lock, id))
	if err != nil {
		return nil, translateErr(err, "request "+id)
	}
	return r, nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *models.ServiceRequest) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE service_requests SET
		status = $2, assigned_provider_id = $3, matched_at = $4, assigned_at = $5, provider_accepted_at = $6,
		started_at = $7, completed_at = $8, cancelled_at = $9, cancelled_by = $10, cancelled_by_role = $11,
		cancellation_reason = $12, cancellation_stage = $13, updated_at = $14
		WHERE id = $1`,
		r.ID, r.Status, r.AssignedProviderID, r.MatchedAt, r.AssignedAt, r.ProviderAcceptedAt,
		r.StartedAt, r.CompletedAt, r.CancelledAt, r.CancelledBy, r.CancelledByRole,
		r.CancellationReason, r.CancellationStage, r.UpdatedAt)
	if err != nil {
		return translateErr(err, "update request")
	}
	return expectOne(res, "request "+r.ID)
}

func (t *pgTx) Eligibility() EligibilityStore { return &pgEligibility{q: t.tx} }

func (t *pgTx) IncrementCounter(ctx context.Context, providerID string, c models.ProviderCounter) error {
	var column string
	switch c {
	case models.CounterCompleted:
		column = "completed_jobs"
	case models.CounterDeclined:
		column = "declined_jobs"
	default:
		return apperr.InvalidState("unknown counter %q", c)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE providers SET `+column+` = `+column+` + 1 WHERE id = $1`, providerID)
	if err != nil {
		return translateErr(err, "increment "+column)
	}
	return expectOne(res, "provider "+providerID)
}

const eligibilityColumns = `request_id, provider_id, match_score, distance_miles, rank, status,
	notified_at, accepted_at, selected_at, cancelled_at, created_at, updated_at`

type pgEligibility struct{ q querier }

func (e *pgEligibility) InsertBatch(ctx context.Context, requestID string, rows []models.Eligibility) error {
	if err := validateBatch(requestID, rows); err != nil {
		return err
	}
	var exists bool
	if err := e.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM request_eligibility WHERE request_id = $1)`, requestID).Scan(&exists); err != nil {
		return translateErr(err, "check eligibility")
	}
	if exists {
		return ErrAlreadyMatched
	}
	for _, r := range rows {
		if _, err := e.q.ExecContext(ctx, `INSERT INTO request_eligibility (`+eligibilityColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			r.RequestID, r.ProviderID, r.Score, r.DistanceMiles, r.Rank, r.Status,
			r.NotifiedAt, r.AcceptedAt, r.SelectedAt, r.CancelledAt, r.CreatedAt, r.UpdatedAt); err != nil {
			return translateErr(err, "insert eligibility")
		}
	}
	return nil
}

func (e *pgEligibility) FindByRequestAndProvider(ctx context.Context, requestID, providerID string) (*models.Eligibility, error) {
	row, err := scanEligibility(e.q.QueryRowContext(ctx, `SELECT `+eligibilityColumns+`
		FROM request_eligibility WHERE request_id = $1 AND provider_id = $2`, requestID, providerID))
	if err != nil {
		return nil, translateErr(err, fmt.Sprintf("eligibility for request %s provider %s", requestID, providerID))
	}
	return row, nil
}

func (e *pgEligibility) ListByRequest(ctx context.Context, requestID string, statuses ...models.EligibilityStatus) ([]models.Eligibility, error) {
	return e.list(ctx, "request_id = $1", requestID, "rank", statuses)
}

func (e *pgEligibility) ListByProvider(ctx context.Context, providerID string, statuses ...models.EligibilityStatus) ([]models.Eligibility, error) {
	return e.list(ctx, "provider_id = $1", providerID, "created_at DESC, request_id", statuses)
}

func (e *pgEligibility) list(ctx context.Context, where string, key string, order string, statuses []models.EligibilityStatus) ([]models.Eligibility, error) {
	args := []any{key}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		where += " AND status = ANY($2)"
		args = append(args, pq.Array(names))
	}
	rows, err := e.q.QueryContext(ctx, `SELECT `+eligibilityColumns+` FROM request_eligibility WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, translateErr(err, "list eligibility")
	}
	defer rows.Close()
	var out []models.Eligibility
	for rows.Next() {
		row, err := scanEligibility(rows)
		if err != nil {
			return nil, translateErr(err, "scan eligibility")
		}
		out = append(out, *row)
	}
	return out, translateErr(rows.Err(), "list eligibility")
}

// Transition reads the row, validates the move and writes it back only if
// the status is still the one that was read.
func (e *pgEligibility) Transition(ctx context.Context, requestID, providerID string, next models.EligibilityStatus, at time.Time) (*models.Eligibility, error) {
	row, err := e.FindByRequestAndProvider(ctx, requestID, providerID)
	if err != nil {
		return nil, err
	}
	prev := row.Status
	if !prev.CanTransitionTo(next) {
		return nil, apperr.InvalidState("eligibility %s cannot move from %s to %s", providerID, prev, next)
	}
	row.Stamp(next, at)
	res, err := e.q.ExecContext(ctx, `UPDATE request_eligibility SET
		status = $3, notified_at = $4, accepted_at = $5, selected_at = $6, cancelled_at = $7, updated_at = $8
		WHERE request_id = $1 AND provider_id = $2 AND status = $9`,
		requestID, providerID, row.Status, row.NotifiedAt, row.AcceptedAt, row.SelectedAt, row.CancelledAt, row.UpdatedAt, prev)
	if err != nil {
		return nil, translateErr(err, "transition eligibility")
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, translateErr(err, "transition eligibility")
	} else if n == 0 {
		return nil, apperr.Conflict("eligibility for request %s provider %s changed from %s", requestID, providerID, prev)
	}
	return row, nil
}

func (e *pgEligibility) Rerank(ctx context.Context, requestID string, rows []models.Eligibility) error {
	for _, r := range rows {
		if r.RequestID != requestID {
			return apperr.InvalidState("row for request %s in rerank of %s", r.RequestID, requestID)
		}
		if _, err := e.q.ExecContext(ctx, `INSERT INTO request_eligibility (`+eligibilityColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (request_id, provider_id) DO UPDATE SET
				match_score = EXCLUDED.match_score,
				distance_miles = EXCLUDED.distance_miles,
				rank = EXCLUDED.rank,
				updated_at = EXCLUDED.updated_at`,
			r.RequestID, r.ProviderID, r.Score, r.DistanceMiles, r.Rank, r.Status,
			r.NotifiedAt, r.AcceptedAt, r.SelectedAt, r.CancelledAt, r.CreatedAt, r.UpdatedAt); err != nil {
			return translateErr(err, "rerank eligibility")
		}
	}
	return nil
}

type pgProviders struct{ q querier }

func (p *pgProviders) GetTier(ctx context.Context, tierID int64) (*models.Tier, error) {
	var t models.Tier
	var level sql.NullString
	err := p.q.QueryRowContext(ctx, `SELECT id, category_id, name, level FROM service_tiers WHERE id = $1`, tierID).
		Scan(&t.ID, &t.CategoryID, &t.Name, &level)
	if err != nil {
		return nil, translateErr(err, fmt.Sprintf("tier %d", tierID))
	}
	t.Level = models.TierLevel(level.String)
	return &t, nil
}

const providerSelect = `SELECT p.id, p.name, p.approved, p.available, p.lat, p.lon, p.rating,
	p.completed_jobs, p.declined_jobs, p.avg_response_minutes,
	(SELECT COUNT(*) FROM service_requests r
	  WHERE r.assigned_provider_id = p.id AND r.status IN ('assigned', 'in_progress')) AS active_jobs
	FROM providers p`

func (p *pgProviders) GetProvider(ctx context.Context, providerID string) (*models.Provider, error) {
	pr, err := scanProvider(p.q.QueryRowContext(ctx, providerSelect+` WHERE p.id = $1`, providerID))
	if err != nil {
		return nil, translateErr(err, "provider "+providerID)
	}
	return pr, nil
}

func (p *pgProviders) QualifiedProviders(ctx context.Context, categoryID int64, level models.TierLevel) ([]models.Provider, error) {
	rows, err := p.q.QueryContext(ctx, providerSelect+`
		JOIN provider_qualifications q ON q.provider_id = p.id
		WHERE q.category_id = $1 AND q.level = $2 AND q.verified_at IS NOT NULL
		  AND p.approved AND p.available
		ORDER BY p.id`, categoryID, level)
	if err != nil {
		return nil, translateErr(err, "qualified providers")
	}
	defer rows.Close()
	var out []models.Provider
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, translateErr(err, "scan provider")
		}
		pr.Qualifications = []models.Qualification{{CategoryID: categoryID, Level: level}}
		out = append(out, *pr)
	}
	return out, translateErr(rows.Err(), "qualified providers")
}

func scanRequest(s rowScanner) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var lat, lon sql.NullFloat64
	err := s.Scan(&r.ID, &r.CustomerID, &r.CategoryID, &r.TierID, &lat, &lon, &r.Urgency, &r.Description, &r.Status,
		&r.AssignedProviderID, &r.MatchedAt, &r.AssignedAt, &r.ProviderAcceptedAt, &r.StartedAt, &r.CompletedAt,
		&r.CancelledAt, &r.CancelledBy, &r.CancelledByRole, &r.CancellationReason, &r.CancellationStage,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Location = coordFrom(lat, lon)
	return &r, nil
}

func scanEligibility(s rowScanner) (*models.Eligibility, error) {
	var e models.Eligibility
	err := s.Scan(&e.RequestID, &e.ProviderID, &e.Score, &e.DistanceMiles, &e.Rank, &e.Status,
		&e.NotifiedAt, &e.AcceptedAt, &e.SelectedAt, &e.CancelledAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanProvider(s rowScanner) (*models.Provider, error) {
	var pr models.Provider
	var lat, lon sql.NullFloat64
	err := s.Scan(&pr.ID, &pr.Name, &pr.Approved, &pr.Available, &lat, &lon, &pr.Rating,
		&pr.CompletedJobs, &pr.DeclinedJobs, &pr.AvgResponseMinutes, &pr.ActiveJobs)
	if err != nil {
		return nil, err
	}
	pr.Location = coordFrom(lat, lon)
	return &pr, nil
}

func coordArgs(c *models.Coord) (any, any) {
	if c == nil {
		return nil, nil
	}
	return c.Lat, c.Lon
}

func coordFrom(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translateErr(err, what)
	}
	if n == 0 {
		return apperr.NotFound("%s", what)
	}
	return nil
}

// translateErr keeps raw driver errors away from callers.
func translateErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s", what)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation", "serialization_failure", "deadlock_detected", "lock_not_available":
			return &apperr.Error{Kind: apperr.ErrConcurrencyConflict, Msg: what, Cause: err}
		}
	}
	return apperr.Internal(err, "%s", what)
}
