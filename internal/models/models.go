package models

import (
	"errors"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyEmergency:
		return true
	default:
		return false
	}
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAssigned   RequestStatus = "assigned"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestPending, RequestAssigned, RequestInProgress, RequestCompleted, RequestCancelled:
		return true
	default:
		return false
	}
}

func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// ActorRole names who cancelled a request.
type ActorRole string

const (
	RoleCustomer ActorRole = "customer"
	RoleProvider ActorRole = "provider"
)

type NewServiceRequest struct {
	CustomerID  string  `json:"customer_id"`
	CategoryID  int64   `json:"category_id"`
	TierID      int64   `json:"tier_id"`
	Location    *Coord  `json:"location,omitempty"`
	Urgency     Urgency `json:"urgency"`
	Description string  `json:"description,omitempty"`
}

// ServiceRequest is the job a customer asks to have done.
//
// AssignedProviderID is set while the request is assigned, in progress or
// completed, and stays set when an assigned request is cancelled.
type ServiceRequest struct {
	ID          string        `json:"id"`
	CustomerID  string        `json:"customer_id"`
	CategoryID  int64         `json:"category_id"`
	TierID      int64         `json:"tier_id"`
	Location    *Coord        `json:"location,omitempty"`
	Urgency     Urgency       `json:"urgency"`
	Description string        `json:"description,omitempty"`
	Status      RequestStatus `json:"status"`

	AssignedProviderID *string    `json:"assigned_provider_id,omitempty"`
	MatchedAt          *time.Time `json:"matched_at,omitempty"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	ProviderAcceptedAt *time.Time `json:"provider_accepted_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`

	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	CancelledBy        *string        `json:"cancelled_by,omitempty"`
	CancelledByRole    *ActorRole     `json:"cancelled_by_role,omitempty"`
	CancellationReason *string        `json:"cancellation_reason,omitempty"`
	CancellationStage  *RequestStatus `json:"cancellation_stage,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAssignedTo reports whether providerID currently holds the request.
func (r *ServiceRequest) IsAssignedTo(providerID string) bool {
	return r.AssignedProviderID != nil && *r.AssignedProviderID == providerID
}

// HasValidAssignment checks the assigned provider invariant against Status.
func (r *ServiceRequest) HasValidAssignment() bool {
	switch r.Status {
	case RequestPending:
		return r.AssignedProviderID == nil
	case RequestAssigned, RequestInProgress, RequestCompleted:
		return r.AssignedProviderID != nil
	case RequestCancelled:
		if r.CancellationStage == nil {
			return r.AssignedProviderID == nil
		}
		afterAssignment := *r.CancellationStage == RequestAssigned || *r.CancellationStage == RequestInProgress
		return afterAssignment == (r.AssignedProviderID != nil)
	}
	return false
}

// MarkCancelled records cancellation metadata, capturing the stage the
// request was in before it changed.
func (r *ServiceRequest) MarkCancelled(actorID string, role ActorRole, reason string, at time.Time) {
	stage := r.Status
	r.CancelledAt = &at
	r.CancelledBy = &actorID
	r.CancelledByRole = &role
	r.CancellationStage = &stage
	if reason != "" {
		r.CancellationReason = &reason
	} else {
		r.CancellationReason = nil
	}
	r.UpdatedAt = at
}

// Validate checks the fields a customer must supply.
func (n NewServiceRequest) Validate() error {
	var errs []error
	if n.CustomerID == "" {
		errs = append(errs, errors.New("customer_id is required"))
	}
	if n.CategoryID <= 0 {
		errs = append(errs, errors.New("category_id must be positive"))
	}
	if n.TierID <= 0 {
		errs = append(errs, errors.New("tier_id must be positive"))
	}
	if !n.Urgency.IsValid() {
		errs = append(errs, fmt.Errorf("urgency %q is not one of low, medium, high, emergency", n.Urgency))
	}
	if n.Location != nil && (n.Location.Lat < -90 || n.Location.Lat > 90 || n.Location.Lon < -180 || n.Location.Lon > 180) {
		errs = append(errs, errors.New("location is out of range"))
	}
	return errors.Join(errs...)
}

// Build returns the pending request a customer submission creates.
func (n NewServiceRequest) Build(id string, now time.Time) *ServiceRequest {
	return &ServiceRequest{
		ID:          id,
		CustomerID:  n.CustomerID,
		CategoryID:  n.CategoryID,
		TierID:      n.TierID,
		Location:    n.Location,
		Urgency:     n.Urgency,
		Description: n.Description,
		Status:      RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
