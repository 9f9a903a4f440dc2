package models

import "time"

type NotificationType string

const (
	NotifyJobOffer              NotificationType = "new_job_offer"
	NotifyJobAvailableAgain     NotificationType = "job_available_again"
	NotifyNoProviders           NotificationType = "no_providers"
	NotifyProviderAccepted      NotificationType = "provider_accepted"
	NotifyProviderDeclined      NotificationType = "provider_declined"
	NotifyAssignmentConfirmed   NotificationType = "assignment_confirmed"
	NotifyAssignmentNotSelected NotificationType = "assignment_not_selected"
	NotifyRequestAssigned       NotificationType = "request_assigned"
	NotifyJobStarted            NotificationType = "job_started"
	NotifyJobCompleted          NotificationType = "job_completed"
	NotifyRequestCancelled      NotificationType = "request_cancelled"
	NotifyProviderCancelled     NotificationType = "provider_cancelled"
)

// Notification is what the core hands to the dispatcher.
type Notification struct {
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
