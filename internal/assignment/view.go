package assignment

import (
	"context"

	"github.com/example/home-services-matching/internal/models"
)

// RequestView is a request with its offers and derived phase.
type RequestView struct {
	Request *models.ServiceRequest `json:"request"`
	Phase   models.Phase           `json:"phase"`
	Offers  []models.Eligibility   `json:"offers"`
}

func (c *Coordinator) Describe(ctx context.Context, requestID string) (*RequestView, error) {
	req, err := c.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	rows, err := c.Store.Eligibility().ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.Eligibility{}
	}
	return &RequestView{Request: req, Phase: models.DerivePhase(req, rows), Offers: rows}, nil
}

// Offers lists a provider's offers, newest first, optionally filtered by status.
func (c *Coordinator) Offers(ctx context.Context, providerID string, statuses ...models.EligibilityStatus) ([]models.Eligibility, error) {
	rows, err := c.Store.Eligibility().ListByProvider(ctx, providerID, statuses...)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.Eligibility{}
	}
	return rows, nil
}
