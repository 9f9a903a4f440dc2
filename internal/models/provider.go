package models

import "time"

type TierLevel string

const (
	TierBasic   TierLevel = "basic"
	TierExpert  TierLevel = "expert"
	TierPremium TierLevel = "premium"
)

func (l TierLevel) IsValid() bool {
	switch l {
	case TierBasic, TierExpert, TierPremium:
		return true
	default:
		return false
	}
}

// Tier is a service level offered within a category.
type Tier struct {
	ID         int64     `json:"id"`
	CategoryID int64     `json:"category_id"`
	Name       string    `json:"name"`
	Level      TierLevel `json:"level,omitempty"`
}

var positionalLevels = [3]TierLevel{TierBasic, TierExpert, TierPremium}

// PositionalTierLevel derives a level from the legacy convention where each
// category owns three consecutive tier ids (1-based): basic, expert, premium.
// Only used for tier rows that carry no explicit level.
func PositionalTierLevel(tierID int64) TierLevel {
	if tierID <= 0 {
		return TierBasic
	}
	return positionalLevels[(tierID-1)%3]
}

// ResolveLevel prefers the explicit level and falls back to the positional one.
func (t Tier) ResolveLevel() TierLevel {
	if t.Level.IsValid() {
		return t.Level
	}
	return PositionalTierLevel(t.ID)
}

type Qualification struct {
	CategoryID int64     `json:"category_id"`
	Level      TierLevel `json:"level"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Provider holds the fields matching reads. ActiveJobs is derived from the
// number of assigned or in-progress requests and is not stored.
type Provider struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name,omitempty"`
	Approved           bool            `json:"approved"`
	Available          bool            `json:"available"`
	Location           *Coord          `json:"location,omitempty"`
	Rating             float64         `json:"rating"` // 0..5
	CompletedJobs      int             `json:"completed_jobs"`
	DeclinedJobs       int             `json:"declined_jobs"`
	AvgResponseMinutes *float64        `json:"avg_response_minutes,omitempty"`
	Qualifications     []Qualification `json:"qualifications,omitempty"`
	ActiveJobs         int             `json:"active_jobs"`
}

func (p *Provider) QualifiedFor(categoryID int64, level TierLevel) bool {
	for _, q := range p.Qualifications {
		if q.CategoryID == categoryID && q.Level == level {
			return true
		}
	}
	return false
}

type ProviderCounter string

const (
	CounterCompleted ProviderCounter = "completed_jobs"
	CounterDeclined  ProviderCounter = "declined_jobs"
)
