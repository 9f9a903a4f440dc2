// Package scoring ranks providers for a service request. All functions are pure.
package scoring

import (
	"math"
	"time"

	"github.com/example/home-services-matching/internal/models"
)

const (
	WeightDistance       = 0.30
	WeightRating         = 0.25
	WeightCompletionRate = 0.20
	WeightResponsiveness = 0.15
	WeightExperience     = 0.10

	EmergencyMultiplier = 1.20

	distanceDecayMiles    = 10.0
	parResponseMinutes    = 15.0
	defaultCompletionRate = 50.0
	defaultResponseScore  = 50.0
)

// Input is what the formula needs about one provider for one request.
// A nil DistanceMiles scores zero on the distance term.
type Input struct {
	DistanceMiles      *float64
	Rating             float64
	CompletedJobs      int
	DeclinedJobs       int
	AvgResponseMinutes *float64
	Urgency            models.Urgency
}

func InputFor(p *models.Provider, distance *float64, urgency models.Urgency) Input {
	return Input{
		DistanceMiles:      distance,
		Rating:             p.Rating,
		CompletedJobs:      p.CompletedJobs,
		DeclinedJobs:       p.DeclinedJobs,
		AvgResponseMinutes: p.AvgResponseMinutes,
		Urgency:            urgency,
	}
}

func DistanceScore(distance *float64) float64 {
	if distance == nil {
		return 0
	}
	d := math.Max(0, *distance)
	return math.Exp(-d/distanceDecayMiles) * 100
}

func RatingScore(rating float64) float64 {
	return clamp(rating/5*100, 0, 100)
}

func CompletionRate(completed, declined int) float64 {
	total := completed + declined
	if total <= 0 {
		return defaultCompletionRate
	}
	return float64(completed) / float64(total) * 100
}

func ResponsivenessScore(avgMinutes *float64) float64 {
	if avgMinutes == nil {
		return defaultResponseScore
	}
	return math.Max(0, 100-(*avgMinutes/parResponseMinutes)*100)
}

func ExperienceScore(completed int) float64 {
	if completed < 0 {
		completed = 0
	}
	return math.Min(100, math.Log(float64(completed)+1)*20)
}

// Score combines the weighted terms, applies the emergency multiplier and
// returns a value in [0,100] rounded to two decimals.
func Score(in Input) float64 {
	s := DistanceScore(in.DistanceMiles)*WeightDistance +
		RatingScore(in.Rating)*WeightRating +
		CompletionRate(in.CompletedJobs, in.DeclinedJobs)*WeightCompletionRate +
		ResponsivenessScore(in.AvgResponseMinutes)*WeightResponsiveness +
		ExperienceScore(in.CompletedJobs)*WeightExperience
	if in.Urgency == models.UrgencyEmergency {
		s *= EmergencyMultiplier
	}
	return Round2(clamp(s, 0, 100))
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ResponseWindow is how long a notified provider has to act.
func ResponseWindow(u models.Urgency) time.Duration {
	switch u {
	case models.UrgencyEmergency:
		return 10 * time.Minute
	case models.UrgencyHigh:
		return 15 * time.Minute
	case models.UrgencyLow:
		return 60 * time.Minute
	default:
		return 30 * time.Minute
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
