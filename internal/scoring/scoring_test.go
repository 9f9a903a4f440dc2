package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/example/home-services-matching/internal/models"
)

func f(v float64) *float64 { return &v }

func TestScoreComponents(t *testing.T) {
	in := Input{
		DistanceMiles:      f(0),
		Rating:             5,
		CompletedJobs:      0,
		DeclinedJobs:       0,
		AvgResponseMinutes: f(0),
		Urgency:            models.UrgencyMedium,
	}
	// 100*0.30 + 100*0.25 + 50*0.20 + 100*0.15 + 0*0.10
	if got := Score(in); got != 80 {
		t.Fatalf("expected 80, got %v", got)
	}
}

func TestScoreEmergencyMultiplierAndClamp(t *testing.T) {
	in := Input{DistanceMiles: f(5), Rating: 4, CompletedJobs: 10, DeclinedJobs: 2, AvgResponseMinutes: f(10), Urgency: models.UrgencyHigh}
	base := Score(in)
	in.Urgency = models.UrgencyEmergency
	boosted := Score(in)
	if math.Abs(boosted-Round2(base*EmergencyMultiplier)) > 0.011 {
		t.Fatalf("expected emergency score ~%v, got %v", base*EmergencyMultiplier, boosted)
	}

	best := Input{DistanceMiles: f(0), Rating: 5, CompletedJobs: 1000, AvgResponseMinutes: f(0), Urgency: models.UrgencyEmergency}
	if got := Score(best); got != 100 {
		t.Fatalf("expected clamp at 100, got %v", got)
	}
}

func TestScoreRoundedToTwoDecimals(t *testing.T) {
	s := Score(Input{DistanceMiles: f(3.3), Rating: 3.7, CompletedJobs: 7, DeclinedJobs: 3, AvgResponseMinutes: f(11), Urgency: models.UrgencyLow})
	if s != math.Round(s*100)/100 {
		t.Fatalf("expected two-decimal precision, got %v", s)
	}
}

func TestDistanceMonotonicity(t *testing.T) {
	prev := math.Inf(1)
	for d := 0.0; d <= 60; d += 0.5 {
		s := Score(Input{DistanceMiles: f(d), Rating: 4.2, CompletedJobs: 12, DeclinedJobs: 1, AvgResponseMinutes: f(9)})
		if s > prev {
			t.Fatalf("score increased with distance at %v: %v > %v", d, s, prev)
		}
		prev = s
	}
}

func TestUnknownDistanceScoresZeroTerm(t *testing.T) {
	if DistanceScore(nil) != 0 {
		t.Fatalf("expected zero distance term for unknown distance")
	}
	far := Score(Input{DistanceMiles: f(500), Rating: 4})
	unknown := Score(Input{Rating: 4})
	if unknown > far {
		t.Fatalf("unknown distance should not beat a known far provider: %v > %v", unknown, far)
	}
}

func TestCompletionRateDefaults(t *testing.T) {
	if CompletionRate(0, 0) != 50 {
		t.Fatalf("expected default 50")
	}
	if CompletionRate(3, 1) != 75 {
		t.Fatalf("expected 75, got %v", CompletionRate(3, 1))
	}
}

func TestResponsivenessAndExperience(t *testing.T) {
	if ResponsivenessScore(f(15)) != 0 || ResponsivenessScore(f(30)) != 0 {
		t.Fatalf("expected zero at or beyond par")
	}
	if ResponsivenessScore(f(7.5)) != 50 {
		t.Fatalf("expected 50 at half par, got %v", ResponsivenessScore(f(7.5)))
	}
	if ResponsivenessScore(nil) != 50 {
		t.Fatalf("expected neutral score for unknown response time")
	}
	if ExperienceScore(0) != 0 {
		t.Fatalf("expected zero experience for no jobs")
	}
	if ExperienceScore(1_000_000) != 100 {
		t.Fatalf("expected experience capped at 100")
	}
}

// A close five star provider beats a farther three star one even when both
// get the emergency multiplier.
func TestEmergencyCloserHigherRatedRanksFirst(t *testing.T) {
	near := Score(Input{DistanceMiles: f(1), Rating: 5, Urgency: models.UrgencyEmergency})
	far := Score(Input{DistanceMiles: f(8), Rating: 3, Urgency: models.UrgencyEmergency})
	ranked := Rank([]Candidate{{ProviderID: "far", Score: far}, {ProviderID: "near", Score: near}})
	if ranked[0].ProviderID != "near" {
		t.Fatalf("expected near provider first, got %+v", ranked)
	}
}

func TestRankTieBreakByProviderID(t *testing.T) {
	cands := []Candidate{{ProviderID: "p3", Score: 70}, {ProviderID: "p1", Score: 70}, {ProviderID: "p2", Score: 90}}
	for i := 0; i < 10; i++ {
		got := Rank(cands)
		if got[0].ProviderID != "p2" || got[1].ProviderID != "p1" || got[2].ProviderID != "p3" {
			t.Fatalf("unexpected order %+v", got)
		}
	}
	if cands[0].ProviderID != "p3" {
		t.Fatalf("Rank must not reorder its input")
	}
}

func TestResponseWindow(t *testing.T) {
	cases := map[models.Urgency]time.Duration{
		models.UrgencyEmergency: 10 * time.Minute,
		models.UrgencyHigh:      15 * time.Minute,
		models.UrgencyMedium:    30 * time.Minute,
		models.UrgencyLow:       60 * time.Minute,
		models.Urgency("weird"): 30 * time.Minute,
	}
	for u, want := range cases {
		if got := ResponseWindow(u); got != want {
			t.Fatalf("urgency %q: expected %v, got %v", u, want, got)
		}
	}
}
