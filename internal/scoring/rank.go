package scoring

import "sort"

type Candidate struct {
	ProviderID    string
	Score         float64
	DistanceMiles *float64
}

// Rank orders candidates best first. Equal scores fall back to provider id so
// the same inputs always produce the same ranking.
func Rank(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}
