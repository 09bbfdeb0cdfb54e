package dispatch

import (
	"sort"

	"github.com/aristath/concord/internal/graph"
	"github.com/aristath/concord/internal/provider"
)

const (
	// failureStreakThreshold is the consecutive-failure count beyond which a
	// provider's score is penalized. The provider stays selectable.
	failureStreakThreshold = 3
	streakPenalty          = 0.5
)

// Profile carries the static attributes of one provider, as configured.
type Profile struct {
	CostPerCall float64
	Specialties []graph.TaskType
	Weight      float64 // Ranking multiplier; 0 means 1
}

// ScoreFunc ranks a provider for a task type. Higher is better.
type ScoreFunc func(id string, p Profile, st provider.Stats, taskType graph.TaskType) float64

// DefaultScore blends observed success rate and latency with the
// provider's configured specialties and weight.
func DefaultScore(id string, p Profile, st provider.Stats, taskType graph.TaskType) float64 {
	// Untried providers rank mid-pack so they get sampled
	rate := 0.75
	if st.Requests > 0 {
		rate = st.SuccessRate
	}

	speed := 0.5
	if st.AvgLatency > 0 {
		speed = 1 / (1 + st.AvgLatency.Seconds())
	}

	score := 0.6*rate + 0.3*speed

	for _, s := range p.Specialties {
		if s == taskType {
			score += 0.15
			break
		}
	}

	weight := p.Weight
	if weight <= 0 {
		weight = 1
	}
	score *= weight

	if st.ConsecutiveFailures > failureStreakThreshold {
		score *= streakPenalty
	}

	return score
}

// ranked orders registered providers by score for the task type and keeps
// the top FanOut of them. A named primary is always part of the selection.
func (p *Pool) ranked(taskType graph.TaskType, primary string) []string {
	ids := p.registry.IDs()
	if len(ids) == 0 {
		return nil
	}

	type scored struct {
		id    string
		score float64
	}
	list := make([]scored, 0, len(ids))
	for _, id := range ids {
		st, _ := p.stats.Snapshot(id)
		list = append(list, scored{id: id, score: p.score(id, p.profiles[id], st, taskType)})
	}
	// Stable sort keeps registration order between equal scores
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	limit := p.cfg.FanOut
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}

	out := make([]string, 0, limit)
	primaryIncluded := false
	for _, s := range list[:limit] {
		out = append(out, s.id)
		if s.id == primary {
			primaryIncluded = true
		}
	}

	if primary != "" && !primaryIncluded {
		if _, ok := p.registry.Get(primary); ok {
			out[len(out)-1] = primary
		}
	}

	return out
}

// estimate sums the expected cost of the selected providers: the
// configured per-call cost, or the observed average when none is set.
func (p *Pool) estimate(candidates []string) float64 {
	total := 0.0
	for _, id := range candidates {
		cost := p.profiles[id].CostPerCall
		if cost == 0 {
			if st, ok := p.stats.Snapshot(id); ok {
				cost = st.AvgCost()
			}
		}
		total += cost
	}
	return total
}
