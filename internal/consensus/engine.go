package consensus

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/aristath/concord/internal/provider"
)

// DefaultMajorityThreshold is both the pairwise-similarity bar for joining
// an agreement group and the fraction of responses the largest group must
// cover for consensus.
const DefaultMajorityThreshold = 0.6

// DefaultMinResponses is the usable-response floor below which a round
// degrades instead of voting.
const DefaultMinResponses = 2

// degradedConfidence is reported when the usable-response floor is not met
// and no real agreement can be measured.
const degradedConfidence = 30

// confidenceCap avoids false certainty from small samples.
const confidenceCap = 95

// Disagreement buckets the spread between responses, derived from the
// overall agreement ratio.
type Disagreement string

const (
	DisagreementLow      Disagreement = "low"       // agreement >= 0.8
	DisagreementModerate Disagreement = "moderate"  // agreement >= 0.6
	DisagreementHigh     Disagreement = "high"      // agreement >= 0.4
	DisagreementVeryHigh Disagreement = "very_high" // below 0.4
)

// Result is the immutable outcome of analyzing one fan-out round.
type Result struct {
	Reached       bool
	Agreement     float64 // Mean pairwise similarity in [0,1]
	Confidence    float64 // Bounded score, capped at confidenceCap
	Best          provider.Response
	Disagreement  Disagreement
	Diversity     int   // round((1-agreement)*100)
	GroupSizes    []int // Agreement group sizes, largest first
	Breakdown     map[string]float64
	ResponseCount int // Usable responses analyzed
}

// Engine clusters redundant responses by similarity, determines majority
// agreement, and selects a representative best response.
type Engine struct {
	threshold    float64
	minResponses int
	logger       *zap.Logger
}

// NewEngine creates an engine. A threshold outside (0,1] falls back to
// DefaultMajorityThreshold. Agreement needs at least two responses to
// measure, so a minResponses below that is raised to DefaultMinResponses.
func NewEngine(threshold float64, minResponses int, logger *zap.Logger) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMajorityThreshold
	}
	if minResponses < 2 {
		minResponses = DefaultMinResponses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{threshold: threshold, minResponses: minResponses, logger: logger}
}

// Analyze reduces a round's responses to a single consensus result.
// Responses that failed or carry no content are excluded up front; with
// fewer left than the engine's floor the result degrades to a fixed low
// confidence and the lone (or primary) response, never an error.
func (e *Engine) Analyze(responses []provider.Response) *Result {
	usable := make([]provider.Response, 0, len(responses))
	for _, r := range responses {
		if r.Success && r.Content != "" {
			usable = append(usable, r)
		}
	}

	if len(usable) < e.minResponses {
		return e.degraded(responses, usable)
	}

	n := len(usable)
	sims := pairwiseSimilarities(usable)

	groups := e.clusterGreedy(usable, sims)
	majority := groups[0]
	required := int(math.Ceil(float64(n) * e.threshold))
	reached := len(majority) >= required

	agreement := meanPairwise(sims, n)
	confidence := confidenceScore(agreement, n)

	best := e.selectBest(usable, sims, majority)

	result := &Result{
		Reached:       reached,
		Agreement:     agreement,
		Confidence:    confidence,
		Best:          best,
		Disagreement:  disagreementFor(agreement),
		Diversity:     int(math.Round((1 - agreement) * 100)),
		GroupSizes:    groupSizes(groups),
		Breakdown:     breakdown(usable, sims),
		ResponseCount: n,
	}

	e.logger.Debug("consensus analyzed",
		zap.Int("responses", n),
		zap.Bool("reached", reached),
		zap.Float64("agreement", agreement),
		zap.Float64("confidence", confidence),
		zap.String("best", best.Provider))

	return result
}

// degraded handles rounds below the usable-response floor: no consensus
// is possible and confidence is pinned low.
func (e *Engine) degraded(all, usable []provider.Response) *Result {
	var best provider.Response
	switch {
	case len(usable) > 0:
		best = primaryOrFirst(usable)
	case len(all) > 0:
		best = primaryOrFirst(all)
	}

	e.logger.Debug("consensus degraded, too few usable responses",
		zap.Int("usable", len(usable)),
		zap.Int("total", len(all)))

	return &Result{
		Reached:       false,
		Agreement:     0,
		Confidence:    degradedConfidence,
		Best:          best,
		Disagreement:  disagreementFor(0),
		Diversity:     100,
		GroupSizes:    nil,
		Breakdown:     nil,
		ResponseCount: len(usable),
	}
}

// clusterGreedy groups responses in a single pass: each unassigned response
// seeds a group and absorbs every later unassigned response whose pairwise
// similarity to the seed exceeds the threshold. Deliberately approximate -
// two responses both similar to a third may land apart; replacing this with
// transitive closure would change observable grouping.
func (e *Engine) clusterGreedy(usable []provider.Response, sims [][]float64) [][]int {
	n := len(usable)
	assigned := make([]bool, n)
	var groups [][]int

	for i := range n {
		if assigned[i] {
			continue
		}
		group := []int{i}
		assigned[i] = true
		for j := i + 1; j < n; j++ {
			if assigned[j] {
				continue
			}
			if sims[i][j] > e.threshold {
				group = append(group, j)
				assigned[j] = true
			}
		}
		groups = append(groups, group)
	}

	// Largest first; earlier seed wins ties to keep selection stable.
	sort.SliceStable(groups, func(a, b int) bool {
		return len(groups[a]) > len(groups[b])
	})
	return groups
}

// selectBest picks the round's representative response. A majority group of
// two or more yields its most central member: the one with the highest mean
// similarity to every other response in the full set, not just its own
// group, so a merely-paired outlier cannot win. All-singleton rounds fall
// back to the primary, then the first response.
func (e *Engine) selectBest(usable []provider.Response, sims [][]float64, majority []int) provider.Response {
	if len(majority) < 2 {
		return primaryOrFirst(usable)
	}

	bestIdx := majority[0]
	bestScore := -1.0
	for _, i := range majority {
		score := meanToOthers(sims, i, len(usable))
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return usable[bestIdx]
}

func primaryOrFirst(responses []provider.Response) provider.Response {
	for _, r := range responses {
		if r.Primary {
			return r
		}
	}
	return responses[0]
}

func pairwiseSimilarities(responses []provider.Response) [][]float64 {
	n := len(responses)
	sims := make([][]float64, n)
	for i := range sims {
		sims[i] = make([]float64, n)
		sims[i][i] = 1
	}
	for i := range n {
		for j := i + 1; j < n; j++ {
			s := Similarity(responses[i].Content, responses[j].Content)
			sims[i][j] = s
			sims[j][i] = s
		}
	}
	return sims
}

func meanPairwise(sims [][]float64, n int) float64 {
	if n < 2 {
		return 0
	}
	sum := 0.0
	pairs := 0
	for i := range n {
		for j := i + 1; j < n; j++ {
			sum += sims[i][j]
			pairs++
		}
	}
	return sum / float64(pairs)
}

func meanToOthers(sims [][]float64, i, n int) float64 {
	if n < 2 {
		return 0
	}
	sum := 0.0
	for j := range n {
		if j != i {
			sum += sims[i][j]
		}
	}
	return sum / float64(n-1)
}

// confidenceScore rewards both agreement and corroboration count. The
// sample-size bonus tops out at 15 and the whole score at confidenceCap.
func confidenceScore(agreement float64, n int) float64 {
	bonus := float64(n-1) * 5
	if bonus > 15 {
		bonus = 15
	}
	score := 70 + agreement*20 + bonus
	if score > confidenceCap {
		return confidenceCap
	}
	return score
}

func disagreementFor(agreement float64) Disagreement {
	switch {
	case agreement >= 0.8:
		return DisagreementLow
	case agreement >= 0.6:
		return DisagreementModerate
	case agreement >= 0.4:
		return DisagreementHigh
	}
	return DisagreementVeryHigh
}

func groupSizes(groups [][]int) []int {
	sizes := make([]int, len(groups))
	for i, g := range groups {
		sizes[i] = len(g)
	}
	return sizes
}

func breakdown(responses []provider.Response, sims [][]float64) map[string]float64 {
	out := make(map[string]float64, len(responses))
	for i, r := range responses {
		out[r.Provider] = meanToOthers(sims, i, len(responses))
	}
	return out
}
