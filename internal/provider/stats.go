package provider

import (
	"sync"
	"time"
)

// emaSmoothing weights new observations into the rolling averages.
const emaSmoothing = 0.1

// Stats is a value snapshot of one provider's rolling performance counters.
type Stats struct {
	Provider            string
	Requests            int64
	Successes           int64
	Failures            int64
	ConsecutiveFailures int
	SuccessRate         float64       // EMA over outcomes (1 success, 0 failure)
	AvgLatency          time.Duration // EMA over successful call latencies
	TotalCost           float64
	TotalTokens         int64
	LastUsed            time.Time
}

// AvgCost returns the observed mean cost per successful call, or 0 when the
// provider has not succeeded yet.
func (s Stats) AvgCost() float64 {
	if s.Successes == 0 {
		return 0
	}
	return s.TotalCost / float64(s.Successes)
}

// StatsStore owns per-provider rolling statistics. Every mutation happens
// through the record calls under the store's lock; readers receive value
// snapshots, never pointers into the store, so concurrent rounds can write
// while rankers read.
type StatsStore struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

// NewStatsStore creates an empty store.
func NewStatsStore() *StatsStore {
	return &StatsStore{stats: make(map[string]*Stats)}
}

// RecordSuccess folds a completed call into the provider's rolling stats:
// EMA latency and success rate, streak reset, cumulative cost and tokens.
func (s *StatsStore) RecordSuccess(id string, latency time.Duration, cost float64, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getLocked(id)
	st.Requests++
	st.Successes++
	st.ConsecutiveFailures = 0
	st.TotalCost += cost
	st.TotalTokens += int64(tokens)
	st.LastUsed = time.Now()

	if st.Successes == 1 {
		// First observation seeds the average directly.
		st.AvgLatency = latency
	} else {
		st.AvgLatency += time.Duration(emaSmoothing * float64(latency-st.AvgLatency))
	}

	if st.Requests == 1 {
		st.SuccessRate = 1
	} else {
		st.SuccessRate += emaSmoothing * (1 - st.SuccessRate)
	}
}

// RecordFailure folds a failed call into the provider's rolling stats,
// extending the consecutive-failure streak.
func (s *StatsStore) RecordFailure(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getLocked(id)
	st.Requests++
	st.Failures++
	st.ConsecutiveFailures++
	st.LastUsed = time.Now()

	if st.Requests == 1 {
		st.SuccessRate = 0
	} else {
		st.SuccessRate += emaSmoothing * (0 - st.SuccessRate)
	}
}

// Snapshot returns a copy of one provider's stats.
func (s *StatsStore) Snapshot(id string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.stats[id]
	if !exists {
		return Stats{}, false
	}
	return *st, true
}

// SnapshotAll returns copies of every provider's stats.
func (s *StatsStore) SnapshotAll() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Stats, len(s.stats))
	for id, st := range s.stats {
		out[id] = *st
	}
	return out
}

// Restore seeds the store from persisted snapshots, replacing any existing
// entries with the same IDs. Used at startup when a host keeps stats across
// runs.
func (s *StatsStore) Restore(snapshots map[string]Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, snap := range snapshots {
		cp := snap
		cp.Provider = id
		s.stats[id] = &cp
	}
}

func (s *StatsStore) getLocked(id string) *Stats {
	st, exists := s.stats[id]
	if !exists {
		st = &Stats{Provider: id}
		s.stats[id] = st
	}
	return st
}
