package backend

import (
	"sync"
	"sync/atomic"
)

// WeightTable maps service id to instance address to weight.
type WeightTable map[string]map[string]int

// WeightedRoundRobin selects instances in a fixed cyclic order where each
// instance appears as often as its weight. Selections never take a lock.
type WeightedRoundRobin struct {
	weights atomic.Pointer[WeightTable]
	cursors sync.Map // service id -> *atomic.Uint64
	metrics *Metrics
}

// SelectorOption is a functional option for the selector.
type SelectorOption func(*WeightedRoundRobin)

// WithSelectorMetrics sets the metrics for the selector.
func WithSelectorMetrics(metrics *Metrics) SelectorOption {
	return func(s *WeightedRoundRobin) {
		s.metrics = metrics
	}
}

// NewWeightedRoundRobin creates a selector with the given weight table.
func NewWeightedRoundRobin(weights WeightTable, opts ...SelectorOption) *WeightedRoundRobin {
	s := &WeightedRoundRobin{}
	s.SetWeights(weights)

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics("gateway")
	}

	return s
}

// SetWeights replaces the weight table. Cursors are kept.
func (s *WeightedRoundRobin) SetWeights(weights WeightTable) {
	clone := make(WeightTable, len(weights))
	for svc, table := range weights {
		t := make(map[string]int, len(table))
		for addr, w := range table {
			t[addr] = w
		}
		clone[svc] = t
	}
	s.weights.Store(&clone)
}

// Weight returns the effective weight of addr for serviceID. Unconfigured
// and non-positive weights are 1.
func (s *WeightedRoundRobin) Weight(serviceID, addr string) int {
	if w := (*s.weights.Load())[serviceID][addr]; w > 0 {
		return w
	}
	return 1
}

// Choose picks one of live for serviceID. A single live instance is always
// returned regardless of its weight.
func (s *WeightedRoundRobin) Choose(serviceID string, live []Instance) (Instance, error) {
	switch len(live) {
	case 0:
		s.metrics.RecordNoInstances(serviceID)
		return Instance{}, ErrNoInstances
	case 1:
		s.metrics.RecordSelection(serviceID, live[0].Address())
		return live[0], nil
	}

	table := (*s.weights.Load())[serviceID]
	weights := make([]uint64, len(live))
	var total uint64
	for i, inst := range live {
		w := table[inst.Address()]
		if w < 1 {
			w = 1
		}
		weights[i] = uint64(w)
		total += uint64(w)
	}

	idx := s.advance(serviceID, total)

	chosen := live[len(live)-1]
	var acc uint64
	for i, w := range weights {
		acc += w
		if idx < acc {
			chosen = live[i]
			break
		}
	}

	s.metrics.RecordSelection(serviceID, chosen.Address())
	return chosen, nil
}

// advance returns the current position and moves the cursor forward modulo
// total. The position is reduced modulo total first so a shrinking instance
// set never yields an out of range index.
func (s *WeightedRoundRobin) advance(serviceID string, total uint64) uint64 {
	cursor := s.cursor(serviceID)
	for {
		cur := cursor.Load()
		idx := cur % total
		if cursor.CompareAndSwap(cur, (idx+1)%total) {
			return idx
		}
	}
}

func (s *WeightedRoundRobin) cursor(serviceID string) *atomic.Uint64 {
	if c, ok := s.cursors.Load(serviceID); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := s.cursors.LoadOrStore(serviceID, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}
