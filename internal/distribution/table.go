package distribution

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
)

// ErrNoActiveBackends is returned when every probed endpoint was unreachable.
var ErrNoActiveBackends = errors.New("no active backends")

// Ranked is a measured endpoint placed at its latency rank.
type Ranked struct {
	Endpoint backend.Endpoint
	Rank     int
	Weight   int
}

// Table is an immutable weighted selection structure. It stores cumulative
// weights instead of duplicating entries.
type Table struct {
	ranked     []Ranked
	cumulative []int
	total      int
}

// Build ranks the reachable endpoints of results and weights them by rank.
func Build(results []backend.Endpoint) (*Table, error) {
	measured := make([]backend.Endpoint, 0, len(results))
	for _, e := range results {
		if e.Reachable() {
			measured = append(measured, e)
		}
	}

	if len(measured) == 0 {
		return nil, ErrNoActiveBackends
	}

	slices.SortStableFunc(measured, func(a, b backend.Endpoint) int {
		switch {
		case a.Latency() < b.Latency():
			return -1
		case a.Latency() > b.Latency():
			return 1
		default:
			return 0
		}
	})

	n := len(measured)
	t := &Table{
		ranked:     make([]Ranked, n),
		cumulative: make([]int, n),
	}

	for i, e := range measured {
		weight := n - i
		t.total += weight
		t.ranked[i] = Ranked{Endpoint: e, Rank: i, Weight: weight}
		t.cumulative[i] = t.total
	}

	return t, nil
}

// Len returns the sum of all weights, N*(N+1)/2 for N ranked endpoints.
func (t *Table) Len() int {
	return t.total
}

// Ranked returns the ranked endpoints, fastest first.
func (t *Table) Ranked() []Ranked {
	return slices.Clone(t.ranked)
}

// Occurrences returns how many entries address holds in the expanded table.
func (t *Table) Occurrences(address string) int {
	for _, r := range t.ranked {
		if r.Endpoint.Address() == address {
			return r.Weight
		}
	}
	return 0
}

// At returns the endpoint at position k of the expanded table. k must be in
// [0, Len()).
func (t *Table) At(k int) backend.Endpoint {
	i := sort.SearchInts(t.cumulative, k+1)
	return t.ranked[i].Endpoint
}

// Pick draws a uniformly random position of the expanded table.
func (t *Table) Pick(r *rand.Rand) backend.Endpoint {
	return t.At(r.IntN(t.total))
}

// Expand returns the duplicated representation: each rank i repeated N-i
// times, ranks in ascending order.
func (t *Table) Expand() []backend.Endpoint {
	out := make([]backend.Endpoint, 0, t.total)
	for _, r := range t.ranked {
		for range r.Weight {
			out = append(out, r.Endpoint)
		}
	}
	return out
}
