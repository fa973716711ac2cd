package loadbalancer

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
	"github.com/angeloszaimis/redirect-lb/internal/distribution"
)

var ErrNoTable = errors.New("no distribution table published")

// LoadBalancer holds the current distribution table and draws backends from
// it. Tables are replaced whole; a pick always sees one complete table.
type LoadBalancer struct {
	table atomic.Pointer[distribution.Table]
	mutex sync.Mutex
	rng   *rand.Rand
}

func NewLoadBalancer() *LoadBalancer {
	seed := uint64(time.Now().UnixNano())
	return NewLoadBalancerWithRand(rand.New(rand.NewPCG(seed, seed>>1|1)))
}

// NewLoadBalancerWithRand uses rng for every draw.
func NewLoadBalancerWithRand(rng *rand.Rand) *LoadBalancer {
	return &LoadBalancer{rng: rng}
}

// Swap publishes table and returns the one it replaces, if any.
func (lb *LoadBalancer) Swap(table *distribution.Table) *distribution.Table {
	return lb.table.Swap(table)
}

// Table returns the currently published table, or nil.
func (lb *LoadBalancer) Table() *distribution.Table {
	return lb.table.Load()
}

// Pick selects a backend from the current table.
func (lb *LoadBalancer) Pick() (backend.Endpoint, error) {
	table := lb.table.Load()
	if table == nil {
		return backend.Endpoint{}, ErrNoTable
	}

	lb.mutex.Lock()
	defer lb.mutex.Unlock()

	return table.Pick(lb.rng), nil
}
