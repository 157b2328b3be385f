package allocation

import (
	"math/rand/v2"
	"sync"
	"time"
)

// InputOrder consumes candidates in the order given.
type InputOrder struct{}

// Order returns the identity permutation.
func (InputOrder) Order(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// RandomOrder shuffles candidates so the excess does not always land on the same
// reference when several could cover the remainder. The order is not deterministic
// unless the generator is seeded.
type RandomOrder struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomOrder builds a shuffling orderer. A zero seed draws one from the clock.
func NewRandomOrder(seed uint64) *RandomOrder {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandomOrder{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Order returns a random permutation of [0, n).
func (o *RandomOrder) Order(n int) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rng.Perm(n)
}
