package cascade

import (
	"fmt"
	"sync"
)

// Pool is a simple pool of cascade predictors for processing images across
// multiple worker goroutines.  A single Cascade records per-run statistics
// and so cannot be shared, the pool hands each worker its own instance
type Pool struct {
	// pool of predictors
	predictors chan *Cascade
	// size of pool
	size int

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of the given size, building each predictor with
// the supplied constructor
func NewPool(size int, build func() (*Cascade, error)) (*Pool, error) {

	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	p := &Pool{
		predictors: make(chan *Cascade, size),
		size:       size,
	}

	for i := 0; i < size; i++ {

		cas, err := build()

		if err != nil {
			p.Close()
			return nil, fmt.Errorf("building predictor %d: %w", i, err)
		}

		p.Return(cas)
	}

	return p, nil
}

// Get takes a predictor from the pool, blocking until one is available.
// After Close it returns nil
func (p *Pool) Get() *Cascade {
	return <-p.predictors
}

// Return puts a predictor back into the pool.  Returning to a closed pool
// discards the predictor
func (p *Pool) Return(cas *Cascade) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.predictors <- cas:
	default:
		// pool is full
	}
}

// Close the pool.  Safe to call more than once
func (p *Pool) Close() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.predictors)
}
