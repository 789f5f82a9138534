// Package parallel provides a bounded worker pool used as the execution
// context for data-parallel passes over ensemble members.
package parallel

import (
	"runtime"
	"sync"
)

// Pool fans a loop body out over a bounded number of goroutines. A nil Pool
// is valid and runs everything on the calling goroutine, so callers never
// need to guard against it.
type Pool struct {
	workers int
}

// New creates a pool with the given worker limit. A non-positive limit uses
// one worker per logical CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the pool's concurrency limit.
func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.workers
}

// Run executes body(i) for i in [0, n). It blocks until every iteration has
// finished. Iterations must not share mutable state unless they synchronize
// it themselves.
func (p *Pool) Run(n int, body func(i int)) {
	if n <= 0 {
		return
	}
	if p == nil || p.workers <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}
	wg.Wait()
}
