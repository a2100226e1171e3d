package engine

import (
	"context"
	"sync"
)

// RunBatch analyzes independent requests with up to workers tasks in flight.
// Results are returned in request order. Requests not started before ctx is
// done still get a failed Result from Analyze.
func RunBatch(ctx context.Context, a *Analyst, reqs []Request, workers int) []Result {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(reqs) {
		workers = len(reqs)
	}

	results := make([]Result, len(reqs))
	workCh := make(chan int)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				results[idx] = a.Analyze(ctx, reqs[idx])
			}
		}()
	}

	for i := range reqs {
		workCh <- i
	}
	close(workCh)
	wg.Wait()
	return results
}
