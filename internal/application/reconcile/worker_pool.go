package reconcile

import (
	"context"
	"sync"

	domain "pg_settlement/internal/domain/order"
)

// workerPool runs handle for each order with a fixed number of workers.
type workerPool struct {
	workers int
	handle  func(*domain.Order)
}

func newWorkerPool(workers int, handle func(*domain.Order)) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	return &workerPool{workers: workers, handle: handle}
}

// run feeds orders to the workers until all are dispatched or ctx is done,
// waits for in-flight orders and returns how many were dispatched.
func (wp *workerPool) run(ctx context.Context, orders []*domain.Order) int {
	queue := make(chan *domain.Order)
	var wg sync.WaitGroup

	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for o := range queue {
				wp.handle(o)
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case queue <- o:
			dispatched++
		}
	}
	close(queue)
	wg.Wait()
	return dispatched
}
