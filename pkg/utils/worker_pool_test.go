package utils

import (
	"sync"
	"testing"
)

func TestWorkerPool(t *testing.T) {
	numResults := 10000

	pool := NewWorkerPool(4)
	pool.Start()

	var mu sync.Mutex
	results := make(map[int]struct{})

	for i := 0; i < numResults; i++ {
		n := i
		pool.SubmitOrRun(func() {
			mu.Lock()
			results[n] = struct{}{}
			mu.Unlock()
		})
	}

	pool.Wait()

	if len(results) != numResults {
		t.Errorf("Expected %d results, got %d", numResults, len(results))
	}
}

func TestWorkerPoolSubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Start()
	pool.Stop()
	pool.Stop()

	if pool.Submit(func() {}) {
		t.Error("Submit should fail after Stop")
	}
	pool.Wait()
}
