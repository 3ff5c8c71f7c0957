// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines used to decode and augment images.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running concurrently.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// 0 runs tasks inline, and a negative value means unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the given parallelism. If maxParallelism is 0 tasks are run inline,
// and if it is negative, the parallelism is set to runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism < 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of concurrently running tasks. 0 means tasks are run inline.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// NumRunning returns the number of tasks currently running.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// WaitToStart waits until there is a worker available and starts the task in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Map runs fn(ii) for ii in [0, n) using the pool, and waits for all of them to finish.
// It returns the first error (by index) returned by fn.
func (w *Pool) Map(n int, fn func(ii int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for ii := 0; ii < n; ii++ {
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			errs[ii] = fn(ii)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
