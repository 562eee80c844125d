// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workerpool runs independent jobs on a fixed set of persistent
// workers. The CLI uses it to schedule many pipeline files at once; each
// scheduling run is itself single-threaded.
//
// Usage:
//
//	pool := workerpool.New(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//
//	errs := pool.Run(ctx, len(files), func(ctx context.Context, i int) error {
//		return scheduleFile(ctx, files[i])
//	})
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a set of workers spawned once and reused by every call.
type Pool struct {
	numWorkers int
	workC      chan job
	closeOnce  sync.Once
	closed     atomic.Bool
}

type job struct {
	fn   func()
	done *sync.WaitGroup
}

// New starts a pool of numWorkers workers. If numWorkers <= 0, it uses
// GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan job, numWorkers),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for j := range p.workC {
		j.fn()
		j.done.Done()
	}
}

// NumWorkers returns the number of workers.
func (p *Pool) NumWorkers() int { return p.numWorkers }

// Close stops the workers after pending jobs finish. It is safe to call
// more than once; a closed pool runs jobs on the calling goroutine.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// Run calls fn for every index in [0, n) and returns the error of each
// call, indexed like the jobs. Workers take the next index as they become
// free, so slow jobs do not hold up the others. Once ctx is done, indices
// not yet started are skipped and report ctx.Err().
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	if n <= 0 {
		return nil
	}
	errs := make([]error, n)
	var next atomic.Int64
	drain := func() {
		for {
			i := int(next.Add(1)) - 1
			if i >= n {
				return
			}
			if err := ctx.Err(); err != nil {
				errs[i] = err
				continue
			}
			errs[i] = fn(ctx, i)
		}
	}

	workers := min(p.numWorkers, n)
	if p.closed.Load() || workers == 1 {
		drain()
		return errs
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		p.workC <- job{fn: drain, done: &wg}
	}
	wg.Wait()
	return errs
}

// FirstError returns the first non-nil error of errs, in index order.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
