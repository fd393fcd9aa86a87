// Package worker bounds how many executions run at once.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool is a fixed-size semaphore over goroutines. A slot is reserved with
// TryAcquire before any work is claimed, then handed to Go which releases it
// when fn returns.
type Pool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// TryAcquire reserves a slot without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot reserved by TryAcquire or Acquire that was not
// passed to Go.
func (p *Pool) Release() { <-p.sem }

// Go runs fn on a reserved slot and frees the slot when fn returns.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every fn started with Go has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

func (p *Pool) Size() int { return cap(p.sem) }
