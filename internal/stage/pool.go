package stage

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool runs record processing in the background with at most n jobs in
// flight. Jobs run under the pool's context, not the request that queued
// them.
type pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	// mu orders wg.Add in Go against the Wait in shutdown.
	mu     sync.Mutex
	closed bool
}

func newPool(n int) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &pool{ctx: ctx, cancel: cancel, sem: semaphore.NewWeighted(int64(n))}
}

// Go queues fn. It returns false once shutdown has begun.
func (p *pool) Go(fn func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn(p.ctx)
	}()
	return true
}

// accepting reports whether Go would still queue work.
func (p *pool) accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// wait blocks until every queued job has returned.
func (p *pool) wait() {
	p.wg.Wait()
}

// shutdown stops accepting jobs and waits for the queued ones. When ctx
// ends first the running jobs are cancelled.
func (p *pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
