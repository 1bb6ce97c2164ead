package tool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mwade/parley/internal/observability"
)

// job is one unit of work for the pool. The worker cancels the job context
// when the handler returns so timers are reclaimed promptly.
type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	run    func(ctx context.Context)
}

// pool runs jobs on a fixed number of workers. There is no elastic growth:
// when every worker is busy, submitters queue on the channel until a worker
// frees up or their deadline expires.
type pool struct {
	jobs      chan *job
	wg        sync.WaitGroup
	queued    atomic.Int64
	closeOnce sync.Once
}

func newPool(workers int) *pool {
	p := &pool{
		jobs: make(chan *job),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// submit hands a job to a worker, reporting false when the context expired
// before any worker accepted it.
func (p *pool) submit(ctx context.Context, j *job) bool {
	p.queued.Add(1)
	observability.SetToolQueueDepth(int(p.queued.Load()))
	defer func() {
		p.queued.Add(-1)
		observability.SetToolQueueDepth(int(p.queued.Load()))
	}()

	select {
	case p.jobs <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		// A job can sit in the channel past its deadline when the
		// submitter raced a worker pickup; skip it instead of running
		// a dead invocation.
		if j.ctx.Err() == nil {
			j.run(j.ctx)
		}
		j.cancel()
	}
}

// close stops accepting jobs and waits for in-flight handlers.
func (p *pool) close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
