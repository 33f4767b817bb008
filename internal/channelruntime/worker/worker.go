package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("worker pool closed")

type StartOptions[J any] struct {
	Ctx    context.Context
	Sem    chan struct{}
	Jobs   <-chan J
	Handle func(context.Context, J)
	// Done, if set, runs when the worker goroutine exits.
	Done func()
}

// Start drains Jobs in order on one goroutine. Each job holds a slot of Sem
// while it runs.
func Start[J any](opts StartOptions[J]) {
	go func() {
		if opts.Done != nil {
			defer opts.Done()
		}
		for {
			select {
			case <-opts.Ctx.Done():
				return
			case job, ok := <-opts.Jobs:
				if !ok {
					return
				}
				select {
				case opts.Sem <- struct{}{}:
				case <-opts.Ctx.Done():
					return
				}
				func() {
					defer func() { <-opts.Sem }()
					opts.Handle(opts.Ctx, job)
				}()
			}
		}
	}()
}

func Enqueue[J any](ctx, workersCtx context.Context, jobs chan<- J, job J) error {
	if ctx == nil {
		ctx = workersCtx
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-workersCtx.Done():
		return workersCtx.Err()
	case jobs <- job:
		return nil
	}
}

const DefaultQueueSize = 16

type PoolOptions[K comparable, J any] struct {
	// MaxConcurrency bounds how many keys run a job at the same time.
	MaxConcurrency int
	// QueueSize is the per-key buffer; Submit blocks when it is full.
	QueueSize int
	Handle    func(ctx context.Context, key K, job J)
}

// Pool runs jobs serially per key and concurrently across keys.
type Pool[K comparable, J any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	opts   PoolOptions[K, J]

	// closeMu is held shared by in-flight Submits so Close never closes a
	// queue under a pending send.
	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	queues  map[K]chan J
	running sync.WaitGroup
}

func NewPool[K comparable, J any](ctx context.Context, opts PoolOptions[K, J]) *Pool[K, J] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	workersCtx, cancel := context.WithCancel(ctx)
	return &Pool[K, J]{
		ctx:    workersCtx,
		cancel: cancel,
		sem:    make(chan struct{}, opts.MaxConcurrency),
		opts:   opts,
		queues: make(map[K]chan J),
	}
}

// Submit queues job behind earlier jobs of the same key, starting the key's
// worker on first use.
func (p *Pool[K, J]) Submit(ctx context.Context, key K, job J) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.mu.Lock()
	jobs := p.getOrStartWorkerLocked(key)
	p.mu.Unlock()
	return Enqueue(ctx, p.ctx, jobs, job)
}

func (p *Pool[K, J]) getOrStartWorkerLocked(key K) chan J {
	if jobs, ok := p.queues[key]; ok {
		return jobs
	}
	jobs := make(chan J, p.opts.QueueSize)
	p.queues[key] = jobs
	p.running.Add(1)
	Start(StartOptions[J]{
		Ctx:  p.ctx,
		Sem:  p.sem,
		Jobs: jobs,
		Handle: func(ctx context.Context, job J) {
			p.opts.Handle(ctx, key, job)
		},
		Done: p.running.Done,
	})
	return jobs
}

// Workers reports how many keys have a live worker.
func (p *Pool[K, J]) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

// Close stops accepting jobs, lets queued jobs finish and waits for the
// workers to exit. Cancelling the parent context stops them early.
func (p *Pool[K, J]) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.mu.Lock()
	for _, jobs := range p.queues {
		close(jobs)
	}
	p.mu.Unlock()
	p.closeMu.Unlock()
	p.running.Wait()
	p.cancel()
}
