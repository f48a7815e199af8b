package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// job runs store I/O off the loop. The returned func, if any, is applied on
// the loop.
type job func(ctx context.Context) func()

// shard runs its jobs one at a time, in submission order.
type shard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool
}

// pool is a fixed set of shards keyed by valve id, so store operations for
// one valve never overlap while different valves proceed in parallel.
// submit never blocks.
type pool struct {
	shards    []*shard
	wg        sync.WaitGroup
	timeout   time.Duration
	post      func(func())
	pending   atomic.Int64
	onPending func(int)
}

func newPool(workers int, timeout time.Duration, post func(func()), onPending func(int)) *pool {
	p := &pool{
		shards:    make([]*shard, workers),
		timeout:   timeout,
		post:      post,
		onPending: onPending,
	}
	for i := range p.shards {
		s := &shard{}
		s.cond = sync.NewCond(&s.mu)
		p.shards[i] = s
		p.wg.Add(1)
		go p.run(s)
	}
	return p
}

func (p *pool) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// submit queues j on key's shard. It reports false after close.
func (p *pool) submit(key string, j job) bool {
	s := p.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, j)
	p.onPending(int(p.pending.Add(1)))
	s.cond.Signal()
	return true
}

func (p *pool) idle() bool {
	return p.pending.Load() == 0
}

// close runs every queued job and waits for the workers to exit.
func (p *pool) close() {
	for _, s := range p.shards {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	p.wg.Wait()
}

func (p *pool) run(s *shard) {
	defer p.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		apply := j(ctx)
		cancel()
		if apply != nil {
			p.post(apply)
		}
		// Counted until the result is posted, so idle means every result
		// is already on the loop's channel.
		p.onPending(int(p.pending.Add(-1)))
	}
}
