package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/errors"
)

// Verdict tells the scheduler what to do with a runnable after a quantum.
type Verdict int

const (
	Requeue Verdict = iota // still runnable, goes to the tail of the local queue
	Park                   // blocked, will be enqueued again by whoever wakes it
	Done                   // finished, dropped
)

func (v Verdict) String() string {
	switch v {
	case Requeue:
		return "requeue"
	case Park:
		return "park"
	case Done:
		return "done"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Runnable is a unit of work run one quantum at a time.
type Runnable interface {
	RunQuantum(ctx context.Context) Verdict
}

// Observer receives scheduling events. Implementations must be cheap and
// safe for concurrent use.
type Observer interface {
	Quantum(worker int, v Verdict, elapsed time.Duration)
	Steal(worker, n int)
}

// DefaultGlobalCheckInterval is how many quanta a worker runs between
// forced checks of the global queue.
const DefaultGlobalCheckInterval = 61

// Config holds configuration for scheduler creation
type Config struct {
	// Logger overrides the package logger.
	Logger *zap.Logger

	// Observer receives per-quantum events, for metrics.
	Observer Observer

	// Workers is the number of worker goroutines. 0 means GOMAXPROCS.
	Workers int

	// GlobalCheckInterval makes a worker look at the global queue before its
	// local one every that many quanta, so runnables enqueued from outside
	// are not starved by a busy local queue. 0 means the default.
	GlobalCheckInterval int
}

type worker struct {
	local queue
	id    int
	tick  int
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Workers int
	Idle    int
	Queued  int64
	Quanta  uint64
	Steals  uint64
}

// Scheduler multiplexes runnables over a fixed pool of worker goroutines.
// Each worker runs its local FIFO, falls back to the shared global queue and
// then steals half of a random peer's local queue.
type Scheduler struct {
	cfg     Config
	log     *zap.Logger
	workers []*worker
	global  queue

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	cond     *sync.Cond
	idle     int
	stopped  bool
	stopping atomic.Bool
	pending  atomic.Int64
	quanta   atomic.Uint64
	steals   atomic.Uint64
	wg       sync.WaitGroup
}

// New creates a scheduler and starts its workers.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = goruntime.GOMAXPROCS(0)
	}
	if cfg.GlobalCheckInterval <= 0 {
		cfg.GlobalCheckInterval = DefaultGlobalCheckInterval
	}
	s := &Scheduler{cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = Logger()
	}
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancelCause(context.Background())

	s.workers = make([]*worker, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = &worker{id: i}
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.work(w)
	}
	s.log.Debug("scheduler started", zap.Int("workers", cfg.Workers))
	return s
}

// Enqueue makes r runnable. It fails once Shutdown has begun.
func (s *Scheduler) Enqueue(r Runnable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.Shutdown(errors.PhaseRuntime)
	}
	s.global.push(r)
	s.pending.Add(1)
	if s.idle > 0 {
		s.cond.Signal()
	}
	return nil
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	return Stats{
		Workers: len(s.workers),
		Idle:    idle,
		Queued:  s.pending.Load(),
		Quanta:  s.quanta.Load(),
		Steals:  s.steals.Load(),
	}
}

// Shutdown stops handing out quanta and waits for the ones in flight. If ctx
// ends first, running quanta are interrupted through their context. It
// returns the runnables that were still queued.
func (s *Scheduler) Shutdown(ctx context.Context) ([]Runnable, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, nil
	}
	s.stopped = true
	s.stopping.Store(true)
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel(errors.Shutdown(errors.PhaseRuntime))
		<-done
	}
	s.cancel(context.Canceled)

	rest := s.global.drain()
	for _, w := range s.workers {
		rest = append(rest, w.local.drain()...)
	}
	s.pending.Store(0)
	s.log.Debug("scheduler stopped", zap.Int("unrun", len(rest)), zap.Uint64("quanta", s.quanta.Load()))
	return rest, err
}

func (s *Scheduler) work(w *worker) {
	defer s.wg.Done()
	for {
		r, ok := s.next(w)
		if !ok {
			return
		}
		s.run(w, r)
	}
}

func (s *Scheduler) next(w *worker) (Runnable, bool) {
	for {
		if s.stopping.Load() {
			return nil, false
		}
		if r, ok := s.find(w); ok {
			s.pending.Add(-1)
			return r, true
		}
		if s.pending.Load() > 0 {
			// queued work is in flight between queues
			goruntime.Gosched()
			continue
		}
		s.mu.Lock()
		for s.pending.Load() == 0 && !s.stopping.Load() {
			s.idle++
			s.cond.Wait()
			s.idle--
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) find(w *worker) (Runnable, bool) {
	w.tick++
	if w.tick%s.cfg.GlobalCheckInterval == 0 {
		if r, ok := s.global.pop(); ok {
			return r, true
		}
	}
	if r, ok := w.local.pop(); ok {
		return r, true
	}
	if r, ok := s.global.pop(); ok {
		return r, true
	}
	return s.steal(w)
}

func (s *Scheduler) steal(w *worker) (Runnable, bool) {
	n := len(s.workers)
	if n < 2 {
		return nil, false
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		peer := s.workers[(start+i)%n]
		if peer == w {
			continue
		}
		stolen := peer.local.stealHalf()
		if len(stolen) == 0 {
			continue
		}
		w.local.pushAll(stolen[1:])
		s.steals.Add(1)
		if s.cfg.Observer != nil {
			s.cfg.Observer.Steal(w.id, len(stolen))
		}
		return stolen[0], true
	}
	return nil, false
}

func (s *Scheduler) run(w *worker, r Runnable) {
	start := time.Now()
	v := s.quantum(w, r)
	s.quanta.Add(1)
	if s.cfg.Observer != nil {
		s.cfg.Observer.Quantum(w.id, v, time.Since(start))
	}
	if v != Requeue {
		return
	}
	w.local.push(r)
	s.pending.Add(1)
	s.mu.Lock()
	if s.idle > 0 {
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// quantum runs one quantum. A panic escaping it is a scheduler fault: it is
// logged and re-raised.
func (s *Scheduler) quantum(w *worker, r Runnable) Verdict {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("worker fault",
				zap.Int("worker", w.id),
				zap.Any("panic", p),
				zap.Stack("stack"))
			panic(p)
		}
	}()
	return r.RunQuantum(s.ctx)
}
