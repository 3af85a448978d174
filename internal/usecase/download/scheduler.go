package download

import (
	"context"
	"sync"

	"github.com/bnema/zerowrap"
)

// Scheduler bounds global task concurrency at N_tasks (spec.md §4.4,
// component C4) and honours the pause/resume/cancel/retry verbs. Tasks
// are admitted FIFO by submission order; blob-level concurrency is
// enforced inside Runner.fetch per task.
type Scheduler struct {
	runner *Runner
	nTasks int
	admit  chan string
	log    zerowrap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler constructs a Scheduler and starts its nTasks worker
// goroutines. Call Shutdown to stop admitting new tasks and cancel all
// in-flight transfers gracefully.
func NewScheduler(runner *Runner, nTasks int, log zerowrap.Logger) *Scheduler {
	if nTasks <= 0 {
		nTasks = 3
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:     runner,
		nTasks:     nTasks,
		admit:      make(chan string, 4096),
		log:        log,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		cancels:    make(map[string]context.CancelFunc),
	}
	for i := 0; i < nTasks; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case id := <-s.admit:
			s.runOne(id)
		case <-s.baseCtx.Done():
			return
		}
	}
}

func (s *Scheduler) runOne(id string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()

	s.runner.Run(ctx, id)

	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
	cancel()
}

// Admit enqueues id for scheduling (Pending, or a resumed/retried task).
// Idempotent from the caller's perspective: Admit never blocks (the
// queue is large and unbounded in practice for this engine's scale).
func (s *Scheduler) Admit(id string) {
	select {
	case s.admit <- id:
	case <-s.baseCtx.Done():
		s.log.Warn().Str("task_id", id).Msg("admit rejected, scheduler is shutting down")
	}
}

// Stop trips the cancellation token for id's in-flight run, if any. It
// is a no-op if the task is not currently running (e.g. still Pending
// in the admit queue, or already terminal).
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown stops admitting new tasks, cancels every in-flight run, and
// waits for all workers to drain (spec.md §5 graceful shutdown). It
// does not close the admit channel: a concurrent Admit racing Shutdown
// would then select between a closed-channel send and baseCtx.Done(),
// and Go gives no priority between two ready select cases, risking a
// send-on-closed-channel panic. Cancelling baseCtx is sufficient on its
// own to unblock every worker.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
