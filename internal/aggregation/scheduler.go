package aggregation

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
)

// TaskLister is the minimal task-set view the scheduler needs to start and
// stop per-task workers; satisfied by dap.TaskRepository.
type TaskLister interface {
	List(ctx context.Context) ([]dap.Task, error)
}

// SchedulerParams controls the per-task jittered-interval and task-set
// refresh cadence (spec.md §5: "a worker runs on a jittered interval
// (creation_interval seconds, initial phase uniformly random in
// [0, creation_interval))... task-set is refreshed every
// tasks_update_frequency").
type SchedulerParams struct {
	CreationInterval     time.Duration
	TasksUpdateFrequency time.Duration
}

// Scheduler runs one Creator.RunOnce worker per task, each on its own
// jittered ticker, adding and removing per-task workers as the task set
// changes. It is the rework of the teacher's Scheduler/drainBacklog: same
// select-on-ticker-or-ctx.Done shape, now per task instead of per
// bucket-size stream, with an initial random phase instead of an immediate
// first tick, and a periodic task-set refresh instead of a fixed rule list.
type Scheduler struct {
	tasks   TaskLister
	creator *Creator
	params  SchedulerParams

	mu      sync.Mutex
	workers map[string]context.CancelFunc
}

// NewScheduler creates a task-set-driven aggregation-job-creator scheduler.
func NewScheduler(tasks TaskLister, creator *Creator, params SchedulerParams) *Scheduler {
	return &Scheduler{
		tasks:   tasks,
		creator: creator,
		params:  params,
		workers: make(map[string]context.CancelFunc),
	}
}

// Start begins the task-set refresh loop. Runs until ctx is cancelled;
// every started per-task worker is itself cancelled on return.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("[Scheduler] Starting aggregation job creator scheduler",
		"creation_interval", s.params.CreationInterval,
		"tasks_update_frequency", s.params.TasksUpdateFrequency,
	)

	s.refresh(ctx)

	ticker := time.NewTicker(s.params.TasksUpdateFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")
			s.stopAll()
			return nil
		}
	}
}

// refresh loads the current task set and starts/stops per-task workers to
// match it.
func (s *Scheduler) refresh(ctx context.Context) {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		slog.Error("[Scheduler] Failed to list tasks, keeping existing workers", "error", err)
		return
	}

	seen := make(map[string]bool, len(tasks))
	now := time.Now()

	s.mu.Lock()
	for i := range tasks {
		task := tasks[i]
		if task.Role != dap.RoleLeader || task.Expired(now) {
			continue
		}
		seen[task.ID] = true
		if _, ok := s.workers[task.ID]; ok {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		s.workers[task.ID] = cancel
		go s.runTaskWorker(workerCtx, task)
	}

	for taskID, cancel := range s.workers {
		if !seen[taskID] {
			slog.Info("[Scheduler] Task removed from task set, stopping worker", "task_id", taskID)
			cancel()
			delete(s.workers, taskID)
		}
	}
	s.mu.Unlock()
}

// runTaskWorker drives one task's Creator.RunOnce calls on a jittered
// ticker: an initial phase uniformly random in [0, CreationInterval), then
// fixed-period ticks until workerCtx is cancelled (task removed from the
// task set or Scheduler stopped).
func (s *Scheduler) runTaskWorker(ctx context.Context, task dap.Task) {
	initialDelay := time.Duration(rand.Int63n(int64(s.params.CreationInterval)))
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	slog.Info("[Scheduler] Starting task worker", "task_id", task.ID, "initial_delay", initialDelay)

	for {
		select {
		case <-timer.C:
			s.runOnceLogged(ctx, &task)
			timer.Reset(s.params.CreationInterval)
		case <-ctx.Done():
			slog.Info("[Scheduler] Task worker stopped", "task_id", task.ID)
			return
		}
	}
}

// runOnceLogged drains every packable batch of unaggregated reports for the
// task, the same "keep calling RunOnce until nothing was packed" shape as
// the teacher's drainBacklog, since one tick may find more unaggregated
// reports than a single job-creation pass packs.
func (s *Scheduler) runOnceLogged(ctx context.Context, task *dap.Task) {
	for {
		packed, err := s.creator.RunOnce(ctx, task)
		if err != nil {
			slog.Error("[Scheduler] Aggregation job creation failed", "task_id", task.ID, "error", err)
			return
		}
		if !packed {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, cancel := range s.workers {
		cancel()
		delete(s.workers, taskID)
	}
}
