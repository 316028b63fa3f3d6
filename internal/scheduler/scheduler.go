// Package scheduler admits, queues and dispatches scan tasks.
//
// Admission enforces target validation, per-principal rate limits and a
// global inflight cap. Dispatch runs a fixed worker pool over a strict
// priority queue. All lifecycle transitions go through the store's
// compare-and-set so concurrent cancel/complete races resolve to exactly
// one terminal state.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/soclab/argus/internal/config"
	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/models"
	"github.com/soclab/argus/internal/netguard"
	"github.com/soclab/argus/internal/scanner"
	"github.com/soclab/argus/internal/store"
)

var (
	tasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "argus", Subsystem: "scheduler",
		Name: "tasks_submitted_total", Help: "Tasks admitted by the scheduler.",
	})
	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus", Subsystem: "scheduler",
		Name: "tasks_finished_total", Help: "Tasks reaching a terminal state.",
	}, []string{"state"})
	tasksRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "argus", Subsystem: "scheduler",
		Name: "tasks_retried_total", Help: "Transient failures re-queued for retry.",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "argus", Subsystem: "scheduler",
		Name: "queue_depth", Help: "Tasks waiting for a worker.",
	})
	inflightTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "argus", Subsystem: "scheduler",
		Name: "inflight_tasks", Help: "Admitted tasks not yet terminal.",
	})
)

func init() {
	prometheus.MustRegister(tasksSubmitted, tasksFinished, tasksRetried, queueDepth, inflightTasks)
}

// TaskRunner executes one task to completion. Implemented by the scanner
// engine.
type TaskRunner interface {
	Run(ctx context.Context, task *models.ScanTask) (*scanner.RunResult, error)
}

// Publisher is the event sink for terminal notifications.
type Publisher interface {
	Publish(ev models.Event)
}

// Scheduler owns the task lifecycle from submission to terminal state.
type Scheduler struct {
	cfg       *config.Config
	store     store.TaskStore
	runner    TaskRunner
	hub       Publisher
	validator *netguard.Validator

	queue   *taskQueue
	limiter *rateLimiter

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	held     map[string]context.CancelFunc // scheduled-At timers by task id
	inflight int

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a scheduler. Start must be called before it dispatches work.
func New(cfg *config.Config, st store.TaskStore, runner TaskRunner, hub Publisher, validator *netguard.Validator) *Scheduler {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		baseCtx:   baseCtx,
		stop:      stop,
		cfg:       cfg,
		store:     st,
		runner:    runner,
		hub:       hub,
		validator: validator,
		queue:     newTaskQueue(),
		limiter:   newRateLimiter(cfg.SubmitRateLimit, cfg.SubmitRateWindow),
		running:   make(map[string]context.CancelFunc),
		held:      make(map[string]context.CancelFunc),
	}
}

// Start recovers orphaned work from a previous process and launches the
// worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	pending, err := s.store.ResetOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset orphaned tasks: %w", err)
	}
	for _, id := range pending {
		task, err := s.store.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("task", id).Msg("Orphan recovery could not load task")
			continue
		}
		s.addInflight(1)
		s.enqueue(task)
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("Re-queued orphaned tasks")
	}

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go s.pruneLoop()

	log.Info().Int("workers", s.cfg.WorkerCount).Int("inflight_cap", s.cfg.InflightCap).Msg("Scheduler started")
	return nil
}

// Stop drains the worker pool. Running tasks are cancelled; their tasks
// revert to pending on the next start via orphan recovery.
func (s *Scheduler) Stop() {
	s.queue.close()
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// Submit validates and admits a new task. On success the returned task
// carries its assigned id and pending state.
func (s *Scheduler) Submit(ctx context.Context, task *models.ScanTask) (*models.ScanTask, error) {
	if err := s.validateSubmission(ctx, task); err != nil {
		return nil, err
	}
	if err := s.reserveInflight(); err != nil {
		return nil, err
	}
	// Rate limit last: rejected submissions consume no tokens
	if !s.limiter.take(task.Principal) {
		s.addInflight(-1)
		return nil, scanerr.Newf(scanerr.KindRateLimited, "submit", "submission rate limit exceeded for %q", task.Principal)
	}

	s.prepare(task)
	if err := s.store.Put(ctx, task); err != nil {
		s.addInflight(-1)
		return nil, err
	}
	tasksSubmitted.Inc()
	s.schedule(task)

	log.Info().Str("task", task.ID).Str("type", string(task.Type)).
		Str("priority", string(task.Priority)).Str("principal", task.Principal).
		Int("targets", len(task.Targets)).Msg("Task submitted")
	return task, nil
}

// validateSubmission rejects malformed tasks before they consume quota.
func (s *Scheduler) validateSubmission(ctx context.Context, task *models.ScanTask) error {
	if !task.Type.Valid() {
		return scanerr.Newf(scanerr.KindInvalidConfig, "submit", "unknown task type %q", task.Type)
	}
	if len(task.Targets) == 0 {
		return scanerr.Newf(scanerr.KindInvalidTarget, "submit", "no targets")
	}
	if task.Priority != "" && !task.Priority.Valid() {
		return scanerr.Newf(scanerr.KindInvalidConfig, "submit", "unknown priority %q", task.Priority)
	}
	if task.MaxExecutionTime < 0 || task.MaxExecutionTime > s.cfg.MaxExecutionTime {
		return scanerr.Newf(scanerr.KindInvalidConfig, "submit", "max execution time out of range (limit %s)", s.cfg.MaxExecutionTime)
	}
	if task.Principal == "" {
		return scanerr.Newf(scanerr.KindForbidden, "submit", "missing principal")
	}
	for _, t := range task.Targets {
		var err error
		if t.URL != "" {
			err = s.validator.Validate(ctx, t.URL)
		} else if v := t.Value(); v != "" {
			err = s.validator.ValidateHost(ctx, v)
		} else {
			err = scanerr.Newf(scanerr.KindInvalidTarget, "submit", "empty target")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// prepare fills defaults and resets lifecycle fields for admission.
func (s *Scheduler) prepare(task *models.ScanTask) {
	if task.ID == "" {
		task.ID = models.NewTaskID()
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if task.RetryDelay == 0 {
		task.RetryDelay = s.cfg.DefaultRetryDelay
	}
	if task.MaxExecutionTime == 0 {
		task.MaxExecutionTime = s.cfg.MaxExecutionTime
	}
	task.State = models.StatePending
	task.Reason = ""
	task.CreatedAt = time.Now()
	task.StartedAt = nil
	task.CompletedAt = nil
}

// schedule enqueues now or after the task's scheduled time.
func (s *Scheduler) schedule(task *models.ScanTask) {
	at := task.Schedule.At
	if at == nil || !at.After(time.Now()) {
		s.enqueue(task)
		return
	}
	delay := time.Until(*at)
	log.Info().Str("task", task.ID).Dur("delay", delay).Msg("Task scheduled for later")
	holdCtx, stop := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.held[task.ID] = stop
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		select {
		case <-time.After(delay):
			s.releaseHold(task.ID)
			s.enqueue(task)
		case <-holdCtx.Done():
			s.releaseHold(task.ID)
		}
	}()
}

// releaseHold stops the scheduled-At timer for a task, reporting whether
// one was pending. The caller decides what happens to the inflight
// reservation.
func (s *Scheduler) releaseHold(id string) bool {
	s.mu.Lock()
	stop, ok := s.held[id]
	delete(s.held, id)
	s.mu.Unlock()
	if ok {
		stop()
	}
	return ok
}

func (s *Scheduler) enqueue(task *models.ScanTask) {
	s.queue.push(task.ID, task.Priority)
	queueDepth.Set(float64(s.queue.depth()))
}

// StartNow queues a pending task immediately, overriding any future
// schedule. A duplicate queue entry is harmless because claiming a task is
// a compare-and-set on its state.
func (s *Scheduler) StartNow(ctx context.Context, id, principal string, admin bool) error {
	task, err := s.authorized(ctx, id, principal, admin, "start")
	if err != nil {
		return err
	}
	if task.State != models.StatePending {
		return scanerr.Newf(scanerr.KindConflict, "start", "task is %s, only pending tasks can be started", task.State).WithTask(id)
	}
	s.releaseHold(id)
	s.enqueue(task)
	return nil
}

// Cancel requests cancellation. Pending tasks cancel immediately; running
// tasks move to cancelling and their context is cancelled, with a hard
// deadline forcing the terminal state if the worker does not acknowledge.
func (s *Scheduler) Cancel(ctx context.Context, id, principal string, admin bool) error {
	task, err := s.authorized(ctx, id, principal, admin, "cancel")
	if err != nil {
		return err
	}

	switch task.State {
	case models.StateCancelling:
		return nil // already in flight
	case models.StateCompleted, models.StateFailed, models.StateCancelled:
		return scanerr.Newf(scanerr.KindNotCancellable, "cancel", "task is already %s", task.State).WithTask(id)
	case models.StatePending:
		if err := s.store.UpdateState(ctx, id, models.StatePending, models.StateCancelling, ""); err != nil {
			return err
		}
		if !s.queue.remove(id) {
			s.releaseHold(id)
		}
		queueDepth.Set(float64(s.queue.depth()))
		if err := s.store.UpdateState(ctx, id, models.StateCancelling, models.StateCancelled, models.ReasonUserCancel); err != nil {
			return err
		}
		s.finish(task, models.StateCancelled, models.ReasonUserCancel)
		return nil
	case models.StateRunning:
		if err := s.store.UpdateState(ctx, id, models.StateRunning, models.StateCancelling, ""); err != nil {
			return err
		}
		s.mu.Lock()
		cancel := s.running[id]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.watchCancel(task)
		return nil
	}
	return scanerr.Newf(scanerr.KindConflict, "cancel", "unexpected state %q", task.State).WithTask(id)
}

// watchCancel forces the terminal state when a worker fails to acknowledge
// cancellation within the hard deadline.
func (s *Scheduler) watchCancel(task *models.ScanTask) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.cfg.CancelHardDeadline):
		case <-s.baseCtx.Done():
			return
		}
		err := s.store.UpdateState(context.Background(), task.ID, models.StateCancelling, models.StateCancelled, models.ReasonUserCancel)
		if err == nil {
			log.Warn().Str("task", task.ID).Dur("deadline", s.cfg.CancelHardDeadline).
				Msg("Cancellation hard deadline hit, task forced to cancelled")
			s.finish(task, models.StateCancelled, models.ReasonUserCancel)
		}
	}()
}

// Restart re-runs a failed or cancelled task in place: same id, findings
// cleared, retry counters preserved. Completed tasks are re-run via Clone.
func (s *Scheduler) Restart(ctx context.Context, id, principal string, admin bool) (*models.ScanTask, error) {
	task, err := s.authorized(ctx, id, principal, admin, "restart")
	if err != nil {
		return nil, err
	}
	switch task.State {
	case models.StateFailed, models.StateCancelled:
	default:
		return nil, scanerr.Newf(scanerr.KindConflict, "restart", "task is %s, only failed or cancelled tasks restart", task.State).WithTask(id)
	}
	if err := s.reserveInflight(); err != nil {
		return nil, err
	}
	if !s.limiter.take(principal) {
		s.addInflight(-1)
		return nil, scanerr.Newf(scanerr.KindRateLimited, "restart", "submission rate limit exceeded for %q", principal)
	}

	if err := s.store.ClearFindings(ctx, id); err != nil {
		s.addInflight(-1)
		return nil, err
	}
	from := task.State
	s.resetProgress(task)
	if err := s.store.Put(ctx, task); err != nil {
		s.addInflight(-1)
		return nil, err
	}
	if err := s.store.UpdateState(ctx, id, from, models.StatePending, ""); err != nil {
		s.addInflight(-1)
		return nil, err
	}
	task.State = models.StatePending
	s.enqueue(task)
	log.Info().Str("task", id).Msg("Task restarted")
	return task, nil
}

func (s *Scheduler) resetProgress(task *models.ScanTask) {
	task.Reason = ""
	task.ProcessedTargets = 0
	task.SuccessCount = 0
	task.ErrorCount = 0
	task.Percent = 0
	task.StageStatuses = nil
	task.ErrorMessages = nil
	task.StartedAt = nil
	task.CompletedAt = nil
}

// Clone admits a copy of an existing task linked to its parent.
func (s *Scheduler) Clone(ctx context.Context, id, principal string, admin bool) (*models.ScanTask, error) {
	src, err := s.authorized(ctx, id, principal, admin, "clone")
	if err != nil {
		return nil, err
	}

	clone := *src
	clone.ID = ""
	clone.ParentTaskID = src.ID
	clone.ChildTaskIDs = nil
	clone.Principal = principal
	clone.RetryCount = 0
	s.resetProgress(&clone)
	return s.Submit(ctx, &clone)
}

// Delete removes a task and its results. Running or cancelling tasks must
// be cancelled first.
func (s *Scheduler) Delete(ctx context.Context, id, principal string, admin bool) error {
	task, err := s.authorized(ctx, id, principal, admin, "delete")
	if err != nil {
		return err
	}
	switch task.State {
	case models.StateRunning, models.StateCancelling:
		return scanerr.Newf(scanerr.KindConflict, "delete", "task is %s; cancel it first", task.State).WithTask(id)
	case models.StatePending:
		if s.queue.remove(id) || s.releaseHold(id) {
			queueDepth.Set(float64(s.queue.depth()))
			s.addInflight(-1)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Info().Str("task", id).Msg("Task deleted")
	return nil
}

// authorized loads the task and checks ownership.
func (s *Scheduler) authorized(ctx context.Context, id, principal string, admin bool, op string) (*models.ScanTask, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && task.Principal != principal {
		return nil, scanerr.Newf(scanerr.KindForbidden, op, "task belongs to another principal").WithTask(id)
	}
	return task, nil
}

// worker is one dispatch loop.
func (s *Scheduler) worker(n int) {
	defer s.wg.Done()
	log.Debug().Int("worker", n).Msg("Worker started")
	for {
		id, ok := s.queue.pop()
		if !ok {
			return
		}
		queueDepth.Set(float64(s.queue.depth()))
		s.runTask(id)
	}
}

// runTask claims a queued task and drives it to a terminal state.
func (s *Scheduler) runTask(id string) {
	ctx := s.baseCtx
	task, err := s.store.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("task", id).Msg("Queued task vanished")
		return
	}
	if task.State != models.StatePending {
		// Cancelled or otherwise moved on while queued
		return
	}
	if err := s.store.UpdateState(ctx, id, models.StatePending, models.StateRunning, ""); err != nil {
		log.Debug().Err(err).Str("task", id).Msg("Lost claim race for queued task")
		return
	}
	now := time.Now()
	task.State = models.StateRunning
	task.StartedAt = &now

	taskCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	log.Info().Str("task", id).Str("type", string(task.Type)).Msg("Task starting")
	_, runErr := s.runner.Run(taskCtx, task)
	s.finalize(task, runErr)
}

// finalize maps the engine's outcome onto the terminal transition or a
// retry re-queue.
func (s *Scheduler) finalize(task *models.ScanTask, runErr error) {
	ctx := context.Background()
	id := task.ID

	switch {
	case runErr == nil:
		if err := s.store.UpdateState(ctx, id, models.StateRunning, models.StateCompleted, ""); err != nil {
			// A concurrent cancel won the race
			s.ackCancel(ctx, task)
			return
		}
		s.finish(task, models.StateCompleted, "")

	case scanerr.KindOf(runErr) == scanerr.KindStageCancelled:
		s.ackCancel(ctx, task)

	case scanerr.KindOf(runErr) == scanerr.KindTaskTimeout:
		if err := s.store.UpdateState(ctx, id, models.StateRunning, models.StateFailed, models.ReasonTimeout); err != nil {
			s.ackCancel(ctx, task)
			return
		}
		log.Warn().Str("task", id).Msg("Task exceeded max execution time")
		s.finish(task, models.StateFailed, models.ReasonTimeout)

	case scanerr.IsRetryable(runErr) && task.RetryCount < task.MaxRetries:
		s.retry(ctx, task, runErr)

	default:
		reason := string(scanerr.KindOf(runErr))
		if err := s.store.UpdateState(ctx, id, models.StateRunning, models.StateFailed, reason); err != nil {
			s.ackCancel(ctx, task)
			return
		}
		log.Error().Err(runErr).Str("task", id).Msg("Task failed")
		s.finish(task, models.StateFailed, reason)
	}
}

// ackCancel completes a cancellation the worker observed.
func (s *Scheduler) ackCancel(ctx context.Context, task *models.ScanTask) {
	err := s.store.UpdateState(ctx, task.ID, models.StateCancelling, models.StateCancelled, models.ReasonUserCancel)
	if err != nil {
		// Hard-deadline watchdog got there first
		log.Debug().Err(err).Str("task", task.ID).Msg("Cancel already finalised")
		return
	}
	log.Info().Str("task", task.ID).Msg("Task cancelled")
	s.finish(task, models.StateCancelled, models.ReasonUserCancel)
}

// retry re-queues a transient failure after its backoff delay.
func (s *Scheduler) retry(ctx context.Context, task *models.ScanTask, runErr error) {
	task.RetryCount++
	if err := s.store.Put(ctx, task); err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("Failed to persist retry count")
	}
	if err := s.store.UpdateState(ctx, task.ID, models.StateRunning, models.StatePending, ""); err != nil {
		s.ackCancel(ctx, task)
		return
	}
	tasksRetried.Inc()
	log.Warn().Err(runErr).Str("task", task.ID).
		Int("retry", task.RetryCount).Int("max_retries", task.MaxRetries).
		Dur("delay", task.RetryDelay).Msg("Transient failure, task re-queued")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(task.RetryDelay):
			s.enqueue(task)
		case <-s.baseCtx.Done():
		}
	}()
}

// finish records a terminal state: metrics, inflight release and the
// terminal event.
func (s *Scheduler) finish(task *models.ScanTask, state models.TaskState, reason string) {
	tasksFinished.WithLabelValues(string(state)).Inc()
	s.addInflight(-1)
	if s.hub != nil {
		s.hub.Publish(models.Event{
			Type:      models.EventTerminal,
			TaskID:    task.ID,
			Principal: task.Principal,
			State:     state,
			Reason:    reason,
		})
	}
}

func (s *Scheduler) reserveInflight() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight >= s.cfg.InflightCap {
		return scanerr.Newf(scanerr.KindQuotaExceeded, "submit", "inflight cap %d reached", s.cfg.InflightCap)
	}
	s.inflight++
	inflightTasks.Set(float64(s.inflight))
	return nil
}

func (s *Scheduler) addInflight(delta int) {
	s.mu.Lock()
	s.inflight += delta
	if s.inflight < 0 {
		s.inflight = 0
	}
	inflightTasks.Set(float64(s.inflight))
	s.mu.Unlock()
}

// pruneLoop trims idle rate-limit buckets.
func (s *Scheduler) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.prune()
		case <-s.baseCtx.Done():
			return
		}
	}
}
