// Package scanner executes scan tasks: it walks the per-type stage DAG,
// drives external tools through bounded subprocesses and folds their
// output into merged findings.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/soclab/argus/internal/config"
	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/merger"
	"github.com/soclab/argus/internal/models"
	"github.com/soclab/argus/internal/store"
)

var (
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Wall time per scan stage.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"stage"},
	)
	stageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "stage_outcomes_total",
			Help:      "Stage results by outcome.",
		},
		[]string{"stage", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(stageDuration, stageOutcomes)
}

// Publisher is the event sink the engine reports into.
type Publisher interface {
	Publish(ev models.Event)
}

// APIPipeline runs api_security tasks. Implemented by the apisec package;
// an interface here keeps the dependency one-way.
type APIPipeline interface {
	Run(ctx context.Context, task *models.ScanTask, emit *Emitter) ([]*models.Finding, error)
}

// Emitter publishes events for one task with monotonic sequence numbers.
type Emitter struct {
	hub       Publisher
	taskID    string
	principal string
	seq       atomic.Uint64
}

// NewEmitter creates an emitter for a task. A nil hub is allowed and makes
// every emit a no-op.
func NewEmitter(hub Publisher, task *models.ScanTask) *Emitter {
	return &Emitter{hub: hub, taskID: task.ID, principal: task.Principal}
}

// Progress publishes a progress event.
func (e *Emitter) Progress(phase string, percent, processed, total int) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(models.Event{
		Type:      models.EventProgress,
		TaskID:    e.taskID,
		Principal: e.principal,
		Seq:       e.seq.Add(1),
		Phase:     phase,
		Percent:   percent,
		Processed: processed,
		Total:     total,
	})
}

// Finding publishes a finding event.
func (e *Emitter) Finding(f *models.Finding) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(models.Event{
		Type:      models.EventFinding,
		TaskID:    e.taskID,
		Principal: e.principal,
		Seq:       e.seq.Add(1),
		FindingID: f.ID,
		Severity:  f.Severity,
		Title:     f.Title,
		Source:    f.Source,
	})
}

// Terminal publishes the task's final state.
func (e *Emitter) Terminal(state models.TaskState, reason string) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(models.Event{
		Type:      models.EventTerminal,
		TaskID:    e.taskID,
		Principal: e.principal,
		Seq:       e.seq.Add(1),
		State:     state,
		Reason:    reason,
	})
}

// RunResult summarises one engine run.
type RunResult struct {
	Findings      []*models.Finding
	StageStatuses map[string]models.StageStatus
	ErrorMessages []string
	MergeStats    merger.Statistics
}

// Engine executes scan tasks. Safe for concurrent use; each Run owns its
// task's state exclusively while it executes.
type Engine struct {
	cfg      *config.Config
	store    store.TaskStore
	hub      Publisher
	adapters map[string]Adapter
	apisec   APIPipeline
}

// New builds an engine with the default adapter set.
func New(cfg *config.Config, st store.TaskStore, hub Publisher, runner CommandRunner, apisec APIPipeline) *Engine {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		adapters: NewAdapterSet(runner, Toolbox{Root: cfg.ToolRoot}, cfg.APIHTTPTimeout),
		apisec:   apisec,
	}
}

// stageOutcome is the bookkeeping for one executed stage.
type stageOutcome struct {
	spec   stageSpec
	status models.StageStatus
	result *StageResult
	err    error
}

// Run executes the task to completion and persists its merged findings.
// A nil error means the task completed, possibly with partial stage
// failures recorded on the task. The returned error carries the reason
// code the scheduler uses to decide between FAILED, CANCELLED and retry.
func (e *Engine) Run(ctx context.Context, task *models.ScanTask) (*RunResult, error) {
	emit := NewEmitter(e.hub, task)
	task.TotalTargets = len(task.Targets)

	maxExec := task.MaxExecutionTime
	if maxExec <= 0 || maxExec > e.cfg.MaxExecutionTime {
		maxExec = e.cfg.MaxExecutionTime
	}
	runCtx, cancel := context.WithTimeout(ctx, maxExec)
	defer cancel()

	if task.Type == models.TaskAPISecurity {
		return e.runAPISecurity(runCtx, ctx, task, emit)
	}

	plan := PlanFor(task.Type)
	if len(plan) == 0 {
		return nil, scanerr.Newf(scanerr.KindInvalidConfig, "run", "no stage plan for task type %q", task.Type).WithTask(task.ID)
	}

	m := merger.New(merger.Options{
		EvidenceCapPerSource: e.cfg.MergerEvidenceCap,
		RemediationPriority:  e.cfg.MergerRemediationPriority,
	})
	gate := semaphore.NewWeighted(int64(e.cfg.MaxSubprocessesPerTask))

	result := &RunResult{StageStatuses: make(map[string]models.StageStatus, len(plan))}
	in := &StageInput{Task: task, Gate: gate}
	total := len(plan)
	doneCount := 0
	requiredFailed := false

	emit.Progress("start", 0, 0, total)

	for _, wave := range waves(plan) {
		outcomes := e.runWave(runCtx, ctx, task, wave, in, result.StageStatuses)

		for _, oc := range outcomes {
			doneCount++
			result.StageStatuses[oc.spec.ID] = oc.status
			stageOutcomes.WithLabelValues(oc.spec.ID, string(oc.status)).Inc()

			switch oc.status {
			case models.StageCompleted:
				task.SuccessCount++
				e.absorb(in, oc.result)
				now := time.Now()
				for _, f := range oc.result.Findings {
					m.Add(f, oc.spec.ID, now)
					emit.Finding(f)
				}
			case models.StageCancelled:
				e.recordProgress(ctx, task, result, doneCount, total, emit)
				if runCtx.Err() != nil && ctx.Err() == nil {
					return result, scanerr.Newf(scanerr.KindTaskTimeout, "run", "max execution time %s exceeded", maxExec).WithTask(task.ID)
				}
				return result, scanerr.New(scanerr.KindStageCancelled, "run", oc.err).WithTask(task.ID).WithStage(oc.spec.ID)
			case models.StageSkipped:
				log.Info().Str("task", task.ID).Str("stage", oc.spec.ID).Msg("Stage skipped, tool unavailable")
			default:
				task.ErrorCount++
				msg := fmt.Sprintf("stage %s %s", oc.spec.ID, oc.status)
				if oc.err != nil {
					msg = fmt.Sprintf("%s: %v", msg, oc.err)
				}
				result.ErrorMessages = append(result.ErrorMessages, msg)
				if !oc.spec.Optional {
					requiredFailed = true
				}
			}
		}

		// Task-level deadline beats everything recorded so far
		if runCtx.Err() != nil && ctx.Err() == nil {
			e.recordProgress(ctx, task, result, doneCount, total, emit)
			return result, scanerr.Newf(scanerr.KindTaskTimeout, "run", "max execution time %s exceeded", maxExec).WithTask(task.ID)
		}
		if ctx.Err() != nil {
			e.recordProgress(context.Background(), task, result, doneCount, total, emit)
			return result, scanerr.New(scanerr.KindStageCancelled, "run", ctx.Err()).WithTask(task.ID)
		}

		e.recordProgress(ctx, task, result, doneCount, total, emit)
	}

	result.Findings = m.Merged()
	result.MergeStats = m.Statistics()

	if err := e.store.AppendFindings(ctx, task.ID, result.Findings); err != nil {
		return result, err
	}

	completed := 0
	for _, st := range result.StageStatuses {
		if st == models.StageCompleted {
			completed++
		}
	}
	if completed == 0 {
		return result, scanerr.Newf(scanerr.KindStageFailed, "run", "all %d stages failed", total).WithTask(task.ID)
	}
	if requiredFailed && len(result.Findings) == 0 {
		return result, scanerr.Newf(scanerr.KindStageFailed, "run", "required stage failed with no results").WithTask(task.ID)
	}

	log.Info().
		Str("task", task.ID).
		Int("findings", len(result.Findings)).
		Int("input_findings", result.MergeStats.InputCount).
		Float64("dedup_ratio", result.MergeStats.DedupRatio).
		Msg("Scan task finished")
	return result, nil
}

// runWave executes one wave's stages concurrently. Stages whose
// dependencies did not complete are marked skipped without running.
func (e *Engine) runWave(runCtx, taskCtx context.Context, task *models.ScanTask, wave []stageSpec, in *StageInput, statuses map[string]models.StageStatus) []stageOutcome {
	outcomes := make([]stageOutcome, len(wave))
	var g errgroup.Group
	var mu sync.Mutex

	for i, spec := range wave {
		if dep, ok := unmetDependency(spec, statuses); ok {
			outcomes[i] = stageOutcome{
				spec:   spec,
				status: models.StageSkipped,
				err:    fmt.Errorf("dependency %s did not complete", dep),
				result: &StageResult{},
			}
			continue
		}

		i, spec := i, spec
		g.Go(func() error {
			oc := e.runStage(runCtx, taskCtx, task, spec, in)
			mu.Lock()
			outcomes[i] = oc
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func unmetDependency(spec stageSpec, statuses map[string]models.StageStatus) (string, bool) {
	for _, dep := range spec.DependsOn {
		if statuses[dep] != models.StageCompleted {
			return dep, true
		}
	}
	return "", false
}

// runStage executes one stage under its timeout and classifies the outcome.
func (e *Engine) runStage(runCtx, taskCtx context.Context, task *models.ScanTask, spec stageSpec, in *StageInput) stageOutcome {
	adapter, ok := e.adapters[spec.ID]
	if !ok {
		return stageOutcome{spec: spec, status: models.StageSkipped, err: fmt.Errorf("no adapter for stage %s", spec.ID), result: &StageResult{}}
	}

	timeout := e.stageTimeout(task, spec.ID)
	stageCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	log.Debug().Str("task", task.ID).Str("stage", spec.ID).Dur("timeout", timeout).Msg("Stage starting")
	started := time.Now()
	res, err := adapter.Run(stageCtx, in)
	stageDuration.WithLabelValues(spec.ID).Observe(time.Since(started).Seconds())

	if res == nil {
		res = &StageResult{}
	}
	oc := stageOutcome{spec: spec, result: res, err: err}
	switch {
	case err == nil:
		oc.status = models.StageCompleted
	case errors.Is(err, ErrToolMissing):
		oc.status = models.StageSkipped
	case taskCtx.Err() != nil:
		oc.status = models.StageCancelled
	case stageCtx.Err() == context.DeadlineExceeded && runCtx.Err() == nil:
		oc.status = models.StageTimeout
		oc.err = fmt.Errorf("stage exceeded %s", timeout)
	case runCtx.Err() != nil:
		// Task deadline; classified by the caller
		oc.status = models.StageCancelled
	default:
		oc.status = models.StageFailed
	}
	return oc
}

// stageTimeout resolves the effective timeout for a stage: per-task
// override first, configured default otherwise.
func (e *Engine) stageTimeout(task *models.ScanTask, stage string) time.Duration {
	if secs, ok := task.Config.StageTimeouts[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return e.cfg.StageTimeout(stage)
}

// absorb carries a completed stage's data forward for downstream stages.
func (e *Engine) absorb(in *StageInput, res *StageResult) {
	if len(res.Subdomains) > 0 {
		in.Subdomains = append(in.Subdomains, res.Subdomains...)
	}
	if len(res.LiveURLs) > 0 {
		in.LiveURLs = append(in.LiveURLs, res.LiveURLs...)
	}
	if len(res.OpenPorts) > 0 {
		if in.OpenPorts == nil {
			in.OpenPorts = make(map[string][]int, len(res.OpenPorts))
		}
		for host, ports := range res.OpenPorts {
			in.OpenPorts[host] = append(in.OpenPorts[host], ports...)
		}
	}
}

// recordProgress updates the task's progress fields, persists them and
// publishes a progress event.
func (e *Engine) recordProgress(ctx context.Context, task *models.ScanTask, result *RunResult, done, total int, emit *Emitter) {
	// done/total count stages; TotalTargets stays the submitted target
	// count and ProcessedTargets scales with stage completion.
	if total > 0 {
		task.Percent = done * 100 / total
		task.ProcessedTargets = task.TotalTargets * done / total
	}
	if task.StageStatuses == nil {
		task.StageStatuses = make(map[string]models.StageStatus, len(result.StageStatuses))
	}
	for k, v := range result.StageStatuses {
		task.StageStatuses[k] = v
	}
	task.ErrorMessages = append(task.ErrorMessages[:0], result.ErrorMessages...)

	if err := e.store.Put(ctx, task); err != nil {
		log.Warn().Err(err).Str("task", task.ID).Msg("Failed to persist task progress")
	}
	emit.Progress("scan", task.Percent, done, total)
}

// runAPISecurity delegates the whole task to the API-security pipeline.
func (e *Engine) runAPISecurity(runCtx, taskCtx context.Context, task *models.ScanTask, emit *Emitter) (*RunResult, error) {
	const stage = "api-security"
	result := &RunResult{StageStatuses: map[string]models.StageStatus{}}

	if e.apisec == nil {
		result.StageStatuses[stage] = models.StageSkipped
		return result, scanerr.Newf(scanerr.KindInvalidConfig, "run", "api security pipeline not configured").WithTask(task.ID)
	}

	started := time.Now()
	findings, err := e.apisec.Run(runCtx, task, emit)
	stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		result.StageStatuses[stage] = models.StageCompleted
	case taskCtx.Err() != nil:
		result.StageStatuses[stage] = models.StageCancelled
		stageOutcomes.WithLabelValues(stage, string(models.StageCancelled)).Inc()
		return result, scanerr.New(scanerr.KindStageCancelled, "run", taskCtx.Err()).WithTask(task.ID)
	case runCtx.Err() != nil:
		result.StageStatuses[stage] = models.StageTimeout
		stageOutcomes.WithLabelValues(stage, string(models.StageTimeout)).Inc()
		return result, scanerr.Newf(scanerr.KindTaskTimeout, "run", "max execution time exceeded").WithTask(task.ID)
	default:
		result.StageStatuses[stage] = models.StageFailed
		stageOutcomes.WithLabelValues(stage, string(models.StageFailed)).Inc()
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result, err
	}
	stageOutcomes.WithLabelValues(stage, string(models.StageCompleted)).Inc()

	result.Findings = findings
	if err := e.store.AppendFindings(taskCtx, task.ID, findings); err != nil {
		return result, err
	}
	task.StageStatuses = result.StageStatuses
	task.Percent = 100
	if err := e.store.Put(taskCtx, task); err != nil {
		log.Warn().Err(err).Str("task", task.ID).Msg("Failed to persist task progress")
	}
	return result, nil
}
