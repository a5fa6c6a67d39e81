// Package dispatcher is the orchestration engine's control loop: it leases
// ready tasks from the Task Store, validates them against the App Locator,
// fans each task's subtasks out to the per-service Analyzer Clients,
// joins with partial-failure tolerance, aggregates, persists, and
// transitions the task to its derived terminal status (spec.md §4.6).
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grabowmar/analysis-orchestrator/internal/aggregator"
	"github.com/grabowmar/analysis-orchestrator/internal/analyzerclient"
	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/executor"
	"github.com/grabowmar/analysis-orchestrator/internal/locator"
	"github.com/grabowmar/analysis-orchestrator/internal/persister"
	"github.com/grabowmar/analysis-orchestrator/internal/slug"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore"
	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Config controls the dispatcher's poll cadence and resource budgets.
type Config struct {
	WorkerParallelism int
	LeaseTTL          time.Duration
	PollInterval      time.Duration
	GraceDeadline     time.Duration // how long Stop/cancel waits for in-flight subtasks to drain
	AggregationBudget time.Duration // added on top of summed subtask deadlines for the per-task total deadline
	RetentionDays     int
}

// DefaultConfig returns steady-state defaults. worker_parallelism defaults
// to 4, matching the coarse pool size observed as the steadier of the two
// values referenced for this concern (spec.md §9 open question 3).
func DefaultConfig() Config {
	return Config{
		WorkerParallelism: 4,
		LeaseTTL:          5 * time.Minute,
		PollInterval:      2 * time.Second,
		GraceDeadline:     30 * time.Second,
		AggregationBudget: 30 * time.Second,
		RetentionDays:     30,
	}
}

// Dispatcher is the control loop described above.
type Dispatcher struct {
	cfg      Config
	store    taskstore.Store
	locator  locator.FilesystemLocator
	ports    locator.PortDirectory
	clients  map[task.ServiceKind]*analyzerclient.Client
	registry *task.ToolRegistry
	persist  *persister.Persister
	exec     executor.Executor
	log      *logger.Logger

	mu         sync.Mutex
	cancelFns  map[string]context.CancelFunc
	running    bool
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New builds a Dispatcher. clients must have one entry per task.AllServices
// member the deployment supports; a service with no client configured is
// treated the same as an empty tools_by_service mapping for that service
// (it is simply never attempted).
func New(
	cfg Config,
	store taskstore.Store,
	loc locator.FilesystemLocator,
	ports locator.PortDirectory,
	clients map[task.ServiceKind]*analyzerclient.Client,
	registry *task.ToolRegistry,
	persist *persister.Persister,
	exec executor.Executor,
	log *logger.Logger,
) *Dispatcher {
	if cfg.WorkerParallelism <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		locator:   loc,
		ports:     ports,
		clients:   clients,
		registry:  registry,
		persist:   persist,
		exec:      exec,
		log:       log,
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// Start begins the poll loop in the background. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.loopCancel = cancel
	d.running = true
	d.mu.Unlock()

	d.loopWG.Add(1)
	go d.pollLoop(loopCtx)
	d.log.WithField("worker_parallelism", d.cfg.WorkerParallelism).Info("dispatcher started")
	return nil
}

// Stop halts the poll loop and waits (bounded by GraceDeadline) for
// in-flight subtasks to drain via the executor's own Shutdown.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.loopCancel
	d.mu.Unlock()

	cancel()
	d.loopWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, d.cfg.GraceDeadline)
	defer shutdownCancel()
	return d.exec.Shutdown(shutdownCtx)
}

// Cancel requests cancellation of an in-flight task. It is a no-op if the
// task is not currently running on this dispatcher instance (including
// because it has already finished).
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	d.mu.Lock()
	cancel, ok := d.cancelFns[taskID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return d.store.Cancel(ctx, taskID)
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.loopWG.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchReady(ctx)
		}
	}
}

func (d *Dispatcher) dispatchReady(ctx context.Context) {
	tasks, err := d.store.LeaseReady(ctx, d.cfg.WorkerParallelism, d.cfg.LeaseTTL)
	if err != nil {
		d.log.WithError(err).Warn("lease_ready failed")
		return
	}
	for _, t := range tasks {
		t := t
		err := d.exec.Submit(ctx, func() { d.runTask(t) })
		if err != nil {
			d.log.WithError(err).WithField("task_id", t.ID).Warn("submit failed, task remains leased until sweep")
		}
	}
}

// runTask executes one leased task's full lifecycle: validate, fan out,
// join, aggregate, persist, complete.
func (d *Dispatcher) runTask(t *task.Task) {
	taskCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancelFns[t.ID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancelFns, t.ID)
		d.mu.Unlock()
	}()

	log := d.log.WithField("task_id", t.ID).WithField("model", t.TargetModel).WithField("app_number", t.TargetAppNumber)

	canonical := slug.Normalize(t.TargetModel)
	sourceDir, err := d.locator.Locate(taskCtx, canonical, t.TargetAppNumber)
	if err != nil {
		d.failFast(taskCtx, t, err.Error())
		return
	}

	toolsByService := d.registry.Resolve(t.AnalysisType, t.RequestedTools)
	t.ToolsByService = toolsByService

	var ports task.PortBinding
	if requiresPorts(toolsByService) {
		resolved, perr := d.ports.Ports(taskCtx, canonical, t.TargetAppNumber)
		if perr != nil {
			d.failFast(taskCtx, t, perr.Error())
			return
		}
		ports = resolved
	}

	attempted := attemptedServices(toolsByService)
	totalDeadline := d.totalDeadline(attempted)
	deadlineCtx, deadlineCancel := context.WithTimeout(taskCtx, totalDeadline)
	defer deadlineCancel()

	d.markProgress(deadlineCtx, t.ID, 10)

	outcomes := d.fanOut(deadlineCtx, t, sourceDir, ports, toolsByService, attempted, log)

	// A cancellation initiated via Dispatcher.Cancel cancels taskCtx itself
	// (the parent of deadlineCtx), so it is observable here independent of
	// whether the per-task total deadline also elapsed.
	cancelled := taskCtx.Err() != nil

	status := aggregator.DeriveTerminalStatus(outcomes, cancelled)

	errMessage := ""
	if status == task.StatusFailed {
		errMessage = joinErrors(outcomes)
	}
	if deadlineCtx.Err() != nil && !cancelled {
		status = task.StatusFailed
		errMessage = "task deadline exceeded"
	}

	// Transition t to its terminal status before aggregator.Aggregate reads
	// t.Status/t.CompletedAt into the persisted metadata (spec.md §3, §4.7):
	// Aggregate must never see the clone still carrying the running status
	// LeaseReady left it in.
	now := time.Now().UTC()
	if terr := t.Transition(status, now); terr != nil {
		log.WithError(terr).Warn("illegal terminal transition, persisting status as computed anyway")
		t.Status = status
		t.CompletedAt = &now
		t.Progress = 100
	}

	result, artifacts, snapshots := aggregator.Aggregate(t, outcomes)
	result.Cancelled = cancelled

	persistRes, perr := d.persist.Persist(t, result, artifacts, snapshots, d.cfg.RetentionDays)
	if perr != nil {
		log.WithError(perr).Error("persistence failed")
		d.completeOrLog(context.Background(), t.ID, task.StatusFailed, "", "persistence_error: "+perr.Error())
		return
	}

	d.completeOrLog(context.Background(), t.ID, status, persistRes.AggregatedPath, errMessage)
	log.WithField("status", status).Info("task completed")
}

func (d *Dispatcher) failFast(ctx context.Context, t *task.Task, message string) {
	if err := d.store.Complete(ctx, t.ID, task.StatusFailed, "", message); err != nil {
		d.log.WithError(err).WithField("task_id", t.ID).Error("failed to record fail-fast completion")
	}
}

func (d *Dispatcher) completeOrLog(ctx context.Context, taskID string, status task.Status, resultPath, errMessage string) {
	if err := d.store.Complete(ctx, taskID, status, resultPath, errMessage); err != nil {
		d.log.WithError(err).WithField("task_id", taskID).Error("failed to record task completion")
	}
}

func (d *Dispatcher) markProgress(ctx context.Context, taskID string, pct int) {
	p := pct
	if err := d.store.Update(ctx, taskID, taskstore.Update{Progress: &p}); err != nil {
		d.log.WithError(err).WithField("task_id", taskID).Warn("progress update failed")
	}
}

// fanOut issues one Analyze call per non-skipped service concurrently and
// joins on all of them, tolerating individual failures (spec.md §4.6
// steps 5-6). No sibling is cancelled because another subtask errored.
func (d *Dispatcher) fanOut(
	ctx context.Context,
	t *task.Task,
	sourceDir string,
	ports task.PortBinding,
	toolsByService map[task.ServiceKind][]string,
	attempted []task.ServiceKind,
	log *logrus.Entry,
) map[task.ServiceKind]aggregator.Outcome {
	outcomes := make(map[task.ServiceKind]aggregator.Outcome, len(task.AllServices))
	var mu sync.Mutex
	var wg sync.WaitGroup

	completed := int32(0)

	for _, svc := range task.AllServices {
		tools := toolsByService[svc]
		if len(tools) == 0 {
			mu.Lock()
			outcomes[svc] = aggregator.Outcome{Skipped: true, Reason: "no tools selected"}
			mu.Unlock()
			continue
		}
		client, ok := d.clients[svc]
		if !ok {
			mu.Lock()
			outcomes[svc] = aggregator.Outcome{Skipped: true, Reason: "no client configured for service"}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(svc task.ServiceKind, client *analyzerclient.Client, tools []string) {
			defer wg.Done()
			req := task.AnalyzerRequest{
				Type:      task.RequestType(svc),
				RequestID: t.ID + ":" + string(svc),
				Model:     t.TargetModel,
				AppNumber: t.TargetAppNumber,
				SourceDir: sourceDir,
				Tools:     tools,
			}
			if urls := ports.TargetURLs("localhost"); len(urls) > 0 {
				req.TargetURLs = urls
			}

			resp, terr := client.Analyze(ctx, req)

			mu.Lock()
			if terr != nil {
				outcomes[svc] = aggregator.Outcome{Err: terr}
			} else {
				outcomes[svc] = aggregator.Outcome{Response: resp}
			}
			n := completed + 1
			completed = n
			mu.Unlock()

			if len(attempted) > 0 {
				frac := 10 + int(float64(n)*80.0/float64(len(attempted)))
				if frac > 90 {
					frac = 90
				}
				d.markProgress(context.Background(), t.ID, frac)
			}
			if terr != nil {
				log.WithField("service", svc).WithError(terr).Warn("subtask failed")
			}
		}(svc, client, tools)
	}

	wg.Wait()
	return outcomes
}

func (d *Dispatcher) totalDeadline(attempted []task.ServiceKind) time.Duration {
	var sum time.Duration
	for _, svc := range attempted {
		if client, ok := d.clients[svc]; ok {
			sum += clientDeadline(client)
		} else {
			sum += analyzerclient.DefaultDeadlines[svc]
		}
	}
	if sum == 0 {
		sum = 5 * time.Minute
	}
	return sum + d.cfg.AggregationBudget
}

func clientDeadline(c *analyzerclient.Client) time.Duration {
	if dl, ok := analyzerclient.DefaultDeadlines[c.Kind()]; ok {
		return dl
	}
	return 5 * time.Minute
}

// requiresPorts reports whether any resolved service for this task actually
// needs live endpoint ports (spec.md §4.2: "for analyses needing live
// endpoints (dynamic, performance)"). Gating on the resolved per-service
// tool map rather than the raw AnalysisType tag means a unified task whose
// requested tools happen to resolve to only static/AI work never fails fast
// for a port requirement no attempted service would use.
func requiresPorts(toolsByService map[task.ServiceKind][]string) bool {
	return len(toolsByService[task.ServiceDynamic]) > 0 || len(toolsByService[task.ServicePerformance]) > 0
}

func attemptedServices(toolsByService map[task.ServiceKind][]string) []task.ServiceKind {
	var out []task.ServiceKind
	for _, svc := range task.AllServices {
		if len(toolsByService[svc]) > 0 {
			out = append(out, svc)
		}
	}
	return out
}

func joinErrors(outcomes map[task.ServiceKind]aggregator.Outcome) string {
	var parts []string
	for _, svc := range task.AllServices {
		oc, ok := outcomes[svc]
		if !ok || oc.Skipped || oc.Err == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", svc, oc.Err.Error()))
	}
	return strings.Join(parts, "; ")
}
