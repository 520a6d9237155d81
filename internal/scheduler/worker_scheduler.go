package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/metrics"
	"github.com/funtask-io/funtask/internal/queue"
)

func cronEntryName(cronUUID entity.CronTaskUUID, tp entity.TimePoint) string {
	return fmt.Sprintf("%s/%s", cronUUID, tp)
}

func cronUUIDFromEntryName(name string) entity.CronTaskUUID {
	return entity.CronTaskUUID(strings.SplitN(name, "/", 2)[0])
}

// WorkerScheduler runs on every scheduler node and owns cron-to-task
// materialisation: resolving the pluggable strategies, persisting the task
// and deciding queue admission under the per-worker distributed lock.
type WorkerScheduler struct {
	manager     FunTaskManagerRPC
	repo        Repository
	cron        Cron
	argQueues   queue.Factory[[]byte]
	lock        DistributeLock
	lockTimeout time.Duration
	log         zerolog.Logger
}

func NewWorkerScheduler(
	manager FunTaskManagerRPC,
	repo Repository,
	cron Cron,
	argQueues queue.Factory[[]byte],
	lock DistributeLock,
	lockTimeout time.Duration,
	log zerolog.Logger,
) *WorkerScheduler {
	return &WorkerScheduler{
		manager:     manager,
		repo:        repo,
		cron:        cron,
		argQueues:   argQueues,
		lock:        lock,
		lockTimeout: lockTimeout,
		log:         log.With().Str("component", "worker_scheduler").Logger(),
	}
}

// ProcessNewStatus applies one status report to the repository. Terminal
// task statuses are sinks; heartbeats from non-running workers are stale.
func (s *WorkerScheduler) ProcessNewStatus(ctx context.Context, report *entity.StatusReport) error {
	switch report.Kind {
	case entity.ReportTask:
		metrics.StatusReports.WithLabelValues("task").Inc()
		task, err := s.repo.GetTaskFromUUID(ctx, report.TaskUUID)
		if err != nil {
			return err
		}
		if !task.Status.CanTransitionTo(report.TaskStatus) {
			return fmt.Errorf("%w: can't change status from %s to %s",
				entity.ErrStatusChange, task.Status, report.TaskStatus)
		}
		if err := s.repo.ChangeTaskStatus(ctx, report.TaskUUID, report.TaskStatus); err != nil {
			return err
		}
		if report.Content != "" {
			result := report.Content
			return s.repo.UpdateTask(ctx, report.TaskUUID, entity.TaskPatch{Result: &result})
		}
		return nil
	case entity.ReportWorker:
		metrics.StatusReports.WithLabelValues("worker").Inc()
		switch report.WorkerStatus {
		case entity.WorkerHeartbeat:
			worker, err := s.repo.GetWorkerFromUUID(ctx, report.WorkerUUID)
			if err != nil {
				return err
			}
			if worker.Status != entity.WorkerRunning {
				return fmt.Errorf("%w: worker %s status is %s, but still heart beat",
					entity.ErrStatusChange, worker.UUID, worker.Status)
			}
			return s.repo.UpdateWorkerLastHeartBeatTime(ctx, report.WorkerUUID, time.Now().UTC())
		case entity.WorkerDied:
			if err := s.repo.ChangeWorkerStatus(ctx, report.WorkerUUID, entity.WorkerDied); err != nil {
				return err
			}
			return s.markWorkerTasksDied(ctx, report.WorkerUUID)
		default:
			return s.repo.ChangeWorkerStatus(ctx, report.WorkerUUID, report.WorkerStatus)
		}
	}
	return nil
}

// markWorkerTasksDied marks every in-flight task of a dead worker DIED.
func (s *WorkerScheduler) markWorkerTasksDied(ctx context.Context, workerUUID entity.WorkerUUID) error {
	tasks, err := s.repo.GetTasksFromWorker(ctx, workerUUID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if err := s.repo.ChangeTaskStatus(ctx, t.UUID, entity.TaskDied); err != nil {
			s.log.Error().Err(err).
				Str("task_uuid", string(t.UUID)).
				Msg("failed to mark task died")
		}
	}
	return nil
}

// AssignTask dispatches a persisted task to its worker and records the
// manager-side handle.
func (s *WorkerScheduler) AssignTask(ctx context.Context, taskUUID entity.TaskUUID) error {
	task, err := s.repo.GetTaskFromUUID(ctx, taskUUID)
	if err != nil {
		return err
	}
	uuidInManager, err := s.manager.DispatchFunTask(
		ctx,
		task.WorkerUUID,
		task.Func,
		task.ResultAsState,
		task.Timeout,
		task.Argument,
	)
	if err != nil {
		return fmt.Errorf("failed to dispatch task %s: %w", taskUUID, err)
	}
	queued := entity.TaskQueued
	return s.repo.UpdateTask(ctx, taskUUID, entity.TaskPatch{
		Status:        &queued,
		UUIDInManager: &uuidInManager,
	})
}

// AssignCronTask registers one cron entry per time point of the cron task.
func (s *WorkerScheduler) AssignCronTask(ctx context.Context, cronUUID entity.CronTaskUUID) error {
	cronTask, err := s.repo.GetCronTaskFromUUID(ctx, cronUUID)
	if err != nil {
		return err
	}
	if cronTask.Disabled {
		s.log.Debug().Str("cron_task_uuid", string(cronUUID)).Msg("cron task disabled, not registering")
		return nil
	}
	for _, tp := range cronTask.TimePoints {
		name := cronEntryName(cronTask.UUID, tp)
		task := *cronTask
		cb := func() {
			if err := s.createCronSubTask(context.Background(), &task); err != nil {
				s.log.Error().Err(err).
					Str("cron_task_uuid", string(task.UUID)).
					Msg("cron fire failed")
			}
		}
		var err error
		switch tp.Unit {
		case entity.UnitMillisecond:
			err = s.cron.EveryNMilliseconds(name, tp.N, cb)
		case entity.UnitSecond:
			err = s.cron.EveryNSeconds(name, tp.N, cb, tp.At)
		case entity.UnitMinute:
			err = s.cron.EveryNMinutes(name, tp.N, cb, tp.At)
		case entity.UnitHour:
			err = s.cron.EveryNHours(name, tp.N, cb, tp.At)
		case entity.UnitDay:
			err = s.cron.EveryNDays(name, tp.N, cb, tp.At)
		case entity.UnitWeek:
			err = s.cron.EveryNWeeks(name, tp.N, cb, tp.At)
		default:
			err = fmt.Errorf("unknown time unit %s", tp.Unit)
		}
		if err != nil {
			return fmt.Errorf("failed to register cron entry %s: %w", name, err)
		}
	}
	return nil
}

// RemoveCronTask cancels every cron entry registered for the cron task.
// Idempotent.
func (s *WorkerScheduler) RemoveCronTask(ctx context.Context, cronUUID entity.CronTaskUUID) (bool, error) {
	for _, name := range s.cron.Entries() {
		if strings.HasPrefix(name, string(cronUUID)) {
			if err := s.cron.Cancel(name); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// GetAllCronTask lists the cron tasks this node has registered entries for.
func (s *WorkerScheduler) GetAllCronTask() []entity.CronTaskUUID {
	seen := make(map[entity.CronTaskUUID]struct{})
	var uuids []entity.CronTaskUUID
	for _, name := range s.cron.Entries() {
		u := cronUUIDFromEntryName(name)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		uuids = append(uuids, u)
	}
	return uuids
}

// resolveArgumentStrategy runs the UDF fixed-point for argument sourcing.
func (s *WorkerScheduler) resolveArgumentStrategy(ctx context.Context, strategy entity.ArgumentStrategy, info entity.StrategyInfo) (entity.ArgumentStrategy, error) {
	for depth := 0; ; depth++ {
		if depth > maxResolveDepth {
			return strategy, fmt.Errorf("%w: argument strategy at depth %d", ErrRecursionLimit, depth)
		}
		if strategy.Kind != entity.ArgumentUDFKind {
			metrics.StrategyResolutionDepth.Observe(float64(depth))
			return strategy, nil
		}
		if strategy.UDF == nil {
			return strategy, fmt.Errorf("argument UDF strategy must carry a udf")
		}
		for k, v := range strategy.UDFExtra {
			info[k] = v
		}
		next, err := strategy.UDF(ctx, info)
		if err != nil {
			return strategy, fmt.Errorf("argument UDF failed: %w", err)
		}
		strategy = next
	}
}

// resolveWorkerStrategy runs the UDF fixed-point for worker choice.
func (s *WorkerScheduler) resolveWorkerStrategy(ctx context.Context, strategy entity.WorkerStrategy, info entity.StrategyInfo) (entity.WorkerStrategy, error) {
	for depth := 0; ; depth++ {
		if depth > maxResolveDepth {
			return strategy, fmt.Errorf("%w: worker strategy at depth %d", ErrRecursionLimit, depth)
		}
		if strategy.Kind != entity.WorkerUDFKind {
			metrics.StrategyResolutionDepth.Observe(float64(depth))
			return strategy, nil
		}
		if strategy.UDF == nil {
			return strategy, fmt.Errorf("worker choose UDF strategy must carry a udf")
		}
		for k, v := range strategy.UDFExtra {
			info[k] = v
		}
		next, err := strategy.UDF(ctx, info)
		if err != nil {
			return strategy, fmt.Errorf("worker choose UDF failed: %w", err)
		}
		strategy = next
	}
}

// resolveQueueStrategy runs the UDF fixed-point for the queue-full policy.
func (s *WorkerScheduler) resolveQueueStrategy(ctx context.Context, strategy entity.QueueFullStrategy, info entity.StrategyInfo) (entity.QueueFullStrategy, error) {
	for depth := 0; ; depth++ {
		if depth > maxResolveDepth {
			return strategy, fmt.Errorf("%w: queue strategy at depth %d", ErrRecursionLimit, depth)
		}
		if strategy.Kind != entity.QueueFullUDFKind {
			metrics.StrategyResolutionDepth.Observe(float64(depth))
			return strategy, nil
		}
		if strategy.UDF == nil {
			return strategy, fmt.Errorf("queue UDF strategy must carry a udf")
		}
		for k, v := range strategy.UDFExtra {
			info[k] = v
		}
		next, err := strategy.UDF(ctx, info)
		if err != nil {
			return strategy, fmt.Errorf("queue UDF failed: %w", err)
		}
		strategy = next
	}
}

// chooseWorker selects the target worker for a fire. An empty uuid with a
// nil error means the fire ends here (a SKIP task has been persisted).
func (s *WorkerScheduler) chooseWorker(ctx context.Context, cronTask *entity.CronTask, strategy entity.WorkerStrategy) (entity.WorkerUUID, error) {
	switch strategy.Kind {
	case entity.WorkerStatic:
		if strategy.StaticWorker == "" {
			return "", fmt.Errorf("static worker must not be empty")
		}
		return strategy.StaticWorker, nil
	case entity.WorkerRandomFromList:
		if len(strategy.Workers) == 0 {
			return "", fmt.Errorf("worker list must not be empty")
		}
		return strategy.Workers[rand.Intn(len(strategy.Workers))], nil
	case entity.WorkerRandomFromWorkerTags:
		if strategy.WorkerTags == nil {
			return "", fmt.Errorf("worker tags must not be nil")
		}
		workers, err := s.repo.GetWorkersFromTags(ctx, strategy.WorkerTags)
		if err != nil {
			return "", err
		}
		if len(workers) > 0 {
			return workers[rand.Intn(len(workers))].UUID, nil
		}
		_, err = s.repo.AddTask(ctx, &entity.Task{
			UUID:          entity.NewTaskUUID(),
			ParentTask:    cronTask.UUID,
			Status:        entity.TaskSkip,
			Func:          cronTask.Func,
			ResultAsState: cronTask.ResultAsState,
			Timeout:       cronTask.Timeout,
			Description:   cronTask.Description,
			Result:        fmt.Sprintf("no worker of tag %v", strategy.WorkerTags),
		})
		if err != nil {
			return "", err
		}
		metrics.TasksMaterialized.WithLabelValues(entity.TaskSkip.String()).Inc()
		return "", nil
	default:
		return "", fmt.Errorf("not implemented worker choose strategy %s", strategy.Kind)
	}
}

// generateTaskFromArgumentStrategy materialises and persists the task for a
// fire. An empty uuid with nil error means the fire was dropped.
func (s *WorkerScheduler) generateTaskFromArgumentStrategy(
	ctx context.Context,
	cronTask *entity.CronTask,
	strategy entity.ArgumentStrategy,
	workerUUID entity.WorkerUUID,
) (entity.TaskUUID, error) {
	newTask := func(status entity.TaskStatus, argument []byte, result string) *entity.Task {
		t := &entity.Task{
			UUID:          entity.NewTaskUUID(),
			ParentTask:    cronTask.UUID,
			Status:        status,
			Func:          cronTask.Func,
			Argument:      argument,
			ResultAsState: cronTask.ResultAsState,
			Timeout:       cronTask.Timeout,
			Description:   cronTask.Description,
			Result:        result,
		}
		if status == entity.TaskScheduled {
			t.WorkerUUID = workerUUID
		}
		return t
	}
	persist := func(t *entity.Task) (entity.TaskUUID, error) {
		uuid, err := s.repo.AddTask(ctx, t)
		if err != nil {
			return "", err
		}
		metrics.TasksMaterialized.WithLabelValues(t.Status.String()).Inc()
		return uuid, nil
	}

	switch strategy.Kind {
	case entity.ArgumentDrop:
		return "", nil
	case entity.ArgumentSkip:
		if _, err := persist(newTask(entity.TaskSkip, nil, "")); err != nil {
			return "", err
		}
		return "", nil
	case entity.ArgumentStatic:
		return persist(newTask(entity.TaskScheduled, strategy.StaticValue, ""))
	case entity.ArgumentFromQueueEndDrop, entity.ArgumentFromQueueEndSkip, entity.ArgumentFromQueueEndRepeatLatest:
		if strategy.ArgumentQueue == nil {
			return "", fmt.Errorf("must assign argument queue if strategy is %s", strategy.Kind)
		}
		argQueue := s.argQueues(strategy.ArgumentQueue.Name)
		size, err := argQueue.Len(ctx)
		if err != nil {
			return "", err
		}
		if size != 0 {
			argument, ok, err := argQueue.Get(ctx, time.Millisecond)
			if err != nil {
				return "", err
			}
			if !ok {
				// drained between the size check and the pop
				return s.generateEmptyQueueTask(ctx, strategy, newTask, persist)
			}
			return persist(newTask(entity.TaskScheduled, argument, ""))
		}
		return s.generateEmptyQueueTask(ctx, strategy, newTask, persist)
	default:
		return "", fmt.Errorf("not implemented argument strategy %s", strategy.Kind)
	}
}

// generateEmptyQueueTask applies the from-queue suffix when the argument
// queue is empty.
func (s *WorkerScheduler) generateEmptyQueueTask(
	ctx context.Context,
	strategy entity.ArgumentStrategy,
	newTask func(entity.TaskStatus, []byte, string) *entity.Task,
	persist func(*entity.Task) (entity.TaskUUID, error),
) (entity.TaskUUID, error) {
	switch strategy.Kind {
	case entity.ArgumentFromQueueEndDrop:
		return "", nil
	case entity.ArgumentFromQueueEndSkip:
		if _, err := persist(newTask(entity.TaskSkip, nil, "")); err != nil {
			return "", err
		}
		return "", nil
	case entity.ArgumentFromQueueEndRepeatLatest:
		argQueue := s.argQueues(strategy.ArgumentQueue.Name)
		argument, err := argQueue.GetFront(ctx)
		if err != nil {
			if _, perr := persist(newTask(entity.TaskError, nil,
				fmt.Sprintf("empty argument queue on %s mode", strategy.Kind))); perr != nil {
				return "", perr
			}
			return "", nil
		}
		return persist(newTask(entity.TaskScheduled, argument, ""))
	default:
		return "", nil
	}
}

// createCronSubTask is the cron fire callback: resolve strategies, pick a
// worker, then persist and admit the task under that worker's lock.
func (s *WorkerScheduler) createCronSubTask(ctx context.Context, cronTask *entity.CronTask) error {
	log := s.log.With().Str("cron_task_uuid", string(cronTask.UUID)).Logger()

	argStrategy, err := s.resolveArgumentStrategy(ctx, cronTask.ArgumentGenerateStrategy, cronTask.Info())
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		return err
	}
	workerStrategy, err := s.resolveWorkerStrategy(ctx, cronTask.WorkerChooseStrategy, cronTask.Info())
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		return err
	}
	workerUUID, err := s.chooseWorker(ctx, cronTask, workerStrategy)
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		return err
	}
	if workerUUID == "" {
		metrics.CronFires.WithLabelValues("skipped").Inc()
		return nil
	}

	// lock worker and decide queue admission
	release, err := s.lock.Lock(ctx, string(workerUUID), s.lockTimeout)
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to lock worker %s: %w", workerUUID, err)
	}
	defer func() {
		if err := release(ctx); err != nil {
			log.Error().Err(err).Str("worker_uuid", string(workerUUID)).Msg("failed to release worker lock")
		}
	}()

	queueStrategy, err := s.resolveQueueStrategy(ctx, cronTask.TaskQueueStrategy, cronTask.Info())
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		return err
	}
	newTaskUUID, err := s.generateTaskFromArgumentStrategy(ctx, cronTask, argStrategy, workerUUID)
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		return err
	}
	// empty uuid means skip or drop, nothing to assign
	if newTaskUUID == "" {
		metrics.CronFires.WithLabelValues("dropped").Inc()
		return nil
	}

	queueSize, err := s.manager.GetTaskQueueSize(ctx, workerUUID)
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		return err
	}
	if queueSize < cronTask.TaskQueueMaxSize {
		metrics.CronFires.WithLabelValues("assigned").Inc()
		return s.AssignTask(ctx, newTaskUUID)
	}
	switch queueStrategy.Kind {
	case entity.QueueFullDrop:
		metrics.CronFires.WithLabelValues("dropped").Inc()
		return nil
	case entity.QueueFullSkip:
		metrics.CronFires.WithLabelValues("skipped").Inc()
		return s.repo.ChangeTaskStatus(ctx, newTaskUUID, entity.TaskSkip)
	case entity.QueueFullSeize:
		metrics.CronFires.WithLabelValues("assigned").Inc()
		return s.AssignTask(ctx, newTaskUUID)
	default:
		return fmt.Errorf("not implemented queue full strategy %s", queueStrategy.Kind)
	}
}

// SweepDeadWorkers marks workers with stale heartbeats DIED, together with
// their in-flight tasks.
func (s *WorkerScheduler) SweepDeadWorkers(ctx context.Context, threshold time.Duration) error {
	workers, err := s.repo.GetAllWorkers(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-threshold)
	for _, w := range workers {
		if w.Status != entity.WorkerRunning || !w.LastHeartBeat.Before(cutoff) {
			continue
		}
		s.log.Warn().
			Str("worker_uuid", string(w.UUID)).
			Time("last_heart_beat", w.LastHeartBeat).
			Msg("worker heartbeat stale, marking died")
		if err := s.repo.ChangeWorkerStatus(ctx, w.UUID, entity.WorkerDied); err != nil {
			return err
		}
		if err := s.markWorkerTasksDied(ctx, w.UUID); err != nil {
			return err
		}
	}
	return nil
}
