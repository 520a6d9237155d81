package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/metrics"
	"github.com/funtask-io/funtask/internal/queue"
)

// FunTaskManager is the orchestration surface on top of Manager used by the
// scheduler: dispatch by worker uuid, kill by task uuid, drain the unified
// status queue. It is the in-process implementation of the scheduler-facing
// task manager contract.
type FunTaskManager struct {
	manager     *Manager
	statusQueue queue.Queue[entity.StatusReport]
	log         zerolog.Logger
}

func NewFunTaskManager(manager *Manager, statusQueue queue.Queue[entity.StatusReport], log zerolog.Logger) *FunTaskManager {
	return &FunTaskManager{
		manager:     manager,
		statusQueue: statusQueue,
		log:         log.With().Str("component", "funtask_manager").Logger(),
	}
}

// IncreaseWorkers spawns n workers.
func (f *FunTaskManager) IncreaseWorkers(ctx context.Context, n int) ([]entity.WorkerUUID, error) {
	uuids := make([]entity.WorkerUUID, 0, n)
	for i := 0; i < n; i++ {
		workerUUID, err := f.manager.IncreaseWorker(ctx)
		if err != nil {
			return uuids, err
		}
		uuids = append(uuids, workerUUID)
	}
	return uuids, nil
}

// IncreaseWorker spawns one worker.
func (f *FunTaskManager) IncreaseWorker(ctx context.Context) (entity.WorkerUUID, error) {
	return f.manager.IncreaseWorker(ctx)
}

// DispatchFunTask mints a manager-side task uuid, wraps the function as a
// TaskQueueMessage and enqueues it on the worker's task queue. resultAsState
// marks the task a state generator.
func (f *FunTaskManager) DispatchFunTask(
	ctx context.Context,
	workerUUID entity.WorkerUUID,
	fn entity.Func,
	resultAsState bool,
	timeout time.Duration,
	argument []byte,
) (entity.TaskUUID, error) {
	tasks, err := f.manager.GetTaskQueue(workerUUID)
	if err != nil {
		return "", err
	}

	taskUUID := entity.NewTaskUUID()
	msg := entity.TaskQueueMessage{
		Task: entity.InnerTask{
			UUID:          taskUUID,
			FuncName:      fn.Name,
			FuncBody:      fn.Body,
			Dependencies:  fn.Dependencies,
			ResultAsState: resultAsState,
		},
		Meta: entity.InnerTaskMeta{
			Argument: argument,
			Timeout:  timeout,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := tasks.Put(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	metrics.TasksDispatched.Inc()

	f.log.Debug().
		Str("worker_uuid", string(workerUUID)).
		Str("task_uuid", string(taskUUID)).
		Str("func", fn.Name).
		Msg("task dispatched")
	return taskUUID, nil
}

// GenerateWorkerState dispatches a state generator: its return value
// replaces the worker's state.
func (f *FunTaskManager) GenerateWorkerState(
	ctx context.Context,
	workerUUID entity.WorkerUUID,
	stateGenerator entity.Func,
	timeout time.Duration,
	argument []byte,
) (entity.TaskUUID, error) {
	return f.DispatchFunTask(ctx, workerUUID, stateGenerator, true, timeout, argument)
}

// StopTask aims a KILL control message at one task on one worker.
func (f *FunTaskManager) StopTask(ctx context.Context, workerUUID entity.WorkerUUID, taskUUID entity.TaskUUID) error {
	control, err := f.manager.GetControlQueue(workerUUID)
	if err != nil {
		return err
	}
	msg := entity.ControlQueueMessage{
		WorkerUUID: workerUUID,
		Control:    entity.ControlKill,
		TaskUUID:   taskUUID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := control.Put(ctx, msg); err != nil {
		return fmt.Errorf("failed to post kill signal: %w", err)
	}
	return nil
}

// StopWorker asks the worker to drain and exit.
func (f *FunTaskManager) StopWorker(ctx context.Context, workerUUID entity.WorkerUUID) error {
	return f.manager.StopWorker(ctx, workerUUID)
}

// KillWorker terminates the worker immediately.
func (f *FunTaskManager) KillWorker(ctx context.Context, workerUUID entity.WorkerUUID) error {
	return f.manager.KillWorker(ctx, workerUUID)
}

// GetQueuedStatus pops one report from the unified status queue, or nil
// after timeout.
func (f *FunTaskManager) GetQueuedStatus(ctx context.Context, timeout time.Duration) (*entity.StatusReport, error) {
	report, ok, err := f.statusQueue.Get(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &report, nil
}

// GetTaskQueueSize reports how many messages sit on a worker's task queue.
func (f *FunTaskManager) GetTaskQueueSize(ctx context.Context, workerUUID entity.WorkerUUID) (int64, error) {
	tasks, err := f.manager.GetTaskQueue(workerUUID)
	if err != nil {
		return 0, err
	}
	return tasks.Len(ctx)
}
