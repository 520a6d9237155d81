package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/metrics"
	"github.com/funtask-io/funtask/internal/queue"
)

// ErrRemoteUnsupported marks operations that need the worker's own host
// process and cannot be served over the queue transport.
var ErrRemoteUnsupported = errors.New("operation not supported over queue transport")

// RemoteManager is the scheduler-side view of a task manager running in
// another process. Both sides open the same named queues through a shared
// (redis-backed) factory, so dispatch, kill and size probes work without any
// wire protocol beyond the queues themselves.
type RemoteManager struct {
	taskQueues    queue.Factory[entity.TaskQueueMessage]
	controlQueues queue.Factory[entity.ControlQueueMessage]
	statusQueue   queue.Queue[entity.StatusReport]
	log           zerolog.Logger
}

func NewRemoteManager(
	taskQueues queue.Factory[entity.TaskQueueMessage],
	controlQueues queue.Factory[entity.ControlQueueMessage],
	statusQueue queue.Queue[entity.StatusReport],
	log zerolog.Logger,
) *RemoteManager {
	return &RemoteManager{
		taskQueues:    taskQueues,
		controlQueues: controlQueues,
		statusQueue:   statusQueue,
		log:           log.With().Str("component", "remote_manager").Logger(),
	}
}

func (r *RemoteManager) DispatchFunTask(
	ctx context.Context,
	workerUUID entity.WorkerUUID,
	fn entity.Func,
	resultAsState bool,
	timeout time.Duration,
	argument []byte,
) (entity.TaskUUID, error) {
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
	tasks := r.taskQueues(taskQueueName(workerUUID))
	if err := tasks.Put(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	metrics.TasksDispatched.Inc()
	return taskUUID, nil
}

func (r *RemoteManager) StopTask(ctx context.Context, workerUUID entity.WorkerUUID, taskUUID entity.TaskUUID) error {
	control := r.controlQueues(controlQueueName(workerUUID))
	return control.Put(ctx, entity.ControlQueueMessage{
		WorkerUUID: workerUUID,
		Control:    entity.ControlKill,
		TaskUUID:   taskUUID,
		CreatedAt:  time.Now().UTC(),
	})
}

func (r *RemoteManager) StopWorker(ctx context.Context, workerUUID entity.WorkerUUID) error {
	control := r.controlQueues(controlQueueName(workerUUID))
	return control.Put(ctx, entity.ControlQueueMessage{
		WorkerUUID: workerUUID,
		Control:    entity.ControlStop,
		CreatedAt:  time.Now().UTC(),
	})
}

// KillWorker needs OS-level termination on the worker's host; the queue
// transport cannot deliver it.
func (r *RemoteManager) KillWorker(_ context.Context, workerUUID entity.WorkerUUID) error {
	return fmt.Errorf("%w: kill worker %s", ErrRemoteUnsupported, workerUUID)
}

func (r *RemoteManager) GetQueuedStatus(ctx context.Context, timeout time.Duration) (*entity.StatusReport, error) {
	report, ok, err := r.statusQueue.Get(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &report, nil
}

func (r *RemoteManager) GetTaskQueueSize(ctx context.Context, workerUUID entity.WorkerUUID) (int64, error) {
	tasks := r.taskQueues(taskQueueName(workerUUID))
	return tasks.Len(ctx)
}
