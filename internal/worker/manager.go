package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/metrics"
	"github.com/funtask-io/funtask/internal/queue"
)

// Manager owns worker lifecycles. Each worker runs its Runtime in a
// dedicated goroutine with a private (task, control) queue pair; the status
// queue is the shared fan-in. Queue factories decide where queues live, so a
// redis-backed factory places the scheduler and the workers in different
// processes.
//
// A worker uuid is unique forever within one Manager lifetime: killed and
// stopped workers stay registered in a terminated state so late status
// reports are not orphaned.
type Manager struct {
	mu      sync.RWMutex
	workers map[entity.WorkerUUID]*workerEntry

	taskQueues    queue.Factory[entity.TaskQueueMessage]
	controlQueues queue.Factory[entity.ControlQueueMessage]
	statusQueue   queue.Queue[entity.StatusReport]
	registry      *FuncRegistry

	heartbeatInterval time.Duration
	log               zerolog.Logger
}

// Queue names are namespaced by worker uuid so both sides of a shared
// factory open the same queues.
func taskQueueName(workerUUID entity.WorkerUUID) string {
	return fmt.Sprintf("task_queue/%s", workerUUID)
}

func controlQueueName(workerUUID entity.WorkerUUID) string {
	return fmt.Sprintf("control_queue/%s", workerUUID)
}

type workerEntry struct {
	runtime *Runtime
	cancel  context.CancelFunc
	tasks   queue.Queue[entity.TaskQueueMessage]
	control queue.Queue[entity.ControlQueueMessage]
	done    chan struct{}

	status entity.WorkerStatus // last-known lifecycle status
}

func NewManager(
	taskQueues queue.Factory[entity.TaskQueueMessage],
	controlQueues queue.Factory[entity.ControlQueueMessage],
	statusQueue queue.Queue[entity.StatusReport],
	registry *FuncRegistry,
	heartbeatInterval time.Duration,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		workers:           make(map[entity.WorkerUUID]*workerEntry),
		taskQueues:        taskQueues,
		controlQueues:     controlQueues,
		statusQueue:       statusQueue,
		registry:          registry,
		heartbeatInterval: heartbeatInterval,
		log:               log.With().Str("component", "worker_manager").Logger(),
	}
}

// IncreaseWorker spawns one worker: mints a uuid, opens its queues under
// uuid-namespaced names and starts its runtime.
func (m *Manager) IncreaseWorker(ctx context.Context) (entity.WorkerUUID, error) {
	workerUUID := entity.NewWorkerUUID()

	tasks := m.taskQueues(taskQueueName(workerUUID))
	control := m.controlQueues(controlQueueName(workerUUID))

	runtime := NewRuntime(workerUUID, RuntimeQueues{
		Tasks:   tasks,
		Status:  m.statusQueue,
		Control: control,
	}, m.registry, m.heartbeatInterval, m.log)

	// The worker lives on its own root so a caller's request context does
	// not tear it down.
	wctx, cancel := context.WithCancel(context.Background())
	entry := &workerEntry{
		runtime: runtime,
		cancel:  cancel,
		tasks:   tasks,
		control: control,
		done:    make(chan struct{}),
		status:  entity.WorkerRunning,
	}

	m.mu.Lock()
	m.workers[workerUUID] = entry
	m.mu.Unlock()

	go func() {
		defer close(entry.done)
		runtime.Run(wctx)
		m.mu.Lock()
		if entry.status == entity.WorkerRunning || entry.status == entity.WorkerStopping {
			entry.status = entity.WorkerStopped
		}
		m.mu.Unlock()
		metrics.ActiveWorkers.Dec()
	}()
	metrics.ActiveWorkers.Inc()

	m.log.Info().Str("worker_uuid", string(workerUUID)).Msg("worker started")
	return workerUUID, nil
}

// KillWorker forcefully terminates a worker. The manager observes the corpse
// and emits a DIED report on the worker's behalf.
func (m *Manager) KillWorker(ctx context.Context, workerUUID entity.WorkerUUID) error {
	m.mu.Lock()
	entry, ok := m.workers[workerUUID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerUUID)
	}
	if entry.status != entity.WorkerRunning && entry.status != entity.WorkerStopping {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerTerminated, workerUUID)
	}
	entry.status = entity.WorkerDied
	m.mu.Unlock()

	entry.cancel()
	<-entry.done

	if err := m.statusQueue.Put(ctx, entity.NewWorkerReport(workerUUID, entity.WorkerDied, "killed")); err != nil {
		m.log.Error().Err(err).Str("worker_uuid", string(workerUUID)).Msg("failed to report worker death")
	}
	m.log.Info().Str("worker_uuid", string(workerUUID)).Msg("worker killed")
	return nil
}

// StopWorker asks a worker to drain its current task and exit.
func (m *Manager) StopWorker(ctx context.Context, workerUUID entity.WorkerUUID) error {
	m.mu.Lock()
	entry, ok := m.workers[workerUUID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerUUID)
	}
	if entry.status != entity.WorkerRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerTerminated, workerUUID)
	}
	entry.status = entity.WorkerStopping
	m.mu.Unlock()

	msg := entity.ControlQueueMessage{
		WorkerUUID: workerUUID,
		Control:    entity.ControlStop,
		CreatedAt:  time.Now().UTC(),
	}
	if err := entry.control.Put(ctx, msg); err != nil {
		return fmt.Errorf("failed to post stop signal: %w", err)
	}
	m.log.Info().Str("worker_uuid", string(workerUUID)).Msg("worker stop requested")
	return nil
}

// GetTaskQueue returns the task queue handle for a worker.
func (m *Manager) GetTaskQueue(workerUUID entity.WorkerUUID) (queue.Queue[entity.TaskQueueMessage], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.workers[workerUUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerUUID)
	}
	return entry.tasks, nil
}

// GetControlQueue returns the control queue handle for a worker.
func (m *Manager) GetControlQueue(workerUUID entity.WorkerUUID) (queue.Queue[entity.ControlQueueMessage], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.workers[workerUUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerUUID)
	}
	return entry.control, nil
}

// WorkerStatus returns the last-known lifecycle status of a worker.
func (m *Manager) WorkerStatus(workerUUID entity.WorkerUUID) (entity.WorkerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.workers[workerUUID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerUUID)
	}
	return entry.status, nil
}

// Workers lists every registered worker uuid, terminated ones included.
func (m *Manager) Workers() []entity.WorkerUUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uuids := make([]entity.WorkerUUID, 0, len(m.workers))
	for u := range m.workers {
		uuids = append(uuids, u)
	}
	return uuids
}

// Shutdown stops every live worker and waits for their loops to finish.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*workerEntry, 0, len(m.workers))
	uuids := make([]entity.WorkerUUID, 0, len(m.workers))
	statuses := make([]entity.WorkerStatus, 0, len(m.workers))
	for u, e := range m.workers {
		entries = append(entries, e)
		uuids = append(uuids, u)
		statuses = append(statuses, e.status)
	}
	m.mu.RUnlock()

	for i := range entries {
		if statuses[i] == entity.WorkerRunning {
			if err := m.StopWorker(ctx, uuids[i]); err != nil {
				m.log.Error().Err(err).Str("worker_uuid", string(uuids[i])).Msg("failed to stop worker")
			}
		}
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			// out of patience: kill the stragglers
			e.cancel()
		}
	}
}
