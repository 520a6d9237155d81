package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/metrics"
	"github.com/funtask-io/funtask/internal/queue"
)

// controlPollInterval bounds how long a running task can outlive a KILL
// aimed at it.
const controlPollInterval = 10 * time.Millisecond

// Runtime executes tasks for a single worker. It owns the worker's mutable
// state value and sees only its three queues, its uuid and a logger. Task
// failure never terminates the loop; only a stop signal or context
// cancellation does.
type Runtime struct {
	workerUUID entity.WorkerUUID
	tasks      queue.Queue[entity.TaskQueueMessage]
	status     queue.Queue[entity.StatusReport]
	control    queue.Queue[entity.ControlQueueMessage]
	registry   *FuncRegistry
	log        zerolog.Logger

	heartbeatInterval time.Duration

	state any

	stopping atomic.Bool

	// current running task, guarded for the control drain
	currentMu     sync.Mutex
	currentTask   entity.TaskUUID
	currentCancel context.CancelFunc
	currentKilled bool

	// kill signals observed before their task started
	pendingKills map[entity.TaskUUID]struct{}
}

// RuntimeQueues bundles the per-worker queue triple.
type RuntimeQueues struct {
	Tasks   queue.Queue[entity.TaskQueueMessage]
	Status  queue.Queue[entity.StatusReport]
	Control queue.Queue[entity.ControlQueueMessage]
}

func NewRuntime(workerUUID entity.WorkerUUID, queues RuntimeQueues, registry *FuncRegistry, heartbeatInterval time.Duration, log zerolog.Logger) *Runtime {
	return &Runtime{
		workerUUID:        workerUUID,
		tasks:             queues.Tasks,
		status:            queues.Status,
		control:           queues.Control,
		registry:          registry,
		heartbeatInterval: heartbeatInterval,
		log:               log.With().Str("worker_uuid", string(workerUUID)).Logger(),
		pendingKills:      make(map[entity.TaskUUID]struct{}),
	}
}

// BreakNow implements queue.BreakRef. The blocked task wait doubles as the
// idle control poll: every break check drains the control queue, so a stop
// or kill posted while the worker sits idle is observed within one poll
// interval.
func (r *Runtime) BreakNow() bool {
	r.drainControl(context.Background())
	return r.stopping.Load()
}

// Stop requests cooperative shutdown: the in-flight task drains, then the
// loop exits.
func (r *Runtime) Stop() { r.stopping.Store(true) }

// Run is the worker main loop. It returns when stopped or when ctx is
// cancelled (the kill path).
func (r *Runtime) Run(ctx context.Context) {
	r.log.Info().Msg("worker runtime started")

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	var hbWg sync.WaitGroup
	if r.heartbeatInterval > 0 {
		hbWg.Add(1)
		go func() {
			defer hbWg.Done()
			r.heartbeatLoop(hbCtx)
		}()
	}

	for {
		r.drainControl(ctx)

		if r.stopping.Load() {
			break
		}

		msg, ok, err := r.tasks.WatchAndGet(ctx, r, 0)
		if err != nil {
			// context cancelled: killed from outside
			r.log.Info().Msg("worker runtime killed")
			hbCancel()
			hbWg.Wait()
			return
		}
		if !ok {
			// break flag fired while blocked
			continue
		}

		r.runTask(ctx, msg)
	}

	hbCancel()
	hbWg.Wait()
	r.emit(ctx, entity.NewWorkerReport(r.workerUUID, entity.WorkerStopped, ""))
	r.log.Info().Msg("worker runtime stopped")
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit(ctx, entity.NewWorkerReport(r.workerUUID, entity.WorkerHeartbeat, ""))
			metrics.WorkerHeartbeats.Inc()
		}
	}
}

// drainControl consumes every queued control message without blocking.
func (r *Runtime) drainControl(ctx context.Context) {
	for {
		n, err := r.control.Len(ctx)
		if err != nil || n == 0 {
			return
		}
		msg, ok, err := r.control.Get(ctx, time.Millisecond)
		if err != nil || !ok {
			return
		}
		r.handleControl(msg)
	}
}

func (r *Runtime) handleControl(msg entity.ControlQueueMessage) {
	switch msg.Control {
	case entity.ControlStop:
		r.stopping.Store(true)
	case entity.ControlKill:
		r.currentMu.Lock()
		if r.currentTask != "" && r.currentTask == msg.TaskUUID {
			r.currentKilled = true
			if r.currentCancel != nil {
				r.currentCancel()
			}
		} else {
			r.pendingKills[msg.TaskUUID] = struct{}{}
		}
		r.currentMu.Unlock()
	}
}

type execResult struct {
	value any
	err   error
}

func (r *Runtime) runTask(ctx context.Context, msg entity.TaskQueueMessage) {
	taskUUID := msg.Task.UUID
	log := r.log.With().Str("task_uuid", string(taskUUID)).Str("func", msg.Task.FuncName).Logger()

	r.currentMu.Lock()
	if _, killed := r.pendingKills[taskUUID]; killed {
		delete(r.pendingKills, taskUUID)
		r.currentMu.Unlock()
		r.emit(ctx, entity.NewTaskReport(r.workerUUID, taskUUID, entity.TaskError, "killed before start"))
		log.Warn().Msg("task killed before start")
		return
	}
	r.currentMu.Unlock()

	r.emit(ctx, entity.NewTaskReport(r.workerUUID, taskUUID, entity.TaskRunning, ""))

	fn, err := r.registry.Resolve(msg.Task.FuncName, msg.Task.Dependencies)
	if err != nil {
		r.emit(ctx, entity.NewTaskReport(r.workerUUID, taskUUID, entity.TaskError, err.Error()))
		log.Error().Err(err).Msg("task func resolution failed")
		return
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if msg.Meta.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, msg.Meta.Timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.currentMu.Lock()
	r.currentTask = taskUUID
	r.currentCancel = cancel
	r.currentKilled = false
	r.currentMu.Unlock()

	start := time.Now()
	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				log.Error().
					Interface("panic", rec).
					Str("stack", string(stack)).
					Msg("task func panicked")
				done <- execResult{err: fmt.Errorf("func panicked: %v", rec)}
			}
		}()
		value, err := fn(taskCtx, r.state, log, msg.Meta.Argument)
		done <- execResult{value: value, err: err}
	}()

	// Poll control while the task runs so a targeted KILL lands promptly.
	ticker := time.NewTicker(controlPollInterval)
	defer ticker.Stop()

	var res execResult
wait:
	for {
		select {
		case res = <-done:
			break wait
		case <-ticker.C:
			r.drainControl(ctx)
		}
	}

	duration := time.Since(start)
	metrics.TaskDuration.WithLabelValues(msg.Task.FuncName).Observe(duration.Seconds())

	r.currentMu.Lock()
	killed := r.currentKilled
	r.currentMu.Unlock()
	r.finishTask(ctx, taskUUID)

	switch {
	case killed:
		r.emit(ctx, entity.NewTaskReport(r.workerUUID, taskUUID, entity.TaskError, "killed"))
		log.Warn().Dur("duration", duration).Msg("task killed")
	case res.err != nil && errors.Is(res.err, context.DeadlineExceeded):
		r.emit(ctx, entity.NewTaskReport(r.workerUUID, taskUUID, entity.TaskError, "timeout"))
		log.Warn().Dur("duration", duration).Msg("task timed out")
	case res.err != nil:
		r.emit(ctx, entity.NewTaskReport(r.workerUUID, taskUUID, entity.TaskError, res.err.Error()))
		log.Error().Err(res.err).Dur("duration", duration).Msg("task failed")
	default:
		if msg.Task.ResultAsState {
			r.state = res.value
		}
		content := ""
		if res.value != nil {
			content = fmt.Sprintf("%v", res.value)
		}
		r.emit(ctx, entity.NewTaskReport(r.workerUUID, taskUUID, entity.TaskSuccess, content))
		log.Debug().Dur("duration", duration).Msg("task succeeded")
	}
}

func (r *Runtime) finishTask(_ context.Context, taskUUID entity.TaskUUID) {
	r.currentMu.Lock()
	if r.currentTask == taskUUID {
		r.currentTask = ""
		r.currentCancel = nil
	}
	r.currentMu.Unlock()
}

func (r *Runtime) emit(ctx context.Context, report entity.StatusReport) {
	if err := r.status.Put(ctx, report); err != nil {
		r.log.Error().Err(err).Msg("failed to emit status report")
	}
}
