package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/queue"
)

type schedulerHarness struct {
	ws        *WorkerScheduler
	repo      *fakeRepository
	cron      *fakeCron
	lock      *fakeLock
	manager   *fakeManager
	argQueues queue.Factory[[]byte]
}

func newSchedulerHarness() *schedulerHarness {
	h := &schedulerHarness{
		repo:      newFakeRepository(),
		cron:      newFakeCron(),
		lock:      newFakeLock(),
		manager:   newFakeManager(),
		argQueues: queue.NewMemoryFactory[[]byte](),
	}
	h.ws = NewWorkerScheduler(h.manager, h.repo, h.cron, h.argQueues, h.lock, time.Second, zerolog.Nop())
	return h
}

func staticCronTask(worker entity.WorkerUUID) *entity.CronTask {
	return &entity.CronTask{
		UUID:       entity.NewCronTaskUUID(),
		Name:       "static",
		TimePoints: []entity.TimePoint{{Unit: entity.UnitSecond, N: 1}},
		Func:       entity.Func{UUID: entity.NewFuncUUID(), Name: "echo"},
		ArgumentGenerateStrategy: entity.ArgumentStrategy{
			Kind:        entity.ArgumentStatic,
			StaticValue: []byte("x"),
		},
		WorkerChooseStrategy: entity.WorkerStrategy{
			Kind:         entity.WorkerStatic,
			StaticWorker: worker,
		},
		TaskQueueStrategy: entity.QueueFullStrategy{Kind: entity.QueueFullDrop},
		TaskQueueMaxSize:  10,
	}
}

func TestCreateCronSubTask_StaticFireDispatches(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()
	cronTask := staticCronTask("W1")

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))

	tasks := h.repo.tasksByParent(cronTask.UUID)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, []byte("x"), task.Argument)
	assert.Equal(t, entity.WorkerUUID("W1"), task.WorkerUUID)
	assert.Equal(t, entity.TaskQueued, task.Status)
	assert.NotEmpty(t, task.UUIDInManager)

	require.Equal(t, 1, h.manager.dispatchCount())
	assert.Equal(t, entity.WorkerUUID("W1"), h.manager.dispatches[0].worker)
	assert.Equal(t, "echo", h.manager.dispatches[0].fn.Name)

	// admission ran under the worker's lock, released on exit
	assert.Contains(t, h.lock.acquired, "W1")
	assert.False(t, h.lock.heldNow("W1"))
}

func TestCreateCronSubTask_AdmissionUnderLock(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()
	cronTask := staticCronTask("W1")

	probed := false
	h.manager.lockProbe = func(worker entity.WorkerUUID) {
		probed = true
		assert.True(t, h.lock.heldNow(string(worker)), "queue probed without holding the worker lock")
	}

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))
	assert.True(t, probed)
}

func TestCreateCronSubTask_NoTaggedWorkerPersistsSkip(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("")
	cronTask.WorkerChooseStrategy = entity.WorkerStrategy{
		Kind:       entity.WorkerRandomFromWorkerTags,
		WorkerTags: []string{"gpu"},
	}

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))

	tasks := h.repo.tasksByParent(cronTask.UUID)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, entity.TaskSkip, task.Status)
	assert.Nil(t, task.Argument)
	assert.Contains(t, task.Result, "no worker of tag")

	// no dispatch, no lock taken
	assert.Zero(t, h.manager.dispatchCount())
	assert.Empty(t, h.lock.acquired)
}

func TestCreateCronSubTask_TaggedWorkerChosen(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()
	h.repo.addWorker(&entity.Worker{UUID: "W-gpu", Status: entity.WorkerRunning, Tags: []string{"gpu"}})

	cronTask := staticCronTask("")
	cronTask.WorkerChooseStrategy = entity.WorkerStrategy{
		Kind:       entity.WorkerRandomFromWorkerTags,
		WorkerTags: []string{"gpu"},
	}

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))
	require.Equal(t, 1, h.manager.dispatchCount())
	assert.Equal(t, entity.WorkerUUID("W-gpu"), h.manager.dispatches[0].worker)
}

func TestCreateCronSubTask_RepeatLatestOnEmptyQueuePersistsError(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.ArgumentGenerateStrategy = entity.ArgumentStrategy{
		Kind:          entity.ArgumentFromQueueEndRepeatLatest,
		ArgumentQueue: &entity.QueueRef{UUID: entity.NewQueueUUID(), Name: "args"},
	}

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))

	tasks := h.repo.tasksByParent(cronTask.UUID)
	require.Len(t, tasks, 1)
	assert.Equal(t, entity.TaskError, tasks[0].Status)
	assert.Contains(t, tasks[0].Result, "empty argument queue")
	assert.Zero(t, h.manager.dispatchCount())
}

func TestCreateCronSubTask_FromQueueConsumesArgument(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.ArgumentGenerateStrategy = entity.ArgumentStrategy{
		Kind:          entity.ArgumentFromQueueEndRepeatLatest,
		ArgumentQueue: &entity.QueueRef{UUID: entity.NewQueueUUID(), Name: "args"},
	}

	argQueue := h.argQueues("args")
	require.NoError(t, argQueue.Put(ctx, []byte("a1")))

	// first fire consumes the queued argument
	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))
	tasks := h.repo.tasksByParent(cronTask.UUID)
	require.Len(t, tasks, 1)
	assert.Equal(t, []byte("a1"), tasks[0].Argument)
}

func TestCreateCronSubTask_FromQueueEndDropOnEmpty(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.ArgumentGenerateStrategy = entity.ArgumentStrategy{
		Kind:          entity.ArgumentFromQueueEndDrop,
		ArgumentQueue: &entity.QueueRef{UUID: entity.NewQueueUUID(), Name: "args"},
	}

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))
	assert.Empty(t, h.repo.tasksByParent(cronTask.UUID))
	assert.Zero(t, h.manager.dispatchCount())
}

func TestCreateCronSubTask_FromQueueEndSkipOnEmpty(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.ArgumentGenerateStrategy = entity.ArgumentStrategy{
		Kind:          entity.ArgumentFromQueueEndSkip,
		ArgumentQueue: &entity.QueueRef{UUID: entity.NewQueueUUID(), Name: "args"},
	}

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))
	tasks := h.repo.tasksByParent(cronTask.UUID)
	require.Len(t, tasks, 1)
	assert.Equal(t, entity.TaskSkip, tasks[0].Status)
	assert.Zero(t, h.manager.dispatchCount())
}

func TestCreateCronSubTask_ArgumentDrop(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.ArgumentGenerateStrategy = entity.ArgumentStrategy{Kind: entity.ArgumentDrop}

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))
	assert.Empty(t, h.repo.tasksByParent(cronTask.UUID))
	assert.Zero(t, h.manager.dispatchCount())
}

func TestCreateCronSubTask_QueueFullBranches(t *testing.T) {
	tests := []struct {
		name       string
		strategy   entity.QueueFullKind
		wantStatus entity.TaskStatus
		wantSent   int
	}{
		{"drop leaves task scheduled", entity.QueueFullDrop, entity.TaskScheduled, 0},
		{"skip marks task skip", entity.QueueFullSkip, entity.TaskSkip, 0},
		{"seize enqueues regardless", entity.QueueFullSeize, entity.TaskQueued, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newSchedulerHarness()

			cronTask := staticCronTask("W1")
			cronTask.TaskQueueMaxSize = 5
			cronTask.TaskQueueStrategy = entity.QueueFullStrategy{Kind: tt.strategy}
			h.manager.queueSizes["W1"] = 5 // full

			require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))

			tasks := h.repo.tasksByParent(cronTask.UUID)
			require.Len(t, tasks, 1)
			assert.Equal(t, tt.wantStatus, tasks[0].Status)
			assert.Equal(t, tt.wantSent, h.manager.dispatchCount())
		})
	}
}

func TestCreateCronSubTask_QueueWithRoomAssigns(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.TaskQueueMaxSize = 5
	h.manager.queueSizes["W1"] = 4 // one slot left

	require.NoError(t, h.ws.createCronSubTask(ctx, cronTask))
	assert.Equal(t, 1, h.manager.dispatchCount())
}

func TestResolveStrategy_UDFChain(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	inner := entity.ArgumentStrategy{Kind: entity.ArgumentStatic, StaticValue: []byte("resolved")}
	outer := entity.ArgumentStrategy{
		Kind: entity.ArgumentUDFKind,
		UDF: func(_ context.Context, info entity.StrategyInfo) (entity.ArgumentStrategy, error) {
			assert.Equal(t, "extra-value", info["extra-key"])
			return inner, nil
		},
		UDFExtra: entity.StrategyInfo{"extra-key": "extra-value"},
	}

	resolved, err := h.ws.resolveArgumentStrategy(ctx, outer, entity.StrategyInfo{})
	require.NoError(t, err)
	assert.Equal(t, entity.ArgumentStatic, resolved.Kind)
	assert.Equal(t, []byte("resolved"), resolved.StaticValue)
}

func TestResolveStrategy_RecursionLimit(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	var selfRef entity.ArgumentUDF
	selfRef = func(context.Context, entity.StrategyInfo) (entity.ArgumentStrategy, error) {
		return entity.ArgumentStrategy{Kind: entity.ArgumentUDFKind, UDF: selfRef}, nil
	}
	strategy := entity.ArgumentStrategy{Kind: entity.ArgumentUDFKind, UDF: selfRef}

	_, err := h.ws.resolveArgumentStrategy(ctx, strategy, entity.StrategyInfo{})
	assert.ErrorIs(t, err, ErrRecursionLimit)
}

func TestCreateCronSubTask_UDFCyclePersistsNothing(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	var selfRef entity.ArgumentUDF
	selfRef = func(context.Context, entity.StrategyInfo) (entity.ArgumentStrategy, error) {
		return entity.ArgumentStrategy{Kind: entity.ArgumentUDFKind, UDF: selfRef}, nil
	}
	cronTask.ArgumentGenerateStrategy = entity.ArgumentStrategy{Kind: entity.ArgumentUDFKind, UDF: selfRef}

	err := h.ws.createCronSubTask(ctx, cronTask)
	assert.ErrorIs(t, err, ErrRecursionLimit)
	assert.Empty(t, h.repo.tasksByParent(cronTask.UUID))
	assert.Zero(t, h.manager.dispatchCount())
}

func TestAssignCronTask_RegistersEveryTimePoint(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.TimePoints = []entity.TimePoint{
		{Unit: entity.UnitSecond, N: 1},
		{Unit: entity.UnitMinute, N: 5},
		{Unit: entity.UnitMillisecond, N: 250},
	}
	h.repo.addCronTask(cronTask)

	require.NoError(t, h.ws.AssignCronTask(ctx, cronTask.UUID))

	entries := h.cron.Entries()
	require.Len(t, entries, 3)
	for _, tp := range cronTask.TimePoints {
		assert.Contains(t, entries, string(cronTask.UUID)+"/"+tp.String())
	}

	// removal cancels exactly this cron task's entries
	ok, err := h.ws.RemoveCronTask(ctx, cronTask.UUID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, h.cron.Entries())
}

func TestAssignCronTask_DisabledNotRegistered(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	cronTask.Disabled = true
	h.repo.addCronTask(cronTask)

	require.NoError(t, h.ws.AssignCronTask(ctx, cronTask.UUID))
	assert.Empty(t, h.cron.Entries())
}

func TestAssignCronTask_UnknownUUID(t *testing.T) {
	h := newSchedulerHarness()
	err := h.ws.AssignCronTask(context.Background(), "missing")
	assert.ErrorIs(t, err, entity.ErrRecordNotFound)
}

func TestAssignCronTask_FireCreatesTask(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	cronTask := staticCronTask("W1")
	h.repo.addCronTask(cronTask)
	require.NoError(t, h.ws.AssignCronTask(ctx, cronTask.UUID))

	// simulate two cron fires
	h.cron.fire(string(cronTask.UUID))
	h.cron.fire(string(cronTask.UUID))

	tasks := h.repo.tasksByParent(cronTask.UUID)
	assert.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, []byte("x"), task.Argument)
		assert.Equal(t, entity.TaskQueued, task.Status)
	}
	assert.Equal(t, 2, h.manager.dispatchCount())
}

func TestProcessNewStatus_TaskTransition(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	taskUUID, err := h.repo.AddTask(ctx, &entity.Task{Status: entity.TaskQueued, WorkerUUID: "W1"})
	require.NoError(t, err)

	report := entity.NewTaskReport("W1", taskUUID, entity.TaskRunning, "")
	require.NoError(t, h.ws.ProcessNewStatus(ctx, &report))

	task, err := h.repo.GetTaskFromUUID(ctx, taskUUID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskRunning, task.Status)
}

func TestProcessNewStatus_TerminalIsSink(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	taskUUID, err := h.repo.AddTask(ctx, &entity.Task{Status: entity.TaskSuccess, WorkerUUID: "W1"})
	require.NoError(t, err)

	report := entity.NewTaskReport("W1", taskUUID, entity.TaskRunning, "")
	err = h.ws.ProcessNewStatus(ctx, &report)
	assert.ErrorIs(t, err, entity.ErrStatusChange)
	// the error names the attempted status
	assert.Contains(t, err.Error(), "running")

	task, err := h.repo.GetTaskFromUUID(ctx, taskUUID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskSuccess, task.Status)
}

func TestProcessNewStatus_ResultStored(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	taskUUID, err := h.repo.AddTask(ctx, &entity.Task{Status: entity.TaskRunning, WorkerUUID: "W1"})
	require.NoError(t, err)

	report := entity.NewTaskReport("W1", taskUUID, entity.TaskSuccess, "42")
	require.NoError(t, h.ws.ProcessNewStatus(ctx, &report))

	task, err := h.repo.GetTaskFromUUID(ctx, taskUUID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskSuccess, task.Status)
	assert.Equal(t, "42", task.Result)
}

func TestProcessNewStatus_HeartbeatMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()
	h.repo.addWorker(&entity.Worker{UUID: "W1", Status: entity.WorkerRunning})

	report := entity.NewWorkerReport("W1", entity.WorkerHeartbeat, "")
	require.NoError(t, h.ws.ProcessNewStatus(ctx, &report))
	w1, err := h.repo.GetWorkerFromUUID(ctx, "W1")
	require.NoError(t, err)
	first := w1.LastHeartBeat

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, h.ws.ProcessNewStatus(ctx, &report))
	w2, err := h.repo.GetWorkerFromUUID(ctx, "W1")
	require.NoError(t, err)

	assert.True(t, w2.LastHeartBeat.After(first), "heartbeat must advance strictly")
}

func TestProcessNewStatus_StaleHeartbeatRejected(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()
	h.repo.addWorker(&entity.Worker{UUID: "W1", Status: entity.WorkerStopped})

	report := entity.NewWorkerReport("W1", entity.WorkerHeartbeat, "")
	err := h.ws.ProcessNewStatus(ctx, &report)
	assert.ErrorIs(t, err, entity.ErrStatusChange)
}

func TestProcessNewStatus_WorkerDiedMarksInFlightTasks(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()
	h.repo.addWorker(&entity.Worker{UUID: "W1", Status: entity.WorkerRunning})

	queuedUUID, err := h.repo.AddTask(ctx, &entity.Task{Status: entity.TaskQueued, WorkerUUID: "W1"})
	require.NoError(t, err)
	doneUUID, err := h.repo.AddTask(ctx, &entity.Task{Status: entity.TaskSuccess, WorkerUUID: "W1"})
	require.NoError(t, err)

	report := entity.NewWorkerReport("W1", entity.WorkerDied, "")
	require.NoError(t, h.ws.ProcessNewStatus(ctx, &report))

	worker, err := h.repo.GetWorkerFromUUID(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, entity.WorkerDied, worker.Status)

	queued, err := h.repo.GetTaskFromUUID(ctx, queuedUUID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskDied, queued.Status)

	done, err := h.repo.GetTaskFromUUID(ctx, doneUUID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskSuccess, done.Status, "terminal task untouched")
}

func TestAssignTask_RecordNotFound(t *testing.T) {
	h := newSchedulerHarness()
	err := h.ws.AssignTask(context.Background(), "missing")
	assert.ErrorIs(t, err, entity.ErrRecordNotFound)
}

func TestSweepDeadWorkers(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness()

	h.repo.addWorker(&entity.Worker{
		UUID:          "stale",
		Status:        entity.WorkerRunning,
		LastHeartBeat: time.Now().UTC().Add(-time.Minute),
	})
	h.repo.addWorker(&entity.Worker{
		UUID:          "fresh",
		Status:        entity.WorkerRunning,
		LastHeartBeat: time.Now().UTC(),
	})
	taskUUID, err := h.repo.AddTask(ctx, &entity.Task{Status: entity.TaskRunning, WorkerUUID: "stale"})
	require.NoError(t, err)

	require.NoError(t, h.ws.SweepDeadWorkers(ctx, 15*time.Second))

	stale, err := h.repo.GetWorkerFromUUID(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, entity.WorkerDied, stale.Status)

	fresh, err := h.repo.GetWorkerFromUUID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, entity.WorkerRunning, fresh.Status)

	task, err := h.repo.GetTaskFromUUID(ctx, taskUUID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskDied, task.Status)
}
