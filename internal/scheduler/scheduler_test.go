package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funtask-io/funtask/internal/config"
	"github.com/funtask-io/funtask/internal/entity"
)

type fakeAssignments struct {
	mu        sync.Mutex
	due       []entity.CronAssignment
	confirmed []entity.CronAssignment
}

func (a *fakeAssignments) DueAssignments(context.Context, entity.SchedulerNode, time.Time) ([]entity.CronAssignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	due := a.due
	a.due = nil
	return due, nil
}

func (a *fakeAssignments) ConfirmAssignment(_ context.Context, _ entity.SchedulerNode, assignment entity.CronAssignment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmed = append(a.confirmed, assignment)
	return nil
}

type tickHarness struct {
	sched       *Scheduler
	self        entity.SchedulerNode
	control     *fakeLeaderControl
	rpc         *fakeLeaderRPC
	repo        *fakeRepository
	manager     *fakeManager
	cron        *fakeCron
	assignments *fakeAssignments
}

func newTickHarness() *tickHarness {
	h := &tickHarness{
		self:        entity.SchedulerNode{UUID: entity.NewSchedulerNodeUUID(), Host: "127.0.0.1", Port: 9090},
		control:     &fakeLeaderControl{},
		rpc:         newFakeLeaderRPC(),
		repo:        newFakeRepository(),
		manager:     newFakeManager(),
		cron:        newFakeCron(),
		assignments: &fakeAssignments{},
	}
	ws := NewWorkerScheduler(h.manager, h.repo, h.cron, nil, newFakeLock(), time.Second, zerolog.Nop())
	ls := NewLeaderScheduler(h.rpc, h.repo, zerolog.Nop())
	h.sched = New(
		h.self,
		h.control,
		ls,
		ws,
		h.manager,
		h.assignments,
		config.SchedulerConfig{
			TickInterval:       10 * time.Millisecond,
			RebalanceFrequency: time.Hour,
			LockTimeout:        time.Second,
			StatusDrainTimeout: time.Millisecond,
			LeaderTTL:          time.Second,
		},
		0, // sweep off
		zerolog.Nop(),
	)
	return h
}

func TestTick_ElectsWhenLeaderless(t *testing.T) {
	h := newTickHarness()

	h.sched.tick(context.Background())

	leader, err := h.control.GetLeader(context.Background())
	require.NoError(t, err)
	require.NotNil(t, leader)
	assert.Equal(t, h.self.UUID, leader.UUID)
}

func TestTick_NonLeaderStillDrainsStatus(t *testing.T) {
	h := newTickHarness()

	// someone else leads
	other := entity.SchedulerNode{UUID: entity.NewSchedulerNodeUUID()}
	h.control.leader = &other

	taskUUID, err := h.repo.AddTask(context.Background(), &entity.Task{Status: entity.TaskQueued, WorkerUUID: "W1"})
	require.NoError(t, err)
	h.manager.pushStatus(entity.NewTaskReport("W1", taskUUID, entity.TaskRunning, ""))

	h.sched.tick(context.Background())

	task, err := h.repo.GetTaskFromUUID(context.Background(), taskUUID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskRunning, task.Status, "non-leader node must drain status reports")
}

func TestTick_LeaderRebalancesOnCadence(t *testing.T) {
	h := newTickHarness()
	h.control.leader = &h.self
	h.control.nodes = []entity.SchedulerNode{h.self}

	cronTask := &entity.CronTask{UUID: entity.NewCronTaskUUID()}
	h.repo.addCronTask(cronTask)

	// force the cadence to be due
	h.sched.lastRebalance = time.Now().Add(-2 * time.Hour)
	h.sched.tick(context.Background())

	// membership refresh adopted the orphan, rebalance reissued it
	assert.NotEmpty(t, h.rpc.assigns)
}

func TestTick_AppliesDueAssignments(t *testing.T) {
	h := newTickHarness()
	cronTask := staticCronTask("W1")
	h.repo.addCronTask(cronTask)

	h.assignments.due = []entity.CronAssignment{{CronTaskUUID: cronTask.UUID}}
	h.sched.tick(context.Background())

	entries := h.cron.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], string(cronTask.UUID))
	require.Len(t, h.assignments.confirmed, 1)
	assert.Equal(t, cronTask.UUID, h.assignments.confirmed[0].CronTaskUUID)
}

func TestTick_AppliesDueRemovals(t *testing.T) {
	h := newTickHarness()
	cronTask := staticCronTask("W1")
	h.repo.addCronTask(cronTask)

	// register, then remove through the assignment channel
	require.NoError(t, h.sched.workerScheduler.AssignCronTask(context.Background(), cronTask.UUID))
	require.Len(t, h.cron.Entries(), 1)

	h.assignments.due = []entity.CronAssignment{{CronTaskUUID: cronTask.UUID, Remove: true}}
	h.sched.tick(context.Background())

	assert.Empty(t, h.cron.Entries())
}

func TestMembershipChanged(t *testing.T) {
	a := entity.SchedulerNode{UUID: "a"}
	b := entity.SchedulerNode{UUID: "b"}

	assert.False(t, membershipChanged(nil, nil))
	assert.False(t, membershipChanged([]entity.SchedulerNode{a, b}, []entity.SchedulerNode{b, a}))
	assert.True(t, membershipChanged([]entity.SchedulerNode{a}, []entity.SchedulerNode{a, b}))
	assert.True(t, membershipChanged([]entity.SchedulerNode{a}, []entity.SchedulerNode{b}))
}
