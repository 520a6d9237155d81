package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/funtask-io/funtask/internal/entity"
)

// fakeRepository is an in-memory Repository.
type fakeRepository struct {
	mu        sync.Mutex
	tasks     map[entity.TaskUUID]*entity.Task
	cronTasks map[entity.CronTaskUUID]*entity.CronTask
	workers   map[entity.WorkerUUID]*entity.Worker
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		tasks:     make(map[entity.TaskUUID]*entity.Task),
		cronTasks: make(map[entity.CronTaskUUID]*entity.CronTask),
		workers:   make(map[entity.WorkerUUID]*entity.Worker),
	}
}

func (r *fakeRepository) GetTaskFromUUID(_ context.Context, taskUUID entity.TaskUUID) (*entity.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskUUID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", entity.ErrRecordNotFound, taskUUID)
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepository) GetCronTaskFromUUID(_ context.Context, cronUUID entity.CronTaskUUID) (*entity.CronTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cronTasks[cronUUID]
	if !ok {
		return nil, fmt.Errorf("%w: cron task %s", entity.ErrRecordNotFound, cronUUID)
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepository) GetWorkerFromUUID(_ context.Context, workerUUID entity.WorkerUUID) (*entity.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerUUID]
	if !ok {
		return nil, fmt.Errorf("%w: worker %s", entity.ErrRecordNotFound, workerUUID)
	}
	cp := *w
	return &cp, nil
}

func (r *fakeRepository) GetWorkersFromTags(_ context.Context, tags []string) ([]entity.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Worker
	for _, w := range r.workers {
		if hasAllTags(w.Tags, tags) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, tag := range have {
		set[tag] = true
	}
	for _, tag := range want {
		if !set[tag] {
			return false
		}
	}
	return true
}

func (r *fakeRepository) GetAllWorkers(_ context.Context) ([]entity.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out, nil
}

func (r *fakeRepository) GetAllCronTask(_ context.Context) ([]entity.CronTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.CronTask, 0, len(r.cronTasks))
	for _, c := range r.cronTasks {
		out = append(out, *c)
	}
	return out, nil
}

func (r *fakeRepository) GetTasksFromWorker(_ context.Context, workerUUID entity.WorkerUUID) ([]entity.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Task
	for _, t := range r.tasks {
		if t.WorkerUUID == workerUUID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeRepository) AddTask(_ context.Context, t *entity.Task) (entity.TaskUUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.UUID == "" {
		t.UUID = entity.NewTaskUUID()
	}
	cp := *t
	r.tasks[t.UUID] = &cp
	return t.UUID, nil
}

func (r *fakeRepository) addCronTask(c *entity.CronTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.cronTasks[c.UUID] = &cp
}

func (r *fakeRepository) addWorker(w *entity.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.workers[w.UUID] = &cp
}

func (r *fakeRepository) ChangeTaskStatus(_ context.Context, taskUUID entity.TaskUUID, status entity.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskUUID]
	if !ok {
		return fmt.Errorf("%w: task %s", entity.ErrRecordNotFound, taskUUID)
	}
	t.Status = status
	return nil
}

func (r *fakeRepository) UpdateTask(_ context.Context, taskUUID entity.TaskUUID, patch entity.TaskPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskUUID]
	if !ok {
		return fmt.Errorf("%w: task %s", entity.ErrRecordNotFound, taskUUID)
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.UUIDInManager != nil {
		t.UUIDInManager = *patch.UUIDInManager
	}
	if patch.WorkerUUID != nil {
		t.WorkerUUID = *patch.WorkerUUID
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	return nil
}

func (r *fakeRepository) UpdateTaskUUIDInManager(ctx context.Context, taskUUID, uuidInManager entity.TaskUUID) error {
	return r.UpdateTask(ctx, taskUUID, entity.TaskPatch{UUIDInManager: &uuidInManager})
}

func (r *fakeRepository) UpdateWorkerLastHeartBeatTime(_ context.Context, workerUUID entity.WorkerUUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerUUID]
	if !ok {
		return fmt.Errorf("%w: worker %s", entity.ErrRecordNotFound, workerUUID)
	}
	w.LastHeartBeat = at
	return nil
}

func (r *fakeRepository) ChangeWorkerStatus(_ context.Context, workerUUID entity.WorkerUUID, status entity.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerUUID]
	if !ok {
		return fmt.Errorf("%w: worker %s", entity.ErrRecordNotFound, workerUUID)
	}
	w.Status = status
	return nil
}

func (r *fakeRepository) tasksByParent(cronUUID entity.CronTaskUUID) []entity.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Task
	for _, t := range r.tasks {
		if t.ParentTask == cronUUID {
			out = append(out, *t)
		}
	}
	return out
}

// fakeCron records registrations without running a timer.
type fakeCron struct {
	mu      sync.Mutex
	entries map[string]func()
}

func newFakeCron() *fakeCron {
	return &fakeCron{entries: make(map[string]func())}
}

func (c *fakeCron) register(name string, cb func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return fmt.Errorf("cron entry %q already registered", name)
	}
	c.entries[name] = cb
	return nil
}

func (c *fakeCron) EveryNMilliseconds(name string, n int, cb func()) error {
	return c.register(name, cb)
}
func (c *fakeCron) EveryNSeconds(name string, n int, cb func(), at string) error {
	return c.register(name, cb)
}
func (c *fakeCron) EveryNMinutes(name string, n int, cb func(), at string) error {
	return c.register(name, cb)
}
func (c *fakeCron) EveryNHours(name string, n int, cb func(), at string) error {
	return c.register(name, cb)
}
func (c *fakeCron) EveryNDays(name string, n int, cb func(), at string) error {
	return c.register(name, cb)
}
func (c *fakeCron) EveryNWeeks(name string, n int, cb func(), at string) error {
	return c.register(name, cb)
}

func (c *fakeCron) Cancel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
	return nil
}

func (c *fakeCron) Entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names
}

func (c *fakeCron) fire(prefix string) {
	c.mu.Lock()
	var cbs []func()
	for name, cb := range c.entries {
		if strings.HasPrefix(name, prefix) {
			cbs = append(cbs, cb)
		}
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// fakeLock records acquisitions; acquisition always succeeds.
type fakeLock struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]bool)}
}

func (l *fakeLock) Lock(_ context.Context, name string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[name] = true
	l.acquired = append(l.acquired, name)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held[name] = false
		return nil
	}, nil
}

func (l *fakeLock) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	release, err := l.Lock(ctx, name, 0)
	return release, err == nil, err
}

func (l *fakeLock) heldNow(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[name]
}

type dispatched struct {
	worker        entity.WorkerUUID
	fn            entity.Func
	resultAsState bool
	timeout       time.Duration
	argument      []byte
}

// fakeManager is the scheduler-side task manager fake.
type fakeManager struct {
	mu         sync.Mutex
	dispatches []dispatched
	queueSizes map[entity.WorkerUUID]int64
	statuses   []*entity.StatusReport
	kills      []entity.TaskUUID

	lockProbe func(worker entity.WorkerUUID) // called on queue size probe
}

func newFakeManager() *fakeManager {
	return &fakeManager{queueSizes: make(map[entity.WorkerUUID]int64)}
}

func (m *fakeManager) DispatchFunTask(_ context.Context, worker entity.WorkerUUID, fn entity.Func, resultAsState bool, timeout time.Duration, argument []byte) (entity.TaskUUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, dispatched{worker, fn, resultAsState, timeout, argument})
	return entity.NewTaskUUID(), nil
}

func (m *fakeManager) StopTask(_ context.Context, _ entity.WorkerUUID, taskUUID entity.TaskUUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kills = append(m.kills, taskUUID)
	return nil
}

func (m *fakeManager) StopWorker(context.Context, entity.WorkerUUID) error { return nil }
func (m *fakeManager) KillWorker(context.Context, entity.WorkerUUID) error { return nil }

func (m *fakeManager) GetQueuedStatus(_ context.Context, _ time.Duration) (*entity.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return nil, nil
	}
	report := m.statuses[0]
	m.statuses = m.statuses[1:]
	return report, nil
}

func (m *fakeManager) GetTaskQueueSize(_ context.Context, worker entity.WorkerUUID) (int64, error) {
	if m.lockProbe != nil {
		m.lockProbe(worker)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueSizes[worker], nil
}

func (m *fakeManager) pushStatus(report entity.StatusReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, &report)
}

func (m *fakeManager) dispatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatches)
}

// fakeLeaderRPC records ownership commands per node.
type fakeLeaderRPC struct {
	mu        sync.Mutex
	nodeTasks map[entity.SchedulerNodeUUID][]entity.CronTaskUUID
	assigns   []entity.CronAssignment
	removes   []entity.CronAssignment
}

func newFakeLeaderRPC() *fakeLeaderRPC {
	return &fakeLeaderRPC{nodeTasks: make(map[entity.SchedulerNodeUUID][]entity.CronTaskUUID)}
}

func (r *fakeLeaderRPC) AssignTaskToNode(_ context.Context, node entity.SchedulerNode, cronUUID entity.CronTaskUUID, effectiveAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigns = append(r.assigns, entity.CronAssignment{CronTaskUUID: cronUUID, EffectiveAt: effectiveAt})
	r.nodeTasks[node.UUID] = append(r.nodeTasks[node.UUID], cronUUID)
	return nil
}

func (r *fakeLeaderRPC) GetNodeTaskList(_ context.Context, node entity.SchedulerNode) ([]entity.CronTaskUUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.CronTaskUUID(nil), r.nodeTasks[node.UUID]...), nil
}

func (r *fakeLeaderRPC) RemoveTaskFromNode(_ context.Context, node entity.SchedulerNode, cronUUID entity.CronTaskUUID, effectiveAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removes = append(r.removes, entity.CronAssignment{CronTaskUUID: cronUUID, EffectiveAt: effectiveAt, Remove: true})
	list := r.nodeTasks[node.UUID]
	out := list[:0]
	for _, u := range list {
		if u != cronUUID {
			out = append(out, u)
		}
	}
	r.nodeTasks[node.UUID] = out
	return nil
}

// fakeLeaderControl serves a scripted leader.
type fakeLeaderControl struct {
	mu        sync.Mutex
	leader    *entity.SchedulerNode
	nodes     []entity.SchedulerNode
	elections int
}

func (c *fakeLeaderControl) GetLeader(context.Context) (*entity.SchedulerNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader, nil
}

func (c *fakeLeaderControl) ElectLeader(_ context.Context, node entity.SchedulerNode) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elections++
	if c.leader == nil {
		cp := node
		c.leader = &cp
		return true, nil
	}
	return c.leader.UUID == node.UUID, nil
}

func (c *fakeLeaderControl) IsLeader(_ context.Context, nodeUUID entity.SchedulerNodeUUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader != nil && c.leader.UUID == nodeUUID, nil
}

func (c *fakeLeaderControl) GetAllNodes(context.Context) ([]entity.SchedulerNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entity.SchedulerNode(nil), c.nodes...), nil
}

func (c *fakeLeaderControl) GetClusterID(context.Context) (entity.ClusterUUID, error) {
	return "cluster-1", nil
}

func (c *fakeLeaderControl) RegisterNode(context.Context, entity.SchedulerNode) error { return nil }
