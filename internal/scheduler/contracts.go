// Package scheduler is the control-plane core: it turns cron definitions
// into concrete tasks, routes them to workers under distributed mutual
// exclusion, and partitions cron-task ownership across scheduler nodes.
//
// The scheduler commits to its collaborators' contracts, not their
// implementations; the interfaces below are satisfied by the in-tree redis
// providers and by test fakes alike.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/funtask-io/funtask/internal/entity"
)

// ErrRecursionLimit is returned when UDF strategy resolution exceeds its
// depth bound.
var ErrRecursionLimit = errors.New("strategy resolution recursion limit exceeded")

// maxResolveDepth bounds the UDF fixed-point.
const maxResolveDepth = 10

// Repository is the system of record for tasks, cron tasks and workers.
type Repository interface {
	GetTaskFromUUID(ctx context.Context, taskUUID entity.TaskUUID) (*entity.Task, error)
	GetCronTaskFromUUID(ctx context.Context, cronUUID entity.CronTaskUUID) (*entity.CronTask, error)
	GetWorkerFromUUID(ctx context.Context, workerUUID entity.WorkerUUID) (*entity.Worker, error)
	GetWorkersFromTags(ctx context.Context, tags []string) ([]entity.Worker, error)
	GetAllWorkers(ctx context.Context) ([]entity.Worker, error)
	GetAllCronTask(ctx context.Context) ([]entity.CronTask, error)
	GetTasksFromWorker(ctx context.Context, workerUUID entity.WorkerUUID) ([]entity.Task, error)
	AddTask(ctx context.Context, t *entity.Task) (entity.TaskUUID, error)
	ChangeTaskStatus(ctx context.Context, taskUUID entity.TaskUUID, status entity.TaskStatus) error
	UpdateTask(ctx context.Context, taskUUID entity.TaskUUID, patch entity.TaskPatch) error
	UpdateTaskUUIDInManager(ctx context.Context, taskUUID, uuidInManager entity.TaskUUID) error
	UpdateWorkerLastHeartBeatTime(ctx context.Context, workerUUID entity.WorkerUUID, at time.Time) error
	ChangeWorkerStatus(ctx context.Context, workerUUID entity.WorkerUUID, status entity.WorkerStatus) error
}

// Cron is the timer collaborator. Entry names are opaque to it; this package
// encodes "{cron_uuid}/{timepoint}".
type Cron interface {
	EveryNMilliseconds(name string, n int, cb func()) error
	EveryNSeconds(name string, n int, cb func(), at string) error
	EveryNMinutes(name string, n int, cb func(), at string) error
	EveryNHours(name string, n int, cb func(), at string) error
	EveryNDays(name string, n int, cb func(), at string) error
	EveryNWeeks(name string, n int, cb func(), at string) error
	Cancel(name string) error
	Entries() []string
}

// DistributeLock guards queue-admission decisions per worker across all
// scheduler nodes.
type DistributeLock interface {
	Lock(ctx context.Context, name string, timeout time.Duration) (func(context.Context) error, error)
	TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error)
}

// FunTaskManagerRPC is the remote façade of the data plane's task manager.
type FunTaskManagerRPC interface {
	DispatchFunTask(ctx context.Context, workerUUID entity.WorkerUUID, fn entity.Func, resultAsState bool, timeout time.Duration, argument []byte) (entity.TaskUUID, error)
	StopTask(ctx context.Context, workerUUID entity.WorkerUUID, taskUUID entity.TaskUUID) error
	StopWorker(ctx context.Context, workerUUID entity.WorkerUUID) error
	KillWorker(ctx context.Context, workerUUID entity.WorkerUUID) error
	GetQueuedStatus(ctx context.Context, timeout time.Duration) (*entity.StatusReport, error)
	GetTaskQueueSize(ctx context.Context, workerUUID entity.WorkerUUID) (int64, error)
}

// LeaderControl is the delegated election primitive.
type LeaderControl interface {
	GetLeader(ctx context.Context) (*entity.SchedulerNode, error)
	ElectLeader(ctx context.Context, node entity.SchedulerNode) (bool, error)
	IsLeader(ctx context.Context, nodeUUID entity.SchedulerNodeUUID) (bool, error)
	GetAllNodes(ctx context.Context) ([]entity.SchedulerNode, error)
	GetClusterID(ctx context.Context) (entity.ClusterUUID, error)
	RegisterNode(ctx context.Context, node entity.SchedulerNode) error
}

// LeaderSchedulerRPC carries cron-task ownership commands from the leader to
// worker-scheduler nodes.
type LeaderSchedulerRPC interface {
	AssignTaskToNode(ctx context.Context, node entity.SchedulerNode, cronUUID entity.CronTaskUUID, effectiveAt time.Time) error
	GetNodeTaskList(ctx context.Context, node entity.SchedulerNode) ([]entity.CronTaskUUID, error)
	RemoveTaskFromNode(ctx context.Context, node entity.SchedulerNode, cronUUID entity.CronTaskUUID, effectiveAt time.Time) error
}

// AssignmentSource is the node side of the ownership channel: the pending
// commands addressed to this node, applied once due.
type AssignmentSource interface {
	DueAssignments(ctx context.Context, node entity.SchedulerNode, now time.Time) ([]entity.CronAssignment, error)
	ConfirmAssignment(ctx context.Context, node entity.SchedulerNode, a entity.CronAssignment) error
}
