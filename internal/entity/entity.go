package entity

import (
	"fmt"
	"time"
)

// Func is a registered function body: the handler name resolved against the
// worker-side registry, the raw body, and the ordered dependency names the
// runtime must have loaded before invocation.
type Func struct {
	UUID            FuncUUID                `json:"uuid"`
	Name            string                  `json:"name"`
	Body            []byte                  `json:"body"`
	Dependencies    []string                `json:"dependencies"`
	ParameterSchema FuncParameterSchemaUUID `json:"parameter_schema,omitempty"`
}

// FuncGroup is a named bundle of functions triggered together.
type FuncGroup struct {
	UUID  FuncGroupUUID `json:"uuid"`
	Name  string        `json:"name"`
	Funcs []FuncUUID    `json:"funcs"`
}

// FuncParameterSchema references a JSON schema describing a function's
// argument shape.
type FuncParameterSchema struct {
	UUID   FuncParameterSchemaUUID `json:"uuid"`
	Schema []byte                  `json:"schema"`
}

// Task is a one-shot instance, usually materialised from a CronTask fire.
// UUIDInManager is the runtime handle minted by the worker manager and is
// only meaningful until the task reaches a terminal status.
type Task struct {
	UUID          TaskUUID      `json:"uuid"`
	ParentTask    CronTaskUUID  `json:"parent_task,omitempty"`
	UUIDInManager TaskUUID      `json:"uuid_in_manager,omitempty"`
	WorkerUUID    WorkerUUID    `json:"worker_uuid,omitempty"`
	Func          Func          `json:"func"`
	Argument      []byte        `json:"argument,omitempty"`
	ResultAsState bool          `json:"result_as_state"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Description   string        `json:"description,omitempty"`
	Result        string        `json:"result,omitempty"`
	Status        TaskStatus    `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TimeUnit is the granularity of a cron TimePoint.
type TimeUnit int

const (
	UnitMillisecond TimeUnit = iota
	UnitSecond
	UnitMinute
	UnitHour
	UnitDay
	UnitWeek
)

func (u TimeUnit) String() string {
	switch u {
	case UnitMillisecond:
		return "millisecond"
	case UnitSecond:
		return "second"
	case UnitMinute:
		return "minute"
	case UnitHour:
		return "hour"
	case UnitDay:
		return "day"
	case UnitWeek:
		return "week"
	default:
		return "unknown"
	}
}

func (u TimeUnit) Duration() time.Duration {
	switch u {
	case UnitMillisecond:
		return time.Millisecond
	case UnitSecond:
		return time.Second
	case UnitMinute:
		return time.Minute
	case UnitHour:
		return time.Hour
	case UnitDay:
		return 24 * time.Hour
	case UnitWeek:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// TimePoint fires every N units, optionally aligned by At (unit-specific,
// e.g. hour-of-day for day units).
type TimePoint struct {
	Unit TimeUnit `json:"unit"`
	N    int      `json:"n"`
	At   string   `json:"at,omitempty"`
}

func (tp TimePoint) String() string {
	if tp.At != "" {
		return fmt.Sprintf("%s:%d@%s", tp.Unit, tp.N, tp.At)
	}
	return fmt.Sprintf("%s:%d", tp.Unit, tp.N)
}

// Interval is the wall-clock period between fires.
func (tp TimePoint) Interval() time.Duration {
	return time.Duration(tp.N) * tp.Unit.Duration()
}

// CronTask is a recurring definition producing Tasks at its TimePoints.
type CronTask struct {
	UUID                     CronTaskUUID      `json:"uuid"`
	Name                     string            `json:"name"`
	TimePoints               []TimePoint       `json:"timepoints"`
	Func                     Func              `json:"func"`
	ArgumentGenerateStrategy ArgumentStrategy  `json:"argument_generate_strategy"`
	WorkerChooseStrategy     WorkerStrategy    `json:"worker_choose_strategy"`
	TaskQueueStrategy        QueueFullStrategy `json:"task_queue_strategy"`
	TaskQueueMaxSize         int64             `json:"task_queue_max_size"`
	ResultAsState            bool              `json:"result_as_state"`
	Timeout                  time.Duration     `json:"timeout,omitempty"`
	Description              string            `json:"description,omitempty"`
	Disabled                 bool              `json:"disabled"`
}

// Worker is the persisted view of a worker process.
type Worker struct {
	UUID          WorkerUUID   `json:"uuid"`
	Status        WorkerStatus `json:"status"`
	Name          string       `json:"name,omitempty"`
	LastHeartBeat time.Time    `json:"last_heart_beat"`
	Tags          []string     `json:"tags,omitempty"`
}

// TaskPatch is a partial update applied to a persisted Task; nil fields are
// left untouched.
type TaskPatch struct {
	Status        *TaskStatus
	UUIDInManager *TaskUUID
	WorkerUUID    *WorkerUUID
	Result        *string
}

// SchedulerNode is one control-plane node of the cluster.
type SchedulerNode struct {
	UUID SchedulerNodeUUID `json:"uuid"`
	Host string            `json:"host"`
	Port int               `json:"port"`
}

// QueueRef names a registered argument queue.
type QueueRef struct {
	UUID QueueUUID `json:"uuid"`
	Name string    `json:"name"`
}
