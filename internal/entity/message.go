package entity

import "time"

// InnerTask is the runtime-facing slice of a Task shipped on a worker's
// task queue. The UUID here is the manager-side handle, not the repository
// task uuid.
type InnerTask struct {
	UUID          TaskUUID `json:"uuid"`
	FuncName      string   `json:"func_name"`
	FuncBody      []byte   `json:"func_body,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	ResultAsState bool     `json:"result_as_state"`
}

// InnerTaskMeta carries invocation details alongside an InnerTask.
type InnerTaskMeta struct {
	Argument []byte        `json:"argument,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// TaskQueueMessage is one unit of work on a worker's task queue.
type TaskQueueMessage struct {
	Task      InnerTask     `json:"task"`
	Meta      InnerTaskMeta `json:"meta"`
	CreatedAt time.Time     `json:"created_at"`
}

// TaskControl is a control-queue signal.
type TaskControl int

const (
	// ControlKill aborts the targeted task if it is running or next in line.
	ControlKill TaskControl = iota
	// ControlStop asks the worker to drain its current task and exit.
	ControlStop
)

func (c TaskControl) String() string {
	switch c {
	case ControlKill:
		return "kill"
	case ControlStop:
		return "stop"
	default:
		return "unknown"
	}
}

// ControlQueueMessage is addressed to one worker; TaskUUID narrows a kill to
// a single task.
type ControlQueueMessage struct {
	WorkerUUID WorkerUUID  `json:"worker_uuid"`
	Control    TaskControl `json:"control"`
	TaskUUID   TaskUUID    `json:"task_uuid,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// StatusReportKind selects which status field of a report is meaningful.
type StatusReportKind int

const (
	ReportTask StatusReportKind = iota
	ReportWorker
)

// StatusReport is the fan-in record on the unified status queue: many
// workers produce, one manager-side drain consumes.
type StatusReport struct {
	Kind         StatusReportKind `json:"kind"`
	WorkerUUID   WorkerUUID       `json:"worker_uuid"`
	TaskUUID     TaskUUID         `json:"task_uuid,omitempty"`
	TaskStatus   TaskStatus       `json:"task_status,omitempty"`
	WorkerStatus WorkerStatus     `json:"worker_status,omitempty"`
	Content      string           `json:"content,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewTaskReport builds a task-status report stamped now.
func NewTaskReport(worker WorkerUUID, task TaskUUID, status TaskStatus, content string) StatusReport {
	return StatusReport{
		Kind:       ReportTask,
		WorkerUUID: worker,
		TaskUUID:   task,
		TaskStatus: status,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
}

// CronAssignment is one pending ownership command for a scheduler node:
// register the cron task (or drop it, when Remove is set) once EffectiveAt
// has passed. A zero EffectiveAt means immediately.
type CronAssignment struct {
	CronTaskUUID CronTaskUUID `json:"cron_task_uuid"`
	EffectiveAt  time.Time    `json:"effective_at,omitempty"`
	Remove       bool         `json:"remove"`
	Applied      bool         `json:"applied"`
}

// NewWorkerReport builds a worker-status report stamped now.
func NewWorkerReport(worker WorkerUUID, status WorkerStatus, content string) StatusReport {
	return StatusReport{
		Kind:         ReportWorker,
		WorkerUUID:   worker,
		WorkerStatus: status,
		Content:      content,
		CreatedAt:    time.Now().UTC(),
	}
}
