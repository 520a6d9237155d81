package entity

import "errors"

// TaskStatus tracks a task through its lifecycle. Terminal statuses are
// sinks: once reached the task never becomes schedulable or runnable again.
type TaskStatus int

const (
	TaskUnscheduled TaskStatus = iota
	TaskScheduled
	TaskSkip
	TaskQueued
	TaskRunning
	TaskSuccess
	TaskError
	TaskDied
)

func (s TaskStatus) String() string {
	switch s {
	case TaskUnscheduled:
		return "unscheduled"
	case TaskScheduled:
		return "scheduled"
	case TaskSkip:
		return "skip"
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskSuccess:
		return "success"
	case TaskError:
		return "error"
	case TaskDied:
		return "died"
	default:
		return "unknown"
	}
}

func ParseTaskStatus(s string) TaskStatus {
	switch s {
	case "unscheduled":
		return TaskUnscheduled
	case "scheduled":
		return TaskScheduled
	case "skip":
		return TaskSkip
	case "queued":
		return TaskQueued
	case "running":
		return TaskRunning
	case "success":
		return TaskSuccess
	case "error":
		return TaskError
	case "died":
		return TaskDied
	default:
		return TaskUnscheduled
	}
}

// IsTerminal reports whether the status is one of the terminal sinks.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSkip || s == TaskSuccess || s == TaskError || s == TaskDied
}

// CanTransitionTo enforces the status lattice: a terminal status never
// moves back to a schedulable or runnable one.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if !s.IsTerminal() {
		return true
	}
	switch target {
	case TaskUnscheduled, TaskScheduled, TaskQueued, TaskRunning:
		return false
	default:
		return true
	}
}

// WorkerStatus covers both the persisted worker lifecycle and the
// report-only heartbeat signal carried on the status queue.
type WorkerStatus int

const (
	WorkerRunning WorkerStatus = iota
	WorkerStopping
	WorkerStopped
	WorkerDied
	WorkerHeartbeat
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	case WorkerDied:
		return "died"
	case WorkerHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

func ParseWorkerStatus(s string) WorkerStatus {
	switch s {
	case "running":
		return WorkerRunning
	case "stopping":
		return WorkerStopping
	case "stopped":
		return WorkerStopped
	case "died":
		return WorkerDied
	case "heartbeat":
		return WorkerHeartbeat
	default:
		return WorkerRunning
	}
}

// Error definitions
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrStatusChange   = errors.New("status change not permitted")
)
