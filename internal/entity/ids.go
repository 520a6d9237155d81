package entity

import "github.com/google/uuid"

// Opaque string-formatted identifiers. Equality is byte equality.
type (
	WorkerUUID              string
	TaskUUID                string
	CronTaskUUID            string
	FuncUUID                string
	FuncGroupUUID           string
	FuncParameterSchemaUUID string
	SchedulerNodeUUID       string
	ClusterUUID             string
	QueueUUID               string
)

func NewWorkerUUID() WorkerUUID     { return WorkerUUID(uuid.New().String()) }
func NewTaskUUID() TaskUUID         { return TaskUUID(uuid.New().String()) }
func NewCronTaskUUID() CronTaskUUID { return CronTaskUUID(uuid.New().String()) }
func NewFuncUUID() FuncUUID         { return FuncUUID(uuid.New().String()) }
func NewQueueUUID() QueueUUID       { return QueueUUID(uuid.New().String()) }

func NewFuncGroupUUID() FuncGroupUUID { return FuncGroupUUID(uuid.New().String()) }

func NewFuncParameterSchemaUUID() FuncParameterSchemaUUID {
	return FuncParameterSchemaUUID(uuid.New().String())
}

func NewSchedulerNodeUUID() SchedulerNodeUUID {
	return SchedulerNodeUUID(uuid.New().String())
}
