package entity

import "context"

// StrategyInfo is the flattened view of a CronTask handed to UDF strategies
// so they can make data-driven decisions.
type StrategyInfo map[string]any

// UDF strategy callbacks return the next strategy to resolve. They live only
// in process; the persisted form keeps the FuncUUID reference.
type (
	ArgumentUDF  func(ctx context.Context, info StrategyInfo) (ArgumentStrategy, error)
	WorkerUDF    func(ctx context.Context, info StrategyInfo) (WorkerStrategy, error)
	QueueFullUDF func(ctx context.Context, info StrategyInfo) (QueueFullStrategy, error)
)

// ArgumentStrategyKind selects how a cron fire sources its argument.
type ArgumentStrategyKind int

const (
	ArgumentDrop ArgumentStrategyKind = iota
	ArgumentSkip
	ArgumentStatic
	ArgumentFromQueueEndDrop
	ArgumentFromQueueEndSkip
	ArgumentFromQueueEndRepeatLatest
	ArgumentUDFKind
)

func (k ArgumentStrategyKind) String() string {
	switch k {
	case ArgumentDrop:
		return "drop"
	case ArgumentSkip:
		return "skip"
	case ArgumentStatic:
		return "static"
	case ArgumentFromQueueEndDrop:
		return "from_queue_end_drop"
	case ArgumentFromQueueEndSkip:
		return "from_queue_end_skip"
	case ArgumentFromQueueEndRepeatLatest:
		return "from_queue_end_repeat_latest"
	case ArgumentUDFKind:
		return "udf"
	default:
		return "unknown"
	}
}

// FromQueue reports whether the kind consumes a named argument queue.
func (k ArgumentStrategyKind) FromQueue() bool {
	return k == ArgumentFromQueueEndDrop || k == ArgumentFromQueueEndSkip ||
		k == ArgumentFromQueueEndRepeatLatest
}

type ArgumentStrategy struct {
	Kind          ArgumentStrategyKind `json:"kind"`
	StaticValue   []byte               `json:"static_value,omitempty"`
	ArgumentQueue *QueueRef            `json:"argument_queue,omitempty"`
	UDF           ArgumentUDF          `json:"-"`
	UDFRef        FuncUUID             `json:"udf,omitempty"`
	UDFExtra      StrategyInfo         `json:"udf_extra,omitempty"`
}

// WorkerStrategyKind selects which worker receives the materialised task.
type WorkerStrategyKind int

const (
	WorkerStatic WorkerStrategyKind = iota
	WorkerRandomFromList
	WorkerRandomFromWorkerTags
	WorkerUDFKind
)

func (k WorkerStrategyKind) String() string {
	switch k {
	case WorkerStatic:
		return "static"
	case WorkerRandomFromList:
		return "random_from_list"
	case WorkerRandomFromWorkerTags:
		return "random_from_worker_tags"
	case WorkerUDFKind:
		return "udf"
	default:
		return "unknown"
	}
}

type WorkerStrategy struct {
	Kind         WorkerStrategyKind `json:"kind"`
	StaticWorker WorkerUUID         `json:"static_worker,omitempty"`
	Workers      []WorkerUUID       `json:"workers,omitempty"`
	WorkerTags   []string           `json:"worker_tags,omitempty"`
	UDF          WorkerUDF          `json:"-"`
	UDFRef       FuncUUID           `json:"udf,omitempty"`
	UDFExtra     StrategyInfo       `json:"udf_extra,omitempty"`
}

// QueueFullKind selects what happens when the chosen worker's task queue
// has no room.
type QueueFullKind int

const (
	QueueFullDrop QueueFullKind = iota
	QueueFullSkip
	QueueFullSeize
	QueueFullUDFKind
)

func (k QueueFullKind) String() string {
	switch k {
	case QueueFullDrop:
		return "drop"
	case QueueFullSkip:
		return "skip"
	case QueueFullSeize:
		return "seize"
	case QueueFullUDFKind:
		return "udf"
	default:
		return "unknown"
	}
}

type QueueFullStrategy struct {
	Kind     QueueFullKind `json:"kind"`
	UDF      QueueFullUDF  `json:"-"`
	UDFRef   FuncUUID      `json:"udf,omitempty"`
	UDFExtra StrategyInfo  `json:"udf_extra,omitempty"`
}

// Info flattens the cron task for UDF consumption.
func (c *CronTask) Info() StrategyInfo {
	return StrategyInfo{
		"uuid":                c.UUID,
		"name":                c.Name,
		"func":                c.Func.Name,
		"argument_strategy":   c.ArgumentGenerateStrategy.Kind.String(),
		"worker_strategy":     c.WorkerChooseStrategy.Kind.String(),
		"queue_full_strategy": c.TaskQueueStrategy.Kind.String(),
		"task_queue_max_size": c.TaskQueueMaxSize,
		"result_as_state":     c.ResultAsState,
		"timeout":             c.Timeout,
		"description":         c.Description,
		"disabled":            c.Disabled,
	}
}
