// Package repository persists the system of record: tasks, cron tasks,
// workers, functions and their satellites, as JSON records in redis with
// set-based secondary indexes.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/funtask-io/funtask/internal/entity"
)

const (
	taskKeyPrefix      = "funtask:task:"
	cronTaskKeyPrefix  = "funtask:crontask:"
	workerKeyPrefix    = "funtask:worker:"
	funcKeyPrefix      = "funtask:func:"
	funcGroupKeyPrefix = "funtask:funcgroup:"
	schemaKeyPrefix    = "funtask:schema:"
	queueRefKeyPrefix  = "funtask:queueref:"

	cronTaskSetKey      = "funtask:crontasks"
	workerSetKey        = "funtask:workers"
	workerTagKeyPrefix  = "funtask:tags:worker:"
	workerTasksPrefix   = "funtask:tasks:worker:"
	parentTasksPrefix   = "funtask:tasks:parent:"
)

// Redis is the redis-backed Repository provider.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", entity.ErrRecordNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (r *Redis) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) GetTaskFromUUID(ctx context.Context, taskUUID entity.TaskUUID) (*entity.Task, error) {
	var t entity.Task
	if err := r.getJSON(ctx, taskKeyPrefix+string(taskUUID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Redis) GetCronTaskFromUUID(ctx context.Context, cronUUID entity.CronTaskUUID) (*entity.CronTask, error) {
	var c entity.CronTask
	if err := r.getJSON(ctx, cronTaskKeyPrefix+string(cronUUID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Redis) GetWorkerFromUUID(ctx context.Context, workerUUID entity.WorkerUUID) (*entity.Worker, error) {
	var w entity.Worker
	if err := r.getJSON(ctx, workerKeyPrefix+string(workerUUID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkersFromTags returns workers carrying every requested tag.
func (r *Redis) GetWorkersFromTags(ctx context.Context, tags []string) ([]entity.Worker, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = workerTagKeyPrefix + tag
	}
	uuids, err := r.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to intersect worker tags: %w", err)
	}
	workers := make([]entity.Worker, 0, len(uuids))
	for _, id := range uuids {
		w, err := r.GetWorkerFromUUID(ctx, entity.WorkerUUID(id))
		if err != nil {
			continue
		}
		workers = append(workers, *w)
	}
	return workers, nil
}

func (r *Redis) GetAllCronTask(ctx context.Context) ([]entity.CronTask, error) {
	uuids, err := r.client.SMembers(ctx, cronTaskSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cron tasks: %w", err)
	}
	tasks := make([]entity.CronTask, 0, len(uuids))
	for _, id := range uuids {
		c, err := r.GetCronTaskFromUUID(ctx, entity.CronTaskUUID(id))
		if err != nil {
			continue
		}
		tasks = append(tasks, *c)
	}
	return tasks, nil
}

// GetTasksFromWorker lists every task ever assigned to a worker.
func (r *Redis) GetTasksFromWorker(ctx context.Context, workerUUID entity.WorkerUUID) ([]entity.Task, error) {
	uuids, err := r.client.SMembers(ctx, workerTasksPrefix+string(workerUUID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list worker tasks: %w", err)
	}
	tasks := make([]entity.Task, 0, len(uuids))
	for _, id := range uuids {
		t, err := r.GetTaskFromUUID(ctx, entity.TaskUUID(id))
		if err != nil {
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// GetTasksFromParent lists the tasks materialised from a cron task.
func (r *Redis) GetTasksFromParent(ctx context.Context, cronUUID entity.CronTaskUUID) ([]entity.Task, error) {
	uuids, err := r.client.SMembers(ctx, parentTasksPrefix+string(cronUUID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list child tasks: %w", err)
	}
	tasks := make([]entity.Task, 0, len(uuids))
	for _, id := range uuids {
		t, err := r.GetTaskFromUUID(ctx, entity.TaskUUID(id))
		if err != nil {
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func (r *Redis) AddTask(ctx context.Context, t *entity.Task) (entity.TaskUUID, error) {
	if t.UUID == "" {
		t.UUID = entity.NewTaskUUID()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if err := r.setJSON(ctx, taskKeyPrefix+string(t.UUID), t); err != nil {
		return "", err
	}
	if t.ParentTask != "" {
		r.client.SAdd(ctx, parentTasksPrefix+string(t.ParentTask), string(t.UUID))
	}
	if t.WorkerUUID != "" {
		r.client.SAdd(ctx, workerTasksPrefix+string(t.WorkerUUID), string(t.UUID))
	}
	return t.UUID, nil
}

func (r *Redis) AddCronTask(ctx context.Context, c *entity.CronTask) (entity.CronTaskUUID, error) {
	if c.UUID == "" {
		c.UUID = entity.NewCronTaskUUID()
	}
	if err := r.setJSON(ctx, cronTaskKeyPrefix+string(c.UUID), c); err != nil {
		return "", err
	}
	if err := r.client.SAdd(ctx, cronTaskSetKey, string(c.UUID)).Err(); err != nil {
		return "", fmt.Errorf("failed to index cron task: %w", err)
	}
	return c.UUID, nil
}

func (r *Redis) AddWorker(ctx context.Context, w *entity.Worker) (entity.WorkerUUID, error) {
	if w.UUID == "" {
		w.UUID = entity.NewWorkerUUID()
	}
	if err := r.setJSON(ctx, workerKeyPrefix+string(w.UUID), w); err != nil {
		return "", err
	}
	r.client.SAdd(ctx, workerSetKey, string(w.UUID))
	for _, tag := range w.Tags {
		r.client.SAdd(ctx, workerTagKeyPrefix+tag, string(w.UUID))
	}
	return w.UUID, nil
}

// GetAllWorkers lists every registered worker.
func (r *Redis) GetAllWorkers(ctx context.Context) ([]entity.Worker, error) {
	uuids, err := r.client.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	workers := make([]entity.Worker, 0, len(uuids))
	for _, id := range uuids {
		w, err := r.GetWorkerFromUUID(ctx, entity.WorkerUUID(id))
		if err != nil {
			continue
		}
		workers = append(workers, *w)
	}
	return workers, nil
}

func (r *Redis) AddFunc(ctx context.Context, f *entity.Func) (entity.FuncUUID, error) {
	if f.UUID == "" {
		f.UUID = entity.NewFuncUUID()
	}
	if err := r.setJSON(ctx, funcKeyPrefix+string(f.UUID), f); err != nil {
		return "", err
	}
	return f.UUID, nil
}

func (r *Redis) AddFuncGroup(ctx context.Context, g *entity.FuncGroup) (entity.FuncGroupUUID, error) {
	if g.UUID == "" {
		g.UUID = entity.NewFuncGroupUUID()
	}
	if err := r.setJSON(ctx, funcGroupKeyPrefix+string(g.UUID), g); err != nil {
		return "", err
	}
	return g.UUID, nil
}

func (r *Redis) AddFuncParameterSchema(ctx context.Context, s *entity.FuncParameterSchema) (entity.FuncParameterSchemaUUID, error) {
	if s.UUID == "" {
		s.UUID = entity.NewFuncParameterSchemaUUID()
	}
	if err := r.setJSON(ctx, schemaKeyPrefix+string(s.UUID), s); err != nil {
		return "", err
	}
	return s.UUID, nil
}

func (r *Redis) AddQueue(ctx context.Context, q *entity.QueueRef) (entity.QueueUUID, error) {
	if q.UUID == "" {
		q.UUID = entity.NewQueueUUID()
	}
	if err := r.setJSON(ctx, queueRefKeyPrefix+string(q.UUID), q); err != nil {
		return "", err
	}
	return q.UUID, nil
}

func (r *Redis) ChangeTaskStatus(ctx context.Context, taskUUID entity.TaskUUID, status entity.TaskStatus) error {
	t, err := r.GetTaskFromUUID(ctx, taskUUID)
	if err != nil {
		return err
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return r.setJSON(ctx, taskKeyPrefix+string(taskUUID), t)
}

func (r *Redis) UpdateTask(ctx context.Context, taskUUID entity.TaskUUID, patch entity.TaskPatch) error {
	t, err := r.GetTaskFromUUID(ctx, taskUUID)
	if err != nil {
		return err
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.UUIDInManager != nil {
		t.UUIDInManager = *patch.UUIDInManager
	}
	if patch.WorkerUUID != nil {
		t.WorkerUUID = *patch.WorkerUUID
		r.client.SAdd(ctx, workerTasksPrefix+string(t.WorkerUUID), string(t.UUID))
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	t.UpdatedAt = time.Now().UTC()
	return r.setJSON(ctx, taskKeyPrefix+string(taskUUID), t)
}

func (r *Redis) UpdateTaskUUIDInManager(ctx context.Context, taskUUID, uuidInManager entity.TaskUUID) error {
	return r.UpdateTask(ctx, taskUUID, entity.TaskPatch{UUIDInManager: &uuidInManager})
}

func (r *Redis) UpdateWorkerLastHeartBeatTime(ctx context.Context, workerUUID entity.WorkerUUID, at time.Time) error {
	w, err := r.GetWorkerFromUUID(ctx, workerUUID)
	if err != nil {
		return err
	}
	w.LastHeartBeat = at
	return r.setJSON(ctx, workerKeyPrefix+string(workerUUID), w)
}

func (r *Redis) ChangeWorkerStatus(ctx context.Context, workerUUID entity.WorkerUUID, status entity.WorkerStatus) error {
	w, err := r.GetWorkerFromUUID(ctx, workerUUID)
	if err != nil {
		return err
	}
	w.Status = status
	return r.setJSON(ctx, workerKeyPrefix+string(workerUUID), w)
}
