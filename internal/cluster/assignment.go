package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/funtask-io/funtask/internal/entity"
)

const assignKeyPrefix = "funtask:cluster:assignments:"

// SchedulerRPC is the redis realisation of the leader-to-node channel. The
// leader writes assignment records into a per-node hash; each node applies
// the records due on its own hash and confirms them.
type SchedulerRPC struct {
	client *redis.Client
}

func NewSchedulerRPC(client *redis.Client) *SchedulerRPC {
	return &SchedulerRPC{client: client}
}

func nodeKey(node entity.SchedulerNode) string {
	return assignKeyPrefix + string(node.UUID)
}

// AssignTaskToNode records cron-task ownership for node, effective at
// effectiveAt.
func (r *SchedulerRPC) AssignTaskToNode(ctx context.Context, node entity.SchedulerNode, cronUUID entity.CronTaskUUID, effectiveAt time.Time) error {
	a := entity.CronAssignment{CronTaskUUID: cronUUID, EffectiveAt: effectiveAt}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}
	if err := r.client.HSet(ctx, nodeKey(node), string(cronUUID), data).Err(); err != nil {
		return fmt.Errorf("failed to assign cron task to node: %w", err)
	}
	return nil
}

// RemoveTaskFromNode records the withdrawal of cron-task ownership from
// node, effective at effectiveAt.
func (r *SchedulerRPC) RemoveTaskFromNode(ctx context.Context, node entity.SchedulerNode, cronUUID entity.CronTaskUUID, effectiveAt time.Time) error {
	a := entity.CronAssignment{CronTaskUUID: cronUUID, EffectiveAt: effectiveAt, Remove: true}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}
	if err := r.client.HSet(ctx, nodeKey(node), string(cronUUID), data).Err(); err != nil {
		return fmt.Errorf("failed to remove cron task from node: %w", err)
	}
	return nil
}

// GetNodeTaskList returns the cron tasks a node currently owns (removals
// pending or applied excluded).
func (r *SchedulerRPC) GetNodeTaskList(ctx context.Context, node entity.SchedulerNode) ([]entity.CronTaskUUID, error) {
	fields, err := r.client.HGetAll(ctx, nodeKey(node)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node task list: %w", err)
	}
	uuids := make([]entity.CronTaskUUID, 0, len(fields))
	for field, raw := range fields {
		var a entity.CronAssignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		if a.Remove {
			continue
		}
		uuids = append(uuids, entity.CronTaskUUID(field))
	}
	return uuids, nil
}

// DueAssignments returns this node's unapplied assignments whose effective
// instant has passed.
func (r *SchedulerRPC) DueAssignments(ctx context.Context, node entity.SchedulerNode, now time.Time) ([]entity.CronAssignment, error) {
	fields, err := r.client.HGetAll(ctx, nodeKey(node)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node assignments: %w", err)
	}
	var due []entity.CronAssignment
	for _, raw := range fields {
		var a entity.CronAssignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		if a.Applied || a.EffectiveAt.After(now) {
			continue
		}
		due = append(due, a)
	}
	return due, nil
}

// ConfirmAssignment marks an applied assignment: removals are deleted,
// additions are kept (they are the ownership record) and flagged applied.
func (r *SchedulerRPC) ConfirmAssignment(ctx context.Context, node entity.SchedulerNode, a entity.CronAssignment) error {
	if a.Remove {
		if err := r.client.HDel(ctx, nodeKey(node), string(a.CronTaskUUID)).Err(); err != nil {
			return fmt.Errorf("failed to confirm removal: %w", err)
		}
		return nil
	}
	a.Applied = true
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}
	if err := r.client.HSet(ctx, nodeKey(node), string(a.CronTaskUUID), data).Err(); err != nil {
		return fmt.Errorf("failed to confirm assignment: %w", err)
	}
	return nil
}
