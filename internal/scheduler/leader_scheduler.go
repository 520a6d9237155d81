package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/entity"
)

// LeaderScheduler is the cluster-wide placement half of the control plane:
// it keeps every cron task owned by exactly one live scheduler node and
// periodically reshuffles ownership. Tie-breaking is explicitly random.
type LeaderScheduler struct {
	rpc  LeaderSchedulerRPC
	repo Repository
	log  zerolog.Logger

	nodes     []entity.SchedulerNode
	nodeTasks map[entity.SchedulerNodeUUID][]entity.CronTaskUUID
}

func NewLeaderScheduler(rpc LeaderSchedulerRPC, repo Repository, log zerolog.Logger) *LeaderScheduler {
	return &LeaderScheduler{
		rpc:       rpc,
		repo:      repo,
		log:       log.With().Str("component", "leader_scheduler").Logger(),
		nodeTasks: make(map[entity.SchedulerNodeUUID][]entity.CronTaskUUID),
	}
}

// Nodes returns the membership recorded at the last refresh.
func (l *LeaderScheduler) Nodes() []entity.SchedulerNode {
	return l.nodes
}

func (l *LeaderScheduler) refreshNodeTasks(ctx context.Context, nodes []entity.SchedulerNode) (map[entity.SchedulerNodeUUID][]entity.CronTaskUUID, error) {
	tasks := make(map[entity.SchedulerNodeUUID][]entity.CronTaskUUID, len(nodes))
	for _, node := range nodes {
		list, err := l.rpc.GetNodeTaskList(ctx, node)
		if err != nil {
			return nil, err
		}
		tasks[node.UUID] = list
	}
	return tasks, nil
}

// SchedulerNodeChange refreshes the ownership map against the given
// membership and hands every orphaned cron task to a random live node.
func (l *LeaderScheduler) SchedulerNodeChange(ctx context.Context, nodes []entity.SchedulerNode) error {
	if len(nodes) == 0 {
		return nil
	}
	current, err := l.refreshNodeTasks(ctx, nodes)
	if err != nil {
		return err
	}

	all, err := l.repo.GetAllCronTask(ctx)
	if err != nil {
		return err
	}
	covered := make(map[entity.CronTaskUUID]struct{})
	for _, list := range current {
		for _, u := range list {
			covered[u] = struct{}{}
		}
	}

	// give a down node's tasks to the others
	for _, cronTask := range all {
		if _, ok := covered[cronTask.UUID]; ok {
			continue
		}
		node := nodes[rand.Intn(len(nodes))]
		if err := l.rpc.AssignTaskToNode(ctx, node, cronTask.UUID, time.Time{}); err != nil {
			return err
		}
		current[node.UUID] = append(current[node.UUID], cronTask.UUID)
		l.log.Info().
			Str("cron_task_uuid", string(cronTask.UUID)).
			Str("node_uuid", string(node.UUID)).
			Msg("orphaned cron task assigned")
	}

	l.nodes = nodes
	l.nodeTasks = current
	return nil
}

// Rebalance removes every recorded cron task from its current node and
// reassigns it to a random node (possibly the same), both effective at
// effectiveAt so ownership switches atomically at that instant.
func (l *LeaderScheduler) Rebalance(ctx context.Context, effectiveAt time.Time) error {
	if len(l.nodes) == 0 {
		return nil
	}
	byUUID := make(map[entity.SchedulerNodeUUID]entity.SchedulerNode, len(l.nodes))
	for _, node := range l.nodes {
		byUUID[node.UUID] = node
	}
	for nodeUUID, tasks := range l.nodeTasks {
		node, ok := byUUID[nodeUUID]
		if !ok {
			continue
		}
		for _, cronUUID := range tasks {
			if err := l.rpc.RemoveTaskFromNode(ctx, node, cronUUID, effectiveAt); err != nil {
				return err
			}
			target := l.nodes[rand.Intn(len(l.nodes))]
			if err := l.rpc.AssignTaskToNode(ctx, target, cronUUID, effectiveAt); err != nil {
				return err
			}
		}
	}
	l.log.Debug().Time("effective_at", effectiveAt).Msg("rebalance issued")
	return nil
}
