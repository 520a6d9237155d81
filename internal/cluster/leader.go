// Package cluster provides the redis-backed control-plane membership
// primitives: leader election, node registration and the leader-to-node
// cron-task assignment channel.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/funtask-io/funtask/internal/entity"
)

const (
	leaderKey     = "funtask:cluster:leader"
	clusterIDKey  = "funtask:cluster:id"
	nodeSetKey    = "funtask:cluster:nodes"
	nodeKeyPrefix = "funtask:cluster:node:"
)

// LeaderControl manages leader election and node membership. A leader holds
// a TTL'd key and refreshes it by re-electing each tick; silent leaders
// expire and any node may take over.
type LeaderControl struct {
	client  *redis.Client
	ttl     time.Duration
	nodeTTL time.Duration
}

func NewLeaderControl(client *redis.Client, leaderTTL time.Duration) *LeaderControl {
	return &LeaderControl{client: client, ttl: leaderTTL, nodeTTL: leaderTTL * 3}
}

// GetLeader returns the current leader, or nil when no leader holds the key.
func (c *LeaderControl) GetLeader(ctx context.Context) (*entity.SchedulerNode, error) {
	data, err := c.client.Get(ctx, leaderKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get leader: %w", err)
	}
	var node entity.SchedulerNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal leader: %w", err)
	}
	return &node, nil
}

// ElectLeader tries to take leadership for node. The incumbent refreshes its
// TTL instead of re-acquiring.
func (c *LeaderControl) ElectLeader(ctx context.Context, node entity.SchedulerNode) (bool, error) {
	data, err := json.Marshal(node)
	if err != nil {
		return false, fmt.Errorf("failed to marshal node: %w", err)
	}
	ok, err := c.client.SetNX(ctx, leaderKey, data, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to elect leader: %w", err)
	}
	if ok {
		return true, nil
	}
	current, err := c.GetLeader(ctx)
	if err != nil {
		return false, err
	}
	if current != nil && current.UUID == node.UUID {
		if err := c.client.Expire(ctx, leaderKey, c.ttl).Err(); err != nil {
			return false, fmt.Errorf("failed to refresh leadership: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// IsLeader reports whether uuid currently leads.
func (c *LeaderControl) IsLeader(ctx context.Context, nodeUUID entity.SchedulerNodeUUID) (bool, error) {
	leader, err := c.GetLeader(ctx)
	if err != nil {
		return false, err
	}
	return leader != nil && leader.UUID == nodeUUID, nil
}

// RegisterNode adds the node to the membership set and refreshes its
// liveness key. Call once per tick; expired nodes drop out of GetAllNodes.
func (c *LeaderControl) RegisterNode(ctx context.Context, node entity.SchedulerNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	if err := c.client.SAdd(ctx, nodeSetKey, string(node.UUID)).Err(); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	if err := c.client.Set(ctx, nodeKeyPrefix+string(node.UUID), data, c.nodeTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh node liveness: %w", err)
	}
	return nil
}

// GetAllNodes lists live nodes, pruning expired ones from the set.
func (c *LeaderControl) GetAllNodes(ctx context.Context) ([]entity.SchedulerNode, error) {
	uuids, err := c.client.SMembers(ctx, nodeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	nodes := make([]entity.SchedulerNode, 0, len(uuids))
	for _, id := range uuids {
		data, err := c.client.Get(ctx, nodeKeyPrefix+id).Bytes()
		if err == redis.Nil {
			// liveness key expired: the node is gone
			c.client.SRem(ctx, nodeSetKey, id)
			continue
		}
		if err != nil {
			continue
		}
		var node entity.SchedulerNode
		if err := json.Unmarshal(data, &node); err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// GetClusterID returns the cluster id, minting one on first call.
func (c *LeaderControl) GetClusterID(ctx context.Context) (entity.ClusterUUID, error) {
	id := uuid.New().String()
	ok, err := c.client.SetNX(ctx, clusterIDKey, id, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to mint cluster id: %w", err)
	}
	if ok {
		return entity.ClusterUUID(id), nil
	}
	existing, err := c.client.Get(ctx, clusterIDKey).Result()
	if err != nil {
		return "", fmt.Errorf("failed to get cluster id: %w", err)
	}
	return entity.ClusterUUID(existing), nil
}
