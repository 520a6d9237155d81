package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/config"
	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/metrics"
)

// Scheduler is the top-level run loop of one control-plane node. Every tick
// it drains status reports and applies due ownership commands; the leader
// additionally refreshes membership and drives the rebalance cadence, while
// the rest keep standing for election.
type Scheduler struct {
	self            entity.SchedulerNode
	leaderControl   LeaderControl
	leaderScheduler *LeaderScheduler
	workerScheduler *WorkerScheduler
	taskManager     FunTaskManagerRPC
	assignments     AssignmentSource
	cfg             config.SchedulerConfig
	sweepThreshold  time.Duration
	log             zerolog.Logger

	lastRebalance time.Time
	lastSweep     time.Time
}

func New(
	self entity.SchedulerNode,
	leaderControl LeaderControl,
	leaderScheduler *LeaderScheduler,
	workerScheduler *WorkerScheduler,
	taskManager FunTaskManagerRPC,
	assignments AssignmentSource,
	cfg config.SchedulerConfig,
	sweepThreshold time.Duration,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		self:            self,
		leaderControl:   leaderControl,
		leaderScheduler: leaderScheduler,
		workerScheduler: workerScheduler,
		taskManager:     taskManager,
		assignments:     assignments,
		cfg:             cfg,
		sweepThreshold:  sweepThreshold,
		log:             log.With().Str("component", "scheduler").Str("node_uuid", string(self.UUID)).Logger(),
	}
}

// Run drives the loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lastRebalance = time.Now()
	s.lastSweep = time.Now()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info().Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.leaderControl.RegisterNode(ctx, s.self); err != nil {
		s.log.Error().Err(err).Msg("failed to refresh node registration")
	}

	s.applyAssignments(ctx)

	// every node drains its workers' status reports each tick
	s.drainStatus(ctx)

	if s.sweepThreshold > 0 && time.Since(s.lastSweep) > s.sweepThreshold {
		s.lastSweep = time.Now()
		if err := s.workerScheduler.SweepDeadWorkers(ctx, s.sweepThreshold); err != nil {
			s.log.Error().Err(err).Msg("dead worker sweep failed")
		}
	}

	leader, err := s.leaderControl.GetLeader(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get leader")
		return
	}
	if leader != nil && leader.UUID == s.self.UUID {
		// keep the leadership lease fresh
		if _, err := s.leaderControl.ElectLeader(ctx, s.self); err != nil {
			s.log.Error().Err(err).Msg("failed to refresh leadership")
		}
		s.leaderTick(ctx)
	} else {
		if _, err := s.leaderControl.ElectLeader(ctx, s.self); err != nil {
			s.log.Error().Err(err).Msg("leader election failed")
		}
	}
}

func (s *Scheduler) leaderTick(ctx context.Context) {
	nodes, err := s.leaderControl.GetAllNodes(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list nodes")
		return
	}

	if membershipChanged(s.leaderScheduler.Nodes(), nodes) {
		if err := s.leaderScheduler.SchedulerNodeChange(ctx, nodes); err != nil {
			s.log.Error().Err(err).Msg("scheduler node change failed")
			return
		}
	}

	if time.Since(s.lastRebalance) > s.cfg.RebalanceFrequency {
		s.lastRebalance = time.Now()
		if err := s.leaderScheduler.SchedulerNodeChange(ctx, nodes); err != nil {
			s.log.Error().Err(err).Msg("scheduler node change failed")
			return
		}
		effectiveAt := s.lastRebalance.Add(s.cfg.RebalanceFrequency / 2)
		if err := s.leaderScheduler.Rebalance(ctx, effectiveAt); err != nil {
			s.log.Error().Err(err).Msg("rebalance failed")
		}
	}
}

// drainStatus pops one status report and applies it. StatusChange failures
// are logged, not retried.
func (s *Scheduler) drainStatus(ctx context.Context) {
	report, err := s.taskManager.GetQueuedStatus(ctx, s.cfg.StatusDrainTimeout)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to pop status report")
		return
	}
	if report == nil {
		return
	}
	if err := s.workerScheduler.ProcessNewStatus(ctx, report); err != nil {
		metrics.StatusReportErrors.Inc()
		if errors.Is(err, entity.ErrStatusChange) {
			s.log.Warn().Err(err).Msg("status report rejected")
		} else {
			s.log.Error().Err(err).Msg("failed to process status report")
		}
	}
}

// applyAssignments registers or removes cron tasks whose ownership commands
// have come due for this node.
func (s *Scheduler) applyAssignments(ctx context.Context) {
	if s.assignments == nil {
		return
	}
	due, err := s.assignments.DueAssignments(ctx, s.self, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read assignments")
		return
	}
	for _, a := range due {
		if a.Remove {
			if _, err := s.workerScheduler.RemoveCronTask(ctx, a.CronTaskUUID); err != nil {
				s.log.Error().Err(err).Str("cron_task_uuid", string(a.CronTaskUUID)).Msg("failed to remove cron task")
				continue
			}
		} else {
			if err := s.workerScheduler.AssignCronTask(ctx, a.CronTaskUUID); err != nil {
				s.log.Error().Err(err).Str("cron_task_uuid", string(a.CronTaskUUID)).Msg("failed to assign cron task")
				continue
			}
		}
		if err := s.assignments.ConfirmAssignment(ctx, s.self, a); err != nil {
			s.log.Error().Err(err).Str("cron_task_uuid", string(a.CronTaskUUID)).Msg("failed to confirm assignment")
		}
	}
}

func membershipChanged(prev, next []entity.SchedulerNode) bool {
	if len(prev) != len(next) {
		return true
	}
	seen := make(map[entity.SchedulerNodeUUID]struct{}, len(prev))
	for _, n := range prev {
		seen[n.UUID] = struct{}{}
	}
	for _, n := range next {
		if _, ok := seen[n.UUID]; !ok {
			return true
		}
	}
	return false
}
