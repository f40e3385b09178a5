package cluster

import (
	"context"

	"github.com/rs/zerolog"

	"searchsync/agent"
	"searchsync/processing"
	"searchsync/shard"
)

// FinderFactory builds the handle a running processor works with for an
// assignment.
type FinderFactory[F any] func(a shard.Assignment) (F, error)

// ProcessorStrategy drives event-processing agents. An agent only runs once
// every member of the target has published the same layout, so two agents
// never run with overlapping shards.
type ProcessorStrategy[F any] struct {
	timing    Timing
	newFinder FinderFactory[F]
	failures  processing.FailureHandler
	logger    zerolog.Logger

	assignment *shard.Assignment
	finder     F
}

func NewProcessorStrategy[F any](timing Timing, newFinder FinderFactory[F], failures processing.FailureHandler, logger zerolog.Logger) *ProcessorStrategy[F] {
	if failures == nil {
		failures = processing.LogFailureHandler(logger)
	}
	return &ProcessorStrategy[F]{
		timing:    timing,
		newFinder: newFinder,
		failures:  failures,
		logger:    logger,
	}
}

// Assignment returns the assignment of the current finder, or nil.
func (s *ProcessorStrategy[F]) Assignment() *shard.Assignment {
	return s.assignment
}

func (s *ProcessorStrategy[F]) Decide(_ context.Context, view View, self *agent.Agent) Instructions[F] {
	now := view.Now
	poll := now.Add(s.timing.PollingInterval)
	later := now.Add(s.timing.PulseInterval)

	for _, a := range view.Agents {
		if a.Type == agent.TypeMassIndexing {
			s.logger.Debug().Str("mass_indexer", a.ID.String()).Msg("mass indexing in progress, suspending")
			self.State = agent.StateSuspended
			return RetryAfter[F](poll)
		}
	}

	target, err := ComputeTarget(view.Agents)
	if err != nil {
		processing.Notify(s.logger, s.failures, processing.Failure{
			Operation: "compute cluster target",
			Cause:     err,
		})
		self.State = agent.StateSuspended
		return RetryAfter[F](later)
	}

	index := target.IndexOf(self.ID)
	if index < 0 {
		s.logger.Debug().Msg("excluded from cluster target, suspending")
		self.State = agent.StateSuspended
		return RetryAfter[F](later)
	}

	if unclaimed := target.Unclaimed(); len(unclaimed) > 0 {
		s.logger.Debug().Ints("unclaimed_shards", unclaimed).Msg("waiting for static shards to be claimed")
		self.State = agent.StateWaiting
		return RetryAfter[F](poll)
	}

	want := target.Assignment(index)
	if !self.HasAssignment(want) || (self.State != agent.StateWaiting && self.State != agent.StateRunning) {
		s.logger.Debug().Str("assignment", want.String()).Msg("publishing assignment")
		self.State = agent.StateWaiting
		self.Shard = &want
		self.ClusterMembers = target.Members
		return RetryAfter[F](poll)
	}

	if !converged(view.Agents, target) {
		self.State = agent.StateWaiting
		self.ClusterMembers = target.Members
		return RetryAfter[F](poll)
	}

	if s.assignment == nil || *s.assignment != want {
		finder, err := s.newFinder(want)
		if err != nil {
			processing.Notify(s.logger, s.failures, processing.Failure{
				Operation: "build event finder for shard " + want.String(),
				Cause:     err,
			})
			self.State = agent.StateSuspended
			return RetryAfter[F](later)
		}
		s.finder = finder
		s.assignment = &want
		s.logger.Info().Str("assignment", want.String()).Msg("shard assignment changed")
	}

	self.State = agent.StateRunning
	self.ClusterMembers = target.Members
	return Proceed(later, s.finder)
}

// converged reports whether processors outside the target are suspended and
// every member published its target assignment.
func converged(agents []agent.Agent, target Target) bool {
	for _, a := range agents {
		if target.Excludes(a) {
			if a.State != agent.StateSuspended {
				return false
			}
			continue
		}
		if !a.Type.IsEventProcessor() {
			continue
		}
		index := target.IndexOf(a.ID)
		if a.State != agent.StateWaiting && a.State != agent.StateRunning {
			return false
		}
		if !a.HasAssignment(target.Assignment(index)) {
			return false
		}
	}
	return true
}
