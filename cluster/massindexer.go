package cluster

import (
	"context"

	"github.com/rs/zerolog"

	"searchsync/agent"
)

// MassIndexerStrategy drives the mass indexing agent. It runs only after every
// event processor has observed it and suspended, and only after it has been
// visible as WAITING for at least one pulse.
type MassIndexerStrategy struct {
	timing Timing
	logger zerolog.Logger
}

func NewMassIndexerStrategy(timing Timing, logger zerolog.Logger) *MassIndexerStrategy {
	return &MassIndexerStrategy{timing: timing, logger: logger}
}

func (s *MassIndexerStrategy) Decide(_ context.Context, view View, self *agent.Agent) Instructions[struct{}] {
	poll := view.Now.Add(s.timing.PollingInterval)

	var active []string
	for _, a := range view.Agents {
		if a.Type.IsEventProcessor() && a.State != agent.StateSuspended {
			active = append(active, a.ID.String())
		}
	}
	if len(active) > 0 {
		s.logger.Debug().Strs("active_processors", active).Msg("waiting for event processors to suspend")
		self.State = agent.StateWaiting
		return RetryAfter[struct{}](poll)
	}

	if self.State != agent.StateWaiting && self.State != agent.StateRunning {
		self.State = agent.StateWaiting
		return RetryAfter[struct{}](poll)
	}

	self.State = agent.StateRunning
	return Proceed(view.Now.Add(s.timing.PulseInterval), struct{}{})
}
