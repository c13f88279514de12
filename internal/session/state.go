package session

import (
	"go2tv.app/castsession/internal/domain"
)

// state is the tagged coordination state: one phase crossed with the
// independent backgrounded flag.
type state struct {
	phase        domain.Phase
	backgrounded bool
}

var allowedTransitions = map[domain.Phase][]domain.Phase{
	domain.PhaseIdle:         {domain.PhaseIdle, domain.PhaseLocalActive},
	domain.PhaseLocalActive:  {domain.PhaseLocalActive, domain.PhaseAdActive, domain.PhaseRemoteActive, domain.PhaseIdle},
	domain.PhaseAdActive:     {domain.PhaseLocalActive, domain.PhaseAdActive, domain.PhaseIdle},
	domain.PhaseRemoteActive: {domain.PhaseRemoteActive, domain.PhaseLocalActive, domain.PhaseIdle},
}

func canTransition(from, to domain.Phase) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func (s state) activeBackend() domain.BackendKind {
	switch s.phase {
	case domain.PhaseLocalActive, domain.PhaseAdActive:
		return domain.BackendLocal
	case domain.PhaseRemoteActive:
		return domain.BackendRemote
	default:
		return domain.BackendNone
	}
}

func (s state) adBreakActive() bool {
	return s.phase == domain.PhaseAdActive
}

func (s state) casting() bool {
	return s.phase == domain.PhaseRemoteActive
}
