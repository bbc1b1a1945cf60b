package devaltest

import (
	"context"
	"sync"

	"github.com/gordian-engine/drake/deval"
)

// StaticPeerEvaluator satisfies [deval.PeerEvaluator]
// by returning the value set on Decision.
// It records every candidate it is asked about.
type StaticPeerEvaluator struct {
	Decision deval.Decision

	mu         sync.Mutex
	candidates []deval.Candidate
}

func (s *StaticPeerEvaluator) ConsiderPeer(_ context.Context, c deval.Candidate) deval.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return s.Decision
}

// Candidates returns the candidates considered so far.
func (s *StaticPeerEvaluator) Candidates() []deval.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]deval.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out
}
