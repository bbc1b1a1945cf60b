package devaltest

import (
	"context"

	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/deval"
)

// DenyingPeerEvaluator denies all candidates as [dchannel.ReasonTooManyPeers].
type DenyingPeerEvaluator struct{}

func (DenyingPeerEvaluator) ConsiderPeer(context.Context, deval.Candidate) deval.Decision {
	return deval.Reject(dchannel.ReasonTooManyPeers)
}
