// Package dhello implements the drake handshake.
//
// The initiating side sends a [Hello] as soon as its channel is bound.
// The responding side resolves the announced identity,
// asks its [deval.PeerEvaluator] whether to admit the peer,
// and answers with its own Hello carrying the outcome.
// Either side refuses a peer on a different network,
// and an initiator refuses a responder
// that is not the node it meant to dial.
package dhello
