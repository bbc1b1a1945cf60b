// Package dview contains [Pool], the node's view of its connected peers.
//
// A Pool is both the [dchannel.Registry] that channels report to
// and the [deval.PeerEvaluator] that decides whether a new peer may join.
// Admission limits the number of ready peers overall and per remote IP,
// refuses a second channel to an already connected node,
// and turns away recently banned nodes.
// Trusted peers bypass the limits and bans,
// but never the duplicate check.
package dview
