// Package dfault classifies the failures that end a peer connection.
//
// Faults are tagged once, where they are first caught,
// into a [Fault] carrying a [Kind]:
// transport faults (timeouts, resets, closed streams) are expected churn,
// protocol faults carry a [ViolationCode] describing what the peer did wrong,
// and everything else is internal and logged in full.
//
// Every kind of fault is contained to the connection it happened on.
package dfault
