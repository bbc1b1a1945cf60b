package dfault

import (
	"fmt"
	"log/slog"
)

// Level is the log severity for faults of kind f.Kind.
func (f Fault) Level() slog.Level {
	switch f.Kind {
	case KindTransport, KindProtocol:
		return slog.LevelWarn
	case KindInternal:
		return slog.LevelError
	default:
		panic(fmt.Errorf("BUG: unhandled fault kind %d", f.Kind))
	}
}

// Log reports f against the given remote address
// with the detail appropriate for its kind.
func (f Fault) Log(log *slog.Logger, remote string) {
	if f.CycleDetected {
		log.Warn(
			"Loop in fault cause chain detected",
			"remote_addr", remote,
			"cause", f.Cause.Error(),
		)
	}

	switch f.Kind {
	case KindTransport:
		// Expected churn; the message is enough.
		log.Warn(
			"Closing peer",
			"remote_addr", remote,
			"reason", f.Err.Error(),
		)

	case KindProtocol:
		log.Warn(
			"Closing peer after protocol violation",
			"remote_addr", remote,
			"violation", f.Code.String(),
			"info", f.Err.Error(),
		)

	case KindInternal:
		log.Error(
			"Closing peer after unexpected fault",
			"remote_addr", remote,
			"err", f.Err,
			"err_type", fmt.Sprintf("%T", f.Err),
			"cause", f.Cause,
			"cause_type", fmt.Sprintf("%T", f.Cause),
		)

	default:
		panic(fmt.Errorf("BUG: unhandled fault kind %d", f.Kind))
	}
}
