package diag

import (
	"fmt"
	"time"
)

// Verdict is the fault-isolation result of Classify.
type Verdict string

const (
	VerdictHealthy        Verdict = "healthy"
	VerdictInconclusive   Verdict = "inconclusive"
	VerdictNotConnected   Verdict = "not-connected"
	VerdictUpstreamSilent Verdict = "upstream-silent"
	VerdictInternalFault  Verdict = "internal-fault"
)

// Diagnosis is the outcome of classifying a trace.
type Diagnosis struct {
	Verdict Verdict
	Since   time.Time // instant the verdict condition started
	Reason  string
}

// Classify inspects events (ordered by Seq) for the last live session and
// decides where a stall sits:
//
//   - connected or subscribed, but no receive within window: provider side
//   - receive seen, but no normalize/deliver success within window: internal
//
// A session starts at a connect/ok event with detail DetailConnected and ends
// at a connect/error event or DetailDisconnected. A subscribe/ok event inside
// a session restarts the silence clock.
func Classify(events []TraceEvent, window time.Duration, now time.Time) Diagnosis {
	var (
		live      bool
		anchor    time.Time
		ended     time.Time
		firstRecv time.Time
		progress  bool
	)

	for _, ev := range events {
		switch ev.Stage {
		case StageConnect:
			switch {
			case !sessionBoundary(ev):
			case ev.Outcome == OutcomeOK && ev.Detail == DetailConnected:
				live, anchor = true, ev.Timestamp
				firstRecv, progress = time.Time{}, false
			default:
				live = false
				ended = ev.Timestamp
			}

		case StageSubscribe:
			if ev.Outcome == OutcomeOK && live {
				// Re-anchor: silence is measured from the subscription.
				anchor = ev.Timestamp
				firstRecv, progress = time.Time{}, false
			}

		case StageReceive:
			if live && ev.Outcome == OutcomeOK && firstRecv.IsZero() {
				firstRecv = ev.Timestamp
			}

		case StageNormalize, StageDeliver:
			if live && !firstRecv.IsZero() && ev.Outcome == OutcomeOK {
				progress = true
			}
		}
	}

	switch {
	case !live:
		return Diagnosis{Verdict: VerdictNotConnected, Since: ended, Reason: "no live session"}

	case firstRecv.IsZero():
		if now.Sub(anchor) >= window {
			return Diagnosis{
				Verdict: VerdictUpstreamSilent,
				Since:   anchor,
				Reason:  fmt.Sprintf("no message received for %s after subscribe", now.Sub(anchor).Truncate(time.Millisecond)),
			}
		}
		return Diagnosis{Verdict: VerdictInconclusive, Since: anchor, Reason: "waiting for first message"}

	case !progress:
		if now.Sub(firstRecv) >= window {
			return Diagnosis{
				Verdict: VerdictInternalFault,
				Since:   firstRecv,
				Reason:  "messages received but none normalized or delivered",
			}
		}
		return Diagnosis{Verdict: VerdictInconclusive, Since: firstRecv, Reason: "waiting for first delivery"}
	}

	return Diagnosis{Verdict: VerdictHealthy, Since: anchor}
}

// sessionBoundary reports whether ev starts or ends a live session.
func sessionBoundary(ev TraceEvent) bool {
	if ev.Stage != StageConnect {
		return false
	}
	return ev.Outcome == OutcomeError || ev.Detail == DetailDisconnected ||
		(ev.Outcome == OutcomeOK && ev.Detail == DetailConnected)
}
