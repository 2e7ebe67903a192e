// Package policy evaluates whether a handler may run for an inbound
// event. Stages read only cache snapshots; a deny is a normal outcome,
// never a Go error.
package policy

// State is the tri-state outcome of an evaluation.
type State string

const (
	StateAllow  State = "allow"
	StateDeny   State = "deny"
	StateExempt State = "exempt"
)

// Verdict is the pipeline outcome. Callers must treat Deny and Exempt as
// "silently stop processing this event for this handler".
type Verdict struct {
	State  State
	Stage  string // deciding stage, empty for allow/exempt
	Reason string
	Cost   int64 // gold charged, only set on allow
}

// Allow passes the event, recording any cost already charged.
func Allow(cost int64) Verdict {
	return Verdict{State: StateAllow, Cost: cost}
}

// Deny rejects the event at the named stage.
func Deny(stage, reason string) Verdict {
	return Verdict{State: StateDeny, Stage: stage, Reason: reason}
}

// Exempt bypasses the pipeline without charging cost. Not a failure.
func Exempt(reason string) Verdict {
	return Verdict{State: StateExempt, Reason: reason}
}

// Allowed reports whether the handler may run (allow or exempt).
func (v Verdict) Allowed() bool { return v.State != StateDeny }

// Denied reports a policy rejection.
func (v Verdict) Denied() bool { return v.State == StateDeny }

// Exempted reports a bypass terminal state.
func (v Verdict) Exempted() bool { return v.State == StateExempt }
