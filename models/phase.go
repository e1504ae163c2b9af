package models

import "fmt"

// Phase is the round lifecycle state. Transitions are strictly linear:
// open → live → ended → settled. There is no skipping and no way back.
type Phase string

const (
	PhaseOpen    Phase = "open"
	PhaseLive    Phase = "live"
	PhaseEnded   Phase = "ended"
	PhaseSettled Phase = "settled"
)

// Next returns the only phase reachable from p, or "" for the terminal phase.
func (p Phase) Next() Phase {
	switch p {
	case PhaseOpen:
		return PhaseLive
	case PhaseLive:
		return PhaseEnded
	case PhaseEnded:
		return PhaseSettled
	default:
		return ""
	}
}

// CanTransitionTo reports whether moving from p to next is a legal step.
func (p Phase) CanTransitionTo(next Phase) bool {
	return p.Next() == next && next != ""
}

// LifecycleAction is the closed set of operator actions on a round.
// ParseLifecycleAction is the only way to obtain one from the wire, so a
// new action is a compile-time visible change here and in every switch.
type LifecycleAction string

const (
	ActionStart  LifecycleAction = "start"  // open → live
	ActionEnd    LifecycleAction = "end"    // live → ended (no-op if already ended)
	ActionSettle LifecycleAction = "settle" // ended → settled
)

func ParseLifecycleAction(raw string) (LifecycleAction, error) {
	switch LifecycleAction(raw) {
	case ActionStart, ActionEnd, ActionSettle:
		return LifecycleAction(raw), nil
	default:
		return "", fmt.Errorf("unknown lifecycle action %q", raw)
	}
}
