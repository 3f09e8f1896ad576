package escrow

import "fmt"

// Event drives the escrow state machine.
type Event string

const (
	EventHold    Event = "hold"
	EventConfirm Event = "confirm"
	EventAbort   Event = "abort"
	EventRelease Event = "release"
	EventRefund  Event = "refund"
)

// transitions is the complete escrow table. Pairs not listed are invalid.
// A hold sits in holding until its debit or card hold is recorded; only
// held funds can be settled.
var transitions = map[EscrowState]map[Event]EscrowState{
	EscrowNone:    {EventHold: EscrowHolding},
	EscrowHolding: {EventConfirm: EscrowHeld, EventAbort: EscrowNone},
	EscrowHeld:    {EventRelease: EscrowReleased, EventRefund: EscrowRefunded},
}

// Terminal reports whether no further escrow transition is possible.
func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Next returns the state reached from s on ev.
func Next(s EscrowState, ev Event) (EscrowState, error) {
	if s.Terminal() {
		return "", fmt.Errorf("%w: escrow is %s", ErrEscrowSettled, s)
	}
	if to, ok := transitions[s][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}

// statusTransitions lists the bounty status changes the service performs.
var statusTransitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusCancelled, StatusArchived},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusArchived},
	StatusCancelled:  {StatusArchived},
}

// CanTransition reports whether a bounty may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status that may move to to.
func sourcesOf(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusOpen, StatusInProgress, StatusCompleted, StatusCancelled} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}
