package item

import "fmt"

// State is the lifecycle state of an item's consensus record.
type State string

const (
	StateUndefined         State = "UNDEFINED"
	StatePending           State = "PENDING"
	StatePendingPositive   State = "PENDING_POSITIVE"
	StatePendingNegative   State = "PENDING_NEGATIVE"
	StateApproved          State = "APPROVED"
	StateLocked            State = "LOCKED"
	StateRevoked           State = "REVOKED"
	StateDeclined          State = "DECLINED"
	StateDiscarded         State = "DISCARDED"
	StateLockedForCreation State = "LOCKED_FOR_CREATION"
)

var allStates = []State{
	StateUndefined,
	StatePending,
	StatePendingPositive,
	StatePendingNegative,
	StateApproved,
	StateLocked,
	StateRevoked,
	StateDeclined,
	StateDiscarded,
	StateLockedForCreation,
}

// ParseState converts a wire/storage name into a State.
func ParseState(raw string) (State, error) {
	for _, s := range allStates {
		if string(s) == raw {
			return s, nil
		}
	}
	return StateUndefined, fmt.Errorf("unknown item state %q", raw)
}

// ConsensusFound reports whether the network has settled the item.
func (s State) ConsensusFound() bool {
	switch s {
	case StateLocked, StateApproved, StateRevoked, StateDeclined:
		return true
	}
	return false
}

// IsApproved is true for approved items, including ones locked for revocation.
func (s State) IsApproved() bool {
	return s == StateApproved || s == StateLocked
}

// IsPending is true while the item is still being voted on.
func (s State) IsPending() bool {
	return s == StatePending || s == StatePendingPositive || s == StatePendingNegative
}

// IsPositive is true for approved items and positive local verdicts.
func (s State) IsPositive() bool {
	return s.IsApproved() || s == StatePendingPositive
}

func (s State) String() string {
	return string(s)
}
