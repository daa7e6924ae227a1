package dialog

import (
	"errors"
	"fmt"
	"slices"
)

// State names one step of the conversation.
type State string

const (
	StateMenu       State = "menu"
	StateCollecting State = "collecting"
	StateConfirm    State = "confirm"
	StateSent       State = "sent"
	StateRecipient  State = "recipient"
)

// ErrIllegalTransition marks a handler bug: the target is not reachable from the current state.
var ErrIllegalTransition = errors.New("dialog: illegal transition")

// transitions lists SwitchTo targets. RESET_STACK and Push/Pop are not listed.
var transitions = map[State][]State{
	StateMenu:       {StateMenu, StateCollecting, StateConfirm},
	StateCollecting: {StateCollecting, StateConfirm},
	StateConfirm:    {StateConfirm, StateCollecting, StateSent},
	StateSent:       {StateSent, StateCollecting, StateConfirm},
	StateRecipient:  {StateRecipient},
}

// CanTransition reports whether SwitchTo(to) is legal from from.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
