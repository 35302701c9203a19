package chat

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a chat session.
type State string

const (
	StateResolvingBot    State = "resolving_bot"
	StateAwaitingDetails State = "awaiting_details"
	StateActive          State = "active"
	StateDisconnecting   State = "disconnecting"
	StateClosed          State = "closed"
	StateErrored         State = "errored"
)

var ErrIllegalTransition = errors.New("illegal chat state transition")

var transitions = map[State][]State{
	StateResolvingBot:    {StateAwaitingDetails, StateActive, StateErrored},
	StateAwaitingDetails: {StateActive, StateDisconnecting, StateResolvingBot},
	StateActive:          {StateDisconnecting, StateErrored, StateResolvingBot},
	StateDisconnecting:   {StateClosed},
	StateClosed:          {StateResolvingBot},
	StateErrored:         {StateResolvingBot},
}

// CanTransition reports whether from may move to to. Unknown states never move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the session until a restart.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

func illegal(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
