package sitetosite

import (
	"fmt"

	"github.com/zrepl/sitetosite/protocol"
)

type TransferDirection int

const (
	// The client sends packets to the peer.
	Send TransferDirection = 1 + iota
	// The client receives packets from the peer.
	Receive
)

func (d TransferDirection) String() string {
	switch d {
	case Send:
		return "SEND"
	case Receive:
		return "RECEIVE"
	default:
		return fmt.Sprintf("TransferDirection(%d)", int(d))
	}
}

func (d TransferDirection) valid() bool { return d == Send || d == Receive }

func (d TransferDirection) wire() protocol.Direction {
	if d == Receive {
		return protocol.DirectionReceive
	}
	return protocol.DirectionSend
}

type TransactionState int

const (
	StateStarted TransactionState = iota
	StateDataExchanged
	StateConfirmed
	StateCompleted
	StateCanceled
	StateError
)

func (s TransactionState) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateDataExchanged:
		return "DATA_EXCHANGED"
	case StateConfirmed:
		return "CONFIRMED"
	case StateCompleted:
		return "COMPLETED"
	case StateCanceled:
		return "CANCELED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

func (s TransactionState) IsTerminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateError
}

// Terminal states have no outgoing transitions.
var transitions = map[TransactionState][]TransactionState{
	StateStarted:       {StateDataExchanged, StateConfirmed, StateCanceled, StateError},
	StateDataExchanged: {StateDataExchanged, StateConfirmed, StateCanceled, StateError},
	StateConfirmed:     {StateCompleted, StateCanceled, StateError},
}

func (s TransactionState) canTransitionTo(to TransactionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// States in which each operation is allowed.
var (
	exchangeStates = []TransactionState{StateStarted, StateDataExchanged}
	confirmStates  = []TransactionState{StateStarted, StateDataExchanged}
	completeStates = []TransactionState{StateConfirmed}
	cancelStates   = []TransactionState{StateStarted, StateDataExchanged, StateConfirmed}
)

func stateIn(s TransactionState, allowed []TransactionState) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
