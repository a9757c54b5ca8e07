package sitetosite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionState_Transitions(t *testing.T) {
	all := []TransactionState{StateStarted, StateDataExchanged, StateConfirmed, StateCompleted, StateCanceled, StateError}
	for _, from := range all {
		for _, to := range all {
			if from.IsTerminal() {
				assert.False(t, from.canTransitionTo(to), "%s -> %s", from, to)
			}
		}
	}
	assert.True(t, StateStarted.canTransitionTo(StateConfirmed), "empty transactions confirm directly")
	assert.True(t, StateDataExchanged.canTransitionTo(StateDataExchanged))
	assert.False(t, StateStarted.canTransitionTo(StateCompleted))
	assert.False(t, StateDataExchanged.canTransitionTo(StateCompleted))
	assert.False(t, StateConfirmed.canTransitionTo(StateDataExchanged))

	for _, s := range cancelStates {
		assert.True(t, s.canTransitionTo(StateCanceled))
		assert.True(t, s.canTransitionTo(StateError))
	}
}

func TestTransactionState_String(t *testing.T) {
	assert.Equal(t, "DATA_EXCHANGED", StateDataExchanged.String())
	assert.Equal(t, "TransactionState(42)", TransactionState(42).String())
	assert.Equal(t, "RECEIVE", Receive.String())
	assert.False(t, TransferDirection(0).valid())
}

func TestErrors(t *testing.T) {
	err := &CommunicationError{Op: "connect", Peer: "a:1", Err: ErrNoPeerAvailable}
	assert.ErrorIs(t, err, ErrNoPeerAvailable)
	assert.True(t, err.Temporary())
	assert.False(t, err.Timeout())
	assert.Contains(t, err.Error(), "a:1")

	ie := &IntegrityError{LocalChecksum: 1, RemoteChecksum: 2, LocalPackets: 3, RemotePackets: 3}
	assert.Contains(t, ie.Error(), "checksum")
}
