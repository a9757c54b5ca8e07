package sitetosite

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/protocol"
)

var (
	ErrNoPeerAvailable = errors.New("no peer available")
	ErrClientClosed    = errors.New("client closed")
)

// ConfigurationError reports an invalid or missing configuration field.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

// CommunicationError reports a connect, read, write or timeout failure,
// or that no peer was available.
type CommunicationError struct {
	Op   string
	Peer string // empty if no peer was involved
	Err  error
}

var _ net.Error = (*CommunicationError)(nil)

func (e *CommunicationError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (peer %s): %s", e.Op, e.Peer, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

func (e *CommunicationError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Communication failures are worth retrying with a new transaction.
func (e *CommunicationError) Temporary() bool { return true }

// IntegrityError reports that the checksums or packet counts of both sides
// differed at confirmation.
type IntegrityError struct {
	LocalChecksum, RemoteChecksum uint32
	LocalPackets, RemotePackets   uint64
	// The peer detected the mismatch and rejected the confirmation.
	RemoteRejected bool
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch: local %08x (%d packets), remote %08x (%d packets)",
		e.LocalChecksum, e.LocalPackets, e.RemoteChecksum, e.RemotePackets)
}

// ContentReadError is returned by Send if the content reader of the packet
// failed. It is a local failure, the peer is not penalized.
type ContentReadError = protocol.ContentReadError

// ProtocolViolation reports an operation invoked in a state that does not allow it.
// It indicates a bug in the caller.
type ProtocolViolation struct {
	Op     string
	State  TransactionState
	Reason string
}

func (e *ProtocolViolation) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol violation: %s not allowed in state %s", e.Op, e.State)
	}
	return fmt.Sprintf("protocol violation: %s in state %s: %s", e.Op, e.State, e.Reason)
}
