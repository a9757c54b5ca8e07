package sitetosite

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/peers"
	"github.com/zrepl/sitetosite/protocol"
)

// Transaction is a single send or receive session on a connection it owns
// exclusively. It must not be used concurrently.
type Transaction struct {
	client    *Client
	conn      *peerConn
	peer      peers.Peer
	direction TransferDirection
	id        string
	log       Logger

	state     TransactionState
	sum       protocol.Checksum
	endOfData bool
	bytes     int64
}

func newTransaction(c *Client, conn *peerConn, peer peers.Peer, direction TransferDirection, id string) *Transaction {
	return &Transaction{
		client:    c,
		conn:      conn,
		peer:      peer,
		direction: direction,
		id:        id,
		log:       c.log.WithField("transaction", id).WithField("peer", peer.Addr()),
		state:     StateStarted,
	}
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) Direction() TransferDirection { return t.direction }

func (t *Transaction) Peer() peers.Peer { return t.peer }

// State never performs I/O.
func (t *Transaction) State() TransactionState { return t.state }

func (t *Transaction) transition(to TransactionState) {
	if !t.state.canTransitionTo(to) {
		panic(fmt.Sprintf("invalid transaction state transition %s -> %s", t.state, to))
	}
	t.log.WithField("from", t.state).WithField("to", to).Debug("state transition")
	t.state = to
	if to.IsTerminal() {
		prom.Transactions.WithLabelValues(t.direction.String(), to.String()).Inc()
	}
}

// guard runs op if the current state is in allowed.
// A *ContentReadError leaves the peer half way through a packet: the
// transaction moves to ERROR and its connection is discarded, but the peer
// is not penalized. Other errors of op except *IntegrityError and
// *ProtocolViolation are communication failures: the transaction moves to
// ERROR, its connection is discarded and the peer penalized before a
// *CommunicationError is returned.
func (t *Transaction) guard(op string, allowed []TransactionState, f func() error) error {
	if !stateIn(t.state, allowed) {
		return &ProtocolViolation{Op: op, State: t.state}
	}
	err := f()
	if err == nil {
		return nil
	}
	var (
		integrityErr *IntegrityError
		violation    *ProtocolViolation
		contentErr   *ContentReadError
	)
	if errors.As(err, &integrityErr) || errors.As(err, &violation) {
		return err
	}
	if errors.As(err, &contentErr) {
		t.log.WithError(err).Warn("packet content cannot be read, abandoning transaction")
		t.Error()
		return err
	}
	t.fail(err)
	return &CommunicationError{Op: op, Peer: t.peer.Addr(), Err: err}
}

func (t *Transaction) fail(cause error) {
	if t.state.IsTerminal() {
		return
	}
	t.transition(StateError)
	t.client.pool.Discard(t.conn)
	t.client.communicationFailure(t.peer, cause)
}

func (t *Transaction) requireDirection(op string, d TransferDirection) error {
	if t.direction != d {
		return &ProtocolViolation{Op: op, State: t.state,
			Reason: fmt.Sprintf("not allowed on a %s transaction", t.direction)}
	}
	return nil
}

// Send writes p to the peer.
func (t *Transaction) Send(p *DataPacket) error {
	return t.guard("send", exchangeStates, func() error {
		if err := t.requireDirection("send", Send); err != nil {
			return err
		}
		if p == nil {
			return &ProtocolViolation{Op: "send", State: t.state, Reason: "packet must not be nil"}
		}
		n, err := t.conn.WritePacket(p.Attributes, p.Content, &t.sum)
		if err != nil {
			return err
		}
		t.bytes += n
		prom.Packets.WithLabelValues(t.direction.String()).Inc()
		prom.Bytes.WithLabelValues(t.direction.String()).Add(float64(n))
		t.transition(StateDataExchanged)
		return nil
	})
}

// Receive returns the next packet, or nil, nil once the peer has no more data.
func (t *Transaction) Receive() (*DataPacket, error) {
	var packet *DataPacket
	err := t.guard("receive", exchangeStates, func() error {
		if err := t.requireDirection("receive", Receive); err != nil {
			return err
		}
		if t.endOfData {
			return nil
		}
		typ, payload, err := t.conn.ReadMessage()
		if err != nil {
			return err
		}
		switch typ {
		case protocol.MsgNoMoreData:
			t.endOfData = true
			return nil
		case protocol.MsgPacketHeader:
			p, err := t.conn.ReadPacket(payload, &t.sum)
			if err != nil {
				return err
			}
			packet = &DataPacket{
				Attributes: p.Attributes,
				Content:    bytes.NewReader(p.Content),
				Size:       int64(len(p.Content)),
			}
			t.bytes += packet.Size
			prom.Packets.WithLabelValues(t.direction.String()).Inc()
			prom.Bytes.WithLabelValues(t.direction.String()).Add(float64(packet.Size))
			t.transition(StateDataExchanged)
			return nil
		default:
			return &protocol.UnexpectedMessageError{
				Got:  typ,
				Want: []protocol.MessageType{protocol.MsgPacketHeader, protocol.MsgNoMoreData},
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return packet, nil
}

// Confirm exchanges checksums with the peer.
// It is required even if no packets were exchanged.
// On a mismatch the transaction is canceled, its connection discarded,
// and an *IntegrityError returned.
func (t *Transaction) Confirm() error {
	return t.guard("confirm", confirmStates, func() error {
		if t.direction == Receive && !t.endOfData {
			return &ProtocolViolation{Op: "confirm", State: t.state,
				Reason: "all packets must be received before confirming"}
		}
		local := t.sum.Confirm()
		var resp protocol.ConfirmResponse
		if err := t.conn.RoundTrip(protocol.MsgConfirm, local, protocol.MsgConfirmResponse, &resp); err != nil {
			return err
		}
		switch resp.Code {
		case protocol.CodeConfirmed, protocol.CodeBadChecksum:
		default:
			return errors.Errorf("unexpected confirm response code %q", resp.Code)
		}
		if resp.Code == protocol.CodeConfirmed && t.sum.Matches(resp.Checksum, resp.Packets) {
			t.transition(StateConfirmed)
			return nil
		}

		integrityErr := &IntegrityError{
			LocalChecksum:  local.Checksum,
			RemoteChecksum: resp.Checksum,
			LocalPackets:   local.Packets,
			RemotePackets:  resp.Packets,
			RemoteRejected: resp.Code == protocol.CodeBadChecksum,
		}
		if !integrityErr.RemoteRejected {
			// the peer believes the transaction is confirmed
			if err := t.conn.WriteMessage(protocol.MsgCancel, protocol.Cancel{Explanation: integrityErr.Error()}); err != nil {
				t.log.WithError(err).Debug("cannot send cancel after checksum mismatch")
			}
		}
		t.transition(StateCanceled)
		t.client.pool.Discard(t.conn)
		prom.IntegrityErrors.Inc()
		t.client.events.ReportEvent(SeverityError,
			fmt.Sprintf("transaction %s with peer %s canceled: %s", t.id, t.peer, integrityErr))
		return integrityErr
	})
}

// Complete finishes a confirmed transaction and returns the connection to the pool.
// If requestBackoff is true on a RECEIVE transaction, the peer is asked to
// not serve new transactions on the port for the configured penalization period.
// It is ignored on SEND transactions.
func (t *Transaction) Complete(requestBackoff bool) error {
	return t.guard("complete", completeStates, func() error {
		req := protocol.Complete{}
		if t.direction == Receive && requestBackoff {
			req.Backoff = true
			req.BackoffMillis = t.client.config.PenalizationPeriod.Milliseconds()
		}
		var resp protocol.CompleteResponse
		if err := t.conn.RoundTrip(protocol.MsgComplete, req, protocol.MsgCompleteResponse, &resp); err != nil {
			return err
		}
		switch resp.Code {
		case protocol.CodeFinished:
		case protocol.CodeFinishedDestinationFull:
			d := backoffDuration(resp.BackoffMillis, t.client.config.PenalizationPeriod)
			t.client.events.ReportEvent(SeverityInfo,
				fmt.Sprintf("transaction %s completed, peer %s requested backoff for %s", t.id, t.peer, d))
			defer t.client.penalize(t.peer, d, "peer destination full")
		default:
			return errors.Errorf("unexpected complete response code %q", resp.Code)
		}
		t.transition(StateCompleted)
		t.client.pool.Release(t.conn)
		t.log.WithField("packets", t.sum.Packets()).WithField("bytes", t.bytes).Debug("transaction completed")
		return nil
	})
}

// Cancel informs the peer that the transaction is abandoned and discards the connection.
func (t *Transaction) Cancel(explanation string) error {
	if !stateIn(t.state, cancelStates) {
		return &ProtocolViolation{Op: "cancel", State: t.state}
	}
	if err := t.conn.WriteMessage(protocol.MsgCancel, protocol.Cancel{Explanation: explanation}); err != nil {
		// the peer treats the closed connection as a cancel as well
		t.log.WithError(err).Debug("cannot send cancel")
	}
	t.transition(StateCanceled)
	t.client.pool.Discard(t.conn)
	return nil
}

// Error moves the transaction to ERROR and discards its connection.
// It is a no-op if the transaction is already finished.
func (t *Transaction) Error() {
	if t.state.IsTerminal() {
		return
	}
	t.transition(StateError)
	t.client.pool.Discard(t.conn)
}
