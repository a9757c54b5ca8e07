package server

import (
	"bytes"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/protocol"
)

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeCanceled  outcome = "canceled"
	outcomeFailed    outcome = "failed"
)

func (s *Server) serveConn(nc net.Conn) {
	log := s.log.WithField("remote", nc.RemoteAddr().String())
	conn, err := protocol.Accept(nc, s.config.HandshakeTimeout, s.config.IdleTimeout, s.config.Compression)
	if err != nil {
		log.WithError(err).Debug("banner exchange failed")
		return
	}
	port, err := s.handshake(conn)
	if err != nil {
		log.WithError(err).Info("handshake failed")
		return
	}
	s.stats.handshakes.Add(1)
	log = log.WithField("port", port.name)
	log.WithField("compression", conn.Compressed()).Debug("handshake complete")

	for {
		typ, payload, err := conn.ReadMessage()
		if err != nil {
			if protocol.IsShutdown(err) {
				log.Debug("client closed connection")
			} else {
				log.WithError(err).Debug("read error")
			}
			return
		}
		switch typ {
		case protocol.MsgRequestPeerList:
			if err := conn.WriteMessage(protocol.MsgPeerList, s.peerList()); err != nil {
				log.WithError(err).Debug("cannot write peer list")
				return
			}
		case protocol.MsgBegin:
			var begin protocol.Begin
			if err := protocol.Decode(typ, payload, &begin); err != nil {
				log.WithError(err).Info("invalid begin message")
				return
			}
			keep, err := s.serveTransaction(conn, port, begin)
			if err != nil {
				log.WithError(err).WithField("transaction", begin.TransactionID).Info("transaction failed")
			}
			if !keep {
				return
			}
		default:
			log.WithField("message", typ).Info("unexpected message between transactions")
			return
		}
	}
}

func (s *Server) handshake(conn *protocol.Conn) (*Port, error) {
	var hs protocol.Handshake
	if err := conn.Expect(protocol.MsgHandshake, &hs); err != nil {
		return nil, err
	}
	var port *Port
	if hs.PortIdentifier != "" {
		port = s.byID[hs.PortIdentifier]
	} else {
		port = s.ports[hs.PortName]
	}
	var resp protocol.HandshakeResponse
	switch {
	case port == nil:
		resp.Code = protocol.CodeUnknownPort
		resp.Message = "no such port"
	case !port.running:
		resp.Code = protocol.CodePortNotRunning
		resp.PortIdentifier, resp.PortName = port.id, port.name
	default:
		resp.Code = protocol.CodePropertiesOK
		resp.PortIdentifier, resp.PortName = port.id, port.name
	}
	if err := conn.WriteMessage(protocol.MsgHandshakeResponse, resp); err != nil {
		return nil, err
	}
	if resp.Code != protocol.CodePropertiesOK {
		return nil, errors.Errorf("refused handshake for port name=%q id=%q: %s", hs.PortName, hs.PortIdentifier, resp.Code)
	}
	return port, nil
}

func (s *Server) finish(port *Port, dir protocol.Direction, o outcome) {
	switch o {
	case outcomeCompleted:
		s.stats.completed.Add(1)
	case outcomeCanceled:
		s.stats.canceled.Add(1)
	default:
		s.stats.failed.Add(1)
	}
	prom.Transactions.WithLabelValues(port.name, string(dir), string(o)).Inc()
}

// serveTransaction returns whether the connection may serve further transactions.
func (s *Server) serveTransaction(conn *protocol.Conn, port *Port, begin protocol.Begin) (keep bool, err error) {
	if !begin.Direction.Valid() {
		return false, errors.Errorf("invalid direction %q", begin.Direction)
	}
	if remaining := port.BackoffRemaining(time.Now()); remaining > 0 {
		err := conn.WriteMessage(protocol.MsgTransactionResponse, protocol.TransactionResponse{
			Code:          protocol.CodeDestinationFull,
			BackoffMillis: remaining.Milliseconds() + 1,
			Message:       "receiver requested backoff",
		})
		return err == nil, err
	}
	if begin.Direction == protocol.DirectionSend && port.Full() {
		err := conn.WriteMessage(protocol.MsgTransactionResponse, protocol.TransactionResponse{
			Code:          protocol.CodeDestinationFull,
			BackoffMillis: s.config.FullBackoff.Milliseconds(),
			Message:       "port queue full",
		})
		return err == nil, err
	}
	if err := conn.WriteMessage(protocol.MsgTransactionResponse, protocol.TransactionResponse{Code: protocol.CodeStarted}); err != nil {
		return false, err
	}
	s.stats.transactions.Add(1)

	var o outcome
	if begin.Direction == protocol.DirectionSend {
		o, err = s.receivePackets(conn, port)
	} else {
		o, err = s.sendPackets(conn, port)
	}
	if err != nil {
		o = outcomeFailed
	}
	s.finish(port, begin.Direction, o)
	return o == outcomeCompleted, err
}

// confirm answers the client's CONFIRM and reports whether both sides agree.
func (s *Server) confirm(conn *protocol.Conn, sum *protocol.Checksum, payload []byte) (bool, error) {
	var req protocol.Confirm
	if err := protocol.Decode(protocol.MsgConfirm, payload, &req); err != nil {
		return false, err
	}
	local := sum.Confirm()
	ok := local == req
	tamper := ChecksumTamper(s.tamper.Load())
	if tamper != TamperOff {
		local.Checksum = ^local.Checksum
		ok = tamper == TamperConfirm
	}
	resp := protocol.ConfirmResponse{Code: protocol.CodeConfirmed, Checksum: local.Checksum, Packets: local.Packets}
	if !ok {
		resp.Code = protocol.CodeBadChecksum
	}
	if err := conn.WriteMessage(protocol.MsgConfirmResponse, resp); err != nil {
		return false, err
	}
	return ok, nil
}

func unexpected(got protocol.MessageType, want ...protocol.MessageType) error {
	return &protocol.UnexpectedMessageError{Got: got, Want: want}
}

// receivePackets serves a transaction in which the client sends.
// Packets are enqueued only once the client completes.
func (s *Server) receivePackets(conn *protocol.Conn, port *Port) (outcome, error) {
	var (
		sum      protocol.Checksum
		received []protocol.Packet
	)
	for {
		typ, payload, err := conn.ReadMessage()
		if err != nil {
			return outcomeFailed, err
		}
		switch typ {
		case protocol.MsgPacketHeader:
			p, err := conn.ReadPacket(payload, &sum)
			if err != nil {
				return outcomeFailed, err
			}
			received = append(received, *p)
			continue
		case protocol.MsgCancel:
			return outcomeCanceled, nil
		case protocol.MsgConfirm:
			ok, err := s.confirm(conn, &sum, payload)
			if err != nil {
				return outcomeFailed, err
			}
			if !ok {
				return outcomeCanceled, nil
			}
		default:
			return outcomeFailed, unexpected(typ, protocol.MsgPacketHeader, protocol.MsgConfirm, protocol.MsgCancel)
		}
		break
	}

	typ, payload, err := conn.ReadMessage()
	if err != nil {
		return outcomeFailed, err
	}
	switch typ {
	case protocol.MsgCancel:
		return outcomeCanceled, nil
	case protocol.MsgComplete:
	default:
		return outcomeFailed, unexpected(typ, protocol.MsgComplete, protocol.MsgCancel)
	}
	var complete protocol.Complete
	if err := protocol.Decode(typ, payload, &complete); err != nil {
		return outcomeFailed, err
	}
	port.Enqueue(received...)
	resp := protocol.CompleteResponse{Code: protocol.CodeFinished}
	if port.Full() {
		resp.Code = protocol.CodeFinishedDestinationFull
		resp.BackoffMillis = s.config.FullBackoff.Milliseconds()
	}
	if err := conn.WriteMessage(protocol.MsgCompleteResponse, resp); err != nil {
		// the client cannot know whether we committed, but we did
		return outcomeCompleted, err
	}
	return outcomeCompleted, nil
}

// sendPackets serves a transaction in which the client receives.
// Dequeued packets are put back unless the client completes.
func (s *Server) sendPackets(conn *protocol.Conn, port *Port) (o outcome, err error) {
	batch := port.dequeue(s.config.BatchSize)
	defer func() {
		if o != outcomeCompleted {
			port.requeue(batch)
		}
	}()

	var sum protocol.Checksum
	for _, p := range batch {
		if _, err := conn.WritePacket(p.Attributes, bytes.NewReader(p.Content), &sum); err != nil {
			return outcomeFailed, err
		}
	}
	if err := conn.WriteMessage(protocol.MsgNoMoreData, nil); err != nil {
		return outcomeFailed, err
	}

	typ, payload, err := conn.ReadMessage()
	if err != nil {
		return outcomeFailed, err
	}
	switch typ {
	case protocol.MsgCancel:
		return outcomeCanceled, nil
	case protocol.MsgConfirm:
		ok, err := s.confirm(conn, &sum, payload)
		if err != nil {
			return outcomeFailed, err
		}
		if !ok {
			return outcomeCanceled, nil
		}
	default:
		return outcomeFailed, unexpected(typ, protocol.MsgConfirm, protocol.MsgCancel)
	}

	typ, payload, err = conn.ReadMessage()
	if err != nil {
		return outcomeFailed, err
	}
	switch typ {
	case protocol.MsgCancel:
		return outcomeCanceled, nil
	case protocol.MsgComplete:
	default:
		return outcomeFailed, unexpected(typ, protocol.MsgComplete, protocol.MsgCancel)
	}
	var complete protocol.Complete
	if err := protocol.Decode(typ, payload, &complete); err != nil {
		return outcomeFailed, err
	}
	if complete.Backoff && complete.BackoffMillis > 0 {
		port.backoff(time.Now().Add(time.Duration(complete.BackoffMillis) * time.Millisecond))
	}
	if err := conn.WriteMessage(protocol.MsgCompleteResponse, protocol.CompleteResponse{Code: protocol.CodeFinished}); err != nil {
		return outcomeCompleted, err
	}
	return outcomeCompleted, nil
}
