package logging

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/transport"
	tlstransport "github.com/zrepl/sitetosite/transport/tls"
)

type WriterOutlet struct {
	formatter EntryFormatter
	writer    io.Writer
}

func (h WriterOutlet) WriteEntry(entry logger.Entry) error {
	bytes, err := h.formatter.Format(&entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(bytes)
	if err != nil {
		return err
	}
	_, err = h.writer.Write([]byte("\n"))
	return err
}

type netConnecter struct {
	network, address string
	dialer           net.Dialer
}

func newNetConnecter(network, address string) *netConnecter {
	return &netConnecter{network: network, address: address}
}

func (c *netConnecter) Address() string { return c.address }

func (c *netConnecter) Connect(ctx context.Context) (transport.Wire, error) {
	return c.dialer.DialContext(ctx, c.network, c.address)
}

func newTLSConnecter(network, address string, config *tls.Config) (transport.Connecter, error) {
	if network != "tcp" {
		return nil, errors.Errorf("tls requires net 'tcp', got %q", network)
	}
	return tlstransport.NewTLSConnecter(address, config)
}

// TCPOutlet ships entries to a remote log collector.
// Entries written while the connection is broken or slow are dropped.
type TCPOutlet struct {
	formatter EntryFormatter
	connecter transport.Connecter
	entryChan chan *bytes.Buffer
	closeOnce sync.Once
	done      chan struct{}
}

func NewTCPOutlet(formatter EntryFormatter, connecter transport.Connecter, retryInterval time.Duration) *TCPOutlet {

	entryChan := make(chan *bytes.Buffer, 1) // allow one message in flight while previous is in io.Copy()

	o := &TCPOutlet{
		formatter: formatter,
		connecter: connecter,
		entryChan: entryChan,
		done:      make(chan struct{}),
	}

	go o.outLoop(retryInterval)

	return o
}

// Close stops the outlet after the queued entry has been written.
func (h *TCPOutlet) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *TCPOutlet) String() string { return "tcp outlet to " + h.connecter.Address() }

func (h *TCPOutlet) outLoop(retryInterval time.Duration) {

	var retry time.Time
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for {
		var msg *bytes.Buffer
		select {
		case msg = <-h.entryChan:
		case <-h.done:
			return
		}
		var err error
		for conn == nil {
			select {
			case <-time.After(time.Until(retry)):
			case <-h.done:
				return
			}
			ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(retryInterval))
			conn, err = h.connecter.Connect(ctx)
			cancel()
			if err != nil {
				retry = time.Now().Add(retryInterval)
				conn = nil
			}
		}
		err = conn.SetWriteDeadline(time.Now().Add(retryInterval))
		if err == nil {
			_, err = io.Copy(conn, msg)
		}
		if err != nil {
			retry = time.Now().Add(retryInterval)
			conn.Close()
			conn = nil
		}
	}
}

func (h *TCPOutlet) WriteEntry(e logger.Entry) error {

	ebytes, err := h.formatter.Format(&e)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	buf.Write(ebytes)
	buf.WriteString("\n")

	select {
	case h.entryChan <- buf:
		return nil
	default:
		return errors.New("connection broken or not fast enough")
	}
}
