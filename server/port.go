package server

import (
	"sync"
	"time"

	"github.com/zrepl/sitetosite/protocol"
)

// Port is a named endpoint that packets are sent to and received from.
// Packets sent to a port are queued until a client receives them.
type Port struct {
	name      string
	id        string
	running   bool
	maxQueued int

	mtx          sync.Mutex
	queue        []protocol.Packet
	backoffUntil time.Time
}

func (p *Port) Name() string { return p.name }

func (p *Port) ID() string { return p.id }

func (p *Port) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.queue)
}

func (p *Port) Enqueue(packets ...protocol.Packet) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.queue = append(p.queue, packets...)
	prom.QueuedPackets.WithLabelValues(p.name).Set(float64(len(p.queue)))
}

// Packets returns a copy of the queued packets.
func (p *Port) Packets() []protocol.Packet {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]protocol.Packet(nil), p.queue...)
}

// Full reports whether the queue reached its configured limit.
func (p *Port) Full() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.maxQueued > 0 && len(p.queue) >= p.maxQueued
}

func (p *Port) dequeue(n int) []protocol.Packet {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]protocol.Packet, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	prom.QueuedPackets.WithLabelValues(p.name).Set(float64(len(p.queue)))
	return batch
}

// requeue puts packets back at the head of the queue, preserving order.
func (p *Port) requeue(packets []protocol.Packet) {
	if len(packets) == 0 {
		return
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.queue = append(append(make([]protocol.Packet, 0, len(packets)+len(p.queue)), packets...), p.queue...)
	prom.QueuedPackets.WithLabelValues(p.name).Set(float64(len(p.queue)))
}

// BackoffRemaining returns how long the port still refuses new transactions
// because a receiving client requested backoff.
func (p *Port) BackoffRemaining(now time.Time) time.Duration {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if now.Before(p.backoffUntil) {
		return p.backoffUntil.Sub(now)
	}
	return 0
}

func (p *Port) backoff(until time.Time) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if until.After(p.backoffUntil) {
		p.backoffUntil = until
	}
}
