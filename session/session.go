// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the Session/Gateway (§4.3): it dials one
// Conn per Endpoint (caching is left to bind), frames and ships packets over
// whatever Transport dials the underlying byte stream, and dispatches
// inbound packets through an ordered chain of inbox handlers, first
// match consumes (§6 "Callback chains for inbox packets"). A send may
// carry a response timeout; the matching Ack or Fail — correlated by
// PacketID — resolves it, same as expiry does.
package session

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"bitdust.io/bitdust/bind"
	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/log"
	"bitdust.io/bitdust/packet"
)

// ConsumeResult is the three-valued result an inbox handler reports for
// one packet (§6).
type ConsumeResult int

const (
	NotHandled ConsumeResult = iota
	Consumed
	ConsumeError
)

// InboxHandler inspects one inbound packet, reporting whether it
// consumed it. Handlers run in registration order; the first to return
// Consumed or ConsumeError stops the chain.
type InboxHandler func(from *Conn, p *packet.Packet) (ConsumeResult, error)

// A Transport dials the raw byte stream underlying one Conn. Concrete
// transports (TCP, a relay-wrapped stream) live outside this package;
// tests supply an in-memory one.
type Transport interface {
	Dial(ctx context.Context, e bitdust.Endpoint) (io.ReadWriteCloser, error)
}

const defaultQueueSize = 64

var errQueueOverflow = errors.E(errors.Capacity, errors.Str("queue_overflow"))

// A Gateway dials Conns and owns the shared inbox handler chain.
type Gateway struct {
	transport Transport
	queueSize int

	mu    sync.Mutex
	chain []InboxHandler
}

var _ bind.Dialer = (*Gateway)(nil)

// NewGateway returns a Gateway that dials new connections through t.
func NewGateway(t Transport) *Gateway {
	return &Gateway{transport: t, queueSize: defaultQueueSize}
}

// Use appends h to the inbox handler chain (§6: an ordered list of
// handlers, first match consumes).
func (g *Gateway) Use(h InboxHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chain = append(g.chain, h)
}

// Dial implements bind.Dialer: it opens one Conn to e and starts its
// read loop. Pooling by (transport, peer) is bind's job, not this
// package's — bind.Session already caches the result of one successful
// Dial per Endpoint.
func (g *Gateway) Dial(ctx context.Context, e bitdust.Endpoint) (bitdust.Session, error) {
	const op = "session.Gateway.Dial"
	raw, err := g.transport.Dial(ctx, e)
	if err != nil {
		return nil, errors.E(op, errors.Transient, err)
	}
	c := &Conn{
		gw:      g,
		peer:    e,
		raw:     raw,
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (g *Gateway) dispatch(from *Conn, p *packet.Packet) {
	g.mu.Lock()
	chain := append([]InboxHandler(nil), g.chain...)
	g.mu.Unlock()
	for _, h := range chain {
		result, err := h(from, p)
		switch result {
		case Consumed:
			return
		case ConsumeError:
			log.Error.Printf("session: inbox handler error for %s: %v", p.PacketID, err)
			return
		case NotHandled:
			continue
		}
	}
}

// outstanding is one sent packet still awaiting its Ack/Fail, or
// expiry, or eviction under backpressure.
type outstanding struct {
	packetID bitdust.PacketID
	done     chan error
	timer    *time.Timer
}

// A Conn is one logical session to a peer (§4.3): it carries a bounded
// queue of sends awaiting acknowledgement and an inbound read loop that
// feeds the owning Gateway's handler chain.
type Conn struct {
	gw   *Gateway
	peer bitdust.Endpoint
	raw  io.ReadWriteCloser

	mu      sync.Mutex
	queue   []*outstanding
	closed  bool
	closeCh chan struct{}
}

var _ bitdust.Session = (*Conn)(nil)

// Send writes payload (an already-serialized Packet) to the wire as one
// frame and returns once the write completes — it does not wait for an
// Ack; to only labels a returned error. Use SendAndAwait to track one
// with a response_timeout.
func (c *Conn) Send(ctx context.Context, to bitdust.IDURL, payload []byte) error {
	const op = "session.Conn.Send"
	if err := c.write(payload); err != nil {
		return errors.E(op, string(to), errors.Transient, err)
	}
	return nil
}

// SendAndAwait writes payload (the serialized form of a Packet whose
// PacketID is id) and blocks until a matching Ack/Fail arrives, timeout
// elapses, ctx is done, or the send is evicted by backpressure (§4.3:
// "on overflow, oldest non-ack packet is dropped and caller receives
// fail(queue_overflow)").
func (c *Conn) SendAndAwait(ctx context.Context, id bitdust.PacketID, payload []byte, timeout time.Duration) error {
	const op = "session.Conn.SendAndAwait"
	o := &outstanding{packetID: id, done: make(chan error, 1)}
	if err := c.enqueue(o); err != nil {
		return errors.E(op, string(id), err)
	}
	if err := c.write(payload); err != nil {
		c.remove(o)
		return errors.E(op, string(id), errors.Transient, err)
	}

	if timeout > 0 {
		o.timer = time.AfterFunc(timeout, func() {
			c.resolve(id, errors.E(op, string(id), errors.Transient, errors.Str("timeout")))
		})
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		c.remove(o)
		return ctx.Err()
	case <-c.closeCh:
		return errors.E(op, string(id), errors.Transient, errors.Str("connection closed"))
	}
}

// enqueue adds o to the bounded send queue, evicting and failing the
// oldest entry first if the queue is already full.
func (c *Conn) enqueue(o *outstanding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Str("connection closed")
	}
	queueSize := c.gw.queueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if len(c.queue) >= queueSize {
		evicted := c.queue[0]
		c.queue = c.queue[1:]
		stopTimer(evicted.timer)
		evicted.done <- errQueueOverflow
	}
	c.queue = append(c.queue, o)
	return nil
}

func (c *Conn) remove(o *outstanding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.queue {
		if x == o {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	stopTimer(o.timer)
}

// resolve matches id against the queue and delivers err to its waiter,
// whether from an Ack/Fail or from a timeout firing.
func (c *Conn) resolve(id bitdust.PacketID, err error) {
	c.mu.Lock()
	var o *outstanding
	for i, x := range c.queue {
		if x.packetID == id {
			o = x
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if o == nil {
		return
	}
	stopTimer(o.timer)
	select {
	case o.done <- err:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Conn) write(payload []byte) error {
	var lenPrefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenPrefix[:], uint64(len(payload)))
	if _, err := c.raw.Write(lenPrefix[:n]); err != nil {
		return err
	}
	_, err := c.raw.Write(payload)
	return err
}

// readLoop frames inbound packets and either resolves a waiting
// SendAndAwait (for Ack/Fail) or hands the packet to the Gateway's
// inbox chain.
func (c *Conn) readLoop() {
	r := bufio.NewReader(c.raw)
	for {
		frame, err := readFrame(r)
		if err != nil {
			c.Close()
			return
		}
		p, err := packet.Deserialize(frame)
		if err != nil {
			log.Error.Printf("session: dropping malformed frame from %v: %v", c.peer, err)
			continue
		}
		if p.Command == bitdust.CommandAck || p.Command == bitdust.CommandFail {
			var resolveErr error
			if p.Command == bitdust.CommandFail {
				resolveErr = p.Cause()
			}
			c.resolve(p.PacketID, resolveErr)
			continue
		}
		c.gw.dispatch(c, p)
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close stops the read loop, fails every outstanding send with
// "connection closed", and closes the underlying transport.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	close(c.closeCh)
	for _, o := range pending {
		stopTimer(o.timer)
		select {
		case o.done <- errors.Str("connection closed"):
		default:
		}
	}
	return c.raw.Close()
}
