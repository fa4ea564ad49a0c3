// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package supplierconn implements the per (customer, supplier)
// Connector state machine (§4.8): AT_STARTUP -> OFFLINE -> REQUEST ->
// CONNECTED -> DISCONNECTED -> (REQUEST again, or the terminal
// REFUSED). connect sends a RequestService handshake and backs off
// exponentially between retries on a transient failure; while
// CONNECTED, periodic liveness checks push the connector back to
// DISCONNECTED after enough consecutive failures. There is at most one
// Connector per (customer, supplier) pair; that invariant is the
// caller's (fleet.Controller's) responsibility to enforce by keying its
// own map, not this package's.
package supplierconn

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/log"
)

// State is one node of the Connector's state machine (§4.8).
type State int

const (
	AtStartup State = iota
	Offline
	Request
	Connected
	Disconnected
	Refused
)

func (s State) String() string {
	switch s {
	case AtStartup:
		return "AT_STARTUP"
	case Offline:
		return "OFFLINE"
	case Request:
		return "REQUEST"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case Refused:
		return "REFUSED"
	}
	return "UNKNOWN"
}

// A Sender carries one request/response exchange to the supplier and
// back. Unlike backup.Uploader (which only reports success/failure of
// a send), RequestService's Ack carries an accepted/rejected flag the
// caller must inspect, so this package needs the raw response payload,
// not just an error.
type Sender interface {
	Request(ctx context.Context, id bitdust.PacketID, payload []byte, timeout time.Duration) (response []byte, err error)
}

// A PingFunc performs one liveness check against the connected
// supplier. The wire shape of a ping is left to the caller — nothing in
// §4.8 mandates a specific command for it, only that it occurs
// periodically. A nil PingFunc disables liveness checking.
type PingFunc func(ctx context.Context) error

// Observer is notified of every state transition, letting the Fleet
// Controller (§4.9, built separately) react without this package
// depending on it.
type Observer interface {
	OnStateChange(customerID, supplierID bitdust.IDURL, state State)
}

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultPingInterval    = time.Minute
	defaultMaxPingFailures = 3
)

// acceptedByte/rejectedByte are RequestService's Ack payload: a single
// byte conveying the accepted/rejected outcome §4.8 requires but §4.1's
// Ack has no field for — the minimal wire extension this package needs,
// parallel to the ecblock/catalog extensions already in this ledger.
const (
	rejectedByte byte = 0
	acceptedByte byte = 1
)

// Connector is the per (customer, supplier) connection state machine.
type Connector struct {
	CustomerID  bitdust.IDURL
	SupplierID  bitdust.IDURL
	ECCMapName  string
	NeededBytes int64

	Sender          Sender
	Ping            PingFunc
	PingInterval    time.Duration
	MaxPingFailures int
	RequestTimeout  time.Duration
	Observer        Observer

	mu    sync.Mutex
	state State
}

// State returns the connector's current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connector currently holds a service
// slot with its supplier; it implements bitdust.SupplierConnector.
func (c *Connector) Connected() bool {
	return c.State() == Connected
}

// IDURL implements bitdust.SupplierConnector.
func (c *Connector) IDURL() bitdust.IDURL {
	return c.SupplierID
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.Observer != nil {
		c.Observer.OnStateChange(c.CustomerID, c.SupplierID, s)
	}
}

func (c *Connector) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return defaultRequestTimeout
}

// Run drives the connector until ctx is done or the supplier refuses
// the handshake outright (a terminal state). It reconnects with
// exponential backoff whenever a CONNECTED session is lost.
func (c *Connector) Run(ctx context.Context) error {
	const op = "supplierconn.Connector.Run"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.connectWithBackoff(ctx); err != nil {
			if isRefused(err) {
				c.setState(Refused)
				return errors.E(op, string(c.SupplierID), errors.Invalid, err)
			}
			return errors.E(op, string(c.SupplierID), errors.Transient, err)
		}
		c.setState(Connected)
		c.monitorLiveness(ctx)
		c.setState(Disconnected)
	}
}

// connectWithBackoff runs the RequestService handshake, retrying a
// transient failure with exponential backoff, until ctx is done, the
// handshake succeeds, or the supplier permanently refuses.
func (c *Connector) connectWithBackoff(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := c.connectOnce(ctx)
		if err != nil {
			log.Debug.Printf("supplierconn: %s handshake with %s failed: %v", c.CustomerID, c.SupplierID, err)
		}
		return err
	}, b)
}

func (c *Connector) connectOnce(ctx context.Context) error {
	const op = "supplierconn.Connector.connectOnce"
	c.setState(Request)
	id := requestPacketID(c.CustomerID, c.SupplierID)
	payload := buildRequestServicePayload(bitdust.ServiceSupplier, c.NeededBytes, c.ECCMapName)

	resp, err := c.Sender.Request(ctx, id, payload, c.requestTimeout())
	if err != nil {
		c.setState(Disconnected)
		return errors.E(op, string(c.SupplierID), errors.Transient, err)
	}
	if len(resp) == 0 || resp[0] != acceptedByte {
		return backoff.Permanent(errors.E(op, string(c.SupplierID), errors.Invalid, errors.Str("rejected")))
	}
	return nil
}

// monitorLiveness pings the supplier periodically while CONNECTED,
// returning once MaxPingFailures consecutive pings have failed or ctx
// is done. A nil Ping disables the check entirely — the connector then
// relies solely on the transport noticing the session dropped.
func (c *Connector) monitorLiveness(ctx context.Context) {
	if c.Ping == nil {
		<-ctx.Done()
		return
	}
	interval := c.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	maxFailures := c.MaxPingFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxPingFailures
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				failures++
				log.Debug.Printf("supplierconn: liveness ping to %s failed (%d/%d): %v", c.SupplierID, failures, maxFailures, err)
				if failures >= maxFailures {
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// Disconnect sends CancelService and, on a successful Ack, transitions
// to OFFLINE.
func (c *Connector) Disconnect(ctx context.Context) error {
	const op = "supplierconn.Connector.Disconnect"
	id := cancelPacketID(c.CustomerID, c.SupplierID)
	if _, err := c.Sender.Request(ctx, id, nil, c.requestTimeout()); err != nil {
		return errors.E(op, string(c.SupplierID), errors.Transient, err)
	}
	c.setState(Offline)
	return nil
}

func requestPacketID(customer, supplier bitdust.IDURL) bitdust.PacketID {
	return bitdust.PacketID(string(customer) + "/" + string(supplier) + "/request")
}

func cancelPacketID(customer, supplier bitdust.IDURL) bitdust.PacketID {
	return bitdust.PacketID(string(customer) + "/" + string(supplier) + "/cancel")
}

// isRefused reports whether err is the terminal rejection connectOnce
// wraps in backoff.Permanent. backoff.Retry unwraps a *PermanentError
// before returning it, so by the time Run sees it, it is plain our own
// errors.Invalid-kinded *Error again.
func isRefused(err error) bool {
	return errors.Is(errors.Invalid, err)
}

func buildRequestServicePayload(serviceName string, neededBytes int64, eccMapName string) []byte {
	var b []byte
	b = appendString(b, serviceName)
	b = appendString(b, eccMapName)
	var sizeBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(sizeBuf[:], neededBytes)
	b = append(b, sizeBuf[:n]...)
	return b
}

func appendString(b []byte, s string) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	b = append(b, lenBuf[:n]...)
	return append(b, s...)
}
