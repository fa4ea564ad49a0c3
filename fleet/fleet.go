// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fleet implements the Fleet Controller (§4.9): it maintains a
// customer's ordered vector of N supplier slots, fires a supplier once
// its connector has stayed DISCONNECTED longer than T_fire, hands the
// vacated slot to a Finder, and triggers a Matrix-wide rebuild once a
// replacement is CONNECTED.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/log"
)

// A Finder locates and hands off a new CONNECTED supplier for a vacated
// slot. finder.Walker satisfies this structurally; it is declared here
// rather than imported to keep fleet -> finder out of the dependency
// graph (finder never needs to know about slots or T_fire).
type Finder interface {
	Find(ctx context.Context, excluded []bitdust.IDURL) (bitdust.SupplierConnector, error)
}

// A Rebuilder is notified when a slot swap may have invalidated some of
// a version's fragment placement, so it can schedule repair work
// (§4.11). matrix.Matrix satisfies this.
type Rebuilder interface {
	Rebuild(customer bitdust.IDURL, affectedPositions []int)
}

const defaultFireAfter = 5 * time.Minute

var (
	fireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bitdust",
		Subsystem: "fleet",
		Name:      "fires_total",
		Help:      "Number of supplier slots fired for prolonged disconnection or manual replace/change.",
	}, []string{"customer"})
	connectedSlots = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bitdust",
		Subsystem: "fleet",
		Name:      "connected_slots",
		Help:      "Number of supplier slots currently holding a CONNECTED connector.",
	}, []string{"customer"})
)

func init() {
	prometheus.MustRegister(fireTotal, connectedSlots)
}

// a slot is one position in the fleet's supplier vector.
type slot struct {
	connector      bitdust.SupplierConnector
	disconnectedAt time.Time // zero unless connector is currently DISCONNECTED
}

func (s *slot) empty() bool { return s.connector == nil }

// Controller owns one customer's supplier vector (§4.9).
type Controller struct {
	CustomerID bitdust.IDURL
	FireAfter  time.Duration
	Finder     Finder
	Rebuilder  Rebuilder

	mu    sync.Mutex
	slots []slot
}

// NewController creates a Controller with n empty slots.
func NewController(customerID bitdust.IDURL, n int, finder Finder, rebuilder Rebuilder) *Controller {
	return &Controller{
		CustomerID: customerID,
		FireAfter:  defaultFireAfter,
		Finder:     finder,
		Rebuilder:  rebuilder,
		slots:      make([]slot, n),
	}
}

func (c *Controller) fireAfter() time.Duration {
	if c.FireAfter > 0 {
		return c.FireAfter
	}
	return defaultFireAfter
}

// Slots returns a snapshot of the current supplier assigned to each
// slot; an empty IDURL means the slot is vacant.
func (c *Controller) Slots() []bitdust.IDURL {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bitdust.IDURL, len(c.slots))
	for i, s := range c.slots {
		if !s.empty() {
			out[i] = s.connector.IDURL()
		}
	}
	return out
}

// Assign installs connector into slot, replacing whatever was there.
// The caller (Evaluate's DISCONNECTED sweep, Change, or the Finder callback
// in fire) is responsible for having already confirmed the connector is
// CONNECTED and that its IDURL does not already occupy another slot —
// Assign itself only enforces the two invariants that are cheap to
// check locally (no duplicate idurl, never the customer's own idurl).
func (c *Controller) Assign(slotIndex int, connector bitdust.SupplierConnector) error {
	const op = "fleet.Controller.Assign"
	c.mu.Lock()
	defer c.mu.Unlock()
	if slotIndex < 0 || slotIndex >= len(c.slots) {
		return errors.E(op, errors.Invalid, errors.Str("slot index out of range"))
	}
	if connector.IDURL() == c.CustomerID {
		return errors.E(op, errors.Invariant, errors.Str("customer cannot supply itself"))
	}
	for i, s := range c.slots {
		if i != slotIndex && !s.empty() && s.connector.IDURL() == connector.IDURL() {
			return errors.E(op, errors.Invariant, errors.Str("supplier already occupies another slot"))
		}
	}
	c.slots[slotIndex] = slot{connector: connector}
	c.updateMetric()
	return nil
}

// Evaluate runs the reactive rule set once, inspecting every slot's
// connector and firing any that has been DISCONNECTED longer than
// FireAfter. It is meant to be called on a ticker or in response to a
// supplierconn.Observer notification; it is idempotent and cheap when
// nothing has changed.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) {
	fire := c.markDisconnected(now)
	for _, idx := range fire {
		c.fire(ctx, idx)
	}
}

func (c *Controller) markDisconnected(now time.Time) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fire []int
	for i := range c.slots {
		s := &c.slots[i]
		if s.empty() {
			continue
		}
		if s.connector.Connected() {
			s.disconnectedAt = time.Time{}
			continue
		}
		if s.disconnectedAt.IsZero() {
			s.disconnectedAt = now
			continue
		}
		if now.Sub(s.disconnectedAt) >= c.fireAfter() {
			fire = append(fire, i)
		}
	}
	c.updateMetric()
	return fire
}

// fire vacates slotIndex and asks the Finder for a replacement; on
// success it assigns the new connector and schedules a rebuild of the
// positions the old supplier used to hold.
func (c *Controller) fire(ctx context.Context, slotIndex int) {
	fireTotal.WithLabelValues(string(c.CustomerID)).Inc()
	c.mu.Lock()
	c.slots[slotIndex] = slot{}
	c.updateMetric()
	c.mu.Unlock()

	if c.Finder == nil {
		log.Error.Printf("fleet: slot %d vacated for %s but no Finder configured", slotIndex, c.CustomerID)
		return
	}
	replacement, err := c.Finder.Find(ctx, c.Slots())
	if err != nil {
		log.Error.Printf("fleet: find replacement for slot %d failed: %v", slotIndex, err)
		return
	}
	if err := c.Assign(slotIndex, replacement); err != nil {
		log.Error.Printf("fleet: assign replacement for slot %d failed: %v", slotIndex, err)
		return
	}
	if c.Rebuilder != nil {
		c.Rebuilder.Rebuild(c.CustomerID, []int{slotIndex})
	}
}

// Replace is the user-initiated equivalent of an automatic fire: it
// vacates slotIndex immediately, without waiting out FireAfter.
func (c *Controller) Replace(ctx context.Context, slotIndex int) error {
	const op = "fleet.Controller.Replace"
	c.mu.Lock()
	if slotIndex < 0 || slotIndex >= len(c.slots) {
		c.mu.Unlock()
		return errors.E(op, errors.Invalid, errors.Str("slot index out of range"))
	}
	c.mu.Unlock()
	c.fire(ctx, slotIndex)
	return nil
}

// Change assigns a specific new supplier to slotIndex, first confirming
// a handshake with it succeeds (newConnector.Connected() must already be
// true — the handshake is the caller's responsibility, typically by
// running a supplierconn.Connector to completion before calling Change).
func (c *Controller) Change(slotIndex int, newConnector bitdust.SupplierConnector) error {
	const op = "fleet.Controller.Change"
	if !newConnector.Connected() {
		return errors.E(op, errors.Invariant, errors.Str("new supplier is not yet connected"))
	}
	if err := c.Assign(slotIndex, newConnector); err != nil {
		return err
	}
	if c.Rebuilder != nil {
		c.Rebuilder.Rebuild(c.CustomerID, []int{slotIndex})
	}
	return nil
}

// updateMetric must be called with mu held.
func (c *Controller) updateMetric() {
	n := 0
	for _, s := range c.slots {
		if !s.empty() && s.connector.Connected() {
			n++
		}
	}
	connectedSlots.WithLabelValues(string(c.CustomerID)).Set(float64(n))
}
