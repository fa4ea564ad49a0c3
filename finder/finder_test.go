// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package finder

import (
	"context"
	"testing"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/dht"
)

type stubConnector struct {
	idurl     bitdust.IDURL
	connected bool
}

func (s *stubConnector) IDURL() bitdust.IDURL { return s.idurl }
func (s *stubConnector) Connected() bool      { return s.connected }

func nodeIDURLFromAddr(n bitdust.Endpoint) (bitdust.IDURL, error) {
	return bitdust.IDURL(n.NetAddr), nil
}

func TestFindConnectsToSoleCandidate(t *testing.T) {
	d := dht.NewMemory(func() string { return "k" })
	d.Register("carol", bitdust.Endpoint{NetAddr: "carol"})

	connectCalls := 0
	w := &Walker{
		CustomerID: "alice",
		DHT:        d,
		NodeIDURL:  nodeIDURLFromAddr,
		Connect: func(ctx context.Context, candidate bitdust.IDURL) (bitdust.SupplierConnector, error) {
			connectCalls++
			return &stubConnector{idurl: candidate, connected: true}, nil
		},
		MaxAttempts: 3,
	}

	got, err := w.Find(context.Background(), nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.IDURL() != "carol" {
		t.Errorf("Find returned %q, want carol", got.IDURL())
	}
	if connectCalls == 0 {
		t.Error("expected at least one Connect call")
	}
}

// TestRejectedFiltersSelfAndAlreadySupplierAndBlacklist exercises the
// rejection logic directly (rather than through Find's DHT-driven
// candidate selection, which is randomized) so self/already-supplier/
// blacklist filtering can be asserted deterministically.
func TestRejectedFiltersSelfAndAlreadySupplierAndBlacklist(t *testing.T) {
	w := &Walker{
		CustomerID: "alice",
		Filters:    []Filter{Blacklisted([]bitdust.IDURL{"eve"})},
	}
	cases := []struct {
		candidate bitdust.IDURL
		excluded  []bitdust.IDURL
		wantReject bool
	}{
		{"alice", nil, true},             // self
		{"bob", []bitdust.IDURL{"bob"}, true}, // already a supplier
		{"eve", nil, true},               // blacklisted
		{"frank", nil, false},
	}
	for _, c := range cases {
		reject, reason := w.rejected(c.candidate, c.excluded)
		if reject != c.wantReject {
			t.Errorf("rejected(%q, %v) = %v (%s), want %v", c.candidate, c.excluded, reject, reason, c.wantReject)
		}
	}
}

func TestFindGivesUpAfterMaxAttempts(t *testing.T) {
	d := dht.NewMemory(func() string { return "k" })
	d.Register("alice", bitdust.Endpoint{NetAddr: "alice"})

	// "alice" is rejected by no filter (customer is bob, no exclusions),
	// so Connect runs every attempt; make it always fail to exercise the
	// retry budget rather than the rejection path.
	w := &Walker{
		CustomerID:  "bob",
		DHT:         d,
		NodeIDURL:   nodeIDURLFromAddr,
		MaxAttempts: 3,
		Connect: func(ctx context.Context, candidate bitdust.IDURL) (bitdust.SupplierConnector, error) {
			return nil, errStr("handshake failed")
		},
	}

	_, err := w.Find(context.Background(), nil)
	if err == nil {
		t.Fatal("expected search-failed error after exhausting attempts")
	}
}

type errStr string

func (e errStr) Error() string { return string(e) }

func TestBlacklistedFilterRejects(t *testing.T) {
	f := Blacklisted([]bitdust.IDURL{"eve"})
	if reject, _ := f("eve"); !reject {
		t.Error("Blacklisted should reject a listed idurl")
	}
	if reject, _ := f("frank"); reject {
		t.Error("Blacklisted should not reject an unlisted idurl")
	}
}
