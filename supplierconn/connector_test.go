// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package supplierconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitdust.io/bitdust/bitdust"
)

type stubSender struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	payload []byte
	err     error
}

func (s *stubSender) Request(ctx context.Context, id bitdust.PacketID, payload []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return s.responses[len(s.responses)-1].payload, s.responses[len(s.responses)-1].err
	}
	r := s.responses[s.calls]
	s.calls++
	return r.payload, r.err
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) OnStateChange(customerID, supplierID bitdust.IDURL, s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestConnectorAcceptedTransitionsToConnected(t *testing.T) {
	sender := &stubSender{responses: []response{{payload: []byte{acceptedByte}}}}
	rec := &stateRecorder{}
	c := &Connector{
		CustomerID: "alice", SupplierID: "bob",
		Sender: sender, Observer: rec,
		RequestTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		if c.Connected() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connector never reached CONNECTED")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	states := rec.snapshot()
	if len(states) == 0 || states[0] != Request || states[1] != Connected {
		t.Errorf("states = %v, want to start with [REQUEST CONNECTED ...]", states)
	}
}

func TestConnectorRejectedIsTerminal(t *testing.T) {
	sender := &stubSender{responses: []response{{payload: []byte{rejectedByte}}}}
	c := &Connector{
		CustomerID: "alice", SupplierID: "bob",
		Sender:         sender,
		RequestTimeout: time.Second,
	}

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error for a rejected handshake")
	}
	if c.State() != Refused {
		t.Errorf("State() = %v, want Refused", c.State())
	}
}

func TestConnectorLivenessFailureReturnsToDisconnected(t *testing.T) {
	sender := &stubSender{responses: []response{{payload: []byte{acceptedByte}}}}
	var pingCalls int
	var mu sync.Mutex
	c := &Connector{
		CustomerID: "alice", SupplierID: "bob",
		Sender: sender,
		Ping: func(ctx context.Context) error {
			mu.Lock()
			pingCalls++
			mu.Unlock()
			return errStr("no response")
		},
		PingInterval:    5 * time.Millisecond,
		MaxPingFailures: 2,
		RequestTimeout:  time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	mu.Lock()
	calls := pingCalls
	mu.Unlock()
	if calls < 2 {
		t.Errorf("expected at least 2 ping attempts before giving up, got %d", calls)
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %v, want Disconnected", c.State())
	}
}

type errStr string

func (e errStr) Error() string { return string(e) }

func TestDisconnectTransitionsToOffline(t *testing.T) {
	sender := &stubSender{responses: []response{{payload: []byte{acceptedByte}}}}
	c := &Connector{CustomerID: "alice", SupplierID: "bob", Sender: sender, RequestTimeout: time.Second}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.State() != Offline {
		t.Errorf("State() = %v, want Offline", c.State())
	}
}
