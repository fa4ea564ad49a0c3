// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/factotum"
	"bitdust.io/bitdust/keyring"
	"bitdust.io/bitdust/packet"
)

func testFactotum(t *testing.T) *factotum.Factotum {
	t.Helper()
	f, err := factotum.New(filepath.Join("..", "factotum", "testdata", "ok"))
	if err != nil {
		t.Fatalf("factotum.New: %v", err)
	}
	return f
}

type stubIDCache struct {
	mu            sync.Mutex
	docs          map[bitdust.IDURL]*bitdust.IdentityDocument
	overrides     map[bitdust.IDURL]*bitdust.IdentityDocument
	overrideCalls []bitdust.IDURL
	clearCalls    []bitdust.IDURL
}

func newStubIDCache() *stubIDCache {
	return &stubIDCache{
		docs:      make(map[bitdust.IDURL]*bitdust.IdentityDocument),
		overrides: make(map[bitdust.IDURL]*bitdust.IdentityDocument),
	}
}

func (c *stubIDCache) Lookup(ctx context.Context, idurl bitdust.IDURL) (*bitdust.IdentityDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.overrides[idurl]; ok {
		return d, nil
	}
	if d, ok := c.docs[idurl]; ok {
		return d, nil
	}
	return nil, errStr("identity not found")
}

func (c *stubIDCache) Override(idurl bitdust.IDURL, doc *bitdust.IdentityDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[idurl] = doc
	c.overrideCalls = append(c.overrideCalls, idurl)
}

func (c *stubIDCache) ClearOverride(idurl bitdust.IDURL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, idurl)
	c.clearCalls = append(c.clearCalls, idurl)
}

type errStr string

func (e errStr) Error() string { return string(e) }

type sentMsg struct {
	to      bitdust.IDURL
	payload []byte
}

type stubSession struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (s *stubSession) Send(ctx context.Context, to bitdust.IDURL, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMsg{to, payload})
	return nil
}

func (s *stubSession) Close() error { return nil }

func newTestRouter(t *testing.T) (*Router, *stubIDCache, *stubSession, *factotum.Factotum) {
	t.Helper()
	f := testFactotum(t)
	kr := keyring.New(f)
	idcache := newStubIDCache()
	sender := &stubSession{}
	r := New("https://id.bitdust.io/router.xml", f, kr, idcache, sender)
	return r, idcache, sender, f
}

func TestHandleRequestServiceAcceptsAndRegisters(t *testing.T) {
	r, idcache, _, f := newTestRouter(t)
	idcache.docs["bob"] = &bitdust.IdentityDocument{IDURL: "bob", PublicKey: f.PublicKey(nil)}

	req := &packet.Packet{
		Command:   bitdust.CommandRequestService,
		PacketID:  "req1",
		OwnerID:   "bob",
		CreatorID: "bob",
		RemoteID:  r.SelfID,
	}
	ack, err := r.HandleRequestService(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleRequestService: %v", err)
	}
	outcome, err := DecodeAck(ack.Payload)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if !outcome.Accepted {
		t.Errorf("outcome = %+v, want accepted", outcome)
	}
	if !outcome.Wide {
		t.Errorf("outcome = %+v, want wide=true per §4.12", outcome)
	}
	if got := r.Routes(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("Routes() = %v, want [bob]", got)
	}
	if len(idcache.overrideCalls) != 1 || idcache.overrideCalls[0] != "bob" {
		t.Errorf("expected Override to be called for bob, got %v", idcache.overrideCalls)
	}
}

func TestHandleRequestServiceRejectsCreatorOwnerMismatch(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	req := &packet.Packet{
		Command:   bitdust.CommandRequestService,
		PacketID:  "req1",
		OwnerID:   "bob",
		CreatorID: "eve",
	}
	ack, err := r.HandleRequestService(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleRequestService: %v", err)
	}
	outcome, err := DecodeAck(ack.Payload)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if outcome.Accepted {
		t.Errorf("outcome = %+v, want rejected", outcome)
	}
	if outcome.Reason == "" {
		t.Errorf("outcome.Reason is empty, want a rejection reason")
	}
	if len(r.Routes()) != 0 {
		t.Errorf("Routes() = %v, want none", r.Routes())
	}
}

func TestHandleCancelServiceRemovesRoute(t *testing.T) {
	r, idcache, _, f := newTestRouter(t)
	idcache.docs["bob"] = &bitdust.IdentityDocument{IDURL: "bob", PublicKey: f.PublicKey(nil)}
	if _, err := r.HandleRequestService(context.Background(), &packet.Packet{
		OwnerID: "bob", CreatorID: "bob", PacketID: "req1",
	}); err != nil {
		t.Fatalf("HandleRequestService: %v", err)
	}

	ack, err := r.HandleCancelService(context.Background(), &packet.Packet{OwnerID: "bob", PacketID: "cancel1"})
	if err != nil {
		t.Fatalf("HandleCancelService: %v", err)
	}
	outcome, err := DecodeAck(ack.Payload)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if !outcome.Accepted {
		t.Errorf("outcome = %+v, want accepted", outcome)
	}
	if len(r.Routes()) != 0 {
		t.Errorf("Routes() after cancel = %v, want none", r.Routes())
	}
	if len(idcache.clearCalls) != 1 || idcache.clearCalls[0] != "bob" {
		t.Errorf("expected ClearOverride for bob, got %v", idcache.clearCalls)
	}
}

// TestRouteInboundWrapsAndSends exercises the routed-inbound path end
// to end: since only one test keypair fixture exists, the registered
// client's PublicKey is the router's own public key, so
// decryptEnvelope (normally the *client's* job) can still verify the
// round trip here using the router's own factotum.
func TestRouteInboundWrapsAndSends(t *testing.T) {
	r, _, sender, f := newTestRouter(t)
	r.routes["bob"] = &RouteInfo{PublicKey: f.PublicKey(nil)}

	inner := &packet.Packet{
		Command:   bitdust.CommandData,
		PacketID:  "data1",
		OwnerID:   r.SelfID,
		CreatorID: r.SelfID,
		RemoteID:  "bob",
	}
	if err := packet.Sign(f, inner); err != nil {
		t.Fatalf("packet.Sign: %v", err)
	}

	if err := r.RouteInbound(context.Background(), inner); err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sender.sent = %v, want exactly one message", sender.sent)
	}
	if sender.sent[0].to != "bob" {
		t.Errorf("sent to %q, want bob", sender.sent[0].to)
	}
	out, err := packet.Deserialize(sender.sent[0].payload)
	if err != nil {
		t.Fatalf("packet.Deserialize: %v", err)
	}
	if out.Command != bitdust.CommandRelay {
		t.Errorf("out.Command = %v, want Relay", out.Command)
	}

	env, err := r.decryptEnvelope(out.Payload)
	if err != nil {
		t.Fatalf("decryptEnvelope: %v", err)
	}
	roundTripped, err := packet.Deserialize(env.Payload)
	if err != nil {
		t.Fatalf("packet.Deserialize(env.Payload): %v", err)
	}
	if roundTripped.PacketID != "data1" {
		t.Errorf("roundTripped.PacketID = %q, want data1", roundTripped.PacketID)
	}

	if _, ok := r.AckDelivered(out.PacketID); !ok {
		t.Error("expected AckDelivered to find the pending ack for the Relay packet just sent")
	}
}

func TestHandleRelayDeliversToSelf(t *testing.T) {
	r, idcache, _, f := newTestRouter(t)
	idcache.docs["bob"] = &bitdust.IdentityDocument{IDURL: "bob", PublicKey: f.PublicKey(nil)}
	idcache.docs[r.SelfID] = &bitdust.IdentityDocument{IDURL: r.SelfID, PublicKey: f.PublicKey(nil)}
	r.routes["bob"] = &RouteInfo{PublicKey: f.PublicKey(nil)}

	inner := &packet.Packet{
		Command:   bitdust.CommandMessage,
		PacketID:  "m1",
		OwnerID:   "bob",
		CreatorID: "bob",
		RemoteID:  r.SelfID,
	}
	if err := packet.Sign(f, inner); err != nil {
		t.Fatalf("packet.Sign: %v", err)
	}
	wrapped, err := r.encryptEnvelope(relayEnvelope{From: "bob", To: r.SelfID, Payload: packet.Serialize(inner)}, f.PublicKey(nil))
	if err != nil {
		t.Fatalf("encryptEnvelope: %v", err)
	}
	outer := &packet.Packet{
		Command:   bitdust.CommandRelay,
		PacketID:  "outer1",
		OwnerID:   "bob",
		CreatorID: "bob",
		RemoteID:  r.SelfID,
		Payload:   wrapped,
	}

	var delivered *packet.Packet
	r.Inbox = func(ctx context.Context, p *packet.Packet) error {
		delivered = p
		return nil
	}

	if err := r.HandleRelay(context.Background(), outer); err != nil {
		t.Fatalf("HandleRelay: %v", err)
	}
	if delivered == nil || delivered.PacketID != "m1" {
		t.Errorf("delivered = %v, want the inner m1 packet", delivered)
	}
}

// stubWideSession is a Sender that also implements WideSender, so
// HandleRelay's outward forwarding can be observed choosing SendWide
// over Send when the decrypted envelope's Wide flag is set.
type stubWideSession struct {
	mu   sync.Mutex
	sent []sentMsg
	wide []sentMsg
}

func (s *stubWideSession) Send(ctx context.Context, to bitdust.IDURL, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMsg{to, payload})
	return nil
}

func (s *stubWideSession) SendWide(ctx context.Context, to bitdust.IDURL, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wide = append(s.wide, sentMsg{to, payload})
	return nil
}

func (s *stubWideSession) Close() error { return nil }

var _ WideSender = (*stubWideSession)(nil)

// TestHandleRelayForwardsWidePerFlag exercises the outward-forwarding
// branch of HandleRelay (env.To is neither SelfID nor a registered
// client) and confirms the envelope's Wide flag selects SendWide over
// Send on a Sender that implements WideSender, per §4.12.
func TestHandleRelayForwardsWidePerFlag(t *testing.T) {
	f := testFactotum(t)
	kr := keyring.New(f)
	idcache := newStubIDCache()
	sender := &stubWideSession{}
	r := New("https://id.bitdust.io/router.xml", f, kr, idcache, sender)
	r.routes["bob"] = &RouteInfo{PublicKey: f.PublicKey(nil)}
	idcache.docs["bob"] = &bitdust.IdentityDocument{IDURL: "bob", PublicKey: f.PublicKey(nil)}

	inner := &packet.Packet{
		Command:   bitdust.CommandMessage,
		PacketID:  "m1",
		OwnerID:   "bob",
		CreatorID: "bob",
		RemoteID:  "carol",
	}
	if err := packet.Sign(f, inner); err != nil {
		t.Fatalf("packet.Sign: %v", err)
	}
	wrapped, err := r.encryptEnvelope(relayEnvelope{
		From:    "bob",
		To:      "carol",
		Wide:    true,
		Payload: packet.Serialize(inner),
	}, f.PublicKey(nil))
	if err != nil {
		t.Fatalf("encryptEnvelope: %v", err)
	}
	outer := &packet.Packet{
		Command:   bitdust.CommandRelay,
		PacketID:  "outer1",
		OwnerID:   "bob",
		CreatorID: "bob",
		RemoteID:  r.SelfID,
		Payload:   wrapped,
	}

	if err := r.HandleRelay(context.Background(), outer); err != nil {
		t.Fatalf("HandleRelay: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sender.sent = %v, want none (should have gone wide)", sender.sent)
	}
	if len(sender.wide) != 1 || sender.wide[0].to != "carol" {
		t.Errorf("sender.wide = %v, want exactly one send to carol", sender.wide)
	}
}

func TestOnIdentityRotatedMigratesRoute(t *testing.T) {
	r, idcache, _, f := newTestRouter(t)
	r.routes["bob-old"] = &RouteInfo{PublicKey: f.PublicKey(nil)}

	r.OnIdentityRotated("bob-old", "bob-new")

	if _, ok := r.routes["bob-old"]; ok {
		t.Error("old idurl should no longer have a route")
	}
	if _, ok := r.routes["bob-new"]; !ok {
		t.Error("new idurl should have inherited the route")
	}
	if len(idcache.clearCalls) != 1 || idcache.clearCalls[0] != "bob-old" {
		t.Errorf("expected ClearOverride(bob-old), got %v", idcache.clearCalls)
	}
	if len(idcache.overrideCalls) != 1 || idcache.overrideCalls[0] != "bob-new" {
		t.Errorf("expected Override(bob-new), got %v", idcache.overrideCalls)
	}
}
