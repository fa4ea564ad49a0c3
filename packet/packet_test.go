// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package packet

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
)

func testFactotum(t *testing.T) *factotum.Factotum {
	t.Helper()
	f, err := factotum.New(filepath.Join("..", "factotum", "testdata", "ok"))
	if err != nil {
		t.Fatalf("factotum.New: %v", err)
	}
	return f
}

func TestSerializeRoundTrip(t *testing.T) {
	p := &Packet{
		Command:   bitdust.CommandData,
		PacketID:  "alice@host/p/F1/0-0-Data",
		OwnerID:   "https://id.bitdust.io/alice.xml",
		CreatorID: "https://id.bitdust.io/alice.xml",
		RemoteID:  "https://id.bitdust.io/bob.xml",
		Payload:   []byte("some fragment bytes"),
	}
	f := testFactotum(t)
	if err := Sign(f, p); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	b := Serialize(p)
	got, err := Deserialize(b)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, p)
	}

	b2 := Serialize(p)
	if !reflect.DeepEqual(b, b2) {
		t.Errorf("Serialize is not deterministic")
	}
}

func TestDeserializeTrailingBytes(t *testing.T) {
	p := &Packet{Command: bitdust.CommandIdentity, PacketID: "x@h/p/F1/0-0-Data"}
	f := testFactotum(t)
	if err := Sign(f, p); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b := append(Serialize(p), 0xFF)
	if _, err := Deserialize(b); err == nil {
		t.Errorf("expected error for trailing bytes")
	}
}

type stubIdentityCache struct {
	docs map[bitdust.IDURL]*bitdust.IdentityDocument
}

func (c stubIdentityCache) Lookup(ctx context.Context, idurl bitdust.IDURL) (*bitdust.IdentityDocument, error) {
	doc, ok := c.docs[idurl]
	if !ok {
		return nil, errors.Str("not found")
	}
	return doc, nil
}
func (c stubIdentityCache) Override(idurl bitdust.IDURL, doc *bitdust.IdentityDocument) {}
func (c stubIdentityCache) ClearOverride(idurl bitdust.IDURL)                           {}

func TestVerify(t *testing.T) {
	f := testFactotum(t)
	creator := bitdust.IDURL("https://id.bitdust.io/alice.xml")
	p := &Packet{
		Command:   bitdust.CommandMessage,
		PacketID:  "alice@host/p/F1/0-0-Data",
		OwnerID:   creator,
		CreatorID: creator,
		RemoteID:  "https://id.bitdust.io/bob.xml",
		Payload:   []byte("hello"),
	}
	if err := Sign(f, p); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cache := stubIdentityCache{docs: map[bitdust.IDURL]*bitdust.IdentityDocument{
		creator: {IDURL: creator, PublicKey: f.PublicKey(nil)},
	}}
	if err := Verify(context.Background(), cache, p); err != nil {
		t.Errorf("Verify: %v", err)
	}

	p.Payload = []byte("tampered")
	if err := Verify(context.Background(), cache, p); err == nil {
		t.Errorf("Verify should reject a packet modified after signing")
	}
}

func TestAckFailEchoPacketID(t *testing.T) {
	reqID := bitdust.PacketID("alice@host/p/F1/0-0-Data")
	owner := bitdust.IDURL("https://id.bitdust.io/alice.xml")
	remote := bitdust.IDURL("https://id.bitdust.io/bob.xml")

	ack := NewAck(reqID, owner, owner, remote)
	if ack.PacketID != reqID || ack.Command != bitdust.CommandAck {
		t.Errorf("NewAck = %+v", ack)
	}

	cause := errors.E("supplier.Store", errors.Capacity, errors.Str("quota exceeded"))
	fail := NewFail(reqID, owner, owner, remote, cause)
	if fail.PacketID != reqID || fail.Command != bitdust.CommandFail {
		t.Errorf("NewFail = %+v", fail)
	}
	got := fail.Cause()
	if got.Error() != cause.Error() {
		t.Errorf("Cause() = %q, want %q", got, cause)
	}
}
