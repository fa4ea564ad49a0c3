// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package idn

import (
	"path/filepath"
	"testing"

	"bitdust.io/bitdust/bitdust"
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

func TestSignAndVerify(t *testing.T) {
	f := testFactotum(t)
	doc := &bitdust.IdentityDocument{
		IDURL:     "https://id.bitdust.io/alice.xml",
		PublicKey: f.PublicKey(nil),
		Contacts: []bitdust.Endpoint{
			{Transport: bitdust.Remote, NetAddr: "203.0.113.1:7846"},
		},
		Revision: 1,
	}
	if err := Sign(f, doc); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(doc); err != nil {
		t.Errorf("Verify: %v", err)
	}

	doc.Revision = 2 // tamper after signing
	if err := Verify(doc); err == nil {
		t.Errorf("Verify should reject a document modified after signing")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	f := testFactotum(t)
	doc := &bitdust.IdentityDocument{
		IDURL:     "https://id.bitdust.io/alice.xml",
		PublicKey: f.PublicKey(nil),
		Contacts: []bitdust.Endpoint{
			{Transport: bitdust.Remote, NetAddr: "203.0.113.1:7846"},
			{Transport: bitdust.Relayed, NetAddr: "relay.bitdust.io:7846"},
		},
		Revision: 3,
	}
	if err := Sign(f, doc); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, err := MarshalDocument(doc)
	if err != nil {
		t.Fatalf("MarshalDocument: %v", err)
	}
	got, err := unmarshalDocument(b)
	if err != nil {
		t.Fatalf("unmarshalDocument: %v", err)
	}
	if err := Verify(got); err != nil {
		t.Errorf("Verify(round-tripped doc): %v", err)
	}
	if got.IDURL != doc.IDURL || got.Revision != doc.Revision || len(got.Contacts) != len(doc.Contacts) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, doc)
	}
}
