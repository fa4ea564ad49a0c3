// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package idn

import (
	"context"
	"testing"

	"bitdust.io/bitdust/bitdust"
)

type stubFetcher struct {
	docs  map[bitdust.IDURL]*bitdust.IdentityDocument
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, idurl bitdust.IDURL) (*bitdust.IdentityDocument, error) {
	s.calls++
	doc, ok := s.docs[idurl]
	if !ok {
		return nil, errNotFound(idurl)
	}
	return doc, nil
}

type notFoundErr string

func (e notFoundErr) Error() string { return "no such identity: " + string(e) }

func errNotFound(idurl bitdust.IDURL) error { return notFoundErr(idurl) }

func signedDoc(t *testing.T, idurl bitdust.IDURL, rev int) *bitdust.IdentityDocument {
	t.Helper()
	f := testFactotum(t)
	doc := &bitdust.IdentityDocument{IDURL: idurl, PublicKey: f.PublicKey(nil), Revision: rev}
	if err := Sign(f, doc); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return doc
}

func TestLookupFetchesAndCaches(t *testing.T) {
	idurl := bitdust.IDURL("https://id.bitdust.io/alice.xml")
	doc := signedDoc(t, idurl, 1)
	fetcher := &stubFetcher{docs: map[bitdust.IDURL]*bitdust.IdentityDocument{idurl: doc}}
	c := New(fetcher)

	got, err := c.Lookup(context.Background(), idurl)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != doc {
		t.Errorf("Lookup returned a different document than fetched")
	}
	if _, err := c.Lookup(context.Background(), idurl); err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher called %d times, want 1 (second Lookup should hit the cache)", fetcher.calls)
	}
}

func TestLookupUnknownIDURL(t *testing.T) {
	c := New(&stubFetcher{docs: map[bitdust.IDURL]*bitdust.IdentityDocument{}})
	if _, err := c.Lookup(context.Background(), "https://id.bitdust.io/nobody.xml"); err == nil {
		t.Errorf("expected an error for an unknown IDURL")
	}
}

func TestOverrideBypassesFetcher(t *testing.T) {
	idurl := bitdust.IDURL("https://id.bitdust.io/alice.xml")
	c := New(&stubFetcher{docs: map[bitdust.IDURL]*bitdust.IdentityDocument{}})
	doc := signedDoc(t, idurl, 1)
	c.Override(idurl, doc)

	got, err := c.Lookup(context.Background(), idurl)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != doc {
		t.Errorf("Lookup did not return the overridden document")
	}

	c.ClearOverride(idurl)
	if _, err := c.Lookup(context.Background(), idurl); err == nil {
		t.Errorf("expected fetcher miss after ClearOverride")
	}
}

func TestRotationNotification(t *testing.T) {
	oldIDURL := bitdust.IDURL("https://id.bitdust.io/alice.xml")
	newIDURL := bitdust.IDURL("https://id.bitdust.io/alice2.xml")
	c := New(nil)

	type rotation struct{ old, updated bitdust.IDURL }
	var got []rotation
	c.OnRotation(func(old, updated bitdust.IDURL) {
		got = append(got, rotation{old, updated})
	})

	key := bitdust.PublicKey("p256\n1\n1\n")
	doc1 := signedDoc(t, oldIDURL, 1)
	doc1.PublicKey = key
	c.Override(oldIDURL, doc1)
	if len(got) != 0 {
		t.Errorf("first sighting of a key should not be a rotation, got %v", got)
	}

	// The same public key resolving under the same IDURL again is not a
	// rotation, even on a fresh document revision.
	doc2 := signedDoc(t, oldIDURL, 2)
	doc2.PublicKey = key
	c.Override(oldIDURL, doc2)
	if len(got) != 0 {
		t.Errorf("re-resolving the same IDURL should not be a rotation, got %v", got)
	}

	// The same public key resolving under a new IDURL is a rotation.
	doc3 := signedDoc(t, newIDURL, 1)
	doc3.PublicKey = key
	c.Override(newIDURL, doc3)
	if len(got) != 1 || got[0].old != oldIDURL || got[0].updated != newIDURL {
		t.Errorf("expected one rotation from %v to %v, got %v", oldIDURL, newIDURL, got)
	}

	// A different, previously unseen public key resolving under yet
	// another IDURL is not a rotation: it has no prior IDURL to migrate
	// from.
	other := signedDoc(t, "https://id.bitdust.io/bob.xml", 1)
	c.Override("https://id.bitdust.io/bob.xml", other)
	if len(got) != 1 {
		t.Errorf("a new key's first sighting should not be a rotation, got %v", got)
	}
}
