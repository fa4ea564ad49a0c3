// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dht

import (
	"context"
	"testing"
	"time"

	"bitdust.io/bitdust/bitdust"
)

func TestRandomKeyUsesConfiguredSource(t *testing.T) {
	m := NewMemory(func() string { return "fixed-key" })
	got, err := m.RandomKey(context.Background())
	if err != nil {
		t.Fatalf("RandomKey: %v", err)
	}
	if got != "fixed-key" {
		t.Errorf("RandomKey = %q, want %q", got, "fixed-key")
	}
}

func TestRandomKeyRequiresSource(t *testing.T) {
	m := NewMemory(nil)
	if _, err := m.RandomKey(context.Background()); err == nil {
		t.Errorf("expected an error with no random key source configured")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	if err := m.Set(ctx, "alice@host:key", []byte("hello"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "alice@host:key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get = %q, want %q", got, "hello")
	}
}

func TestGetMissingKeyFails(t *testing.T) {
	m := NewMemory(nil)
	if _, err := m.Get(context.Background(), "nope"); err == nil {
		t.Errorf("expected an error for a missing key")
	}
}

func TestSetExpiry(t *testing.T) {
	m := NewMemory(nil)
	now := time.Unix(1000, 0)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	ctx := context.Background()
	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := m.Get(ctx, "k"); err == nil {
		t.Errorf("expected Get to fail once the key has expired")
	}
}

func TestValidatorRejectsSet(t *testing.T) {
	m := NewMemory(nil)
	m.UseValidator(SupplierRelations, func(key string, value []byte) error {
		return errStr("rejected")
	})
	if err := m.Set(context.Background(), "k", []byte("v"), 0, SupplierRelations); err == nil {
		t.Errorf("expected Set to fail the registered validator")
	}
	if err := m.Set(context.Background(), "k", []byte("v"), 0, SkipValidation); err != nil {
		t.Errorf("Set with an unregistered rule should pass through: %v", err)
	}
}

func TestFindNodeRanksByCommonPrefix(t *testing.T) {
	m := NewMemory(nil)
	far := bitdust.IDURL("https://id.bitdust.io/zzz.xml")
	near := bitdust.IDURL("https://id.bitdust.io/abc123.xml")
	m.Register(far, bitdust.Endpoint{Transport: bitdust.Remote, NetAddr: "far:0"})
	m.Register(near, bitdust.Endpoint{Transport: bitdust.Remote, NetAddr: "near:0"})

	got, err := m.FindNode(context.Background(), "https://id.bitdust.io/abc999.xml")
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FindNode returned %d endpoints, want 2", len(got))
	}
	if got[0].NetAddr != "near:0" {
		t.Errorf("FindNode ranked %q first, want the closer prefix match", got[0].NetAddr)
	}
}

type errStr string

func (e errStr) Error() string { return string(e) }
