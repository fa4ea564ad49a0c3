// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package idn implements the Identity Document and the Identity Cache
// (§4.2): resolving an IDURL to the public key and contact Endpoints it
// is currently bound to, with an override layer consulted ahead of the
// cache so a component that already holds a fresher document (typically
// relay.Router, mirroring proxy_router.py's identitycache.OverrideIdentity)
// never waits on a network fetch it doesn't need.
package idn

import (
	"context"
	"sync"
	"time"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/cache"
	"bitdust.io/bitdust/errors"
)

// A Fetcher retrieves an identity document from the network. The real
// implementation (HTTPFetcher) fetches the document the IDURL itself
// names; tests supply a stub.
type Fetcher interface {
	Fetch(ctx context.Context, idurl bitdust.IDURL) (*bitdust.IdentityDocument, error)
}

// defaultDuration is how long a fetched document is trusted before a
// fresh Lookup re-fetches it.
const defaultDuration = 15 * time.Minute

type cacheEntry struct {
	expires time.Time
	doc     *bitdust.IdentityDocument
}

// A RotationFunc is called when a public key this Cache has already seen
// bound to one IDURL is observed bound to a different IDURL — an
// identity rotation per §4.2 ("resolution reveals a new IDURL for the
// same public key") and §3/§8 (same logical user, new IDURL). old is the
// IDURL the key was last seen under; updated is the new one.
// relay.Router.OnIdentityRotated is the subscriber that migrates a
// route from old to updated, per proxy_router.py's
// _on_identity_url_changed.
type RotationFunc func(old, updated bitdust.IDURL)

// A Cache resolves IDURLs to IdentityDocuments, with an override layer,
// an LRU of fetched documents, and rotation notification. It implements
// bitdust.IdentityCache.
type Cache struct {
	mu        sync.Mutex
	overrides map[bitdust.IDURL]*bitdust.IdentityDocument
	entries   *cache.LRU
	duration  time.Duration
	fetcher   Fetcher
	listeners []RotationFunc
	// byKey tracks, for every public key this Cache has resolved at
	// least once, the most recent IDURL it was seen bound to — the
	// state rotation detection compares a newly stored document against.
	byKey map[bitdust.PublicKey]bitdust.IDURL
}

var _ bitdust.IdentityCache = (*Cache)(nil)

// New returns a Cache that fetches documents not already overridden or
// cached using fetcher. A nil fetcher is allowed for tests that only
// exercise overrides.
func New(fetcher Fetcher) *Cache {
	return &Cache{
		overrides: make(map[bitdust.IDURL]*bitdust.IdentityDocument),
		entries:   cache.NewLRU(1024),
		duration:  defaultDuration,
		fetcher:   fetcher,
		byKey:     make(map[bitdust.PublicKey]bitdust.IDURL),
	}
}

// OnRotation registers f to be called whenever this Cache observes an
// identity rotation.
func (c *Cache) OnRotation(f RotationFunc) {
	c.mu.Lock()
	c.listeners = append(c.listeners, f)
	c.mu.Unlock()
}

// Lookup implements bitdust.IdentityCache.
func (c *Cache) Lookup(ctx context.Context, idurl bitdust.IDURL) (*bitdust.IdentityDocument, error) {
	const op = "idn.Lookup"

	c.mu.Lock()
	if doc, ok := c.overrides[idurl]; ok {
		c.mu.Unlock()
		return doc, nil
	}
	if v, ok := c.entries.Get(idurl); ok {
		e := v.(*cacheEntry)
		if !time.Now().After(e.expires) {
			c.mu.Unlock()
			return e.doc, nil
		}
		c.entries.Remove(idurl)
	}
	c.mu.Unlock()

	if c.fetcher == nil {
		return nil, errors.E(op, string(idurl), errors.Invalid, errors.Str("no fetcher configured"))
	}
	doc, err := c.fetcher.Fetch(ctx, idurl)
	if err != nil {
		return nil, errors.E(op, string(idurl), errors.Transient, err)
	}
	if err := Verify(doc); err != nil {
		return nil, errors.E(op, string(idurl), errors.Protocol, err)
	}
	c.store(idurl, doc)
	return doc, nil
}

func (c *Cache) store(idurl bitdust.IDURL, doc *bitdust.IdentityDocument) {
	c.mu.Lock()
	old, rotated := c.noteRotationLocked(idurl, doc)
	c.entries.Add(idurl, &cacheEntry{expires: time.Now().Add(c.duration), doc: doc})
	listeners := append([]RotationFunc(nil), c.listeners...)
	c.mu.Unlock()
	if rotated {
		notifyRotation(listeners, old, idurl)
	}
}

// Override implements bitdust.IdentityCache: it installs doc as the
// answer for idurl, bypassing both the LRU and the fetcher, until
// ClearOverride is called.
func (c *Cache) Override(idurl bitdust.IDURL, doc *bitdust.IdentityDocument) {
	c.mu.Lock()
	old, rotated := c.noteRotationLocked(idurl, doc)
	c.overrides[idurl] = doc
	listeners := append([]RotationFunc(nil), c.listeners...)
	c.mu.Unlock()
	if rotated {
		notifyRotation(listeners, old, idurl)
	}
}

// ClearOverride implements bitdust.IdentityCache.
func (c *Cache) ClearOverride(idurl bitdust.IDURL) {
	c.mu.Lock()
	delete(c.overrides, idurl)
	c.mu.Unlock()
}

// noteRotationLocked records that doc.PublicKey now resolves under idurl,
// and reports whether that key was already known to resolve under a
// different IDURL — a rotation (§4.2: "resolution reveals a new IDURL
// for the same public key"). Caller must hold c.mu.
func (c *Cache) noteRotationLocked(idurl bitdust.IDURL, doc *bitdust.IdentityDocument) (old bitdust.IDURL, rotated bool) {
	prev, ok := c.byKey[doc.PublicKey]
	c.byKey[doc.PublicKey] = idurl
	if ok && prev != idurl {
		return prev, true
	}
	return "", false
}

func notifyRotation(listeners []RotationFunc, old, updated bitdust.IDURL) {
	for _, f := range listeners {
		f(old, updated)
	}
}
