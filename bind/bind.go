// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bind is the global binding switch: it lets a component reach a
// Session by Endpoint without knowing which Dialer produced it,
// and lets module-level singletons (the node's IdentityCache, its
// Keyring) be registered once at startup and looked up anywhere, instead
// of threaded through every constructor.
package bind

import (
	"context"
	"fmt"
	"sync"

	"bitdust.io/bitdust/bitdust"
)

// A Dialer produces a Session bound to one Endpoint. session.Gateway
// implements it; a Dialer serves the Transport it is registered for with
// RegisterDialer.
type Dialer interface {
	Dial(ctx context.Context, e bitdust.Endpoint) (bitdust.Session, error)
}

const allowOverwrite = true // for documentation purposes

var (
	mu sync.Mutex

	dialers = make(map[bitdust.Transport]Dialer)
	cache   = make(map[bitdust.Endpoint]bitdust.Session)

	identityCache bitdust.IdentityCache
	keyring       bitdust.Keyring
)

// RegisterDialer registers the Dialer for transport. There must be no
// previous registration.
func RegisterDialer(transport bitdust.Transport, d Dialer) error {
	return registerDialer(transport, d, !allowOverwrite)
}

// ReregisterDialer replaces the Dialer for transport.
func ReregisterDialer(transport bitdust.Transport, d Dialer) error {
	return registerDialer(transport, d, allowOverwrite)
}

func registerDialer(transport bitdust.Transport, d Dialer, allowOverwrite bool) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := dialers[transport]; ok && !allowOverwrite {
		return fmt.Errorf("bind: dialer already registered for transport %v", transport)
	}
	dialers[transport] = d
	return nil
}

// Session returns a live Session bound to e, dialing and caching one if
// none is cached yet.
func Session(ctx context.Context, e bitdust.Endpoint) (bitdust.Session, error) {
	mu.Lock()
	if s, ok := cache[e]; ok {
		mu.Unlock()
		return s, nil
	}
	d, ok := dialers[e.Transport]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bind: no dialer registered for transport %v", e.Transport)
	}

	s, err := d.Dial(ctx, e)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if s2, ok := cache[e]; ok {
		// Lost a race with a concurrent dial; keep the winner, drop ours.
		s.Close()
		return s2, nil
	}
	cache[e] = s
	return s, nil
}

// Release closes a Session bound to e and removes it from the cache.
func Release(e bitdust.Endpoint) error {
	mu.Lock()
	defer mu.Unlock()
	s, ok := cache[e]
	if !ok {
		return fmt.Errorf("bind: no session cached for endpoint %v", e)
	}
	delete(cache, e)
	return s.Close()
}

// RegisterIdentityCache installs the node's single IdentityCache. There
// must be no previous registration.
func RegisterIdentityCache(c bitdust.IdentityCache) error {
	mu.Lock()
	defer mu.Unlock()
	if identityCache != nil {
		return fmt.Errorf("bind: identity cache already registered")
	}
	identityCache = c
	return nil
}

// IdentityCache returns the registered IdentityCache, or nil if none has
// been registered yet.
func IdentityCache() bitdust.IdentityCache {
	mu.Lock()
	defer mu.Unlock()
	return identityCache
}

// RegisterKeyring installs the node's single Keyring. There must be no
// previous registration.
func RegisterKeyring(k bitdust.Keyring) error {
	mu.Lock()
	defer mu.Unlock()
	if keyring != nil {
		return fmt.Errorf("bind: keyring already registered")
	}
	keyring = k
	return nil
}

// Keyring returns the registered Keyring, or nil if none has been
// registered yet.
func Keyring() bitdust.Keyring {
	mu.Lock()
	defer mu.Unlock()
	return keyring
}
