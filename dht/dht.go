// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dht defines the minimal DHT surface the core consumes (§6):
// a random key, a node lookup, and a rule-validated get/set against an
// opaque key-value namespace. The core treats the DHT as best-effort —
// every method here can fail transiently and callers (finder, fleet)
// are expected to retry or move on rather than treat a DHT error as
// fatal. This package never implements Kademlia routing or gossip
// itself; that is explicitly out of scope (spec.md §1 Non-goals, "DHT
// internals"). Memory is an in-process stand-in used by tests and by
// single-node deployments that have no real network to walk.
package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
)

// A Rule names a server-side validator applied to a Get or Set, such as
// "skip_validation" or "supplier_relations" (§6). Rules are opaque
// tokens as far as this package is concerned; a real DHT node
// interprets them, Memory's validators are a local stand-in used only
// by tests that want to exercise rule rejection.
type Rule string

const (
	SkipValidation    Rule = "skip_validation"
	SupplierRelations Rule = "supplier_relations"
)

// A Validator checks a prospective value for a key before Memory
// accepts a Set naming its Rule, or before it returns a value from Get.
type Validator func(key string, value []byte) error

// Client is the DHT surface the core consumes (§6): random_key,
// find_node, get and set.
type Client interface {
	// RandomKey returns a key drawn from the DHT's own keyspace, used
	// by finder's random walk to seed a lookup.
	RandomKey(ctx context.Context) (string, error)
	// FindNode returns the Endpoints of nodes the DHT believes are
	// closest to key, best candidates first.
	FindNode(ctx context.Context, key string) ([]bitdust.Endpoint, error)
	// Get retrieves the value stored at key, subject to rules.
	Get(ctx context.Context, key string, rules ...Rule) ([]byte, error)
	// Set stores value at key until expire elapses (zero means no
	// expiry), subject to rules.
	Set(ctx context.Context, key string, value []byte, expire time.Duration, rules ...Rule) error
}

var _ Client = (*Memory)(nil)

type record struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Memory is an in-process Client backed by a map, with an optional
// per-Rule Validator registry. It has no notion of network distance:
// FindNode ranks its registered nodes by a simple prefix-match score
// against key rather than a real XOR metric, which is adequate for
// exercising finder's retry loop without modeling Kademlia routing.
type Memory struct {
	mu         sync.Mutex
	rand       func() string
	records    map[string]record
	nodes      map[bitdust.IDURL][]bitdust.Endpoint
	validators map[Rule]Validator
}

// NewMemory returns an empty Memory. randomKey generates the value
// RandomKey returns; tests typically supply a deterministic sequence.
func NewMemory(randomKey func() string) *Memory {
	return &Memory{
		rand:       randomKey,
		records:    make(map[string]record),
		nodes:      make(map[bitdust.IDURL][]bitdust.Endpoint),
		validators: make(map[Rule]Validator),
	}
}

// UseValidator registers a Validator for rule; Get and Set calls
// naming rule run it against the stored or proposed value.
func (m *Memory) UseValidator(rule Rule, v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[rule] = v
}

// Register adds idurl as a DHT node reachable at endpoints, so it can
// be returned by FindNode.
func (m *Memory) Register(idurl bitdust.IDURL, endpoints ...bitdust.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[idurl] = append([]bitdust.Endpoint(nil), endpoints...)
}

// RandomKey implements Client.
func (m *Memory) RandomKey(ctx context.Context) (string, error) {
	const op = "dht.Memory.RandomKey"
	if m.rand == nil {
		return "", errors.E(op, errors.Invalid, errors.Str("no random key source configured"))
	}
	return m.rand(), nil
}

// FindNode implements Client. It returns every registered node's
// Endpoints, ordered by a prefix-match score against key (closest
// first); it is a deliberately crude stand-in for a real routing
// table's XOR-distance ranking.
func (m *Memory) FindNode(ctx context.Context, key string) ([]bitdust.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type scored struct {
		idurl bitdust.IDURL
		score int
	}
	var ranked []scored
	for idurl := range m.nodes {
		ranked = append(ranked, scored{idurl, commonPrefixLen(string(idurl), key)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].idurl < ranked[j].idurl
	})
	var out []bitdust.Endpoint
	for _, r := range ranked {
		out = append(out, m.nodes[r.idurl]...)
	}
	return out, nil
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// Get implements Client.
func (m *Memory) Get(ctx context.Context, key string, rules ...Rule) ([]byte, error) {
	const op = "dht.Memory.Get"
	m.mu.Lock()
	rec, ok := m.records[key]
	validators := m.collectValidators(rules)
	m.mu.Unlock()
	if !ok {
		return nil, errors.E(op, key, errors.Invalid, errors.Str("not found"))
	}
	if !rec.expires.IsZero() && !timeNow().Before(rec.expires) {
		m.mu.Lock()
		delete(m.records, key)
		m.mu.Unlock()
		return nil, errors.E(op, key, errors.Invalid, errors.Str("expired"))
	}
	for _, v := range validators {
		if err := v(key, rec.value); err != nil {
			return nil, errors.E(op, key, errors.Invalid, err)
		}
	}
	return rec.value, nil
}

// Set implements Client.
func (m *Memory) Set(ctx context.Context, key string, value []byte, expire time.Duration, rules ...Rule) error {
	const op = "dht.Memory.Set"
	m.mu.Lock()
	validators := m.collectValidators(rules)
	m.mu.Unlock()
	for _, v := range validators {
		if err := v(key, value); err != nil {
			return errors.E(op, key, errors.Invalid, err)
		}
	}
	var expires time.Time
	if expire > 0 {
		expires = timeNow().Add(expire)
	}
	m.mu.Lock()
	m.records[key] = record{value: append([]byte(nil), value...), expires: expires}
	m.mu.Unlock()
	return nil
}

func (m *Memory) collectValidators(rules []Rule) []Validator {
	var out []Validator
	for _, r := range rules {
		if v, ok := m.validators[r]; ok {
			out = append(out, v)
		}
	}
	return out
}

// timeNow is a var so tests can override it; production code always
// uses the real wall clock.
var timeNow = time.Now
