// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eccmap implements named erasure-coding layouts (§4.4): a map
// name like "ecc/4x4" fixes D data shards and P parity shards (M = D+P
// total), Reed-Solomon over GF(2^8). A layout is static once named, and
// the name travels with a sealed version as part of its identity, so
// two nodes that agree on the name always encode and decode the same
// way.
package eccmap

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"

	"github.com/klauspost/reedsolomon"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
)

var nameRE = regexp.MustCompile(`^ecc/([1-9][0-9]*)x([1-9][0-9]*)$`)

// A Map is one named erasure-coding layout.
type Map struct {
	name        string
	dataCount   int
	parityCount int
	enc         reedsolomon.Encoder
}

var _ bitdust.ECCMap = (*Map)(nil)

var (
	mu    sync.Mutex
	cache = map[string]*Map{}
)

// Lookup returns the Map named by name, parsing and constructing it on
// first use and reusing it afterward. name must have the form
// "ecc/<D>x<P>".
func Lookup(name string) (*Map, error) {
	mu.Lock()
	defer mu.Unlock()
	if m, ok := cache[name]; ok {
		return m, nil
	}
	m, err := newMap(name)
	if err != nil {
		return nil, err
	}
	cache[name] = m
	return m, nil
}

func newMap(name string) (*Map, error) {
	const op = "eccmap.Lookup"
	parts := nameRE.FindStringSubmatch(name)
	if parts == nil {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("not a recognized ecc map name: %q", name))
	}
	d, _ := strconv.Atoi(parts[1])
	p, _ := strconv.Atoi(parts[2])
	enc, err := reedsolomon.New(d, p)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	return &Map{name: name, dataCount: d, parityCount: p, enc: enc}, nil
}

func (m *Map) Name() string     { return m.name }
func (m *Map) DataCount() int   { return m.dataCount }
func (m *Map) ParityCount() int { return m.parityCount }
func (m *Map) TotalCount() int  { return m.dataCount + m.parityCount }

// FragmentKindAt reports whether the fragment held at supplierPosition
// is a data or a parity shard. The mapping is a pure function of the
// map name alone (§4.4): the first D positions always hold data, the
// remaining P always hold parity, for every block.
func (m *Map) FragmentKindAt(supplierPosition int) bitdust.FragmentKind {
	if supplierPosition < m.dataCount {
		return bitdust.Data
	}
	return bitdust.Parity
}

// Encode splits block into D data shards, padding the last shard with
// zeros as reedsolomon.Split requires, and computes P parity shards
// from them, returning all M shards in supplier-position order.
func (m *Map) Encode(block []byte) ([][]byte, error) {
	const op = "eccmap.Encode"
	shards, err := m.enc.Split(block)
	if err != nil {
		return nil, errors.E(op, m.name, err)
	}
	if err := m.enc.Encode(shards); err != nil {
		return nil, errors.E(op, m.name, err)
	}
	return shards, nil
}

// Decode reconstructs the original block from shards, which must be D+P
// entries in supplier-position order with nil for any fragment not on
// hand; at least D must be present. shardSize is the size of one
// fragment (every fragment present must be exactly this size); dataSize
// is the real length of the decoded block, which the caller supplies
// (backup reads it from the catalog's per-block wire sizes), since the
// last data shard may be zero-padded.
func (m *Map) Decode(shards [][]byte, shardSize, dataSize int) ([]byte, error) {
	const op = "eccmap.Decode"
	present := 0
	cp := make([][]byte, len(shards))
	for i, s := range shards {
		if s != nil {
			if len(s) != shardSize {
				return nil, errors.E(op, m.name, errors.Protocol, errors.Str("fragment size does not match shardSize"))
			}
			present++
		}
		cp[i] = s
	}
	if present < m.dataCount {
		return nil, errors.E(op, m.name, errors.Protocol, errors.Errorf("only %d of %d required fragments present", present, m.dataCount))
	}
	if err := m.enc.Reconstruct(cp); err != nil {
		return nil, errors.E(op, m.name, err)
	}
	var buf bytes.Buffer
	if err := m.enc.Join(&buf, cp, dataSize); err != nil {
		return nil, errors.E(op, m.name, err)
	}
	return buf.Bytes(), nil
}
