// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package packet implements the Packet and Signed Envelope (§4.1, §6):
// the binary wire format every command on the network is carried in, and
// the Sign/Verify pair that authenticates it. Serialize/Deserialize are
// deterministic — byte-for-byte stable across implementations, which is
// the interoperability contract §6 requires.
package packet

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
)

// A Packet is the envelope every command travels in. OwnerID is the
// logical author of the data carried in Payload; CreatorID is whoever
// last signed the packet (the two differ when a Relay forwards on
// someone else's behalf); RemoteID is the intended next hop. Signature
// covers every other field and is checked against CreatorID's identity.
type Packet struct {
	Command   bitdust.Command
	PacketID  bitdust.PacketID
	OwnerID   bitdust.IDURL
	CreatorID bitdust.IDURL
	RemoteID  bitdust.IDURL
	Payload   []byte
	Signature bitdust.Signature
}

// NewAck builds an unsigned Ack answering requestID, to be signed before
// sending. Ack/Fail always echo the PacketID of the request they answer.
func NewAck(requestID bitdust.PacketID, owner, creator, remote bitdust.IDURL) *Packet {
	return &Packet{
		Command:   bitdust.CommandAck,
		PacketID:  requestID,
		OwnerID:   owner,
		CreatorID: creator,
		RemoteID:  remote,
	}
}

// NewFail builds an unsigned Fail answering requestID, carrying cause
// marshaled as its Payload via the errors package's wire encoding so the
// caller can recover a typed error.
func NewFail(requestID bitdust.PacketID, owner, creator, remote bitdust.IDURL, cause error) *Packet {
	return &Packet{
		Command:   bitdust.CommandFail,
		PacketID:  requestID,
		OwnerID:   owner,
		CreatorID: creator,
		RemoteID:  remote,
		Payload:   errors.MarshalError(cause),
	}
}

// Cause unmarshals a Fail packet's Payload back into an error.
func (p *Packet) Cause() error {
	return errors.UnmarshalError(p.Payload)
}

// Sign computes the hash of p's signable fields and sets p.Signature
// using f's current identity key. p.CreatorID should already name that
// identity; Sign does not set it.
func Sign(f *factotum.Factotum, p *Packet) error {
	const op = "packet.Sign"
	sig, err := f.IdentitySign(signableHash(p))
	if err != nil {
		return errors.E(op, string(p.PacketID), err)
	}
	p.Signature = sig
	return nil
}

// Verify fetches CreatorID's identity through idcache and checks that
// p.Signature is a valid signature of p's signable fields under that
// identity's public key (§4.1's verification contract).
func Verify(ctx context.Context, idcache bitdust.IdentityCache, p *Packet) error {
	const op = "packet.Verify"
	doc, err := idcache.Lookup(ctx, p.CreatorID)
	if err != nil {
		return errors.E(op, string(p.PacketID), string(p.CreatorID), errors.Transient, err)
	}
	if !factotum.Verify(doc.PublicKey, signableHash(p), p.Signature) {
		return errors.E(op, string(p.PacketID), string(p.CreatorID), errors.Protocol, errors.Str("signature does not verify"))
	}
	return nil
}

func signableHash(p *Packet) []byte {
	sum := sha256.Sum256(signableBytes(p))
	return sum[:]
}

// signableBytes returns every field but Signature, in the fixed order §6
// specifies, length-prefixed so that no field boundary is ambiguous.
func signableBytes(p *Packet) []byte {
	var b []byte
	b = append(b, byte(p.Command))
	b = appendString(b, string(p.PacketID))
	b = appendString(b, string(p.OwnerID))
	b = appendString(b, string(p.CreatorID))
	b = appendString(b, string(p.RemoteID))
	b = appendBytes(b, p.Payload)
	return b
}

// Serialize encodes p into its wire form: the signable fields followed
// by the signature. The result is deterministic — two calls on an
// identical Packet always produce identical bytes.
func Serialize(p *Packet) []byte {
	b := signableBytes(p)
	b = appendBigInt(b, p.Signature.R)
	b = appendBigInt(b, p.Signature.S)
	return b
}

// Deserialize decodes the wire form produced by Serialize.
func Deserialize(b []byte) (*Packet, error) {
	const op = "packet.Deserialize"
	if len(b) < 1 {
		return nil, errors.E(op, errors.Protocol, errors.Str("empty packet"))
	}
	p := &Packet{Command: bitdust.Command(b[0])}
	b = b[1:]

	var data []byte
	var err error
	if data, b, err = getString(b); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	p.PacketID = bitdust.PacketID(data)
	if data, b, err = getString(b); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	p.OwnerID = bitdust.IDURL(data)
	if data, b, err = getString(b); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	p.CreatorID = bitdust.IDURL(data)
	if data, b, err = getString(b); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	p.RemoteID = bitdust.IDURL(data)
	if p.Payload, b, err = getString(b); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	var r, s []byte
	if r, b, err = getString(b); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	if s, b, err = getString(b); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	p.Signature = bitdust.Signature{R: bytesToBigInt(r), S: bytesToBigInt(s)}
	if len(b) != 0 {
		return nil, errors.E(op, errors.Protocol, errors.Str("trailing bytes after packet"))
	}
	return p, nil
}

func appendString(b []byte, s string) []byte {
	return appendBytes(b, []byte(s))
}

func appendBytes(b, data []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(data)))
	b = append(b, tmp[:n]...)
	return append(b, data...)
}

func appendBigInt(b []byte, i *big.Int) []byte {
	if i == nil {
		return appendBytes(b, nil)
	}
	return appendBytes(b, i.Bytes())
}

func bytesToBigInt(b []byte) *big.Int {
	if len(b) == 0 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(b)
}

func getString(b []byte) (data, rest []byte, err error) {
	u, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < u {
		return nil, nil, errors.Str("corrupt length-prefixed field")
	}
	return b[n : n+int(u)], b[n+int(u):], nil
}
