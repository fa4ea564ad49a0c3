// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keyring wraps and unwraps the fresh symmetric key each
// encrypted block is sealed with (§3, §4.5). Wrap performs an ECDH
// exchange against the reader's public key and uses the shared point to
// derive an AES-GCM key that seals the per-block key; Unwrap reverses it
// using the local factotum's private scalar. The algorithm is NIST
// 800-56Ar2, the same construction upspin's pack/ee uses for per-file
// keys.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
)

const (
	keyLen    = 32 // AES-256
	nonceSize = 12
)

// Keyring wraps and unwraps session keys for a single identity, using f
// to unwrap (f holds the private scalar) and to hash recipient public
// keys when wrapping.
type Keyring struct {
	f *factotum.Factotum
}

var _ bitdust.Keyring = (*Keyring)(nil)

// New returns a Keyring that unwraps using f's keys.
func New(f *factotum.Factotum) *Keyring {
	return &Keyring{f: f}
}

// Wrap seals key under pub's public key. The result is self-describing:
// ephemeral public point, nonce, and ciphertext, in that order, each
// length-prefixed by a single byte (all three fit comfortably under 256
// bytes for the curves this system uses).
func (kr *Keyring) Wrap(pub bitdust.PublicKey, key []byte) ([]byte, error) {
	const op = "keyring.Wrap"
	recipient, _, err := factotum.ParsePublicKey(pub)
	if err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	curve := recipient.Curve
	if !curve.IsOnCurve(recipient.X, recipient.Y) {
		return nil, errors.E(op, errors.Protocol, errors.Str("public key not on curve"))
	}

	ephemeral, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, errors.E(op, err)
	}
	sx, sy := curve.ScalarMult(recipient.X, recipient.Y, ephemeral.D.Bytes())
	shared := elliptic.Marshal(curve, sx, sy)
	ephemeralPoint := elliptic.Marshal(curve, ephemeral.X, ephemeral.Y)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.E(op, err)
	}
	keyHash := factotum.KeyHash(pub)
	strong, err := deriveKey(shared, keyHash, nonce)
	if err != nil {
		return nil, errors.E(op, err)
	}
	aead, err := newGCM(strong)
	if err != nil {
		return nil, errors.E(op, err)
	}
	ciphertext := aead.Seal(nil, nonce, key, nil)

	var out []byte
	out = appendChunk(out, ephemeralPoint)
	out = appendChunk(out, nonce)
	out = appendChunk(out, ciphertext)
	return out, nil
}

// Unwrap recovers the key Wrap sealed for the identity whose key hash is
// keyHash; keyHash must name a key kr's factotum holds (typically the
// current one, or an archived key kept for older blocks).
func (kr *Keyring) Unwrap(keyHash, wrapped []byte) ([]byte, error) {
	const op = "keyring.Unwrap"
	ephemeralPoint, rest, err := nextChunk(wrapped)
	if err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	nonce, rest, err := nextChunk(rest)
	if err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	ciphertext, rest, err := nextChunk(rest)
	if err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	if len(rest) != 0 {
		return nil, errors.E(op, errors.Protocol, errors.Str("trailing bytes in wrapped key"))
	}

	pub := kr.f.PublicKey(keyHash)
	if pub == "" {
		return nil, errors.E(op, errors.Protocol, errors.Str("no key held for that hash"))
	}
	myPub, _, err := factotum.ParsePublicKey(pub)
	if err != nil {
		return nil, errors.E(op, err)
	}
	ex, ey := elliptic.Unmarshal(myPub.Curve, ephemeralPoint)
	if ex == nil {
		return nil, errors.E(op, errors.Protocol, errors.Str("malformed ephemeral public key"))
	}
	sx, sy, err := kr.f.ScalarMult(keyHash, myPub.Curve, ex, ey)
	if err != nil {
		return nil, errors.E(op, err)
	}
	shared := elliptic.Marshal(myPub.Curve, sx, sy)

	strong, err := deriveKey(shared, keyHash, nonce)
	if err != nil {
		return nil, errors.E(op, err)
	}
	aead, err := newGCM(strong)
	if err != nil {
		return nil, errors.E(op, err)
	}
	key, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.E(op, errors.Protocol, errors.Str("wrapped key does not verify"))
	}
	return key, nil
}

func deriveKey(shared, keyHash, nonce []byte) ([]byte, error) {
	mess := []byte(fmt.Sprintf("bitdust-block-key:%x:%x", keyHash, nonce))
	kdf := hkdf.New(sha256.New, shared, nil, mess)
	strong := make([]byte, keyLen)
	if _, err := io.ReadFull(kdf, strong); err != nil {
		return nil, err
	}
	return strong, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func appendChunk(b, chunk []byte) []byte {
	if len(chunk) > 255 {
		panic("keyring: chunk too large for single-byte length prefix")
	}
	b = append(b, byte(len(chunk)))
	return append(b, chunk...)
}

func nextChunk(b []byte) (chunk, rest []byte, err error) {
	if len(b) < 1 {
		return nil, nil, errors.Str("truncated wrapped key")
	}
	n := int(b[0])
	if len(b)-1 < n {
		return nil, nil, errors.Str("truncated wrapped key")
	}
	return b[1 : 1+n], b[1+n:], nil
}
