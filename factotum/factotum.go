// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package factotum holds a node's identity private key and performs every
// crypto operation that must not leak the key outside this package: signing
// identity documents and packets, and the scalar multiplication used to
// unwrap a per-share symmetric key addressed to this node (§4.2, §4.5).
//
// A node's IDURL may rotate onto a new key while old backups remain signed
// and wrapped under the previous one; Factotum keeps the current key plus
// any archived keys so old material stays verifiable and unwrappable.
package factotum

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
)

var sig0 bitdust.Signature // for returning nil

// KeyHash returns the hash identifying a public key, used to select among a
// Factotum's current and archived keys when unwrapping data encrypted under
// an older key.
func KeyHash(p bitdust.PublicKey) []byte {
	keyHash := sha256.Sum256([]byte(p))
	return keyHash[:]
}

type factotumKey struct {
	keyHash      []byte
	public       bitdust.PublicKey
	private      string
	ecdsaKeyPair ecdsa.PrivateKey
	curveName    string
}

type keyHashArray [sha256.Size]byte

// A Factotum holds one identity's current signing key plus any keys
// retired by rotation.
type Factotum struct {
	current keyHashArray
	keys    map[keyHashArray]factotumKey
}

// New loads a Factotum from dir, which must contain "public.key" and
// "secret.key" holding the current key pair, and may contain "archive.key"
// holding keys retired by earlier identity rotations.
//
// The archive format is a sequence of blocks "# EE <date>\n<public>\n<private>\n",
// one per retired key, oldest first.
func New(dir string) (*Factotum, error) {
	const op = "factotum.New"
	privBytes, err := ioutil.ReadFile(filepath.Join(dir, "secret.key"))
	if os.IsNotExist(err) {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if err != nil {
		return nil, errors.E(op, errors.Other, err)
	}
	priv := string(privBytes) // parsePrivateKey trims space.
	pubBytes, err := ioutil.ReadFile(filepath.Join(dir, "public.key"))
	if os.IsNotExist(err) {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if err != nil {
		return nil, errors.E(op, errors.Other, err)
	}
	pub := bitdust.PublicKey(pubBytes)
	f, err := fromKeyPair(pub, priv)
	if err != nil {
		return nil, errors.E(op, errors.Errorf("unable to load identity key"), err)
	}

	archive, err := ioutil.ReadFile(filepath.Join(dir, "archive.key"))
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, errors.E(op, err) // archive is best-effort, not fatal
	}
	loadArchive(f, archive)
	return f, nil
}

// fromKeyPair builds a Factotum around a single, current key pair.
func fromKeyPair(public bitdust.PublicKey, private string) (*Factotum, error) {
	pfk, err := fKey(public, private)
	if err != nil {
		return nil, err
	}
	var h keyHashArray
	copy(h[:], pfk.keyHash)
	return &Factotum{
		current: h,
		keys:    map[keyHashArray]factotumKey{h: *pfk},
	}, nil
}

func loadArchive(f *Factotum, s2 []byte) {
	for {
		if len(s2) < 5 || string(s2[:5]) != "# EE " {
			return
		}
		n := bytes.IndexByte(s2, '\n')
		if n < 0 {
			return
		}
		s2 = s2[n+1:]
		n = bytes.IndexByte(s2, '\n')
		if n < 0 {
			return
		}
		j := bytes.IndexByte(s2[n+1:], '\n')
		if j < 0 {
			return
		}
		k := bytes.IndexByte(s2[n+1+j+1:], '\n')
		if k < 0 {
			return
		}
		end := n + 1 + j + 1 + k + 1
		pub := bitdust.PublicKey(s2[:end])
		s2 = s2[end:]
		n = bytes.IndexByte(s2, '\n')
		if n < 0 {
			return
		}
		priv := string(s2[:n])
		s2 = s2[n+1:]

		pfk, err := fKey(pub, priv)
		if err != nil {
			return
		}
		var h keyHashArray
		copy(h[:], pfk.keyHash)
		if _, ok := f.keys[h]; ok {
			continue
		}
		f.keys[h] = *pfk
	}
}

func fKey(pub bitdust.PublicKey, priv string) (*factotumKey, error) {
	ePublicKey, curveName, err := ParsePublicKey(pub)
	if err != nil {
		return nil, err
	}
	ecdsaKeyPair, err := parsePrivateKey(ePublicKey, priv)
	if err != nil {
		return nil, err
	}
	return &factotumKey{
		keyHash:      KeyHash(pub),
		public:       pub,
		private:      priv,
		ecdsaKeyPair: *ecdsaKeyPair,
		curveName:    curveName,
	}, nil
}

// PacketSign ECDSA-signs the fields that authenticate one Packet's payload
// (§6): its PacketID, the wrapped-key material dkey carried alongside it,
// and the hash of its cleartext payload.
func (f Factotum) PacketSign(id bitdust.PacketID, timestamp int64, dkey, hash []byte) (bitdust.Signature, error) {
	fk := f.keys[f.current]
	r, s, err := ecdsa.Sign(rand.Reader, &fk.ecdsaKeyPair, VerHash(fk.curveName, id, timestamp, dkey, hash))
	if err != nil {
		return sig0, err
	}
	return bitdust.Signature{R: r, S: s}, nil
}

// ScalarMult is the bare private-key operator used to unwrap a per-share
// symmetric key that was ECDH-wrapped to one of this Factotum's public
// keys (§4.5). keyHash selects which key, so data wrapped under a retired
// key remains unwrappable after rotation.
func (f Factotum) ScalarMult(keyHash []byte, curve elliptic.Curve, x, y *big.Int) (sx, sy *big.Int, err error) {
	var h keyHashArray
	copy(h[:], keyHash)
	fk, ok := f.keys[h]
	if !ok {
		err = errors.E("factotum.ScalarMult", errors.Invalid, errors.Errorf("no such key %x", keyHash))
		return
	}
	sx, sy = curve.ScalarMult(x, y, fk.ecdsaKeyPair.D.Bytes())
	return
}

// IdentitySign signs the canonical byte encoding of an identity document,
// authenticating the binding between an IDURL and its public key (§4.2).
func (f Factotum) IdentitySign(hash []byte) (bitdust.Signature, error) {
	fk := f.keys[f.current]
	r, s, err := ecdsa.Sign(rand.Reader, &fk.ecdsaKeyPair, hash)
	if err != nil {
		return sig0, err
	}
	return bitdust.Signature{R: r, S: s}, nil
}

// PublicKey returns the public key with the given keyHash, or the current
// key if keyHash is empty.
func (f Factotum) PublicKey(keyHash []byte) bitdust.PublicKey {
	if len(keyHash) == 0 {
		return f.keys[f.current].public
	}
	var h keyHashArray
	copy(h[:], keyHash)
	fk, ok := f.keys[h]
	if !ok {
		return bitdust.PublicKey("")
	}
	return fk.public
}

// VerHash computes the hash signed by PacketSign and checked by Verify.
func VerHash(curveName string, id bitdust.PacketID, timestamp int64, dkey, cipherSum []byte) []byte {
	b := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%x:%x", curveName, id, timestamp, dkey, cipherSum)))
	return b[:]
}

// Verify reports whether sig is a valid ECDSA signature of hash under pub.
// Unlike PacketSign and IdentitySign, Verify needs no private key, so any
// node holding a peer's identity document can check packets and documents
// signed by that peer.
func Verify(pub bitdust.PublicKey, hash []byte, sig bitdust.Signature) bool {
	ePublicKey, _, err := ParsePublicKey(pub)
	if err != nil || sig.IsZero() {
		return false
	}
	return ecdsa.Verify(ePublicKey, hash, sig.R, sig.S)
}

// parsePrivateKey returns an ECDSA private key given its matching public
// key and a decimal string encoding of the private scalar D.
func parsePrivateKey(publicKey *ecdsa.PublicKey, privateKey string) (priv *ecdsa.PrivateKey, err error) {
	privateKey = strings.TrimSpace(privateKey)
	var d big.Int
	if err = d.UnmarshalText([]byte(privateKey)); err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *publicKey, D: &d}, nil
}

// ParsePublicKey parses the wire representation of a public key
// ("<curve-name>\n<x>\n<y>\n") into an ECDSA public key, returning the
// curve name alongside it since it must be echoed back into VerHash.
func ParsePublicKey(public bitdust.PublicKey) (*ecdsa.PublicKey, string, error) {
	fields := strings.Split(string(public), "\n")
	if len(fields) != 4 { // terminating \n leaves a trailing empty field
		return nil, "", errors.E("factotum.ParsePublicKey", errors.Invalid,
			errors.Errorf("expected keytype, two big ints and a newline; got %d fields", len(fields)))
	}
	keyType := fields[0]
	var x, y big.Int
	if _, ok := x.SetString(fields[1], 10); !ok {
		return nil, "", errors.E("factotum.ParsePublicKey", errors.Invalid, errors.Errorf("%s is not a big int", fields[1]))
	}
	if _, ok := y.SetString(fields[2], 10); !ok {
		return nil, "", errors.E("factotum.ParsePublicKey", errors.Invalid, errors.Errorf("%s is not a big int", fields[2]))
	}

	var curve elliptic.Curve
	switch keyType {
	case "p256":
		curve = elliptic.P256()
	case "p384":
		curve = elliptic.P384()
	case "p521":
		curve = elliptic.P521()
	default:
		return nil, "", errors.E("factotum.ParsePublicKey", errors.Invalid, errors.Errorf("unknown key type %q", keyType))
	}
	return &ecdsa.PublicKey{Curve: curve, X: &x, Y: &y}, keyType, nil
}
