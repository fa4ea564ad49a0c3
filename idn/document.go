// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package idn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math/big"
	"net/http"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
)

// wireDocument is the JSON form of an identity document fetched from an
// IDURL. Its field order is irrelevant (JSON is unordered); CanonicalBytes,
// not this struct, defines what gets signed.
type wireDocument struct {
	IDURL     string          `json:"idurl"`
	PublicKey string          `json:"publickey"`
	Contacts  []wireEndpoint  `json:"contacts"`
	Revision  int             `json:"revision"`
	Signature wireSignature   `json:"signature"`
}

type wireEndpoint struct {
	Transport uint8  `json:"transport"`
	NetAddr   string `json:"netaddr"`
}

type wireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
}

// CanonicalBytes returns the deterministic byte encoding of doc's
// signed fields (everything but the Signature itself), in declared
// order, matching the Packet wire format's convention of signing the
// concatenation of fields in fixed order (§6).
func CanonicalBytes(doc *bitdust.IdentityDocument) []byte {
	var b bytes.Buffer
	b.WriteString(string(doc.IDURL))
	b.WriteByte('\n')
	b.WriteString(string(doc.PublicKey))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d\n", doc.Revision)
	for _, c := range doc.Contacts {
		fmt.Fprintf(&b, "%d:%s\n", c.Transport, c.NetAddr)
	}
	return b.Bytes()
}

// Hash returns the SHA-256 digest of doc's canonical bytes: what Sign
// signs and Verify checks.
func Hash(doc *bitdust.IdentityDocument) []byte {
	sum := sha256.Sum256(CanonicalBytes(doc))
	return sum[:]
}

// Sign computes doc's Hash and sets doc.Signature using f's current
// identity key. Call it after setting every other field and before
// publishing or caching the document.
func Sign(f *factotum.Factotum, doc *bitdust.IdentityDocument) error {
	sig, err := f.IdentitySign(Hash(doc))
	if err != nil {
		return errors.E("idn.Sign", string(doc.IDURL), err)
	}
	doc.Signature = sig
	return nil
}

// Verify checks that doc.Signature is a valid signature of doc's
// canonical bytes under doc.PublicKey, i.e. that doc is self-consistent.
// It does not check that doc.PublicKey is the key an IDURL has ever
// actually used before; callers that need that guarantee should compare
// against a previously cached document or an explicit Override.
func Verify(doc *bitdust.IdentityDocument) error {
	const op = "idn.Verify"
	if doc == nil {
		return errors.E(op, errors.Invalid, errors.Str("nil identity document"))
	}
	if !factotum.Verify(doc.PublicKey, Hash(doc), doc.Signature) {
		return errors.E(op, string(doc.IDURL), errors.Protocol, errors.Str("signature does not verify"))
	}
	return nil
}

// HTTPFetcher fetches an identity document by issuing an HTTP GET to the
// IDURL itself, the way a BitDust identity server publishes it.
type HTTPFetcher struct {
	Client *http.Client
}

var _ Fetcher = HTTPFetcher{}

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context, idurl bitdust.IDURL) (*bitdust.IdentityDocument, error) {
	const op = "idn.HTTPFetcher.Fetch"
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(idurl), nil)
	if err != nil {
		return nil, errors.E(op, string(idurl), errors.Invalid, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.E(op, string(idurl), errors.Transient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.E(op, string(idurl), errors.Transient, errors.Errorf("status %s", resp.Status))
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E(op, string(idurl), errors.Transient, err)
	}
	doc, err := unmarshalDocument(body)
	if err != nil {
		return nil, errors.E(op, string(idurl), errors.Protocol, err)
	}
	return doc, nil
}

// MarshalDocument encodes doc as the JSON a BitDust identity server
// serves at its IDURL.
func MarshalDocument(doc *bitdust.IdentityDocument) ([]byte, error) {
	w := wireDocument{
		IDURL:     string(doc.IDURL),
		PublicKey: string(doc.PublicKey),
		Revision:  doc.Revision,
		Signature: wireSignature{R: bigString(doc.Signature.R), S: bigString(doc.Signature.S)},
	}
	for _, c := range doc.Contacts {
		w.Contacts = append(w.Contacts, wireEndpoint{Transport: uint8(c.Transport), NetAddr: string(c.NetAddr)})
	}
	return json.Marshal(w)
}

func unmarshalDocument(b []byte) (*bitdust.IdentityDocument, error) {
	var w wireDocument
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	doc := &bitdust.IdentityDocument{
		IDURL:     bitdust.IDURL(w.IDURL),
		PublicKey: bitdust.PublicKey(w.PublicKey),
		Revision:  w.Revision,
	}
	for _, c := range w.Contacts {
		doc.Contacts = append(doc.Contacts, bitdust.Endpoint{Transport: bitdust.Transport(c.Transport), NetAddr: bitdust.NetAddr(c.NetAddr)})
	}
	r, ok := new(big.Int).SetString(w.Signature.R, 10)
	if !ok {
		return nil, errors.Errorf("invalid signature.r %q", w.Signature.R)
	}
	s, ok := new(big.Int).SetString(w.Signature.S, 10)
	if !ok {
		return nil, errors.Errorf("invalid signature.s %q", w.Signature.S)
	}
	doc.Signature = bitdust.Signature{R: r, S: s}
	return doc, nil
}

func bigString(i *big.Int) string {
	if i == nil {
		return "0"
	}
	return i.String()
}
