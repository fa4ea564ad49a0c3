// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ecblock implements the Encrypted Block (§3, §6): one
// fixed-size chunk of a backup, compressed, sealed under a session key
// fresh to that block, with the session key itself wrapped to whichever
// reader should be able to open it (the customer's own key for a
// self-read, or a collaborator's key when the backup is shared). The
// sealed block is what eccmap splits into supplier fragments.
package ecblock

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io/ioutil"
	"math/big"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
)

const (
	sessionKeyLen  = 32 // AES-256
	gcmNonceSize   = 12
	sessionKeyType = "aes256-gcm"
	headerLines    = 8
)

// A Block is one sealed, compressed chunk of a backup (§3). Length is
// the block's real payload length before any padding a caller applied
// to round it up to the job's configured block size; Open trims the
// decrypted, decompressed bytes back down to it.
type Block struct {
	CreatorID           bitdust.IDURL
	BackupID            string
	BlockNumber         int
	LastBlockFlag       bool
	SessionKeyType      string
	EncryptedSessionKey []byte
	Length              int
	EncryptedPayload    []byte
	Signature           bitdust.Signature
}

// Seal compresses plaintext, encrypts it under a session key generated
// fresh for this block, wraps that session key to readerPub via kr, and
// signs the result with f's current identity key. plaintext may already
// be padded to the job's block size; length is its real, unpadded size.
func Seal(f *factotum.Factotum, kr bitdust.Keyring, readerPub bitdust.PublicKey, creatorID bitdust.IDURL, backupID string, blockNumber int, last bool, length int, plaintext []byte) (*Block, error) {
	const op = "ecblock.Seal"
	compressed, err := compress(plaintext)
	if err != nil {
		return nil, errors.E(op, err)
	}
	sessionKey := make([]byte, sessionKeyLen)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, errors.E(op, err)
	}
	payload, err := sessionEncrypt(sessionKey, compressed)
	if err != nil {
		return nil, errors.E(op, err)
	}
	wrapped, err := kr.Wrap(readerPub, sessionKey)
	if err != nil {
		return nil, errors.E(op, backupID, err)
	}

	b := &Block{
		CreatorID:           creatorID,
		BackupID:            backupID,
		BlockNumber:         blockNumber,
		LastBlockFlag:       last,
		SessionKeyType:      sessionKeyType,
		EncryptedSessionKey: wrapped,
		Length:              length,
		EncryptedPayload:    payload,
	}
	sig, err := f.IdentitySign(signableHash(b))
	if err != nil {
		return nil, errors.E(op, backupID, err)
	}
	b.Signature = sig
	return b, nil
}

// Open unwraps b's session key using keyHash to select the holding
// identity's key, decrypts and decompresses the payload, and trims it
// back to b.Length.
func Open(kr bitdust.Keyring, keyHash []byte, b *Block) ([]byte, error) {
	const op = "ecblock.Open"
	sessionKey, err := kr.Unwrap(keyHash, b.EncryptedSessionKey)
	if err != nil {
		return nil, errors.E(op, b.BackupID, errors.Protocol, err)
	}
	compressed, err := sessionDecrypt(sessionKey, b.EncryptedPayload)
	if err != nil {
		return nil, errors.E(op, b.BackupID, errors.Protocol, err)
	}
	plaintext, err := decompress(compressed)
	if err != nil {
		return nil, errors.E(op, b.BackupID, errors.Protocol, err)
	}
	if b.Length >= 0 && b.Length <= len(plaintext) {
		plaintext = plaintext[:b.Length]
	}
	return plaintext, nil
}

// Verify fetches CreatorID's identity through idcache and checks that
// b.Signature authenticates b's fields under that identity's public key.
func Verify(ctx context.Context, idcache bitdust.IdentityCache, b *Block) error {
	const op = "ecblock.Verify"
	doc, err := idcache.Lookup(ctx, b.CreatorID)
	if err != nil {
		return errors.E(op, b.BackupID, string(b.CreatorID), errors.Transient, err)
	}
	if !factotum.Verify(doc.PublicKey, signableHash(b), b.Signature) {
		return errors.E(op, b.BackupID, string(b.CreatorID), errors.Protocol, errors.Str("signature does not verify"))
	}
	return nil
}

func signableHash(b *Block) []byte {
	sum := sha256.Sum256(signableBytes(b))
	return sum[:]
}

// signableBytes is the canonical, length-prefixed encoding hashed for
// signing. It is distinct from Serialize's wire form, which follows
// §6's literal header-lines layout instead.
func signableBytes(b *Block) []byte {
	var out []byte
	out = appendString(out, string(b.CreatorID))
	out = appendString(out, b.BackupID)
	out = appendUint(out, uint64(b.BlockNumber))
	out = appendUint(out, boolToUint(b.LastBlockFlag))
	out = appendString(out, b.SessionKeyType)
	out = appendBytes(out, b.EncryptedSessionKey)
	out = appendUint(out, uint64(b.Length))
	out = appendBytes(out, b.EncryptedPayload)
	return out
}

// Serialize encodes b into §6's wire form: a fixed sequence of text
// header lines (CreatorID, BackupID, BlockNumber, LastBlockFlag,
// SessionKeyType, base64(EncryptedSessionKey), Length, and the raw byte
// count of EncryptedPayload so a reader knows exactly where the raw
// payload ends) followed by the raw payload bytes and finally the
// signature, length-prefixed the same way packet.Serialize encodes one.
func Serialize(b *Block) []byte {
	lines := []string{
		string(b.CreatorID),
		b.BackupID,
		strconv.Itoa(b.BlockNumber),
		lastBlockFlagLine(b.LastBlockFlag),
		b.SessionKeyType,
		base64.StdEncoding.EncodeToString(b.EncryptedSessionKey),
		strconv.Itoa(b.Length),
		strconv.Itoa(len(b.EncryptedPayload)),
	}
	out := []byte(strings.Join(lines, "\n") + "\n")
	out = append(out, b.EncryptedPayload...)
	out = appendBigInt(out, b.Signature.R)
	out = appendBigInt(out, b.Signature.S)
	return out
}

// Deserialize decodes the wire form produced by Serialize.
func Deserialize(data []byte) (*Block, error) {
	const op = "ecblock.Deserialize"
	lines := make([]string, 0, headerLines)
	rest := data
	for i := 0; i < headerLines; i++ {
		n := bytes.IndexByte(rest, '\n')
		if n < 0 {
			return nil, errors.E(op, errors.Protocol, errors.Str("truncated header"))
		}
		lines = append(lines, string(rest[:n]))
		rest = rest[n+1:]
	}

	blockNumber, err := strconv.Atoi(lines[2])
	if err != nil {
		return nil, errors.E(op, errors.Protocol, errors.Str("bad BlockNumber"))
	}
	last, err := parseLastBlockFlagLine(lines[3])
	if err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(lines[5])
	if err != nil {
		return nil, errors.E(op, errors.Protocol, errors.Str("bad EncryptedSessionKey"))
	}
	length, err := strconv.Atoi(lines[6])
	if err != nil {
		return nil, errors.E(op, errors.Protocol, errors.Str("bad Length"))
	}
	payloadSize, err := strconv.Atoi(lines[7])
	if err != nil || payloadSize < 0 || payloadSize > len(rest) {
		return nil, errors.E(op, errors.Protocol, errors.Str("bad payload size"))
	}

	payload := rest[:payloadSize]
	rest = rest[payloadSize:]

	var r, s []byte
	if r, rest, err = getBytes(rest); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	if s, rest, err = getBytes(rest); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	if len(rest) != 0 {
		return nil, errors.E(op, errors.Protocol, errors.Str("trailing bytes after block"))
	}

	return &Block{
		CreatorID:           bitdust.IDURL(lines[0]),
		BackupID:            lines[1],
		BlockNumber:         blockNumber,
		LastBlockFlag:       last,
		SessionKeyType:      lines[4],
		EncryptedSessionKey: wrapped,
		Length:              length,
		EncryptedPayload:    append([]byte(nil), payload...),
		Signature:           bitdust.Signature{R: bytesToBigInt(r), S: bytesToBigInt(s)},
	}, nil
}

func lastBlockFlagLine(last bool) string {
	if last {
		return "1"
	}
	return "0"
}

func parseLastBlockFlagLine(s string) (bool, error) {
	switch s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, errors.Str("bad LastBlockFlag")
	}
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return ioutil.ReadAll(dec)
}

func sessionEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func sessionDecrypt(key, data []byte) ([]byte, error) {
	if len(data) < gcmNonceSize {
		return nil, errors.Str("encrypted payload shorter than a nonce")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := data[:gcmNonceSize], data[gcmNonceSize:]
	return aead.Open(nil, nonce, ciphertext, nil)
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

func appendUint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
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

func getBytes(b []byte) (data, rest []byte, err error) {
	u, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < u {
		return nil, nil, errors.Str("corrupt length-prefixed field")
	}
	return b[n : n+int(u)], b[n+int(u):], nil
}
