// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bitdust defines the core types shared by every component of the
// distributed storage pipeline: identities, packets, endpoints and the
// signature type used to authenticate them. Other packages build services
// (Session, Catalog, ECCMap, ...) on top of these types; this package holds
// no logic of its own, only the vocabulary.
package bitdust

import (
	"context"
	"crypto/elliptic"
	"math/big"
)

// An IDURL is the stable logical address of a node, for example
// "https://id.bitdust.io/alice.xml". It resolves, through an IdentityCache,
// to an IdentityDocument. The same logical user may be assigned a new IDURL
// over its lifetime (rotation); callers that key state by IDURL must accept
// both the original and the most recently observed form.
type IDURL string

// A KeyAlias names a key namespace within an identity: "master" for the
// customer's own key, or a share/group alias for keys minted to grant
// others access to a subtree of the catalog.
type KeyAlias string

// MasterKey is the reserved alias for a customer's own key namespace.
const MasterKey KeyAlias = "master"

// A GlobalID is the composite addressing tuple binding a key namespace to an
// identity and, optionally, a path inside that identity's catalog. Its wire
// form is "key_alias$user@host:path".
type GlobalID struct {
	Alias KeyAlias
	User  string // local part of the owning identity, e.g. "alice"
	Host  string // identity server host, e.g. "id.bitdust.io"
	Path  string // catalog-relative path, may be empty
}

// Transport identifies the realm in which an Endpoint's NetAddr is to be
// interpreted.
type Transport uint8

const (
	// Unassigned is the zero value: a connection that refuses every
	// operation. Useful for components that must prove they never reach
	// a live service.
	Unassigned Transport = iota
	// InProcess indicates a service living in the same process, used by
	// tests and by the local supplier-side store.
	InProcess
	// Remote indicates a session reached through the Gateway over a
	// concrete wire transport (TCP, UDP or HTTP); see the session package.
	Remote
	// Relayed indicates a session reached only indirectly, through a
	// relay.Router acting on the peer's behalf.
	Relayed
)

// A NetAddr is the address of a service, interpreted according to its
// Endpoint's Transport.
type NetAddr string

// An Endpoint identifies a specific instance of a service.
type Endpoint struct {
	Transport Transport
	NetAddr   NetAddr
}

// A Reference identifies a stored item within a StoreServer-like service,
// such as one ECC fragment held by a supplier.
type Reference string

// Signature is an ECDSA signature over a deterministic byte encoding of the
// value it authenticates (a Packet, an EncryptedBlock, an IdentityDocument).
type Signature struct {
	R, S *big.Int
}

// A PublicKey is the textual encoding of an ECDSA public key, in the form
// "<curve-name>\n<x>\n<y>\n" (decimal big integers, one per line). It is
// the form stored in an identity document and exchanged on the wire.
type PublicKey string

// A PacketID uniquely identifies a Packet within a node and is echoed back
// in the Ack/Fail that answers it. For data segments it follows the grammar
// "customer_global_id/path_id/version_tag/block_number-supplier_position-kind".
type PacketID string

// IsZero reports whether the signature has never been set.
func (s Signature) IsZero() bool {
	return s.R == nil || s.S == nil || (s.R.Sign() == 0 && s.S.Sign() == 0)
}

// Curve is the elliptic curve used for all identity and session keys.
// BitDust nodes of different curve strengths may coexist; the curve is
// recorded alongside the public key in the identity document.
var Curve = elliptic.P256()

// Command identifies the kind of a Packet. The numeric values are part of
// the wire format (§6) and must never be renumbered once deployed.
type Command uint8

// Commands used by the storage and relay core. Additional commands (chat,
// group messaging, friend requests) are out of scope and are never produced
// or consumed by this module, but their byte values are reserved so that a
// BitDust node speaking the full protocol and one speaking only this core
// remain wire-compatible.
const (
	CommandUnknown Command = iota
	CommandIdentity
	CommandAck
	CommandFail
	CommandRequestService
	CommandCancelService
	CommandData
	CommandRetrieve
	CommandListFiles
	CommandFiles
	CommandDeleteFile
	CommandDeleteBackup
	CommandRelay
	CommandMessage
)

func (c Command) String() string {
	switch c {
	case CommandIdentity:
		return "Identity"
	case CommandAck:
		return "Ack"
	case CommandFail:
		return "Fail"
	case CommandRequestService:
		return "RequestService"
	case CommandCancelService:
		return "CancelService"
	case CommandData:
		return "Data"
	case CommandRetrieve:
		return "Retrieve"
	case CommandListFiles:
		return "ListFiles"
	case CommandFiles:
		return "Files"
	case CommandDeleteFile:
		return "DeleteFile"
	case CommandDeleteBackup:
		return "DeleteBackup"
	case CommandRelay:
		return "Relay"
	case CommandMessage:
		return "Message"
	}
	return "Unknown"
}

// Well-known service names carried as the payload of RequestService and
// CancelService packets.
const (
	ServiceSupplier = "service_supplier"
	ServiceProxy    = "service_proxy_server"
)

// FragmentKind distinguishes a data shard of an ECC-encoded block from a
// parity shard. It appears in the PacketID grammar for backup segments
// (§6) and in the Backup Matrix (§3).
type FragmentKind uint8

const (
	Data FragmentKind = iota
	Parity
)

func (k FragmentKind) String() string {
	if k == Parity {
		return "Parity"
	}
	return "Data"
}

// ParseFragmentKind parses the "Data"/"Parity" token used in the PacketID
// grammar for segments.
func ParseFragmentKind(s string) (FragmentKind, bool) {
	switch s {
	case "Data":
		return Data, true
	case "Parity":
		return Parity, true
	}
	return 0, false
}

// An IdentityDocument is the signed binding between an IDURL and a public
// key plus the Endpoints at which that identity can presently be reached
// (§4.2). Identity rotation replaces a node's IdentityDocument wholesale;
// the IdentityCache is what lets the rest of the system keep referring to
// the node by its (possibly stale) IDURL across such a change.
type IdentityDocument struct {
	IDURL     IDURL
	PublicKey PublicKey
	Contacts  []Endpoint
	Revision  int
	Signature Signature
}

// An IdentityCache resolves an IDURL to its current IdentityDocument,
// fetching over the network and caching as needed. Override lets a
// component (notably relay.Router, mirroring proxy_router.py's
// identitycache.OverrideIdentity) substitute a document it already holds
// in hand without waiting for a fetch, until ClearOverride removes it.
type IdentityCache interface {
	Lookup(ctx context.Context, idurl IDURL) (*IdentityDocument, error)
	Override(idurl IDURL, doc *IdentityDocument)
	ClearOverride(idurl IDURL)
}

// A Session moves already-signed, already-serialized packets to and from
// one IDURL, over whatever Transport its Endpoint names; it does not
// interpret the payload. The session package implements this over a
// pool of per-peer connections; tests may substitute an in-process stub.
type Session interface {
	Send(ctx context.Context, to IDURL, payload []byte) error
	Close() error
}

// An ECCMap encodes one customer data block into M fragments (D data +
// P parity, M = D+P) and decodes any D of them back into the original
// block (§4.4).
type ECCMap interface {
	Name() string
	DataCount() int
	ParityCount() int
	// FragmentKindAt reports whether supplierPosition carries a data or
	// parity shard; it is a pure function of the map name (§4.4).
	FragmentKindAt(supplierPosition int) FragmentKind
	Encode(block []byte) (shards [][]byte, err error)
	Decode(shards [][]byte, shardSize, dataSize int) ([]byte, error)
}

// A Keyring wraps and unwraps the per-share symmetric keys that protect
// catalog subtrees (§4.5): Wrap addresses a key to a recipient's public
// key, Unwrap recovers it using one of this node's own private keys,
// selected by keyHash.
type Keyring interface {
	Wrap(pub PublicKey, key []byte) ([]byte, error)
	Unwrap(keyHash []byte, wrapped []byte) ([]byte, error)
}

// A Catalog is one customer's versioned file-system tree (§4.5):
// ToID/ToPath convert between a catalog-relative path and the path_id
// that addresses it in the tree and in PacketID segments.
type Catalog interface {
	ToID(path string) (pathID string, ok bool)
	ToPath(pathID string) (path string, ok bool)
}

// A SupplierConnector is the per (customer, supplier) connection state
// machine (§4.8): it owns the RequestService/CancelService handshake and
// reports whether the supplier currently holds a service slot for us.
type SupplierConnector interface {
	IDURL() IDURL
	Connected() bool
}
