// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package relay implements the Relay Router (§4.12): a store-and-
// forward overlay that lets a node behind NAT appear at a stable
// identity by re-encrypting and re-signing packets on its registered
// clients' behalf. Grounded directly on
// original_source/transport/proxy/proxy_router.py.
package relay

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
	"bitdust.io/bitdust/log"
	"bitdust.io/bitdust/packet"
)

// DefaultMaxRoutes is proxy_router.py's _MaxRoutesNumber default.
const DefaultMaxRoutes = 100

const gcmNonceSize = 12

// A RouteInfo is one registered client's route state (§3 Route).
type RouteInfo struct {
	Identity    *bitdust.IdentityDocument
	PublicKey   bitdust.PublicKey
	LastAddress bitdust.Endpoint
	CreatedAt   time.Time
}

// Router owns the registered client set and forwards packets on their
// behalf. It is not itself a Session: Sender is the outward-facing
// transport the router uses to reach both its clients and the wider
// network, reusing bitdust.Session's existing Send(ctx, to, payload)
// contract rather than declaring a new one.
type Router struct {
	SelfID    bitdust.IDURL
	Factotum  *factotum.Factotum
	Keyring   bitdust.Keyring
	IDCache   bitdust.IdentityCache
	Sender    bitdust.Session
	Inbox     InboxFunc
	MaxRoutes int

	mu          sync.Mutex
	routes      map[bitdust.IDURL]*RouteInfo
	pendingAcks map[bitdust.PacketID]bitdust.IDURL // kept per SUPPLEMENTED FEATURES: proxy_router.py's self.acks
}

// An InboxFunc delivers a packet addressed to the router itself (To ==
// SelfID after unwrapping a routed-outbound Relay packet) to whatever
// inbox pipeline the caller has configured.
type InboxFunc func(ctx context.Context, p *packet.Packet) error

// New creates an empty Router.
func New(selfID bitdust.IDURL, f *factotum.Factotum, kr bitdust.Keyring, idcache bitdust.IdentityCache, sender bitdust.Session) *Router {
	return &Router{
		SelfID:      selfID,
		Factotum:    f,
		Keyring:     kr,
		IDCache:     idcache,
		Sender:      sender,
		MaxRoutes:   DefaultMaxRoutes,
		routes:      make(map[bitdust.IDURL]*RouteInfo),
		pendingAcks: make(map[bitdust.PacketID]bitdust.IDURL),
	}
}

func (r *Router) maxRoutes() int {
	if r.MaxRoutes > 0 {
		return r.MaxRoutes
	}
	return DefaultMaxRoutes
}

// Routes returns the idurls currently registered.
func (r *Router) Routes() []bitdust.IDURL {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bitdust.IDURL, 0, len(r.routes))
	for id := range r.routes {
		out = append(out, id)
	}
	return out
}

// relayEnvelope is the inner JSON record carried, AES-GCM-encrypted and
// session-key-wrapped, as the Payload of a Command==Relay packet.
type relayEnvelope struct {
	From    bitdust.IDURL
	To      bitdust.IDURL
	Wide    bool
	Payload []byte // a packet.Serialize'd, signed Packet
}

// ackPayload is the JSON carried as a RequestService/CancelService
// Ack's Payload: the accepted/rejected outcome plus, per §4.12, whether
// the accept should be treated as "wide" — forwarded onward to every
// contact the router knows of rather than one targeted address.
type ackPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Wide   bool   `json:"wide,omitempty"`
}

func encodeAck(p ackPayload) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		panic("relay: ackPayload failed to marshal: " + err.Error())
	}
	return b
}

// AckOutcome is a RequestService/CancelService Ack's Payload, decoded.
type AckOutcome struct {
	Accepted bool
	Reason   string
	Wide     bool
}

// DecodeAck parses payload as produced by HandleRequestService or
// HandleCancelService.
func DecodeAck(payload []byte) (AckOutcome, error) {
	var p ackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return AckOutcome{}, err
	}
	return AckOutcome{Accepted: p.Status == "accepted", Reason: p.Reason, Wide: p.Wide}, nil
}

// A WideSender is a Sender that can also broadcast a packet to every
// contact it knows of instead of one targeted address — §4.12's "send
// outward wide-or-not per flag". Senders that don't implement it (most
// test stubs) fall back to a regular targeted Send.
type WideSender interface {
	SendWide(ctx context.Context, to bitdust.IDURL, payload []byte) error
}

// send dispatches payload to to, honoring wide when r.Sender supports it.
func (r *Router) send(ctx context.Context, to bitdust.IDURL, payload []byte, wide bool) error {
	if wide {
		if w, ok := r.Sender.(WideSender); ok {
			return w.SendWide(ctx, to, payload)
		}
	}
	return r.Sender.Send(ctx, to, payload)
}

// HandleRequestService answers an inbound RequestService("service_proxy_server")
// from a prospective client: verify its identity, verify creator==owner,
// register a route if capacity allows, override the identity cache with
// a router-provided identity, and return an Ack(accepted) or Ack(rejected).
func (r *Router) HandleRequestService(ctx context.Context, req *packet.Packet) (*packet.Packet, error) {
	const op = "relay.Router.HandleRequestService"
	if req.CreatorID != req.OwnerID {
		return r.reject(req, "creator does not match owner")
	}
	doc, err := r.IDCache.Lookup(ctx, req.OwnerID)
	if err != nil {
		return nil, errors.E(op, string(req.OwnerID), errors.Transient, err)
	}

	r.mu.Lock()
	_, already := r.routes[req.OwnerID]
	full := len(r.routes) >= r.maxRoutes() && !already
	if full {
		r.mu.Unlock()
		return r.reject(req, "router at capacity")
	}
	r.routes[req.OwnerID] = &RouteInfo{
		Identity:  doc,
		PublicKey: doc.PublicKey,
		CreatedAt: timeNow(),
	}
	r.mu.Unlock()

	r.IDCache.Override(req.OwnerID, &bitdust.IdentityDocument{
		IDURL:     req.OwnerID,
		PublicKey: doc.PublicKey,
		Contacts:  []bitdust.Endpoint{{Transport: bitdust.Relayed, NetAddr: bitdust.NetAddr(r.SelfID)}},
		Revision:  doc.Revision,
	})

	ack := packet.NewAck(req.PacketID, req.OwnerID, r.SelfID, req.OwnerID)
	ack.Payload = encodeAck(ackPayload{Status: "accepted", Wide: true})
	if err := packet.Sign(r.Factotum, ack); err != nil {
		return nil, errors.E(op, err)
	}
	return ack, nil
}

func (r *Router) reject(req *packet.Packet, reason string) (*packet.Packet, error) {
	const op = "relay.Router.reject"
	fail := packet.NewAck(req.PacketID, req.OwnerID, r.SelfID, req.OwnerID)
	fail.Payload = encodeAck(ackPayload{Status: "rejected", Reason: reason})
	if err := packet.Sign(r.Factotum, fail); err != nil {
		return nil, errors.E(op, err)
	}
	log.Debug.Printf("relay: rejected RequestService from %s: %s", req.OwnerID, reason)
	return fail, nil
}

// HandleCancelService drops a registered client's route and clears its
// identity cache override.
func (r *Router) HandleCancelService(ctx context.Context, req *packet.Packet) (*packet.Packet, error) {
	const op = "relay.Router.HandleCancelService"
	r.mu.Lock()
	delete(r.routes, req.OwnerID)
	r.mu.Unlock()
	r.IDCache.ClearOverride(req.OwnerID)

	ack := packet.NewAck(req.PacketID, req.OwnerID, r.SelfID, req.OwnerID)
	ack.Payload = encodeAck(ackPayload{Status: "accepted"})
	if err := packet.Sign(r.Factotum, ack); err != nil {
		return nil, errors.E(op, err)
	}
	return ack, nil
}

// OnSessionDisconnected implements "session loss of a client triggers
// routed-session-disconnected, which removes the route and override".
func (r *Router) OnSessionDisconnected(client bitdust.IDURL) {
	r.mu.Lock()
	_, ok := r.routes[client]
	delete(r.routes, client)
	r.mu.Unlock()
	if ok {
		r.IDCache.ClearOverride(client)
	}
}

// HandleRelay processes an inbound packet whose Command is Relay and
// whose CreatorID is a registered client: "routed outbound". It
// unwraps the inner encrypted envelope, verifies the inner packet's
// signature, and either delivers it locally (To == SelfID), re-enters
// it as routed inbound for another registered client, or sends it
// outward toward To.
func (r *Router) HandleRelay(ctx context.Context, outer *packet.Packet) error {
	const op = "relay.Router.HandleRelay"
	r.mu.Lock()
	_, ok := r.routes[outer.CreatorID]
	r.mu.Unlock()
	if !ok {
		return errors.E(op, string(outer.CreatorID), errors.Protocol, errors.Str("relay from unregistered client"))
	}

	env, err := r.decryptEnvelope(outer.Payload)
	if err != nil {
		return errors.E(op, errors.Protocol, err)
	}

	inner, err := packet.Deserialize(env.Payload)
	if err != nil {
		return errors.E(op, errors.Protocol, err)
	}
	if err := packet.Verify(ctx, r.IDCache, inner); err != nil {
		return errors.E(op, errors.Protocol, err)
	}

	if env.To == r.SelfID {
		if r.Inbox == nil {
			return errors.E(op, errors.Invariant, errors.Str("no inbox configured"))
		}
		return r.Inbox(ctx, inner)
	}

	r.mu.Lock()
	_, toIsClient := r.routes[env.To]
	r.mu.Unlock()
	if toIsClient {
		return r.RouteInbound(ctx, inner)
	}

	payload := packet.Serialize(inner)
	if err := r.send(ctx, env.To, payload, env.Wide); err != nil {
		return errors.E(op, string(env.To), errors.Transient, err)
	}
	return nil
}

// RouteInbound handles a packet whose RemoteID, CreatorID or OwnerID
// names a registered client ("routed inbound" / response correlation):
// it wraps the packet in an encrypted envelope addressed to that
// client, builds a Relay packet, and sends it via Sender.
func (r *Router) RouteInbound(ctx context.Context, p *packet.Packet) error {
	const op = "relay.Router.RouteInbound"
	client := r.resolveReceiver(p)
	if client == "" {
		return errors.E(op, errors.Invalid, errors.Str("packet does not name a registered client"))
	}
	r.mu.Lock()
	route, ok := r.routes[client]
	r.mu.Unlock()
	if !ok {
		return errors.E(op, string(client), errors.Invalid, errors.Str("no route for client"))
	}

	wrapped, err := r.encryptEnvelope(relayEnvelope{
		From: r.SelfID,
		To:   client,
		// Wide left false: proxy_router.py's _do_route_in always sends
		// routed-incoming data narrow, to the one client the route names.
		Payload: packet.Serialize(p),
	}, route.PublicKey)
	if err != nil {
		return errors.E(op, errors.Other, err)
	}

	out := &packet.Packet{
		Command:   bitdust.CommandRelay,
		PacketID:  bitdust.PacketID(uuid.NewString()),
		OwnerID:   r.SelfID,
		CreatorID: r.SelfID,
		RemoteID:  client,
		Payload:   wrapped,
	}
	if err := packet.Sign(r.Factotum, out); err != nil {
		return errors.E(op, err)
	}
	r.mu.Lock()
	r.pendingAcks[out.PacketID] = client
	r.mu.Unlock()

	if err := r.Sender.Send(ctx, client, packet.Serialize(out)); err != nil {
		return errors.E(op, string(client), errors.Transient, err)
	}
	return nil
}

// resolveReceiver implements Open Question decision #1: when both
// CreatorID and OwnerID name a registered client, CreatorID wins.
func (r *Router) resolveReceiver(p *packet.Packet) bitdust.IDURL {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[p.RemoteID]; ok {
		return p.RemoteID
	}
	if _, ok := r.routes[p.CreatorID]; ok {
		return p.CreatorID
	}
	if _, ok := r.routes[p.OwnerID]; ok {
		return p.OwnerID
	}
	return ""
}

// AckDelivered marks a previously sent Relay packet's ack as actually
// received, per proxy_router.py's self.acks bookkeeping (SUPPLEMENTED
// FEATURES): callers use this to distinguish a true accept from a
// best-effort send.
func (r *Router) AckDelivered(requestID bitdust.PacketID) (client bitdust.IDURL, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok = r.pendingAcks[requestID]
	if ok {
		delete(r.pendingAcks, requestID)
	}
	return client, ok
}

// onIdentityRotated migrates a registered client's route from old to
// new and reinstalls the identity-cache override under the new idurl,
// matching proxy_router.py's _on_identity_url_changed.
func (r *Router) onIdentityRotated(old, updated bitdust.IDURL) {
	r.mu.Lock()
	route, ok := r.routes[old]
	if ok {
		delete(r.routes, old)
		r.routes[updated] = route
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.IDCache.ClearOverride(old)
	r.IDCache.Override(updated, &bitdust.IdentityDocument{
		IDURL:     updated,
		PublicKey: route.PublicKey,
		Contacts:  []bitdust.Endpoint{{Transport: bitdust.Relayed, NetAddr: bitdust.NetAddr(r.SelfID)}},
	})
}

// OnIdentityRotated is the exported entry point an IdentityCache
// subscriber wires to its rotation event (§4.2's on_rotation).
func (r *Router) OnIdentityRotated(old, updated bitdust.IDURL) {
	r.onIdentityRotated(old, updated)
}

// encryptEnvelope seals env for recipientPub: a fresh AES-256 session
// key encrypts the JSON-marshaled envelope, and Keyring.Wrap addresses
// that key to recipientPub. Deliberately parallel to (not shared with)
// ecblock's sessionEncrypt/session-key-wrap, since ecblock's Block is a
// backup-specific record and this envelope carries a different shape
// ({From, To, Wide, Payload}); see DESIGN.md.
func (r *Router) encryptEnvelope(env relayEnvelope, recipientPub bitdust.PublicKey) ([]byte, error) {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, err
	}
	ciphertext, err := sessionEncrypt(sessionKey, plaintext)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := r.Keyring.Wrap(recipientPub, sessionKey)
	if err != nil {
		return nil, err
	}
	var out []byte
	out = appendBytes(out, wrappedKey)
	out = appendBytes(out, ciphertext)
	return out, nil
}

// decryptEnvelope reverses encryptEnvelope using the router's own
// default key (keyHash nil selects it, matching factotum.PublicKey(nil)
// used throughout this codebase for the primary identity key).
func (r *Router) decryptEnvelope(data []byte) (*relayEnvelope, error) {
	wrappedKey, rest, err := getBytes(data)
	if err != nil {
		return nil, err
	}
	ciphertext, rest, err := getBytes(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Str("trailing bytes in relay envelope")
	}
	sessionKey, err := r.Keyring.Unwrap(factotum.KeyHash(r.Factotum.PublicKey(nil)), wrappedKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := sessionDecrypt(sessionKey, ciphertext)
	if err != nil {
		return nil, err
	}
	var env relayEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, err
	}
	return &env, nil
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
		return nil, errors.Str("encrypted envelope shorter than a nonce")
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

func appendBytes(b, data []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(data)))
	b = append(b, tmp[:n]...)
	return append(b, data...)
}

func getBytes(b []byte) (data, rest []byte, err error) {
	u, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < u {
		return nil, nil, errors.Str("corrupt length-prefixed field")
	}
	return b[n : n+int(u)], b[n+int(u):], nil
}

var timeNow = time.Now
