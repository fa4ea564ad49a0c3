// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command bitdustd is the process entry point: it wires the core
// packages (packet, ecblock, eccmap, catalog, session, backup, fleet,
// matrix, relay, keyring, factotum, idn, dht) into one node and exposes the §6 CLI/API surface over cobra
// subcommands, each printing exactly one {status,result,errors,message}
// JSON envelope.
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/catalog"
	"bitdust.io/bitdust/config"
	"bitdust.io/bitdust/eccmap"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
	"bitdust.io/bitdust/fleet"
	"bitdust.io/bitdust/idn"
	"bitdust.io/bitdust/keyring"
	"bitdust.io/bitdust/log"
	"bitdust.io/bitdust/matrix"
	"bitdust.io/bitdust/packet"
	"bitdust.io/bitdust/relay"
	"bitdust.io/bitdust/session"
)

// loopbackTransport satisfies session.Transport entirely in-process: it
// hands back one end of a net.Pipe per peer Endpoint, the other end
// registered by whatever local stub stands in for that peer. Real wire
// transports (TCP, UDP, HTTP) are out of scope (spec §1: "specified
// only via the session/packet abstraction they must implement"), so
// this is the one this binary actually runs with — it still exercises
// every byte of packet/session framing, just without a socket.
type loopbackTransport struct {
	mu    sync.Mutex
	peers map[bitdust.Endpoint]io.ReadWriteCloser
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{peers: make(map[bitdust.Endpoint]io.ReadWriteCloser)}
}

// register installs the far end of a pipe for e, returning the near end
// the peer side reads and writes on directly (not through Dial).
func (l *loopbackTransport) register(e bitdust.Endpoint) io.ReadWriteCloser {
	client, server := net.Pipe()
	l.mu.Lock()
	l.peers[e] = client
	l.mu.Unlock()
	return server
}

func (l *loopbackTransport) Dial(ctx context.Context, e bitdust.Endpoint) (io.ReadWriteCloser, error) {
	l.mu.Lock()
	conn, ok := l.peers[e]
	l.mu.Unlock()
	if !ok {
		return nil, errors.E("main.loopbackTransport.Dial", string(e.NetAddr), errors.Transient, errors.Str("no local peer registered at this endpoint"))
	}
	return conn, nil
}

// multiSender lets relay.Router's single Sender field reach whichever
// registered client a routed-inbound packet names: each client's own
// *session.Conn (established when its RequestService was accepted) is
// recorded here under its IDURL, since bitdust.Session.Send's "to"
// parameter is otherwise meaningless on a Conn already bound to one peer.
type multiSender struct {
	mu    sync.Mutex
	conns map[bitdust.IDURL]*session.Conn
}

func newMultiSender() *multiSender {
	return &multiSender{conns: make(map[bitdust.IDURL]*session.Conn)}
}

var _ relay.WideSender = (*multiSender)(nil)

func (m *multiSender) register(id bitdust.IDURL, c *session.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[id] = c
}

func (m *multiSender) unregister(id bitdust.IDURL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

func (m *multiSender) Send(ctx context.Context, to bitdust.IDURL, payload []byte) error {
	m.mu.Lock()
	c, ok := m.conns[to]
	m.mu.Unlock()
	if !ok {
		return errors.E("main.multiSender.Send", string(to), errors.Transient, errors.Str("no connection registered for this client"))
	}
	return c.Send(ctx, to, payload)
}

// SendWide implements relay.WideSender: §4.12's wide send forwards a
// routed-outbound packet to every client currently registered with
// this router, rather than the single targeted address a narrow Send
// uses. multiSender has no notion of a client's transport contacts
// beyond its own registered *session.Conn, so "every registered
// connection" stands in for packet_out.create(wide=True)'s "all known
// contacts".
func (m *multiSender) SendWide(ctx context.Context, to bitdust.IDURL, payload []byte) error {
	m.mu.Lock()
	conns := make([]*session.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	var firstErr error
	for _, c := range conns {
		if err := c.Send(ctx, to, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiSender) Close() error { return nil }

// daemon holds every wired component for one node's workspace. It is
// built fresh for each CLI invocation: nothing here persists across
// process runs except what Catalog/config and the fragment database
// (fragmentDB) write to disk.
type daemon struct {
	cfg      *config.Config
	factotum *factotum.Factotum
	keyring  bitdust.Keyring
	idcache  *idn.Cache
	eccMap   *eccmap.Map
	catalog  *catalog.Catalog
	gateway  *session.Gateway
	relay    *relay.Router
	fleet    *fleet.Controller
	matrix   *matrix.Matrix
	sender   *multiSender

	// fragmentDB backs localFragmentStore (file_cmd.go), standing in
	// for real suppliers until finder/supplierconn are wired into
	// fleet.Controller.
	fragmentDB *bbolt.DB
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	const op = "main.newDaemon"
	f, err := factotum.New(cfg.KeyDir)
	if err != nil {
		return nil, errors.E(op, err)
	}
	em, err := eccmap.Lookup(cfg.ECCMap)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if err := os.MkdirAll(filepath.Dir(catalogPath(cfg)), 0700); err != nil {
		return nil, errors.E(op, err)
	}
	cat, err := loadOrCreateCatalog(catalogPath(cfg))
	if err != nil {
		return nil, errors.E(op, err)
	}

	kr := keyring.New(f)
	idcache := idn.New(idn.HTTPFetcher{Client: &http.Client{Timeout: 15 * time.Second}})
	transport := newLoopbackTransport()
	gw := session.NewGateway(transport)
	sender := newMultiSender()
	fragmentDB, err := openFragmentDB()
	if err != nil {
		return nil, errors.E(op, err)
	}

	d := &daemon{
		cfg:        cfg,
		factotum:   f,
		keyring:    kr,
		idcache:    idcache,
		eccMap:     em,
		catalog:    cat,
		gateway:    gw,
		matrix:     matrix.New(),
		sender:     sender,
		fragmentDB: fragmentDB,
	}

	selfID := bitdust.IDURL(cfg.IDURL)
	d.relay = relay.New(selfID, f, kr, idcache, sender)
	d.relay.MaxRoutes = cfg.MaxRoutes
	d.relay.Inbox = d.deliverToSelf
	idcache.OnRotation(d.relay.OnIdentityRotated)

	d.fleet = fleet.NewController(selfID, cfg.Suppliers, noSupplierFinder{}, d.matrix)

	gw.Use(d.handleInbound)
	return d, nil
}

func catalogPath(cfg *config.Config) string {
	return config.Homedir() + "/.bitdust/catalog.json"
}

// loadOrCreateCatalog opens the on-disk index, or starts an empty one
// for a node's first run: catalog.Load has no notion of "doesn't exist
// yet" since it also accepts the legacy pipe-delimited form, so a
// missing file is distinguished here rather than inside that package.
func loadOrCreateCatalog(path string) (*catalog.Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return catalog.New(), nil
	}
	return catalog.Load(path)
}

// deliverToSelf is the relay.Router InboxFunc for packets addressed to
// this node once unwrapped from a routed-outbound Relay envelope.
func (d *daemon) deliverToSelf(ctx context.Context, p *packet.Packet) error {
	log.Info.Printf("delivered %s packet %s", p.Command, p.PacketID)
	return nil
}

// handleInbound is the session.Gateway InboxHandler: it recognizes the
// handful of Commands the relay speaks (§4.12) and answers them;
// anything else falls through unconsumed.
func (d *daemon) handleInbound(from *session.Conn, p *packet.Packet) (session.ConsumeResult, error) {
	ctx := context.Background()
	switch p.Command {
	case bitdust.CommandRequestService:
		if string(p.Payload) != bitdust.ServiceProxy {
			return session.NotHandled, nil
		}
		ack, err := d.relay.HandleRequestService(ctx, p)
		if err != nil {
			return session.ConsumeError, err
		}
		if outcome, err := relay.DecodeAck(ack.Payload); err == nil && outcome.Accepted {
			d.sender.register(p.OwnerID, from)
		}
		return session.Consumed, from.Send(ctx, ack.OwnerID, packet.Serialize(ack))
	case bitdust.CommandCancelService:
		ack, err := d.relay.HandleCancelService(ctx, p)
		if err != nil {
			return session.ConsumeError, err
		}
		d.sender.unregister(p.OwnerID)
		return session.Consumed, from.Send(ctx, ack.OwnerID, packet.Serialize(ack))
	case bitdust.CommandRelay:
		if err := d.relay.HandleRelay(ctx, p); err != nil {
			return session.ConsumeError, err
		}
		return session.Consumed, nil
	}
	return session.NotHandled, nil
}

// noSupplierFinder is a fleet.Finder that never finds a replacement.
// newDaemon installs it whatever cfg.DHTSeeds holds: this command builds
// no finder.Walker, so the Supplier Finder's random-walk (§4.10) never
// runs; fire/hire still tracks disconnected slots but Evaluate's
// automatic re-fill is a no-op.
type noSupplierFinder struct{}

func (noSupplierFinder) Find(ctx context.Context, excluded []bitdust.IDURL) (bitdust.SupplierConnector, error) {
	return nil, errors.E("main.noSupplierFinder.Find", errors.Transient, errors.Str("no supplier finder configured"))
}
