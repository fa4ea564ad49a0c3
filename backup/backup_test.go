// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backup

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/catalog"
	"bitdust.io/bitdust/ecblock"
	"bitdust.io/bitdust/eccmap"
	"bitdust.io/bitdust/factotum"
	"bitdust.io/bitdust/keyring"
	"bitdust.io/bitdust/packet"
)

func testFactotum(t *testing.T) *factotum.Factotum {
	t.Helper()
	f, err := factotum.New(filepath.Join("..", "factotum", "testdata", "ok"))
	if err != nil {
		t.Fatalf("factotum.New: %v", err)
	}
	return f
}

// fragmentStore is an in-memory stand-in for a supplier: it accepts
// signed Data packets (Uploader) and answers Retrieve by replaying the
// payload back (Fetcher), so Producer and Consumer can be exercised
// without a real session or supplier connector.
type fragmentStore struct {
	mu    sync.Mutex
	stash map[bitdust.PacketID][]byte
}

func newFragmentStore() *fragmentStore {
	return &fragmentStore{stash: make(map[bitdust.PacketID][]byte)}
}

func (s *fragmentStore) SendAndAwait(ctx context.Context, id bitdust.PacketID, payload []byte, timeout time.Duration) error {
	pkt, err := packet.Deserialize(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stash[id] = append([]byte(nil), pkt.Payload...)
	s.mu.Unlock()
	return nil
}

func (s *fragmentStore) Retrieve(ctx context.Context, id bitdust.PacketID, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.stash[id]
	if !ok {
		return nil, errStr("no such fragment")
	}
	return data, nil
}

// flaky drops every Retrieve for a chosen position on the first call,
// succeeding from the second call onward, to exercise fetchWithRetry.
type flaky struct {
	*fragmentStore
	mu      sync.Mutex
	calls   map[bitdust.PacketID]int
	failFor int
}

func (f *flaky) Retrieve(ctx context.Context, id bitdust.PacketID, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[bitdust.PacketID]int)
	}
	f.calls[id]++
	n := f.calls[id]
	f.mu.Unlock()
	if n <= f.failFor {
		return nil, errStr("transient failure")
	}
	return f.fragmentStore.Retrieve(ctx, id, timeout)
}

type errStr string

func (e errStr) Error() string { return string(e) }

func TestProducerConsumerRoundTrip(t *testing.T) {
	f := testFactotum(t)
	kr := keyring.New(f)
	m, err := eccmap.Lookup("ecc/2x1")
	if err != nil {
		t.Fatalf("eccmap.Lookup: %v", err)
	}

	stores := make([]*fragmentStore, m.TotalCount())
	uploadSuppliers := make([]UploadSupplier, m.TotalCount())
	fetchSuppliers := make([]FetchSupplier, m.TotalCount())
	for i := range stores {
		stores[i] = newFragmentStore()
		uploadSuppliers[i] = UploadSupplier{IDURL: bitdust.IDURL("supplier"), Upload: stores[i]}
		fetchSuppliers[i] = FetchSupplier{IDURL: bitdust.IDURL("supplier"), Fetch: stores[i]}
	}

	cat := catalog.New()
	pathID, err := cat.AddFile("", "report.txt", "key1")
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	source := bytes.Repeat([]byte("hello-bitdust-"), 50) // 700 bytes, not a multiple of block size
	task := &Task{
		BackupID:  "alice@host/" + pathID + "/F1",
		OwnerID:   bitdust.IDURL("https://id.bitdust.io/alice.xml"),
		ReaderKey: f.PublicKey(nil),
		ECCMap:    m,
		BlockSize: 256,
		Source:    bytes.NewReader(source),
		Suppliers: uploadSuppliers,
	}
	producer := &Producer{Factotum: f, Keyring: kr, Catalog: cat, PathID: pathID}
	if err := producer.Run(context.Background(), task); err != nil {
		t.Fatalf("Producer.Run: %v", err)
	}

	_, _, versions, ok := cat.ExtractVersions(pathID)
	if !ok || len(versions) != 1 {
		t.Fatalf("ExtractVersions: %v, ok=%v", versions, ok)
	}
	v := versions[0]
	if v.BlockCount != len(v.BlockWireSizes) {
		t.Fatalf("BlockCount %d does not match %d recorded wire sizes", v.BlockCount, len(v.BlockWireSizes))
	}

	restore := &RestoreTask{
		BackupID:       task.BackupID,
		ECCMap:         m,
		BlockWireSizes: v.BlockWireSizes,
		ReaderKeyHash:  factotum.KeyHash(f.PublicKey(nil)),
		Suppliers:      fetchSuppliers,
	}
	consumer := &Consumer{Keyring: kr}
	var dst bytes.Buffer
	if err := consumer.Run(context.Background(), restore, &dst); err != nil {
		t.Fatalf("Consumer.Run: %v", err)
	}
	if !bytes.Equal(dst.Bytes(), source) {
		t.Fatalf("restored %d bytes, want %d bytes matching the source", dst.Len(), len(source))
	}
}

func TestConsumerToleratesMissingParity(t *testing.T) {
	f := testFactotum(t)
	kr := keyring.New(f)
	m, err := eccmap.Lookup("ecc/2x1")
	if err != nil {
		t.Fatalf("eccmap.Lookup: %v", err)
	}

	stores := make([]*fragmentStore, m.TotalCount())
	uploadSuppliers := make([]UploadSupplier, m.TotalCount())
	for i := range stores {
		stores[i] = newFragmentStore()
		uploadSuppliers[i] = UploadSupplier{IDURL: bitdust.IDURL("supplier"), Upload: stores[i]}
	}

	task := &Task{
		BackupID:  "alice@host/p/F1",
		OwnerID:   bitdust.IDURL("https://id.bitdust.io/alice.xml"),
		ReaderKey: f.PublicKey(nil),
		ECCMap:    m,
		BlockSize: 64,
		Source:    bytes.NewReader([]byte("short payload")),
		Suppliers: uploadSuppliers,
	}
	producer := &Producer{Factotum: f, Keyring: kr}
	if err := producer.Run(context.Background(), task); err != nil {
		t.Fatalf("Producer.Run: %v", err)
	}

	// Drop the parity shard (position m.DataCount()): the data shards
	// alone must still reconstruct the block via the fast path.
	fetchSuppliers := make([]FetchSupplier, m.TotalCount())
	for i := 0; i < m.DataCount(); i++ {
		fetchSuppliers[i] = FetchSupplier{Fetch: stores[i]}
	}

	restore := &RestoreTask{
		BackupID:       task.BackupID,
		ECCMap:         m,
		BlockWireSizes: []int{sealedWireSize(t, stores, m)},
		ReaderKeyHash:  factotum.KeyHash(f.PublicKey(nil)),
		Suppliers:      fetchSuppliers,
	}
	consumer := &Consumer{Keyring: kr}
	var dst bytes.Buffer
	if err := consumer.Run(context.Background(), restore, &dst); err != nil {
		t.Fatalf("Consumer.Run: %v", err)
	}
	if dst.String() != "short payload" {
		t.Errorf("restored %q, want %q", dst.String(), "short payload")
	}
}

// sealedWireSize recovers the wire size the test above would otherwise
// read back from catalog.VersionInfo, by joining the data shards seen
// on the wire for block 0 and dropping the zero padding (fewer than
// DataCount bytes) that splitting added: the wire size is the one length
// at which the joined bytes deserialize as a block.
func sealedWireSize(t *testing.T, stores []*fragmentStore, m *eccmap.Map) int {
	t.Helper()
	var joined []byte
	for i := 0; i < m.DataCount(); i++ {
		id := fragmentPacketID("alice@host/p/F1", 0, i, m.FragmentKindAt(i))
		data, err := stores[i].Retrieve(context.Background(), id, time.Second)
		if err != nil {
			t.Fatalf("Retrieve for size discovery: %v", err)
		}
		joined = append(joined, data...)
	}
	for n := len(joined); n > 0 && n > len(joined)-m.DataCount(); n-- {
		if _, err := ecblock.Deserialize(joined[:n]); err == nil {
			return n
		}
	}
	t.Fatalf("no prefix of the joined data shards deserializes as a block")
	return 0
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	f := testFactotum(t)
	kr := keyring.New(f)
	m, err := eccmap.Lookup("ecc/2x1")
	if err != nil {
		t.Fatalf("eccmap.Lookup: %v", err)
	}

	base := make([]*fragmentStore, m.TotalCount())
	uploadSuppliers := make([]UploadSupplier, m.TotalCount())
	for i := range base {
		base[i] = newFragmentStore()
		uploadSuppliers[i] = UploadSupplier{Upload: base[i]}
	}
	task := &Task{
		BackupID:  "alice@host/p/F1",
		OwnerID:   bitdust.IDURL("https://id.bitdust.io/alice.xml"),
		ReaderKey: f.PublicKey(nil),
		ECCMap:    m,
		BlockSize: 64,
		Source:    bytes.NewReader([]byte("retry me please")),
		Suppliers: uploadSuppliers,
	}
	producer := &Producer{Factotum: f, Keyring: kr}
	if err := producer.Run(context.Background(), task); err != nil {
		t.Fatalf("Producer.Run: %v", err)
	}

	fetchSuppliers := make([]FetchSupplier, m.TotalCount())
	fetchSuppliers[0] = FetchSupplier{Fetch: &flaky{fragmentStore: base[0], failFor: 1}}
	for i := 1; i < m.TotalCount(); i++ {
		fetchSuppliers[i] = FetchSupplier{Fetch: base[i]}
	}

	restore := &RestoreTask{
		BackupID:       task.BackupID,
		ECCMap:         m,
		BlockWireSizes: []int{sealedWireSize(t, base, m)},
		ReaderKeyHash:  factotum.KeyHash(f.PublicKey(nil)),
		Suppliers:      fetchSuppliers,
		MaxRetries:     2,
	}
	consumer := &Consumer{Keyring: kr}
	var dst bytes.Buffer
	if err := consumer.Run(context.Background(), restore, &dst); err != nil {
		t.Fatalf("Consumer.Run: %v", err)
	}
	if dst.String() != "retry me please" {
		t.Errorf("restored %q, want %q", dst.String(), "retry me please")
	}
}
