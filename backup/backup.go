// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backup implements the Task/Job queue (§3), the Backup
// Producer (§4.6) and the Restore Consumer (§4.7). A Task is a queued
// intent to back up a path; a Job is the running producer for one
// version; at most MaxJobs run concurrently and tasks are served FIFO,
// mirroring backup_control.py's Task/RunTasks/MAXIMUM_JOBS_STARTED gate.
package backup

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/catalog"
	"bitdust.io/bitdust/ecblock"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
	"bitdust.io/bitdust/log"
	"bitdust.io/bitdust/packet"
)

// defaultSendTimeout bounds how long a single fragment send or retrieve
// waits for its Ack/Fail before the block is considered short of that
// position.
const defaultSendTimeout = 30 * time.Second

// defaultMaxRetries is the Restore Consumer's retry budget per fragment
// (§4.7: "declare failure after max_retries exhausted on all remaining
// positions").
const defaultMaxRetries = 3

// An Uploader sends one fragment and waits for its Ack/Fail, the same
// contract session.Conn.SendAndAwait offers. Declaring it locally
// rather than importing session avoids a dependency this package does
// not otherwise need; *session.Conn satisfies it structurally.
type Uploader interface {
	SendAndAwait(ctx context.Context, id bitdust.PacketID, payload []byte, timeout time.Duration) error
}

// A Fetcher retrieves one fragment's payload, hiding whatever
// Retrieve-request/Data-response correlation the underlying connector
// performs. cmd/bitdustd's localFragmentStore implements it; tests
// substitute an in-memory stub.
type Fetcher interface {
	Retrieve(ctx context.Context, id bitdust.PacketID, timeout time.Duration) ([]byte, error)
}

// UploadSupplier is the supplier responsible for one ECC fragment
// position during a Producer run.
type UploadSupplier struct {
	IDURL  bitdust.IDURL
	Upload Uploader
}

// FetchSupplier is the supplier a Consumer retrieves one ECC fragment
// position from.
type FetchSupplier struct {
	IDURL bitdust.IDURL
	Fetch Fetcher
}

// MatrixObserver is notified of each fragment send/retrieve outcome, so
// the Backup Matrix (§4.11, built separately) can track per-position
// presence without this package depending on it directly.
type MatrixObserver interface {
	Observe(backupID string, blockNumber, position int, present bool)
}

func fragmentPacketID(backupID string, blockNumber, position int, kind bitdust.FragmentKind) bitdust.PacketID {
	return bitdust.PacketID(backupID + "/" + itoa(blockNumber) + "-" + itoa(position) + "-" + kind.String())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Task describes one upload: the source bytes for backupID, keyed to
// readerPub, ECC-mapped and sent to Suppliers in supplier-position
// order.
type Task struct {
	BackupID    string
	OwnerID     bitdust.IDURL
	KeyID       string
	ReaderKey   bitdust.PublicKey
	ECCMap      bitdust.ECCMap
	BlockSize   int
	Source      io.Reader
	Suppliers   []UploadSupplier
	SendTimeout time.Duration
}

// Producer runs one Task to completion (§4.6), sealing and dispersing
// one block at a time and finalizing the version into catalog once the
// last block's sends are decided.
type Producer struct {
	Factotum *factotum.Factotum
	Keyring  bitdust.Keyring
	Catalog  *catalog.Catalog
	PathID   string
	Matrix   MatrixObserver

	mu       sync.Mutex
	canceled bool
}

// Abort stops the Producer before its next block read (§4.6:
// "abort stops further block reads, flushes pending sends as failed").
// Blocks already dispersed are not retracted.
func (p *Producer) Abort() {
	p.mu.Lock()
	p.canceled = true
	p.mu.Unlock()
}

func (p *Producer) aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// Run executes t: split, seal, ECC-expand and disperse every block of
// t.Source, then record the sealed version in Catalog.
func (p *Producer) Run(ctx context.Context, t *Task) error {
	const op = "backup.Producer.Run"
	if t.BlockSize <= 0 {
		return errors.E(op, t.BackupID, errors.Invalid, errors.Str("block size must be positive"))
	}
	timeout := t.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	next, err := readFullBlock(t.Source, t.BlockSize)
	if err != nil {
		return errors.E(op, t.BackupID, err)
	}

	var wireSizes []int
	var totalSize int64
	blockNumber := 0
	for {
		if p.aborted() {
			return errors.E(op, t.BackupID, errors.Str("aborted"))
		}
		cur := next
		next, err = readFullBlock(t.Source, t.BlockSize)
		if err != nil {
			return errors.E(op, t.BackupID, err)
		}
		last := len(next) == 0

		wireSize, sendErr := p.sealAndDisperse(ctx, t, blockNumber, cur, last, timeout)
		if sendErr != nil {
			return errors.E(op, t.BackupID, errors.Transient, sendErr)
		}
		wireSizes = append(wireSizes, wireSize)
		totalSize += int64(len(cur))

		if last {
			break
		}
		blockNumber++
	}

	if p.Catalog == nil {
		return nil
	}
	return p.Catalog.AddVersion(p.PathID, catalog.VersionInfo{
		BackupID:       t.BackupID,
		ECCMap:         t.ECCMap.Name(),
		BlockCount:     blockNumber + 1,
		Size:           totalSize,
		SealedAt:       timeNow().Unix(),
		BlockWireSizes: wireSizes,
	})
}

// sealAndDisperse seals one block, ECC-expands it and sends each
// fragment to its assigned supplier, returning the sealed block's wire
// size (needed by the Restore Consumer to trim shard padding).
func (p *Producer) sealAndDisperse(ctx context.Context, t *Task, blockNumber int, data []byte, last bool, timeout time.Duration) (int, error) {
	const op = "backup.Producer.sealAndDisperse"
	length := len(data)
	padded := data
	if len(data) < t.BlockSize {
		padded = make([]byte, t.BlockSize)
		copy(padded, data)
	}

	block, err := ecblock.Seal(p.Factotum, p.Keyring, t.ReaderKey, t.OwnerID, t.BackupID, blockNumber, last, length, padded)
	if err != nil {
		return 0, errors.E(op, err)
	}
	wire := ecblock.Serialize(block)

	shards, err := t.ECCMap.Encode(wire)
	if err != nil {
		return 0, errors.E(op, err)
	}

	present := 0
	var firstErr error
	for position, shard := range shards {
		kind := t.ECCMap.FragmentKindAt(position)
		id := fragmentPacketID(t.BackupID, blockNumber, position, kind)

		var sendErr error
		if position >= len(t.Suppliers) || t.Suppliers[position].Upload == nil {
			sendErr = errors.E(op, id, errors.Str("no supplier assigned to position"))
		} else {
			pkt := &packet.Packet{
				Command:   bitdust.CommandData,
				PacketID:  id,
				OwnerID:   t.OwnerID,
				CreatorID: t.OwnerID,
				RemoteID:  t.Suppliers[position].IDURL,
				Payload:   shard,
			}
			if err := packet.Sign(p.Factotum, pkt); err != nil {
				return 0, errors.E(op, err)
			}
			sendErr = t.Suppliers[position].Upload.SendAndAwait(ctx, id, packet.Serialize(pkt), timeout)
		}

		if p.Matrix != nil {
			p.Matrix.Observe(t.BackupID, blockNumber, position, sendErr == nil)
		}
		if sendErr == nil {
			present++
		} else {
			log.Debug.Printf("backup: block %d position %d send failed: %v", blockNumber, position, sendErr)
			if firstErr == nil {
				firstErr = sendErr
			}
		}
	}

	// A version is uploaded as soon as per-block presence >= D; a
	// single position's failure is not fatal, the rebuilder heals it
	// later (§4.6).
	if present < t.ECCMap.DataCount() {
		return 0, errors.E(op, errors.Capacity, firstErr)
	}
	return len(wire), nil
}

// readFullBlock reads up to size bytes from r, returning fewer only at
// EOF.
func readFullBlock(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// timeNow is a var so tests can pin SealedAt; production always uses
// the wall clock.
var timeNow = time.Now

// RestoreTask describes one restore: the sealed version named by
// BackupID, its ECC map and per-block wire sizes (from the Catalog's
// VersionInfo), the key hash to unwrap the session key with, and the
// per-position Suppliers to retrieve fragments from.
type RestoreTask struct {
	BackupID       string
	ECCMap         bitdust.ECCMap
	BlockWireSizes []int
	ReaderKeyHash  []byte
	Suppliers      []FetchSupplier
	MaxRetries     int
	RetryTimeout   time.Duration
}

// Consumer runs one RestoreTask to completion (§4.7).
type Consumer struct {
	Keyring bitdust.Keyring
}

// Run retrieves, ECC-decodes, decrypts and reassembles every block of
// t, writing the decompressed plaintext to dst in order.
func (c *Consumer) Run(ctx context.Context, t *RestoreTask, dst io.Writer) error {
	const op = "backup.Consumer.Run"
	for blockNumber, wireSize := range t.BlockWireSizes {
		wire, err := c.retrieveBlock(ctx, t, blockNumber, wireSize)
		if err != nil {
			return errors.E(op, t.BackupID, errors.Transient, err)
		}
		block, err := ecblock.Deserialize(wire)
		if err != nil {
			return errors.E(op, t.BackupID, errors.Protocol, err)
		}
		plaintext, err := ecblock.Open(c.Keyring, t.ReaderKeyHash, block)
		if err != nil {
			return errors.E(op, t.BackupID, errors.Integrity, err)
		}
		if len(plaintext) != block.Length {
			return errors.E(op, t.BackupID, errors.Integrity, errors.Str("decoded block length mismatch"))
		}
		if _, err := dst.Write(plaintext); err != nil {
			return errors.E(op, t.BackupID, err)
		}
	}
	return nil
}

// retrieveBlock fetches every position of blockNumber (with retries),
// then reassembles the sealed block's wire bytes: the fast path
// concatenates the data shards directly when all D are present (§4.7:
// "prefer data shards over parity to skip decoding"), otherwise it
// falls back to the ECC map's Reconstruct/Join.
func (c *Consumer) retrieveBlock(ctx context.Context, t *RestoreTask, blockNumber, wireSize int) ([]byte, error) {
	const op = "backup.Consumer.retrieveBlock"
	m := t.ECCMap
	total := m.TotalCount()
	timeout := t.RetryTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	shards := make([][]byte, total)
	var wg sync.WaitGroup
	for position := 0; position < total; position++ {
		if position >= len(t.Suppliers) || t.Suppliers[position].Fetch == nil {
			continue
		}
		position := position
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind := m.FragmentKindAt(position)
			id := fragmentPacketID(t.BackupID, blockNumber, position, kind)
			data, err := fetchWithRetry(ctx, t.Suppliers[position].Fetch, id, timeout, maxRetries)
			if err != nil {
				log.Debug.Printf("backup: block %d position %d retrieve failed: %v", blockNumber, position, err)
				return
			}
			shards[position] = data
		}()
	}
	wg.Wait()

	present := 0
	shardSize := 0
	for _, s := range shards {
		if s != nil {
			present++
			if shardSize == 0 {
				shardSize = len(s)
			}
		}
	}
	if present < m.DataCount() {
		return nil, errors.E(op, errors.Transient, errors.Errorf("only %d of %d required fragments present", present, m.DataCount()))
	}

	haveAllData := true
	for position := 0; position < m.DataCount(); position++ {
		if shards[position] == nil {
			haveAllData = false
			break
		}
	}
	if haveAllData {
		var buf bytes.Buffer
		for position := 0; position < m.DataCount(); position++ {
			buf.Write(shards[position])
		}
		return buf.Bytes()[:wireSize], nil
	}

	wire, err := m.Decode(shards, shardSize, wireSize)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return wire, nil
}

func fetchWithRetry(ctx context.Context, f Fetcher, id bitdust.PacketID, timeout time.Duration, maxRetries int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		data, err := f.Retrieve(ctx, id, timeout)
		if err == nil {
			return data, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return nil, lastErr
}
