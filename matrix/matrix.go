// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package matrix implements the Backup Matrix & Rebuilder (§4.11): a
// per-version D×M presence bitmap kept up to date from local upload
// outcomes (backup.Producer, via Observe) and from periodic
// ListFiles/Files listing exchanges with each supplier (via
// Reconcile), and a Rebuilder that schedules repair work for
// under-replicated blocks.
package matrix

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/log"
)

// A FragmentFetcher retrieves one fragment, the same contract as
// backup.Fetcher. Declared locally, not imported from backup, so this
// package does not depend on backup's Task/Job machinery — only the
// two packages' concrete wiring (done in cmd/bitdustd) ties them
// together.
type FragmentFetcher interface {
	Fetch(ctx context.Context, id bitdust.PacketID, timeout time.Duration) ([]byte, error)
}

// A FragmentUploader re-uploads one fragment, the same contract as
// backup.Uploader.
type FragmentUploader interface {
	Upload(ctx context.Context, id bitdust.PacketID, payload []byte, timeout time.Duration) error
}

// Position binds one ECC supplier slot to the fetch/upload operations
// that reach that supplier, for Rebuild's use.
type Position struct {
	Supplier bitdust.IDURL
	Fetch    FragmentFetcher
	Upload   FragmentUploader
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

// blockState is one block's presence vector, one bool per supplier
// position, plus the time its presence count first dropped below the
// rebuild threshold (zero while the block is adequately replicated).
type blockState struct {
	present              map[int]bool
	underReplicatedSince time.Time
}

func (b *blockState) presentCount() int {
	n := 0
	for _, ok := range b.present {
		if ok {
			n++
		}
	}
	return n
}

// versionState is everything the matrix knows about one version.
type versionState struct {
	customer bitdust.IDURL
	eccMap   bitdust.ECCMap
	blocks   map[int]*blockState
}

func (v *versionState) block(n int) *blockState {
	b, ok := v.blocks[n]
	if !ok {
		b = &blockState{present: make(map[int]bool)}
		v.blocks[n] = b
	}
	return b
}

// A RebuildTask is one block awaiting repair: MissingPositions is the
// set of supplier positions the block's wire fragment is not present
// at, as of the last presence update.
type RebuildTask struct {
	BackupID         string
	BlockNumber      int
	MissingPositions []int
	Since            time.Time
}

// Matrix tracks presence for every version it is told about and
// derives rebuild work from it (§4.11).
type Matrix struct {
	// RebuildMargin is the epsilon added to a version's data count
	// before a block is considered under-replicated: a block rebuilds
	// once its presence count drops below DataCount+RebuildMargin, not
	// only once it drops below DataCount itself. Zero means rebuild
	// triggers only once truly below quorum.
	RebuildMargin int

	mu       sync.Mutex
	versions map[string]*versionState
}

// New creates an empty Matrix.
func New() *Matrix {
	return &Matrix{versions: make(map[string]*versionState)}
}

// RegisterVersion tells the matrix about a sealed version's ECC map,
// needed to know D (for the rebuild threshold) and M (for Rebuild's
// position sweep) and to derive each position's fragment kind when
// re-encoding. Producer.Run's caller does this once a version seals;
// Observe works even for an unregistered version (it only records raw
// presence), but Underreplicated/Rebuild need the registration.
func (m *Matrix) RegisterVersion(customer bitdust.IDURL, backupID string, eccMap bitdust.ECCMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[backupID] = &versionState{customer: customer, eccMap: eccMap, blocks: make(map[int]*blockState)}
}

func (m *Matrix) version(backupID string) *versionState {
	v, ok := m.versions[backupID]
	if !ok {
		v = &versionState{blocks: make(map[int]*blockState)}
		m.versions[backupID] = v
	}
	return v
}

// Observe implements backup.MatrixObserver: it records one position's
// presence outcome for one block of one version.
func (m *Matrix) Observe(backupID string, blockNumber, position int, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.version(backupID)
	b := v.block(blockNumber)
	b.present[position] = present
	m.refreshThresholdLocked(v, backupID, blockNumber, b)
}

// PresentCount reports how many positions are currently marked present
// for one block.
func (m *Matrix) PresentCount(backupID string, blockNumber int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[backupID]
	if !ok {
		return 0
	}
	b, ok := v.blocks[blockNumber]
	if !ok {
		return 0
	}
	return b.presentCount()
}

func (m *Matrix) threshold(v *versionState) int {
	if v.eccMap == nil {
		return 0
	}
	return v.eccMap.DataCount() + m.RebuildMargin
}

// refreshThresholdLocked updates b's underReplicatedSince marker given
// its current presence count; must be called with mu held.
func (m *Matrix) refreshThresholdLocked(v *versionState, backupID string, blockNumber int, b *blockState) {
	if b.presentCount() < m.threshold(v) {
		if b.underReplicatedSince.IsZero() {
			b.underReplicatedSince = timeNow()
		}
	} else {
		b.underReplicatedSince = time.Time{}
	}
}

var timeNow = time.Now

// Reconcile folds one supplier's ListFiles/Files listing for backupID
// into the matrix (§4.11's periodic reconciliation): reportedBlocks is
// the set of block numbers the supplier claims to hold at position;
// knownBlocks is every block number the Catalog FS expects there.
// Reconcile updates presence for both sets and returns the PacketIDs
// of segments the supplier holds but the catalog does not know about
// ("Remove" — §4.11's first action), which the caller should answer
// with DeleteFile.
func (m *Matrix) Reconcile(backupID string, position int, kind bitdust.FragmentKind, reportedBlocks, knownBlocks []int) []bitdust.PacketID {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.version(backupID)

	reported := make(map[int]bool, len(reportedBlocks))
	for _, n := range reportedBlocks {
		reported[n] = true
	}
	known := make(map[int]bool, len(knownBlocks))
	for _, n := range knownBlocks {
		known[n] = true
	}

	var toRemove []bitdust.PacketID
	for n := range reported {
		if !known[n] {
			toRemove = append(toRemove, fragmentPacketID(backupID, n, position, kind))
			continue
		}
	}
	for n := range known {
		b := v.block(n)
		b.present[position] = reported[n]
		m.refreshThresholdLocked(v, backupID, n, b)
	}
	return toRemove
}

// Pending returns the current rebuild work list: every block across
// every version whose presence count has fallen below threshold,
// ordered oldest-under-replicated-first, tied-break by ascending block
// number (§4.11's Rebuilder task ordering).
func (m *Matrix) Pending() []RebuildTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []RebuildTask
	for backupID, v := range m.versions {
		for blockNumber, b := range v.blocks {
			if b.underReplicatedSince.IsZero() {
				continue
			}
			tasks = append(tasks, RebuildTask{
				BackupID:         backupID,
				BlockNumber:      blockNumber,
				MissingPositions: missingPositions(v, b),
				Since:            b.underReplicatedSince,
			})
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].Since.Equal(tasks[j].Since) {
			return tasks[i].Since.Before(tasks[j].Since)
		}
		return tasks[i].BlockNumber < tasks[j].BlockNumber
	})
	return tasks
}

func missingPositions(v *versionState, b *blockState) []int {
	total := 0
	if v.eccMap != nil {
		total = v.eccMap.DataCount() + v.eccMap.ParityCount()
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !b.present[i] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}

// Rebuild implements fleet.Rebuilder: a slot swap invalidates whatever
// fragments the old supplier held at the given positions, for every
// version belonging to customer, so every block of every such version
// is marked not-present at those positions and becomes rebuild work.
func (m *Matrix) Rebuild(customer bitdust.IDURL, affectedPositions []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for backupID, v := range m.versions {
		if v.customer != customer {
			continue
		}
		for blockNumber, b := range v.blocks {
			for _, pos := range affectedPositions {
				b.present[pos] = false
			}
			m.refreshThresholdLocked(v, backupID, blockNumber, b)
		}
	}
}

// Resolve clears a task's under-replicated marker, typically called
// once Do has successfully re-uploaded the missing positions.
func (m *Matrix) Resolve(backupID string, blockNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[backupID]
	if !ok {
		return
	}
	b, ok := v.blocks[blockNumber]
	if !ok {
		return
	}
	if b.presentCount() >= m.threshold(v) {
		b.underReplicatedSince = time.Time{}
	}
}

// Do executes one RebuildTask: fetch at least D present positions'
// fragments, reassemble the block (decoding through the ECC map only
// if no all-data-shard fast path is available, mirroring
// backup.Consumer.retrieveBlock), re-encode via the version's ECC map,
// and re-upload only the missing positions. positions must cover every
// supplier position referenced by the version's ECC map.
func (m *Matrix) Do(ctx context.Context, task RebuildTask, positions []Position, wireSize int) error {
	const op = "matrix.Matrix.Do"
	m.mu.Lock()
	v, ok := m.versions[task.BackupID]
	m.mu.Unlock()
	if !ok || v.eccMap == nil {
		return errors.E(op, errors.Invalid, errors.Str("version not registered with an ECC map"))
	}

	d := v.eccMap.DataCount()
	total := d + v.eccMap.ParityCount()
	if len(positions) < total {
		return errors.E(op, errors.Invalid, errors.Str("not enough positions supplied to cover the ECC map"))
	}

	shards := make([][]byte, total)
	fetched := 0
	for i := 0; i < total && fetched < d; i++ {
		frag, err := positions[i].Fetch.Fetch(ctx, fragmentPacketID(task.BackupID, task.BlockNumber, i, v.eccMap.FragmentKindAt(i)), defaultFetchTimeout)
		if err != nil {
			log.Debug.Printf("matrix: rebuild fetch position %d failed: %v", i, err)
			continue
		}
		shards[i] = frag
		fetched++
	}
	if fetched < d {
		return errors.E(op, errors.Transient, errors.Str("could not fetch enough fragments to rebuild"))
	}

	var block []byte
	allData := true
	for i := 0; i < d; i++ {
		if shards[i] == nil {
			allData = false
			break
		}
	}
	if allData {
		var buf []byte
		for i := 0; i < d; i++ {
			buf = append(buf, shards[i]...)
		}
		if wireSize > 0 && wireSize < len(buf) {
			buf = buf[:wireSize]
		}
		block = buf
	} else {
		shardSize := 0
		for _, s := range shards {
			if len(s) > shardSize {
				shardSize = len(s)
			}
		}
		decoded, err := v.eccMap.Decode(shards, shardSize, wireSize)
		if err != nil {
			return errors.E(op, errors.Integrity, err)
		}
		block = decoded
	}

	reEncoded, err := v.eccMap.Encode(block)
	if err != nil {
		return errors.E(op, errors.Other, err)
	}

	for _, pos := range task.MissingPositions {
		if pos < 0 || pos >= len(reEncoded) || pos >= len(positions) {
			continue
		}
		id := fragmentPacketID(task.BackupID, task.BlockNumber, pos, v.eccMap.FragmentKindAt(pos))
		if err := positions[pos].Upload.Upload(ctx, id, reEncoded[pos], defaultFetchTimeout); err != nil {
			log.Error.Printf("matrix: rebuild re-upload to position %d failed: %v", pos, err)
			continue
		}
		m.Observe(task.BackupID, task.BlockNumber, pos, true)
	}
	m.Resolve(task.BackupID, task.BlockNumber)
	return nil
}

const defaultFetchTimeout = 30 * time.Second
