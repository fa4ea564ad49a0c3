// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package catalog implements the Catalog FS (§4.5): one customer's
// versioned file-system tree. Every node has a path_id that is a
// prefix-extension of its parent's, per §4.5's tree invariant; to_id and
// to_path convert between a human path and that path_id the way a Unix
// path resolves to an inode. Files carry a set of sealed Versions;
// once sealed a version's block count and ECC map never change.
//
// The tree, like the rest of a node's event-loop state (§6 "shared
// resources"), is meant to be owned by a single goroutine; the mutex
// here is only to make the package safe to exercise from tests and
// tools that don't follow that discipline.
package catalog

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
)

// EntryType distinguishes a file from a directory.
type EntryType uint8

const (
	File EntryType = iota
	Dir
)

func (t EntryType) String() string {
	if t == Dir {
		return "DIR"
	}
	return "FILE"
}

func (t EntryType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EntryType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "DIR":
		*t = Dir
	case "FILE":
		*t = File
	default:
		return errors.Errorf("unknown catalog entry type %q", s)
	}
	return nil
}

// VersionInfo describes one sealed version of a file (§2 Version).
// BlockWireSizes records the exact serialized ecblock size sent to the
// ECC map for each block, in order; the restore consumer needs it to
// trim reed-solomon's shard padding back to the real encoded length
// before deserializing a reconstructed block.
type VersionInfo struct {
	BackupID       string
	ECCMap         string
	BlockCount     int
	Size           int64
	SealedAt       int64 // Unix seconds
	BlockWireSizes []int `json:",omitempty"`
}

// Entry is one node of the catalog tree (§2 Catalog Entry).
type Entry struct {
	PathID       string
	Name         string
	ParentPathID string
	Type         EntryType
	KeyID        string
	Size         int64
	Versions     []VersionInfo
}

// Catalog is a customer's path tree plus version index.
type Catalog struct {
	mu       sync.Mutex
	revision int
	entries  map[string]*Entry   // by path_id
	children map[string][]string // parent path_id -> ordered child path_ids
}

var _ bitdust.Catalog = (*Catalog)(nil)

// New returns an empty Catalog, containing only the root.
func New() *Catalog {
	c := &Catalog{
		entries:  map[string]*Entry{},
		children: map[string][]string{},
	}
	c.entries[""] = &Entry{PathID: "", Name: "", ParentPathID: "", Type: Dir}
	return c
}

// Revision returns the number of mutations applied so far (§4.5: "used
// to decide which of two replicas wins on merge").
func (c *Catalog) Revision() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// AddDir creates a directory entry named name under parentPathID.
func (c *Catalog) AddDir(parentPathID, name string) (string, error) {
	return c.PutItem(parentPathID, name, Dir, "")
}

// AddFile creates a file entry named name under parentPathID, readable
// with keyID.
func (c *Catalog) AddFile(parentPathID, name, keyID string) (string, error) {
	return c.PutItem(parentPathID, name, File, keyID)
}

// PutItem creates an entry named name of the given type under
// parentPathID, returning its newly assigned path_id. The new path_id is
// always parentPathID extended by one segment, so it is a
// prefix-extension of the parent's, per §4.5's tree invariant.
func (c *Catalog) PutItem(parentPathID, name string, typ EntryType, keyID string) (string, error) {
	const op = "catalog.PutItem"
	if name == "" || strings.ContainsRune(name, '/') {
		return "", errors.E(op, errors.Invalid, errors.Errorf("bad entry name %q", name))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.entries[parentPathID]
	if !ok {
		return "", errors.E(op, errors.Invalid, errors.Errorf("no such parent path_id %q", parentPathID))
	}
	if parent.Type != Dir {
		return "", errors.E(op, errors.Invalid, errors.Errorf("parent %q is not a directory", parentPathID))
	}
	for _, childID := range c.children[parentPathID] {
		if c.entries[childID].Name == name {
			return "", errors.E(op, errors.Invalid, errors.Errorf("%q already exists under %q", name, parentPathID))
		}
	}

	pathID := nextChildID(parentPathID, len(c.children[parentPathID]))
	c.entries[pathID] = &Entry{
		PathID:       pathID,
		Name:         name,
		ParentPathID: parentPathID,
		Type:         typ,
		KeyID:        keyID,
	}
	c.children[parentPathID] = append(c.children[parentPathID], pathID)
	c.revision++
	return pathID, nil
}

func nextChildID(parentPathID string, childIndex int) string {
	if parentPathID == "" {
		return strconv.Itoa(childIndex)
	}
	return parentPathID + "/" + strconv.Itoa(childIndex)
}

// DeleteByID removes pathID and, if it is a directory, every entry
// beneath it.
func (c *Catalog) DeleteByID(pathID string) error {
	const op = "catalog.DeleteByID"
	if pathID == "" {
		return errors.E(op, errors.Invalid, errors.Str("cannot delete the catalog root"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[pathID]
	if !ok {
		return errors.E(op, errors.Invalid, errors.Errorf("no such path_id %q", pathID))
	}
	c.deleteSubtreeLocked(pathID)

	siblings := c.children[e.ParentPathID]
	for i, id := range siblings {
		if id == pathID {
			c.children[e.ParentPathID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	c.revision++
	return nil
}

func (c *Catalog) deleteSubtreeLocked(pathID string) {
	for _, childID := range c.children[pathID] {
		c.deleteSubtreeLocked(childID)
	}
	delete(c.children, pathID)
	delete(c.entries, pathID)
}

// WalkByID calls fn once for pathID and every entry beneath it, parent
// before child. Walk stops and returns fn's error if it returns one.
func (c *Catalog) WalkByID(pathID string, fn func(*Entry) error) error {
	const op = "catalog.WalkByID"
	c.mu.Lock()
	e, ok := c.entries[pathID]
	c.mu.Unlock()
	if !ok {
		return errors.E(op, errors.Invalid, errors.Errorf("no such path_id %q", pathID))
	}
	return c.walk(e, fn)
}

func (c *Catalog) walk(e *Entry, fn func(*Entry) error) error {
	if err := fn(e); err != nil {
		return err
	}
	c.mu.Lock()
	children := append([]string(nil), c.children[e.PathID]...)
	c.mu.Unlock()
	for _, childID := range children {
		c.mu.Lock()
		child := c.entries[childID]
		c.mu.Unlock()
		if child == nil {
			continue // deleted concurrently with the walk
		}
		if err := c.walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// ToID resolves a slash-separated catalog path to its path_id. It
// reports ok=false if any component along the path is missing.
func (c *Catalog) ToID(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toIDLocked(path)
}

func (c *Catalog) toIDLocked(path string) (string, bool) {
	pathID := ""
	for _, name := range splitPath(path) {
		found := ""
		for _, childID := range c.children[pathID] {
			if c.entries[childID].Name == name {
				found = childID
				break
			}
		}
		if found == "" {
			return "", false
		}
		pathID = found
	}
	return pathID, true
}

// ToPath resolves a path_id back to its slash-separated catalog path.
func (c *Catalog) ToPath(pathID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	id := pathID
	for {
		e, ok := c.entries[id]
		if !ok {
			return "", false
		}
		if id == "" {
			break
		}
		names = append([]string{e.Name}, names...)
		id = e.ParentPathID
	}
	return strings.Join(names, "/"), true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// AddVersion seals a new version onto the file at pathID (§4.6: "write
// its entry into the Catalog FS" once every block is accounted for).
func (c *Catalog) AddVersion(pathID string, v VersionInfo) error {
	const op = "catalog.AddVersion"
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pathID]
	if !ok {
		return errors.E(op, errors.Invalid, errors.Errorf("no such path_id %q", pathID))
	}
	if e.Type != File {
		return errors.E(op, errors.Invalid, errors.Str("cannot version a directory"))
	}
	e.Versions = append(e.Versions, v)
	if v.Size > e.Size {
		e.Size = v.Size
	}
	c.revision++
	return nil
}

// ListVersions returns the versions recorded for the file at pathID.
func (c *Catalog) ListVersions(pathID string) ([]VersionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pathID]
	if !ok {
		return nil, false
	}
	return append([]VersionInfo(nil), e.Versions...), true
}

// ExtractVersions reports the file's current size, the seal time of its
// most recent version, and its full version list.
func (c *Catalog) ExtractVersions(pathID string) (size int64, latest int64, versions []VersionInfo, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[pathID]
	if !found || e.Type != File {
		return 0, 0, nil, false
	}
	versions = append([]VersionInfo(nil), e.Versions...)
	for _, v := range versions {
		if v.SealedAt > latest {
			latest = v.SealedAt
		}
	}
	return e.Size, latest, versions, true
}

// wireIndex is the JSON on-disk form of a Catalog (§4.5: "a JSON form
// ... preferred on write"). Entries are sorted by PathID so Save's
// output is deterministic.
type wireIndex struct {
	Entries []*Entry `json:"entries"`
}

// Save writes c to path: a decimal revision line followed by its JSON
// serialization, via write-tmp-then-rename so a reader never observes a
// partial file (§6 "atomic write").
func Save(path string, c *Catalog) error {
	const op = "catalog.Save"
	c.mu.Lock()
	entries := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	revision := c.revision
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].PathID < entries[j].PathID })
	body, err := json.Marshal(wireIndex{Entries: entries})
	if err != nil {
		return errors.E(op, err)
	}

	out := strconv.Itoa(revision) + "\n" + string(body) + "\n"
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, []byte(out), 0600); err != nil {
		return errors.E(op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Load reads a Catalog index file written by Save, or its legacy
// pipe-delimited form. Both forms are accepted on read (§4.5's open
// question is resolved this way: read both, write JSON only, never
// downgrade a legacy file by re-saving it verbatim).
func Load(path string) (*Catalog, error) {
	const op = "catalog.Load"
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.E(op, err)
	}
	nl := indexByte(raw, '\n')
	if nl < 0 {
		return nil, errors.E(op, errors.Protocol, errors.Str("missing revision line"))
	}
	revision, err := strconv.Atoi(strings.TrimSpace(string(raw[:nl])))
	if err != nil {
		return nil, errors.E(op, errors.Protocol, errors.Str("bad revision line"))
	}
	body := raw[nl+1:]

	var entries []*Entry
	if looksLikeJSON(body) {
		var idx wireIndex
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, errors.E(op, errors.Protocol, err)
		}
		entries = idx.Entries
	} else {
		entries, err = parseLegacyIndex(body)
		if err != nil {
			return nil, errors.E(op, errors.Protocol, err)
		}
	}

	c := &Catalog{
		revision: revision,
		entries:  map[string]*Entry{},
		children: map[string][]string{},
	}
	for _, e := range entries {
		c.entries[e.PathID] = e
	}
	if _, ok := c.entries[""]; !ok {
		c.entries[""] = &Entry{Type: Dir}
	}
	for _, e := range entries {
		if e.PathID == "" {
			continue
		}
		c.children[e.ParentPathID] = append(c.children[e.ParentPathID], e.PathID)
	}
	for _, ids := range c.children {
		sort.Strings(ids)
	}
	return c, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func looksLikeJSON(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// The legacy form predates the JSON index: one entry per line,
// pipe-delimited, "path_id|name|parent_path_id|type|key_id|size".
// Legacy files carry no versions; a file's versions are rebuilt, if
// needed, from supplier-side presence rather than from this index.
func parseLegacyIndex(body []byte) ([]*Entry, error) {
	var entries []*Entry
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 6 {
			return nil, errors.Str("malformed legacy catalog line")
		}
		var typ EntryType
		switch fields[3] {
		case "DIR":
			typ = Dir
		case "FILE":
			typ = File
		default:
			return nil, errors.Errorf("unknown legacy entry type %q", fields[3])
		}
		size, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return nil, errors.Str("malformed legacy size field")
		}
		entries = append(entries, &Entry{
			PathID:       fields[0],
			Name:         fields[1],
			ParentPathID: fields[2],
			Type:         typ,
			KeyID:        fields[4],
			Size:         size,
		})
	}
	return entries, nil
}
