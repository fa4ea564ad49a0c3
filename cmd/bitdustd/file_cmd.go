// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"bitdust.io/bitdust/backup"
	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/catalog"
	"bitdust.io/bitdust/config"
	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/factotum"
	"bitdust.io/bitdust/flags"
	catpath "bitdust.io/bitdust/path"
)

var fileCmd = &cobra.Command{
	Use:   "file_backup|file_restore",
	Short: "seal a local file into a new version, or reassemble one",
}

func init() {
	fileCmd.AddCommand(fileBackupCmd)
	fileCmd.AddCommand(fileRestoreCmd)
}

var fileBackupCmd = &cobra.Command{
	Use:   "file_backup path dest",
	Short: "seal path into a new version at dest under this node's catalog",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		info, err := runFileBackup(args[0], args[1])
		if err != nil {
			printError(err)
			return
		}
		printResult(info)
	},
}

var fileRestoreCmd = &cobra.Command{
	Use:   "file_restore backup_id dest",
	Short: "reassemble the sealed version backup_id into dest",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runFileRestore(args[0], args[1]); err != nil {
			printError(err)
			return
		}
		printMessage("restored")
	},
}

// localFragmentStore stands in for the Suppliers a real deployment
// would disperse fragments to: a bbolt bucket (one per backup_id)
// keyed by PacketID, shared by every position's Uploader/Fetcher. Wire
// transports are out of this module's scope (spec §1), so
// file_backup/file_restore exercise the full Producer/Consumer/ECCMap
// pipeline against a local store rather than real peers — the same
// role memFetcher/memUploader play in matrix's tests, promoted here to
// non-test, disk-backed wiring so a file_restore run as a separate
// process from the file_backup that produced it (the normal case for
// a CLI, not just this package's own tests) still finds its fragments.
type localFragmentStore struct {
	db       *bbolt.DB
	backupID string
}

// openFragmentDB opens this daemon's bbolt database for local fragment
// storage, at ~/.bitdust/fragments.db — one handle per daemon instance
// (not a process-wide singleton), matching the rest of daemon's fields.
func openFragmentDB() (*bbolt.DB, error) {
	const op = "main.openFragmentDB"
	dir := filepath.Join(config.Homedir(), ".bitdust")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.E(op, err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "fragments.db"), 0600, nil)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return db, nil
}

func localStoreFor(d *daemon, backupID string) (*localFragmentStore, error) {
	const op = "main.localStoreFor"
	if err := d.fragmentDB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(backupID))
		return err
	}); err != nil {
		return nil, errors.E(op, err)
	}
	return &localFragmentStore{db: d.fragmentDB, backupID: backupID}, nil
}

func (s *localFragmentStore) SendAndAwait(ctx context.Context, id bitdust.PacketID, payload []byte, timeout time.Duration) error {
	const op = "main.localFragmentStore.SendAndAwait"
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(s.backupID)).Put([]byte(id), payload)
	})
	if err != nil {
		return errors.E(op, string(id), err)
	}
	return nil
}

func (s *localFragmentStore) Retrieve(ctx context.Context, id bitdust.PacketID, timeout time.Duration) ([]byte, error) {
	const op = "main.localFragmentStore.Retrieve"
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.backupID))
		if b == nil {
			return errors.E(op, string(id), errors.Transient, errors.Str("fragment not found"))
		}
		v := b.Get([]byte(id))
		if v == nil {
			return errors.E(op, string(id), errors.Transient, errors.Str("fragment not found"))
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func runFileBackup(path, dest string) (*catalog.VersionInfo, error) {
	const op = "main.runFileBackup"
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		return nil, errors.E(op, err)
	}
	d, err := newDaemon(cfg)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return backupFile(d, path, dest)
}

// backupFile seals the local file at path into a new version at dest (a
// slash-separated catalog path, e.g. "docs/report.txt") under d's
// catalog, using a local in-process fragment store in place of real
// suppliers (see localFragmentStore). Any directory named in dest that
// does not yet exist is created, mirroring the way a Unix path creates
// intermediate directories.
func backupFile(d *daemon, path, dest string) (*catalog.VersionInfo, error) {
	const op = "main.backupFile"
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer f.Close()

	parentID, name, err := ensureParentDirs(d.catalog, dest)
	if err != nil {
		return nil, errors.E(op, err)
	}
	pathID, err := d.catalog.AddFile(parentID, name, string(bitdust.MasterKey))
	if err != nil {
		return nil, errors.E(op, err)
	}
	backupID := string(bitdust.MasterKey) + "$" + d.cfg.IDURL + ":" + pathID + "/0"

	store, err := localStoreFor(d, backupID)
	if err != nil {
		return nil, errors.E(op, err)
	}
	suppliers := make([]backup.UploadSupplier, d.eccMap.TotalCount())
	for i := range suppliers {
		suppliers[i] = backup.UploadSupplier{IDURL: bitdust.IDURL("local-supplier"), Upload: store}
	}

	p := &backup.Producer{
		Factotum: d.factotum,
		Keyring:  d.keyring,
		Catalog:  d.catalog,
		PathID:   pathID,
		Matrix:   d.matrix,
	}
	task := &backup.Task{
		BackupID:  backupID,
		OwnerID:   bitdust.IDURL(d.cfg.IDURL),
		KeyID:     string(bitdust.MasterKey),
		ReaderKey: d.factotum.PublicKey(nil),
		ECCMap:    d.eccMap,
		BlockSize: d.cfg.BlockSize,
		Source:    f,
		Suppliers: suppliers,
	}
	if err := p.Run(context.Background(), task); err != nil {
		return nil, errors.E(op, err)
	}
	if err := catalog.Save(catalogPath(d.cfg), d.catalog); err != nil {
		return nil, errors.E(op, err)
	}

	versions, _ := d.catalog.ListVersions(pathID)
	if len(versions) == 0 {
		return nil, errors.E(op, errors.Invariant, errors.Str("version not recorded after a successful backup"))
	}
	return &versions[len(versions)-1], nil
}

func runFileRestore(backupID, dest string) error {
	const op = "main.runFileRestore"
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		return errors.E(op, err)
	}
	d, err := newDaemon(cfg)
	if err != nil {
		return errors.E(op, err)
	}
	out, err := restoreFile(d, backupID)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, out, 0600)
}

// restoreFile reassembles backupID's sealed version from the same
// localFragmentStore a prior backupFile call populated.
func restoreFile(d *daemon, backupID string) ([]byte, error) {
	const op = "main.restoreFile"
	pathID, ok := pathIDFromBackupID(backupID)
	if !ok {
		return nil, errors.E(op, backupID, errors.Invalid, errors.Str("malformed backup id"))
	}
	versions, ok := d.catalog.ListVersions(pathID)
	if !ok || len(versions) == 0 {
		return nil, errors.E(op, backupID, errors.Invalid, errors.Str("no such version"))
	}
	var v *catalog.VersionInfo
	for i := range versions {
		if versions[i].BackupID == backupID {
			v = &versions[i]
			break
		}
	}
	if v == nil {
		return nil, errors.E(op, backupID, errors.Invalid, errors.Str("no such version"))
	}

	store, err := localStoreFor(d, backupID)
	if err != nil {
		return nil, errors.E(op, err)
	}
	suppliers := make([]backup.FetchSupplier, d.eccMap.TotalCount())
	for i := range suppliers {
		suppliers[i] = backup.FetchSupplier{IDURL: bitdust.IDURL("local-supplier"), Fetch: store}
	}

	c := &backup.Consumer{Keyring: d.keyring}
	task := &backup.RestoreTask{
		BackupID:       backupID,
		ECCMap:         d.eccMap,
		BlockWireSizes: v.BlockWireSizes,
		ReaderKeyHash:  factotum.KeyHash(d.factotum.PublicKey(nil)),
		Suppliers:      suppliers,
	}
	var out bytes.Buffer
	if err := c.Run(context.Background(), task, &out); err != nil {
		return nil, errors.E(op, err)
	}
	return out.Bytes(), nil
}

// ensureParentDirs walks dest (a slash-separated catalog path) from the
// catalog root, creating any directory entry that does not already
// exist, and returns the path_id of dest's parent directory along with
// dest's final element. dest is canonicalized with the same Clean the
// rest of the catalog-addressing layer uses, so "a//b/../c" and "a/c"
// land at the same entry.
func ensureParentDirs(c *catalog.Catalog, dest string) (parentID, name string, err error) {
	const op = "main.ensureParentDirs"
	clean := catpath.Clean(dest)
	if clean == "" {
		return "", "", errors.E(op, dest, errors.Invalid, errors.Str("empty destination path"))
	}
	elems := strings.Split(clean, "/")
	parentID = ""
	for _, dir := range elems[:len(elems)-1] {
		id, ok := childID(c, parentID, dir)
		if !ok {
			id, err = c.AddDir(parentID, dir)
			if err != nil {
				return "", "", errors.E(op, err)
			}
		}
		parentID = id
	}
	return parentID, elems[len(elems)-1], nil
}

// childID returns the path_id of the entry named name directly under
// parentID, if one already exists.
func childID(c *catalog.Catalog, parentID, name string) (string, bool) {
	full, ok := c.ToPath(parentID)
	if !ok {
		return "", false
	}
	if full != "" {
		full += "/"
	}
	return c.ToID(full + name)
}

func pathIDFromBackupID(backupID string) (string, bool) {
	colon := -1
	for i, r := range backupID {
		if r == ':' {
			colon = i
		}
	}
	if colon < 0 {
		return "", false
	}
	rest := backupID[colon+1:]
	slash := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return "", false
	}
	return rest[:slash], true
}
