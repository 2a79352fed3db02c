// Package metadb is a small go.etcd.io/bbolt-backed store for directory-level
// metadata that cannot be recovered purely by listing segment files: the
// low-water compaction mark enforced by Get and Truncate's OutOfRange check,
// and the sync mode configured the last time the log was opened (kept only
// for operator diagnostics; the authoritative policy always comes from the
// caller's current config.Config). Segment discovery itself stays exactly
// the filename-enumeration algorithm in raftwal.go; this store never
// substitutes for it.
package metadb

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const fileName = "meta.db"

var (
	bucketMeta       = []byte("raftwal-meta")
	keyLowWaterMark  = []byte("low_water_mark")
	keySyncMode      = []byte("sync_mode")
	keyHasLowWater   = []byte("has_low_water")
	valuePresentByte = []byte{1}
)

// DB wraps a bbolt database holding raftwal's directory metadata.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the metadata database inside dir.
func Open(dir string) (*DB, error) {
	path := filepath.Join(dir, fileName)
	bdb, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("metadb: opening %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("metadb: initializing %s: %w", path, err)
	}
	return &DB{bolt: bdb}, nil
}

// LowWaterMark returns the persisted compaction low-water mark and whether
// one has ever been set. Indices at or below it have been compacted away.
func (d *DB) LowWaterMark() (mark uint64, ok bool, err error) {
	err = d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		present := b.Get(keyHasLowWater)
		if present == nil {
			return nil
		}
		raw := b.Get(keyLowWaterMark)
		if raw == nil {
			return nil
		}
		mark = binary.BigEndian.Uint64(raw)
		ok = true
		return nil
	})
	return mark, ok, err
}

// SetLowWaterMark persists mark as the new compaction low-water mark.
func (d *DB) SetLowWaterMark(mark uint64) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], mark)
		if err := b.Put(keyLowWaterMark, raw[:]); err != nil {
			return err
		}
		return b.Put(keyHasLowWater, valuePresentByte)
	})
}

// SetSyncMode records the sync mode the log was opened with, for operator
// diagnostics only.
func (d *DB) SetSyncMode(mode string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySyncMode, []byte(mode))
	})
}

// SyncMode returns the last persisted sync mode, or "" if none was ever
// recorded.
func (d *DB) SyncMode() (string, error) {
	var v string
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keySyncMode)
		if raw != nil {
			v = string(raw)
		}
		return nil
	})
	return v, err
}

// Close closes the underlying bbolt database.
func (d *DB) Close() error { return d.bolt.Close() }
