// Package boltstore implements the nexusfile contract on top of
// go.etcd.io/bbolt. A group maps to a bucket; a dataset maps to a bucket
// holding big-endian-sequence-keyed rows; attributes live in a reserved
// "@attrs" sub-bucket alongside whichever bucket they annotate. This
// mirrors the nested-bucket-as-namespace idiom from sneh-joshi-epochq's
// storage.StorageEngine (append + index, ForEach, Close) adapted to a
// hierarchical rather than flat namespace.
package boltstore

import (
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
)

const (
	attrsBucket  = "@attrs"
	linksBucket  = "@links"
	kindKey      = "@kind"
	kindGroup    = "group"
	kindDataset  = "dataset"
	dtypeKey     = "@dtype"
	strSizeKey   = "@strsize"
	rowCountKey  = "@rowcount"
)

// File is the concrete nexusfile.File backed by a bbolt database file.
type File struct {
	db   *bbolt.DB
	root *Group
}

// CreateExclusive opens a brand-new file at path, failing if one exists.
// bbolt.Open itself happily opens a pre-existing file, so existence is
// staked out first with O_CREATE|O_EXCL before handing the path to bbolt.
func CreateExclusive(path string) (*File, error) {
	guard, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.WrapInvalid(errors.ErrFileExists, "boltstore", "CreateExclusive", "path "+path)
		}
		return nil, errors.WrapFatal(err, "boltstore", "CreateExclusive", "stake out database file")
	}
	_ = guard.Close()

	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 2 * time.Second, NoGrowSync: false})
	if err != nil {
		_ = os.Remove(path)
		return nil, errors.WrapFatal(err, "boltstore", "CreateExclusive", "open database file")
	}
	f := &File{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte("/"))
		if err != nil {
			return err
		}
		return root.Put([]byte(kindKey), []byte(kindGroup))
	})
	if err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		return nil, errors.WrapFatal(err, "boltstore", "CreateExclusive", "initialize root group")
	}
	f.root = &Group{file: f, path: "/", bucketPath: [][]byte{[]byte("/")}}
	return f, nil
}

// OpenReadWrite opens an existing file for append.
func OpenReadWrite(path string) (*File, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.WrapFatal(err, "boltstore", "OpenReadWrite", "open database file")
	}
	f := &File{db: db, root: nil}
	f.root = &Group{file: f, path: "/", bucketPath: [][]byte{[]byte("/")}}
	return f, nil
}

// Root implements nexusfile.File.
func (f *File) Root() nexusfile.Group { return f.root }

// Flush implements nexusfile.File. bbolt fsyncs on every transaction commit,
// so this is a best-effort no-op retained for interface symmetry with a
// backend that buffers (e.g. a chunked HDF5 writer would flush here).
func (f *File) Flush() error { return nil }

// Close implements nexusfile.File, tolerating a second call per the
// idempotent-stop invariant (spec.md §8).
func (f *File) Close() error {
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	if err != nil {
		return errors.WrapFatal(err, "boltstore", "Close", "close database file")
	}
	return nil
}
