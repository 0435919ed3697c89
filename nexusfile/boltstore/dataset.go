package boltstore

import (
	"go.etcd.io/bbolt"

	"github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
)

// Dataset is a bbolt bucket whose rows are keyed by a big-endian uint64
// sequence number, mirroring the chunked-append layout of an HDF5 unlimited
// dataset closely enough for the writer modules' purposes.
type Dataset struct {
	file       *File
	path       string
	bucketPath [][]byte
	dtype      nexusfile.DType
	strSize    int
}

func (d *Dataset) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := navigate(tx, d.bucketPath)
	if b == nil {
		return nil, errors.WrapFatal(errors.ErrConfigInvalid, "boltstore", "bucket", "dataset bucket missing: "+d.path)
	}
	return b, nil
}

// Type implements nexusfile.Dataset.
func (d *Dataset) Type() nexusfile.DType { return d.dtype }

// Len implements nexusfile.Dataset.
func (d *Dataset) Len() (uint64, error) {
	var n uint64
	err := d.file.db.View(func(tx *bbolt.Tx) error {
		b, err := d.bucket(tx)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(rowCountKey))
		if raw != nil {
			n = seqFromKey(raw)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Append implements nexusfile.Dataset, writing each value as a new row
// keyed by the dataset's running row count and returning the index of the
// first row written (spec.md §4.1's "ix0").
func (d *Dataset) Append(values ...any) (uint64, error) {
	if len(values) == 0 {
		n, err := d.Len()
		return n, err
	}
	var ix0 uint64
	err := d.file.db.Update(func(tx *bbolt.Tx) error {
		b, err := d.bucket(tx)
		if err != nil {
			return err
		}
		cur := uint64(0)
		if raw := b.Get([]byte(rowCountKey)); raw != nil {
			cur = seqFromKey(raw)
		}
		ix0 = cur
		for i, v := range values {
			encoded, err := encodeScalar(d.dtype, d.strSize, v)
			if err != nil {
				return errors.WrapInvalid(err, "boltstore", "Append", "encode row value")
			}
			if err := b.Put(seqKey(cur+uint64(i)), encoded); err != nil {
				return errors.WrapFatal(err, "boltstore", "Append", "write row")
			}
		}
		return b.Put([]byte(rowCountKey), seqKey(cur+uint64(len(values))))
	})
	if err != nil {
		return 0, err
	}
	return ix0, nil
}

// WriteAttributeScalar implements nexusfile.Attributable for datasets.
func (d *Dataset) WriteAttributeScalar(name string, dtype nexusfile.DType, value any) error {
	return writeAttribute(d.file, d.bucketPath, name, dtype, 0, value)
}

// WriteAttributeString implements nexusfile.Attributable for datasets.
func (d *Dataset) WriteAttributeString(name, value string) error {
	return writeAttribute(d.file, d.bucketPath, name, nexusfile.String, 0, value)
}
