package boltstore

import (
	"strconv"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
)

// Group is a bbolt bucket addressed by the chain of bucket names from the
// database's top-level bucket down to this group.
type Group struct {
	file       *File
	path       string
	bucketPath [][]byte
}

func validateChildName(name string) error {
	if name == "" || strings.HasPrefix(name, "@") {
		return errors.WrapInvalid(errors.ErrConfigInvalid, "boltstore", "validateChildName", "reserved or empty name "+name)
	}
	return nil
}

// navigate descends tx's top-level bucket through bucketPath and returns the
// bucket it names, or nil if any segment is missing.
func navigate(tx *bbolt.Tx, bucketPath [][]byte) *bbolt.Bucket {
	b := tx.Bucket(bucketPath[0])
	for _, seg := range bucketPath[1:] {
		if b == nil {
			return nil
		}
		b = b.Bucket(seg)
	}
	return b
}

func (g *Group) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := navigate(tx, g.bucketPath)
	if b == nil {
		return nil, errors.WrapFatal(errors.ErrConfigInvalid, "boltstore", "bucket", "group bucket missing: "+g.path)
	}
	return b, nil
}

// Path implements nexusfile.Group.
func (g *Group) Path() string { return g.path }

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// CreateGroup implements nexusfile.Group.
func (g *Group) CreateGroup(name string) (nexusfile.Group, error) {
	if err := validateChildName(name); err != nil {
		return nil, err
	}
	err := g.file.db.Update(func(tx *bbolt.Tx) error {
		parent, err := g.bucket(tx)
		if err != nil {
			return err
		}
		child, err := parent.CreateBucket([]byte(name))
		if err != nil {
			if err == bbolt.ErrBucketExists {
				return errors.ErrGroupAlreadyInit
			}
			return err
		}
		return child.Put([]byte(kindKey), []byte(kindGroup))
	})
	if err == errors.ErrGroupAlreadyInit {
		return nil, errors.WrapInvalid(err, "boltstore", "CreateGroup", "child bucket "+name+" already exists")
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "boltstore", "CreateGroup", "create child bucket "+name)
	}
	return &Group{
		file:       g.file,
		path:       joinPath(g.path, name),
		bucketPath: append(append([][]byte{}, g.bucketPath...), []byte(name)),
	}, nil
}

// OpenGroup implements nexusfile.Group.
func (g *Group) OpenGroup(name string) (nexusfile.Group, error) {
	err := g.file.db.View(func(tx *bbolt.Tx) error {
		parent, err := g.bucket(tx)
		if err != nil {
			return err
		}
		child := parent.Bucket([]byte(name))
		if child == nil {
			return errors.WrapInvalid(errors.ErrConfigInvalid, "boltstore", "OpenGroup", "no such group "+name)
		}
		kind := child.Get([]byte(kindKey))
		if string(kind) != kindGroup {
			return errors.WrapInvalid(errors.ErrConfigInvalid, "boltstore", "OpenGroup", name+" is not a group")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Group{
		file:       g.file,
		path:       joinPath(g.path, name),
		bucketPath: append(append([][]byte{}, g.bucketPath...), []byte(name)),
	}, nil
}

// CreateDataset implements nexusfile.Group.
func (g *Group) CreateDataset(spec nexusfile.DatasetSpec) (nexusfile.Dataset, error) {
	if err := validateChildName(spec.Name); err != nil {
		return nil, err
	}
	err := g.file.db.Update(func(tx *bbolt.Tx) error {
		parent, err := g.bucket(tx)
		if err != nil {
			return err
		}
		child, err := parent.CreateBucket([]byte(spec.Name))
		if err != nil {
			if err == bbolt.ErrBucketExists {
				return errors.ErrGroupAlreadyInit
			}
			return err
		}
		if err := child.Put([]byte(kindKey), []byte(kindDataset)); err != nil {
			return err
		}
		if err := child.Put([]byte(dtypeKey), []byte(spec.Type.String())); err != nil {
			return err
		}
		if err := child.Put([]byte(strSizeKey), []byte(strconv.Itoa(spec.StringSize))); err != nil {
			return err
		}
		return child.Put([]byte(rowCountKey), seqKey(0))
	})
	if err == errors.ErrGroupAlreadyInit {
		return nil, errors.WrapInvalid(err, "boltstore", "CreateDataset", "dataset bucket "+spec.Name+" already exists")
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "boltstore", "CreateDataset", "create dataset bucket "+spec.Name)
	}
	return &Dataset{
		file:       g.file,
		path:       joinPath(g.path, spec.Name),
		bucketPath: append(append([][]byte{}, g.bucketPath...), []byte(spec.Name)),
		dtype:      spec.Type,
		strSize:    spec.StringSize,
	}, nil
}

// OpenDataset implements nexusfile.Group.
func (g *Group) OpenDataset(name string) (nexusfile.Dataset, error) {
	var dtype nexusfile.DType
	var strSize int
	err := g.file.db.View(func(tx *bbolt.Tx) error {
		parent, err := g.bucket(tx)
		if err != nil {
			return err
		}
		child := parent.Bucket([]byte(name))
		if child == nil {
			return errors.WrapInvalid(errors.ErrConfigInvalid, "boltstore", "OpenDataset", "no such dataset "+name)
		}
		if string(child.Get([]byte(kindKey))) != kindDataset {
			return errors.WrapInvalid(errors.ErrConfigInvalid, "boltstore", "OpenDataset", name+" is not a dataset")
		}
		dt, err := nexusfile.ParseDType(string(child.Get([]byte(dtypeKey))))
		if err != nil {
			return err
		}
		dtype = dt
		strSize, _ = strconv.Atoi(string(child.Get([]byte(strSizeKey))))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Dataset{
		file:       g.file,
		path:       joinPath(g.path, name),
		bucketPath: append(append([][]byte{}, g.bucketPath...), []byte(name)),
		dtype:      dtype,
		strSize:    strSize,
	}, nil
}

// CreateLink implements nexusfile.Group, recording the raw target path
// string in this group's reserved "@links" sub-bucket. Resolution into an
// absolute path happens in the template walker's link-resolution pass.
func (g *Group) CreateLink(name, targetPath string) error {
	return g.file.db.Update(func(tx *bbolt.Tx) error {
		parent, err := g.bucket(tx)
		if err != nil {
			return err
		}
		links, err := parent.CreateBucketIfNotExists([]byte(linksBucket))
		if err != nil {
			return err
		}
		return links.Put([]byte(name), []byte(targetPath))
	})
}

// ResolveLink returns the raw target path stored for the link named name in
// this group, as written by CreateLink.
func (g *Group) ResolveLink(name string) (string, error) {
	var target string
	err := g.file.db.View(func(tx *bbolt.Tx) error {
		parent, err := g.bucket(tx)
		if err != nil {
			return err
		}
		links := parent.Bucket([]byte(linksBucket))
		if links == nil {
			return errors.WrapInvalid(errors.ErrConfigInvalid, "boltstore", "ResolveLink", "no links in group "+g.path)
		}
		raw := links.Get([]byte(name))
		if raw == nil {
			return errors.WrapInvalid(errors.ErrConfigInvalid, "boltstore", "ResolveLink", "no such link "+name)
		}
		target = string(raw)
		return nil
	})
	return target, err
}

// WriteAttributeScalar implements nexusfile.Attributable for groups.
func (g *Group) WriteAttributeScalar(name string, dtype nexusfile.DType, value any) error {
	return writeAttribute(g.file, g.bucketPath, name, dtype, 0, value)
}

// WriteAttributeString implements nexusfile.Attributable for groups.
func (g *Group) WriteAttributeString(name, value string) error {
	return writeAttribute(g.file, g.bucketPath, name, nexusfile.String, 0, value)
}

// writeAttribute is shared by Group and Dataset: it encodes value and stores
// it, type-tagged, in the owning bucket's reserved "@attrs" sub-bucket.
func writeAttribute(f *File, bucketPath [][]byte, name string, dtype nexusfile.DType, strSize int, value any) error {
	encoded, err := encodeScalar(dtype, strSize, value)
	if err != nil {
		return err
	}
	return f.db.Update(func(tx *bbolt.Tx) error {
		owner := navigate(tx, bucketPath)
		if owner == nil {
			return errors.WrapFatal(errors.ErrConfigInvalid, "boltstore", "writeAttribute", "owning bucket missing")
		}
		attrs, err := owner.CreateBucketIfNotExists([]byte(attrsBucket))
		if err != nil {
			return err
		}
		if err := attrs.Put([]byte(name+"@type"), []byte(dtype.String())); err != nil {
			return err
		}
		return attrs.Put([]byte(name), encoded)
	})
}
