// Package nexusfile defines the hierarchical-file backend contract required
// by the file assembler and writer modules: create/open groups, create
// fixed or chunked-append datasets, write scalar and string attributes,
// and create links. Any storage engine satisfying this contract may be
// substituted; nexusfile/boltstore is the concrete implementation used by
// this repository (see spec.md §6, "File backend interface").
package nexusfile

import "github.com/umithardal/kafka-to-nexus/errors"

// DType is the element type of a dataset or attribute value.
type DType int

// Supported element types, matching spec.md §4.2's dataset.type enum.
const (
	Uint8 DType = iota
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
	String
)

// String returns the JSON template spelling of the type.
func (t DType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float"
	case Float64:
		return "double"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// ParseDType maps a template type string to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "uint8":
		return Uint8, nil
	case "uint16":
		return Uint16, nil
	case "uint32":
		return Uint32, nil
	case "uint64":
		return Uint64, nil
	case "int8":
		return Int8, nil
	case "int16":
		return Int16, nil
	case "int32":
		return Int32, nil
	case "int64":
		return Int64, nil
	case "float":
		return Float32, nil
	case "double":
		return Float64, nil
	case "string":
		return String, nil
	default:
		return 0, errors.WrapInvalid(errors.ErrConfigInvalid, "nexusfile", "ParseDType", "unknown dataset type "+s)
	}
}

// DatasetSpec describes a dataset to be created, either as a bounded
// "fixed" dataset (template-declared, written once) or an "unlimited"
// chunked dataset a writer module appends to over the job's lifetime.
type DatasetSpec struct {
	Name       string
	Type       DType
	Shape      []uint64 // fixed shape; ignored when Unlimited
	Unlimited  bool     // chunked, append-only layout
	ChunkSize  uint64   // rows per chunk when Unlimited; Shape[0] convention
	StringSize int      // > 0: fixed-width strings of this byte length; 0: variable-length
}

// File is a hierarchical container: one per job.
type File interface {
	// Root returns the top-level group ("/").
	Root() Group
	// Flush persists any buffered writes without closing the file.
	Flush() error
	// Close flushes and releases the underlying handle. Safe to call once;
	// a second call is a no-op returning nil (see spec.md §8 "Idempotent stop").
	Close() error
}

// Attributable is implemented by any file object (group or dataset) that
// can carry typed metadata attributes.
type Attributable interface {
	// WriteAttributeScalar writes a single typed scalar attribute.
	WriteAttributeScalar(name string, dtype DType, value any) error
	// WriteAttributeString writes a UTF-8 string attribute.
	WriteAttributeString(name, value string) error
}

// Group is a node in the hierarchy that can contain child groups, datasets,
// and attributes.
type Group interface {
	Attributable
	// Path returns the absolute path of this group ("/entry/instrument").
	Path() string
	// CreateGroup creates and returns a new child group. Returns
	// errors.ErrGroupAlreadyInit if name already exists here.
	CreateGroup(name string) (Group, error)
	// OpenGroup opens an existing child group.
	OpenGroup(name string) (Group, error)
	// CreateDataset creates a new dataset under this group per spec.
	CreateDataset(spec DatasetSpec) (Dataset, error)
	// OpenDataset opens an existing dataset under this group for append
	// (used by writer module Reopen).
	OpenDataset(name string) (Dataset, error)
	// CreateLink creates a link named `name` in this group pointing at
	// targetPath (which may use a leading "../" to step up one level per
	// spec.md §4.2 step 5).
	CreateLink(name, targetPath string) error
}

// Dataset is an append-only or fixed-shape typed array within a group.
type Dataset interface {
	Attributable
	// Append appends one or more rows and returns the zero-based index of
	// the first appended row (the "ix0" of spec.md §4.1's write() result).
	Append(values ...any) (ix0 uint64, err error)
	// Len returns the number of rows currently stored.
	Len() (uint64, error)
	// Type returns the dataset's element type.
	Type() DType
}
