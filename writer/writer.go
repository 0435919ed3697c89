// Package writer defines the Writer Module contract: the six operations a
// schema-specific plugin implements to turn envelopes into rows inside a
// hierarchical file group. Concrete modules live in sibling packages
// (writer/f142, writer/ev42) and register themselves with a
// registry.WriterRegistry at program start.
package writer

import (
	"encoding/json"

	"github.com/umithardal/kafka-to-nexus/envelope"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
)

// WriteResult is returned by a successful Write call.
type WriteResult struct {
	WrittenBytes int
	Ix0          uint64
}

// Module is the per-schema writer module contract (spec.md §4.1).
type Module interface {
	// ParseConfig parses the stream's config_json. Called once, before
	// Init or Reopen.
	ParseConfig(rawConfig json.RawMessage) error
	// Init creates this module's datasets and attributes under group. Must
	// not be called twice on the same group; use Reopen instead.
	Init(group nexusfile.Group) error
	// Reopen opens this module's existing datasets under group for append,
	// used when a job resumes against a previously-created file.
	Reopen(group nexusfile.Group) error
	// Write extracts the payload from env and appends it to the module's
	// datasets, returning the bytes written and the index of the first
	// appended row.
	Write(env *envelope.Envelope) (WriteResult, error)
	// Flush persists any buffered state. Best effort.
	Flush() error
	// Close releases any resources held by the module. Must be idempotent.
	Close() error
}

// RepeatedTimestampPolicy is implemented by modules that want the
// demultiplexer to drop envelopes repeating the previous timestamp.
// Modules that do not implement it receive repeated timestamps.
type RepeatedTimestampPolicy interface {
	// AcceptsRepeatedTimestamps reports whether this module should still
	// receive envelopes whose timestamp equals the previously seen one for
	// the same source.
	AcceptsRepeatedTimestamps() bool
}

// Factory builds a new, unconfigured Module instance. One factory is
// registered per schema_id.
type Factory func() Module
