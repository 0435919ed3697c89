// Package source implements the Source type (spec.md §3 "Source"): the
// binding of a (source_name, schema_id) pair to a live writer-module
// instance within one job, grounded on original_source/src/Source.cpp's
// per-producer bookkeeping recast as a small owning Go struct.
package source

import (
	"sync/atomic"

	"github.com/umithardal/kafka-to-nexus/writer"
)

// Key identifies a Source within a topic demultiplexer: the pair
// (source_name, schema_id) spec.md §3 calls the "Source Key".
type Key struct {
	SourceName string
	SchemaID   string
}

// Source owns exactly one writer module instance for the lifetime of a
// job (spec.md §3's ownership summary: "a source exclusively owns its
// writer module").
type Source struct {
	Key   Key
	Topic string

	writer writer.Module

	messagesWritten atomic.Uint64
	messagesDropped atomic.Uint64
	lastTimestampNs atomic.Int64
}

// New returns a Source bound to w, ready to receive Write calls.
func New(key Key, topic string, w writer.Module) *Source {
	return &Source{Key: key, Topic: topic, writer: w}
}

// Writer returns the bound writer module instance.
func (s *Source) Writer() writer.Module { return s.writer }

// RecordWrite updates the source's bookkeeping counters after a
// successful write of a message at timestampNs.
func (s *Source) RecordWrite(timestampNs int64) {
	s.messagesWritten.Add(1)
	s.lastTimestampNs.Store(timestampNs)
}

// MessagesWritten returns the number of messages this source has
// successfully written so far.
func (s *Source) MessagesWritten() uint64 { return s.messagesWritten.Load() }

// RecordDrop counts a message that reached this source but was rejected
// by its writer module (demux.WriteFailed).
func (s *Source) RecordDrop() { s.messagesDropped.Add(1) }

// MessagesDropped returns the number of messages rejected by this
// source's writer module so far.
func (s *Source) MessagesDropped() uint64 { return s.messagesDropped.Load() }

// LastTimestampNs returns the timestamp of the last message this source
// wrote, or zero if none yet.
func (s *Source) LastTimestampNs() int64 { return s.lastTimestampNs.Load() }

// AcceptsRepeatedTimestamps reports whether the bound writer module wants
// to see envelopes whose timestamp repeats the previously seen one
// (spec.md §4.1: "the demux honours that flag when deduplicating").
// Modules that do not implement writer.RepeatedTimestampPolicy default to
// accepting repeats, since the core dataset model is append-only and has
// no inherent notion of a duplicate row.
func (s *Source) AcceptsRepeatedTimestamps() bool {
	if p, ok := s.writer.(writer.RepeatedTimestampPolicy); ok {
		return p.AcceptsRepeatedTimestamps()
	}
	return true
}

// Close releases the bound writer module. Safe to call once; the caller
// (the stream orchestrator during finalization) must not call Write after
// Close.
func (s *Source) Close() error {
	return s.writer.Close()
}
