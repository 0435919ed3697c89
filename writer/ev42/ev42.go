// Package ev42 is a writer module for detector event data: each message
// carries one neutron pulse's worth of (detector_id, time_of_flight)
// pairs, pulse-time indexed. Grounded on
// original_source/src/schemas/ev42/ev42_rw.h's dataset layout
// (event_time_offset, event_id, event_time_zero, event_index), with the
// cue datasets fixed per spec.md §9.
package ev42

import (
	"encoding/json"
	"math"

	"github.com/umithardal/kafka-to-nexus/envelope"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
	"github.com/umithardal/kafka-to-nexus/wireformat"
	"github.com/umithardal/kafka-to-nexus/writer"
)

// SchemaID is the 4-byte ASCII tag this module is registered under.
const SchemaID = "ev42"

const chunkSize = 64 * 1024

// Config is the stream's per-module JSON configuration.
type Config struct {
	Source string `json:"source"`
	Nexus  struct {
		Indices struct {
			IndexEveryKB uint64 `json:"index_every_kb"`
			IndexEveryMB uint64 `json:"index_every_mb"`
		} `json:"indices"`
	} `json:"nexus"`
}

// Module implements writer.Module for the ev42 schema.
type Module struct {
	cfg Config

	eventTimeOffset nexusfile.Dataset // uint32, time-of-flight, one row per event
	eventID         nexusfile.Dataset // uint32, detector id, one row per event
	eventTimeZero   nexusfile.Dataset // uint64, pulse timestamp, one row per message
	eventIndex      nexusfile.Dataset // uint64, row offset into the event arrays where this pulse starts
	cueTs           nexusfile.Dataset
	cueIdx          nexusfile.Dataset

	indexEveryBytes   uint64
	totalWrittenBytes uint64
	indexAtBytes      uint64
	tsMax             uint64
}

// Factory returns a writer.Factory for registry.WriterRegistry.Register.
func Factory() writer.Factory {
	return func() writer.Module { return &Module{indexEveryBytes: math.MaxUint64} }
}

// ParseConfig implements writer.Module.
func (m *Module) ParseConfig(raw json.RawMessage) error {
	if err := json.Unmarshal(raw, &m.cfg); err != nil {
		return kerrors.WrapInvalid(err, "ev42.Module", "ParseConfig", "unmarshal stream config")
	}
	switch {
	case m.cfg.Nexus.Indices.IndexEveryKB > 0:
		m.indexEveryBytes = m.cfg.Nexus.Indices.IndexEveryKB * 1024
	case m.cfg.Nexus.Indices.IndexEveryMB > 0:
		m.indexEveryBytes = m.cfg.Nexus.Indices.IndexEveryMB * 1024 * 1024
	}
	return nil
}

// Init implements writer.Module.
func (m *Module) Init(group nexusfile.Group) error {
	if err := group.WriteAttributeString("NX_class", "NXevent_data"); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Init", "write NX_class attribute")
	}
	var err error
	if m.eventTimeOffset, err = group.CreateDataset(nexusfile.DatasetSpec{Name: "event_time_offset", Type: nexusfile.Uint32, Unlimited: true, ChunkSize: chunkSize}); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Init", "create event_time_offset dataset")
	}
	if m.eventID, err = group.CreateDataset(nexusfile.DatasetSpec{Name: "event_id", Type: nexusfile.Uint32, Unlimited: true, ChunkSize: chunkSize}); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Init", "create event_id dataset")
	}
	if m.eventTimeZero, err = group.CreateDataset(nexusfile.DatasetSpec{Name: "event_time_zero", Type: nexusfile.Uint64, Unlimited: true, ChunkSize: chunkSize}); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Init", "create event_time_zero dataset")
	}
	if m.eventIndex, err = group.CreateDataset(nexusfile.DatasetSpec{Name: "event_index", Type: nexusfile.Uint64, Unlimited: true, ChunkSize: chunkSize}); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Init", "create event_index dataset")
	}
	if m.cueTs, err = group.CreateDataset(nexusfile.DatasetSpec{Name: "cue_timestamp_zero", Type: nexusfile.Uint64, Unlimited: true, ChunkSize: chunkSize}); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Init", "create cue_timestamp_zero dataset")
	}
	if m.cueIdx, err = group.CreateDataset(nexusfile.DatasetSpec{Name: "cue_index", Type: nexusfile.Uint64, Unlimited: true, ChunkSize: chunkSize}); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Init", "create cue_index dataset")
	}
	return nil
}

// Reopen implements writer.Module.
func (m *Module) Reopen(group nexusfile.Group) error {
	var err error
	if m.eventTimeOffset, err = group.OpenDataset("event_time_offset"); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Reopen", "open event_time_offset dataset")
	}
	if m.eventID, err = group.OpenDataset("event_id"); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Reopen", "open event_id dataset")
	}
	if m.eventTimeZero, err = group.OpenDataset("event_time_zero"); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Reopen", "open event_time_zero dataset")
	}
	if m.eventIndex, err = group.OpenDataset("event_index"); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Reopen", "open event_index dataset")
	}
	if m.cueTs, err = group.OpenDataset("cue_timestamp_zero"); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Reopen", "open cue_timestamp_zero dataset")
	}
	if m.cueIdx, err = group.OpenDataset("cue_index"); err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Reopen", "open cue_index dataset")
	}
	n, err := m.eventID.Len()
	if err != nil {
		return kerrors.WrapFatal(err, "ev42.Module", "Reopen", "read existing event count")
	}
	m.totalWrittenBytes = n * 8 // event_id + event_time_offset, 4 bytes each
	m.indexAtBytes = m.totalWrittenBytes
	return nil
}

// Write implements writer.Module.
func (m *Module) Write(env *envelope.Envelope) (writer.WriteResult, error) {
	_, pulseTimeNs, body, err := wireformat.ParseHeader(env.Payload())
	if err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "parse body")
	}
	detectorIDs, timesOfFlight, err := wireformat.DecodeEvents(body)
	if err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "decode events")
	}

	idRows := make([]any, len(detectorIDs))
	tofRows := make([]any, len(timesOfFlight))
	for i := range detectorIDs {
		idRows[i] = detectorIDs[i]
		tofRows[i] = timesOfFlight[i]
	}
	ix0, err := m.eventID.Append(idRows...)
	if err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "append event_id")
	}
	if _, err := m.eventTimeOffset.Append(tofRows...); err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "append event_time_offset")
	}
	if _, err := m.eventTimeZero.Append(uint64(pulseTimeNs)); err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "append event_time_zero")
	}
	if _, err := m.eventIndex.Append(ix0); err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "append event_index")
	}

	writtenBytes := len(detectorIDs) * 8
	m.totalWrittenBytes += uint64(writtenBytes)
	if uint64(pulseTimeNs) > m.tsMax {
		m.tsMax = uint64(pulseTimeNs)
	}
	if m.totalWrittenBytes-m.indexAtBytes >= m.indexEveryBytes {
		if _, err := m.cueTs.Append(m.tsMax); err != nil {
			return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "append cue_timestamp_zero")
		}
		if _, err := m.cueIdx.Append(ix0); err != nil {
			return writer.WriteResult{}, kerrors.WrapTransient(err, "ev42.Module", "Write", "append cue_index")
		}
		m.indexAtBytes = m.totalWrittenBytes
	}
	return writer.WriteResult{WrittenBytes: writtenBytes, Ix0: ix0}, nil
}

// Flush implements writer.Module.
func (m *Module) Flush() error { return nil }

// Close implements writer.Module.
func (m *Module) Close() error { return nil }

// Reader implements registry.FlatbufferReader for the ev42 schema.
type Reader struct{}

// SourceName implements registry.FlatbufferReader.
func (Reader) SourceName(payload []byte) (string, error) {
	name, _, _, err := wireformat.ParseHeader(payload)
	return name, err
}

// TimestampNs implements registry.FlatbufferReader.
func (Reader) TimestampNs(payload []byte) (int64, error) {
	_, ts, _, err := wireformat.ParseHeader(payload)
	return ts, err
}
