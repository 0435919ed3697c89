// Package f142 is a writer module for scalar-or-array EPICS PV
// value-at-time data, the most common writer module in the original
// system (original_source/src/schemas/f142/f142_rw.cpp) and the one
// spec.md §8's round-trip scenario exercises directly.
//
// It writes four datasets under its bound group:
//
//	value               - the PV value, one row per scalar, or array_size
//	                      flattened rows per message in array mode
//	time                - uint64 nanosecond timestamp, one row per message
//	cue_timestamp_zero  - sparse cue index, per spec.md §9
//	cue_index           - sparse cue index, per spec.md §9
package f142

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
const SchemaID = "f142"

const chunkSize = 64 * 1024

// Config is the stream's per-module JSON configuration
// (spec.md §4.8 streams[].writer_config).
type Config struct {
	Source    string `json:"source"`
	Type      string `json:"type"`
	ArraySize int    `json:"array_size"`
	Nexus     struct {
		Indices struct {
			IndexEveryKB uint64 `json:"index_every_kb"`
			IndexEveryMB uint64 `json:"index_every_mb"`
		} `json:"indices"`
	} `json:"nexus"`
}

// Module implements writer.Module for the f142 schema.
type Module struct {
	cfg Config

	dtype   nexusfile.DType
	value   nexusfile.Dataset
	time    nexusfile.Dataset
	cueTs   nexusfile.Dataset
	cueIdx  nexusfile.Dataset

	indexEveryBytes  uint64
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
		return kerrors.WrapInvalid(err, "f142.Module", "ParseConfig", "unmarshal stream config")
	}
	if m.cfg.Type == "" {
		return kerrors.WrapInvalid(kerrors.ErrConfigInvalid, "f142.Module", "ParseConfig", "missing type")
	}
	dtype, err := nexusfile.ParseDType(m.cfg.Type)
	if err != nil {
		return kerrors.WrapInvalid(err, "f142.Module", "ParseConfig", "type "+m.cfg.Type)
	}
	m.dtype = dtype
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
	if err := group.WriteAttributeString("NX_class", "NXlog"); err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Init", "write NX_class attribute")
	}
	value, err := group.CreateDataset(nexusfile.DatasetSpec{Name: "value", Type: m.dtype, Unlimited: true, ChunkSize: chunkSize})
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Init", "create value dataset")
	}
	timeDs, err := group.CreateDataset(nexusfile.DatasetSpec{Name: "time", Type: nexusfile.Uint64, Unlimited: true, ChunkSize: chunkSize})
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Init", "create time dataset")
	}
	cueTs, err := group.CreateDataset(nexusfile.DatasetSpec{Name: "cue_timestamp_zero", Type: nexusfile.Uint64, Unlimited: true, ChunkSize: chunkSize})
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Init", "create cue_timestamp_zero dataset")
	}
	cueIdx, err := group.CreateDataset(nexusfile.DatasetSpec{Name: "cue_index", Type: nexusfile.Uint64, Unlimited: true, ChunkSize: chunkSize})
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Init", "create cue_index dataset")
	}
	m.value, m.time, m.cueTs, m.cueIdx = value, timeDs, cueTs, cueIdx
	return nil
}

// Reopen implements writer.Module.
func (m *Module) Reopen(group nexusfile.Group) error {
	value, err := group.OpenDataset("value")
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Reopen", "open value dataset")
	}
	timeDs, err := group.OpenDataset("time")
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Reopen", "open time dataset")
	}
	cueTs, err := group.OpenDataset("cue_timestamp_zero")
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Reopen", "open cue_timestamp_zero dataset")
	}
	cueIdx, err := group.OpenDataset("cue_index")
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Reopen", "open cue_index dataset")
	}
	m.value, m.time, m.cueTs, m.cueIdx = value, timeDs, cueTs, cueIdx
	n, err := value.Len()
	if err != nil {
		return kerrors.WrapFatal(err, "f142.Module", "Reopen", "read existing row count")
	}
	m.totalWrittenBytes = n * dtypeWidth(m.dtype)
	m.indexAtBytes = m.totalWrittenBytes
	return nil
}

// Write implements writer.Module.
func (m *Module) Write(env *envelope.Envelope) (writer.WriteResult, error) {
	_, timestampNs, body, err := wireformat.ParseHeader(env.Payload())
	if err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "f142.Module", "Write", "parse body")
	}
	values, err := wireformat.DecodeFloat64s(body)
	if err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "f142.Module", "Write", "decode values")
	}
	rows := make([]any, len(values))
	for i, v := range values {
		rows[i] = convertToDType(m.dtype, v)
	}
	ix0, err := m.value.Append(rows...)
	if err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "f142.Module", "Write", "append value")
	}
	if _, err := m.time.Append(uint64(timestampNs)); err != nil {
		return writer.WriteResult{}, kerrors.WrapTransient(err, "f142.Module", "Write", "append time")
	}

	writtenBytes := len(values) * int(dtypeWidth(m.dtype))
	m.totalWrittenBytes += uint64(writtenBytes)
	if uint64(timestampNs) > m.tsMax {
		m.tsMax = uint64(timestampNs)
	}
	if m.totalWrittenBytes-m.indexAtBytes >= m.indexEveryBytes {
		if _, err := m.cueTs.Append(m.tsMax); err != nil {
			return writer.WriteResult{}, kerrors.WrapTransient(err, "f142.Module", "Write", "append cue_timestamp_zero")
		}
		if _, err := m.cueIdx.Append(ix0); err != nil {
			return writer.WriteResult{}, kerrors.WrapTransient(err, "f142.Module", "Write", "append cue_index")
		}
		m.indexAtBytes = m.totalWrittenBytes
	}
	return writer.WriteResult{WrittenBytes: writtenBytes, Ix0: ix0}, nil
}

// Flush implements writer.Module.
func (m *Module) Flush() error { return nil }

// Close implements writer.Module.
func (m *Module) Close() error { return nil }

// convertToDType narrows the wire format's float64 carrier to the module's
// declared element type before the value reaches the file backend's
// type-dispatching encoder.
func convertToDType(t nexusfile.DType, v float64) any {
	switch t {
	case nexusfile.Uint8:
		return uint8(v)
	case nexusfile.Uint16:
		return uint16(v)
	case nexusfile.Uint32:
		return uint32(v)
	case nexusfile.Uint64:
		return uint64(v)
	case nexusfile.Int8:
		return int8(v)
	case nexusfile.Int16:
		return int16(v)
	case nexusfile.Int32:
		return int32(v)
	case nexusfile.Int64:
		return int64(v)
	case nexusfile.Float32:
		return float32(v)
	default:
		return v
	}
}

func dtypeWidth(t nexusfile.DType) uint64 {
	switch t {
	case nexusfile.Uint8, nexusfile.Int8:
		return 1
	case nexusfile.Uint16, nexusfile.Int16:
		return 2
	case nexusfile.Uint32, nexusfile.Int32, nexusfile.Float32:
		return 4
	default:
		return 8
	}
}

// Reader implements registry.FlatbufferReader for the f142 schema.
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
