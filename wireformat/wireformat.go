// Package wireformat implements the minimal binary envelope body shared by
// this repository's two representative writer modules (f142, ev42). The
// spec treats payload decoders as external plug-ins (spec.md §1) and
// defines only the 4-byte schema tag at payload[4:8) (spec.md §3). Real
// flatbuffer schemas and their generated decoders are out of scope; this
// package is the concrete, minimal decoder the two shipped modules use in
// their place, following the same header shape (source name, then
// timestamp) that every schema in the original system carries.
package wireformat

import (
	"encoding/binary"
	"math"

	"github.com/umithardal/kafka-to-nexus/errors"
)

const headerFixedLen = 12 // 4 padding + 4 schema tag + 4 name length

// BuildHeader renders the common envelope prefix: 4 bytes of padding (the
// flatbuffer root-offset convention this repo does not otherwise use), the
// 4-byte schema tag, the source name length-prefixed, and the
// nanosecond timestamp. body is appended unchanged after the header.
func BuildHeader(schemaID, sourceName string, timestampNs int64, body []byte) []byte {
	if len(schemaID) != 4 {
		panic("wireformat: schema id must be 4 bytes")
	}
	out := make([]byte, headerFixedLen+len(sourceName)+8+len(body))
	copy(out[4:8], schemaID)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(sourceName)))
	n := headerFixedLen
	n += copy(out[n:], sourceName)
	binary.LittleEndian.PutUint64(out[n:n+8], uint64(timestampNs))
	n += 8
	copy(out[n:], body)
	return out
}

// ParseHeader extracts the source name, timestamp, and the schema-specific
// body from payload. Callers must already have validated the 8-byte
// minimum and schema tag via envelope.Envelope.SchemaID.
func ParseHeader(payload []byte) (sourceName string, timestampNs int64, body []byte, err error) {
	if len(payload) < headerFixedLen {
		return "", 0, nil, errors.WrapInvalid(errors.ErrBadPayload, "wireformat", "ParseHeader", "payload shorter than fixed header")
	}
	nameLen := int(binary.LittleEndian.Uint32(payload[8:12]))
	end := headerFixedLen + nameLen + 8
	if end > len(payload) {
		return "", 0, nil, errors.WrapInvalid(errors.ErrBadPayload, "wireformat", "ParseHeader", "name length exceeds payload")
	}
	sourceName = string(payload[headerFixedLen : headerFixedLen+nameLen])
	ts := binary.LittleEndian.Uint64(payload[headerFixedLen+nameLen : end])
	return sourceName, int64(ts), payload[end:], nil
}

// EncodeFloat64s lays out n float64 values little-endian, back to back.
func EncodeFloat64s(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

// DecodeFloat64s is the inverse of EncodeFloat64s.
func DecodeFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.WrapInvalid(errors.ErrBadPayload, "wireformat", "DecodeFloat64s", "body length not a multiple of 8")
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, nil
}

// EncodeEvents lays out event_id/time_of_flight uint32 pairs, back to back,
// matching the ev42 flat-array-of-events convention.
func EncodeEvents(detectorIDs, timesOfFlight []uint32) []byte {
	n := len(detectorIDs)
	out := make([]byte, 4+8*n)
	binary.LittleEndian.PutUint32(out[0:4], uint32(n))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[4+i*8:], detectorIDs[i])
		binary.LittleEndian.PutUint32(out[4+i*8+4:], timesOfFlight[i])
	}
	return out
}

// DecodeEvents is the inverse of EncodeEvents.
func DecodeEvents(b []byte) (detectorIDs, timesOfFlight []uint32, err error) {
	if len(b) < 4 {
		return nil, nil, errors.WrapInvalid(errors.ErrBadPayload, "wireformat", "DecodeEvents", "body too short for event count")
	}
	n := int(binary.LittleEndian.Uint32(b[0:4]))
	if len(b) != 4+8*n {
		return nil, nil, errors.WrapInvalid(errors.ErrBadPayload, "wireformat", "DecodeEvents", "body length does not match event count")
	}
	detectorIDs = make([]uint32, n)
	timesOfFlight = make([]uint32, n)
	for i := 0; i < n; i++ {
		detectorIDs[i] = binary.LittleEndian.Uint32(b[4+i*8:])
		timesOfFlight[i] = binary.LittleEndian.Uint32(b[4+i*8+4:])
	}
	return detectorIDs, timesOfFlight, nil
}
