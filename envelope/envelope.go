// Package envelope defines the Message Envelope: an owned byte payload
// plus the broker metadata the partition consumer attaches to it. It is
// the unit of work handed from the broker down to a writer module.
package envelope

import (
	"time"

	"github.com/umithardal/kafka-to-nexus/errors"
)

// TimestampType distinguishes how the broker-reported timestamp was derived.
type TimestampType int

const (
	// NotAvailable means the broker attached no timestamp to the message.
	NotAvailable TimestampType = iota
	// CreateTime means the timestamp was set by the producer at creation.
	CreateTime
	// LogAppendTime means the timestamp was set by the broker on append.
	LogAppendTime
)

func (t TimestampType) String() string {
	switch t {
	case CreateTime:
		return "create_time"
	case LogAppendTime:
		return "log_append_time"
	default:
		return "not_available"
	}
}

// schemaIDOffset and schemaIDLen fix the location of the 4-byte ASCII
// schema tag within the payload, per the flatbuffer file_identifier
// convention used by every schema in this system.
const (
	schemaIDOffset = 4
	schemaIDLen    = 4
	minPayloadLen  = schemaIDOffset + schemaIDLen
)

// Envelope is immutable after construction. It is created once per poll by
// a partition consumer, routed to at most one writer module, then dropped.
type Envelope struct {
	payload       []byte
	offset        int64
	timestampMs   int64
	timestampType TimestampType
	topic         string
	partition     int32
}

// New constructs an Envelope. payload is taken by reference; callers must
// not mutate it afterwards, matching the "owned" semantics of the source
// system's Msg type.
func New(payload []byte, offset int64, timestampMs int64, tsType TimestampType, topic string, partition int32) *Envelope {
	return &Envelope{
		payload:       payload,
		offset:        offset,
		timestampMs:   timestampMs,
		timestampType: tsType,
		topic:         topic,
		partition:     partition,
	}
}

// Payload returns the raw message bytes.
func (e *Envelope) Payload() []byte { return e.payload }

// Offset returns the broker-assigned, partition-monotone offset.
func (e *Envelope) Offset() int64 { return e.offset }

// TimestampMs returns the broker wall-clock timestamp in milliseconds, or 0
// if unavailable.
func (e *Envelope) TimestampMs() int64 { return e.timestampMs }

// TimestampType returns how TimestampMs was derived.
func (e *Envelope) TimestampType() TimestampType { return e.timestampType }

// Topic returns the originating topic name.
func (e *Envelope) Topic() string { return e.topic }

// Partition returns the originating partition id.
func (e *Envelope) Partition() int32 { return e.partition }

// SchemaID extracts the 4-byte ASCII schema tag from payload[4:8].
// Returns errors.ErrBadPayload if the payload is shorter than 8 bytes.
func (e *Envelope) SchemaID() (string, error) {
	if len(e.payload) < minPayloadLen {
		return "", errors.WrapInvalid(errors.ErrBadPayload, "Envelope", "SchemaID", "payload length check")
	}
	return string(e.payload[schemaIDOffset:minPayloadLen]), nil
}

// CreatedAt renders TimestampMs as a time.Time for logging convenience.
func (e *Envelope) CreatedAt() time.Time {
	if e.timestampMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.timestampMs)
}
