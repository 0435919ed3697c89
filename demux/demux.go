// Package demux implements the Topic Demultiplexer (spec.md §3, §4.4):
// one instance per topic within a job, mapping a source_hash to the
// bound Source and routing each envelope to its writer module. Grounded
// on original_source/src/DemuxTopic.h's per-topic source map, with the
// hashing convention (hash/fnv, as used for similar routing keys in
// fabricekabongo-chronicles/internal/hashroute and
// downfa11-cursus/util/hash.go) standing in for the original's
// std::hash-based source lookup.
package demux

import (
	"hash/fnv"
	"sync"

	"github.com/umithardal/kafka-to-nexus/envelope"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/source"
)

// Outcome classifies the result of demultiplexing one envelope (spec.md
// §4.4 step-by-step flow). None of these values represent a Go error;
// callers branch on Outcome, not on err != nil. For WriteFailed the writer
// module's underlying error is not returned to the caller.
type Outcome int

const (
	// Processed means the envelope reached its writer module successfully.
	Processed Outcome = iota
	// BadPayload means the payload was shorter than 8 bytes.
	BadPayload
	// UnknownSchema means no flatbuffer reader is registered for the tag,
	// or the reader could not extract source/timestamp from the payload.
	UnknownSchema
	// MissingTimestamp means the extracted timestamp was zero.
	MissingTimestamp
	// UnknownSource means no Source is bound for this (source, schema) pair.
	UnknownSource
	// Filtered means the envelope's timestamp precedes the job's start time,
	// or repeats a timestamp the writer module declined to accept twice.
	Filtered
	// SourceCompleted means the envelope's timestamp passed the job's stop
	// time; the source has been pruned from the demultiplexer.
	SourceCompleted
	// WriteFailed means the writer module rejected the payload; the message
	// is dropped but the writer module is not torn down.
	WriteFailed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case BadPayload:
		return "bad_payload"
	case UnknownSchema:
		return "unknown_schema"
	case MissingTimestamp:
		return "missing_timestamp"
	case UnknownSource:
		return "unknown_source"
	case Filtered:
		return "filtered"
	case SourceCompleted:
		return "source_completed"
	case WriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// Counter receives one increment per classified outcome, for the metrics
// facade (spec.md §4.4: "all outcomes feed per-topic counters").
type Counter interface {
	IncOutcome(topic string, outcome Outcome)
}

type noopCounter struct{}

func (noopCounter) IncOutcome(string, Outcome) {}

// Topic is one Topic Demultiplexer instance, scoped to a single topic
// within a single job (spec.md §3 "Topic Demultiplexer").
type Topic struct {
	name        string
	startTimeNs int64
	stopTimeNs  int64

	readers *registry.ReaderRegistry
	counter Counter

	mu      sync.Mutex
	sources map[uint64]*source.Source
}

// New returns a Topic demultiplexer for name, bound to job start/stop
// times in nanoseconds (zero start means "no lower bound"; zero stop
// means "run until explicit stop", per spec.md §3).
func New(name string, startTimeNs, stopTimeNs int64, readers *registry.ReaderRegistry, counter Counter) *Topic {
	if counter == nil {
		counter = noopCounter{}
	}
	return &Topic{
		name:        name,
		startTimeNs: startTimeNs,
		stopTimeNs:  stopTimeNs,
		readers:     readers,
		counter:     counter,
		sources:     make(map[uint64]*source.Source),
	}
}

// sourceHash computes the fast hash of a (source_name, schema_id) pair
// (spec.md §3 "Source Key").
func sourceHash(sourceName, schemaID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sourceName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(schemaID))
	return h.Sum64()
}

// Bind registers src under its Source Key. Returns
// errors.ErrAlreadyRegistered if a source with the same key is already
// bound (spec.md §3: "at most one Source exists per (topic, source_name,
// schema_id)").
func (t *Topic) Bind(src *source.Source) error {
	h := sourceHash(src.Key.SourceName, src.Key.SchemaID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sources[h]; exists {
		return kerrors.WrapInvalid(kerrors.ErrAlreadyRegistered, "demux.Topic", "Bind", "source "+src.Key.SourceName)
	}
	t.sources[h] = src
	return nil
}

// SourceCount returns the number of sources currently bound. Used by the
// partition consumer's stop-time evaluator: a topic with zero remaining
// sources has had every source pruned via SourceCompleted.
func (t *Topic) SourceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// Process implements the spec.md §4.4 flow for one envelope.
func (t *Topic) Process(env *envelope.Envelope) Outcome {
	schemaID, err := env.SchemaID()
	if err != nil {
		t.counter.IncOutcome(t.name, BadPayload)
		return BadPayload
	}

	reader, err := t.readers.Get(schemaID)
	if err != nil {
		t.counter.IncOutcome(t.name, UnknownSchema)
		return UnknownSchema
	}
	sourceName, err := reader.SourceName(env.Payload())
	if err != nil {
		t.counter.IncOutcome(t.name, UnknownSchema)
		return UnknownSchema
	}
	timestampNs, err := reader.TimestampNs(env.Payload())
	if err != nil {
		t.counter.IncOutcome(t.name, UnknownSchema)
		return UnknownSchema
	}
	if timestampNs == 0 {
		t.counter.IncOutcome(t.name, MissingTimestamp)
		return MissingTimestamp
	}

	h := sourceHash(sourceName, schemaID)

	t.mu.Lock()
	src, exists := t.sources[h]
	t.mu.Unlock()
	if !exists {
		t.counter.IncOutcome(t.name, UnknownSource)
		return UnknownSource
	}

	if t.startTimeNs > 0 && timestampNs < t.startTimeNs {
		t.counter.IncOutcome(t.name, Filtered)
		return Filtered
	}
	if t.stopTimeNs > 0 && timestampNs > t.stopTimeNs {
		t.mu.Lock()
		delete(t.sources, h)
		t.mu.Unlock()
		t.counter.IncOutcome(t.name, SourceCompleted)
		return SourceCompleted
	}

	if src.MessagesWritten() > 0 && timestampNs == src.LastTimestampNs() && !src.AcceptsRepeatedTimestamps() {
		t.counter.IncOutcome(t.name, Filtered)
		return Filtered
	}

	if _, err := src.Writer().Write(env); err != nil {
		src.RecordDrop()
		t.counter.IncOutcome(t.name, WriteFailed)
		return WriteFailed
	}
	src.RecordWrite(timestampNs)
	t.counter.IncOutcome(t.name, Processed)
	return Processed
}
