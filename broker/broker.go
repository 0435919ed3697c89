// Package broker defines the external message-broker interfaces required
// by the partition consumer and master loop (spec.md §6): topic/partition
// discovery, a per-partition poll-based consumer, and a fire-and-forget
// producer for status publication. broker/natsbroker is the concrete
// adapter used by this repository.
package broker

import (
	"context"
	"time"

	"github.com/umithardal/kafka-to-nexus/envelope"
)

// PollStatus classifies the result of one Consumer.Poll call.
type PollStatus int

const (
	// Message means an envelope was returned.
	Message PollStatus = iota
	// Empty means the partition has no message ready within the timeout
	// but has not reached its logical end.
	Empty
	// EndOfPartition means the consumer has caught up to the partition's
	// high-water mark.
	EndOfPartition
	// TimedOut means the poll's bounded wait elapsed with no result.
	TimedOut
	// Error means a transport-level error occurred; non-fatal, the caller
	// counts and continues per spec.md §7 BrokerTransient.
	Error
)

func (s PollStatus) String() string {
	switch s {
	case Message:
		return "message"
	case Empty:
		return "empty"
	case EndOfPartition:
		return "end_of_partition"
	case TimedOut:
		return "timed_out"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Consumer is scoped to one (topic, partition) binding, matching spec.md
// §4.5's "one task per (topic, partition), owns a broker client handle".
type Consumer interface {
	// AddTopic assigns this consumer to partition at the latest available
	// offset, minus a broker-configured back-off.
	AddTopic(ctx context.Context, topic string, partition int32) error
	// AddTopicAtTimestamp assigns this consumer to partition at the offset
	// whose timestamp is >= startMs (spec.md §4.5 "query the broker for
	// the offset whose timestamp >= start_time_ms - before_start_leeway").
	AddTopicAtTimestamp(ctx context.Context, topic string, partition int32, startMs int64) error
	// Poll waits up to timeout for the next message on the assigned
	// partition.
	Poll(ctx context.Context, timeout time.Duration) (PollStatus, *envelope.Envelope, error)
	// Close releases the broker client handle. Safe to call once.
	Close() error
}

// Producer is a fire-and-forget publisher used for the status topic
// (spec.md §6 "broker producer interface").
type Producer interface {
	// Produce enqueues payload for delivery without waiting for an ack.
	Produce(ctx context.Context, payload []byte) error
	// OutqLen reports the number of messages still queued for delivery,
	// for backpressure monitoring.
	OutqLen() int
	// Close flushes any queued messages and releases the handle.
	Close() error
}

// Client is the broker-wide handle used to discover topology and
// construct per-partition Consumers and topic Producers. Kept distinct
// from Consumer/Producer because topology discovery (spec.md §6's
// topic_present/query_topic_partitions) is naturally a connection-wide
// operation, while poll state is naturally per-partition — the same split
// real broker client libraries draw between an admin/metadata client and
// a per-partition consumer handle.
type Client interface {
	// TopicPresent reports whether topic exists on the broker.
	TopicPresent(ctx context.Context, topic string) (bool, error)
	// QueryTopicPartitions returns the partition ids currently configured
	// for topic.
	QueryTopicPartitions(ctx context.Context, topic string) ([]int32, error)
	// NewConsumer returns an unassigned Consumer handle.
	NewConsumer() (Consumer, error)
	// NewProducer returns a Producer bound to topic.
	NewProducer(topic string) (Producer, error)
	// Close releases the broker-wide connection.
	Close() error
}
