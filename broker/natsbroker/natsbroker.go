// Package natsbroker adapts NATS JetStream to the broker.Client/
// broker.Consumer/broker.Producer contracts (spec.md §6). Grounded on
// the teacher's natsclient.Client (connection lifecycle, classified
// errors, atomic connection status) but rewritten to the narrower
// poll()-shaped interface spec.md demands; JetStream has no native
// partition concept, so "partition" is mapped to one ordered pull
// consumer per configured partition count per stream subject (see
// SPEC_FULL.md §13's adapter decision).
package natsbroker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/umithardal/kafka-to-nexus/broker"
	"github.com/umithardal/kafka-to-nexus/envelope"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
)

// Config configures a Client. PartitionCounts maps a topic name to the
// number of partition-shaped ordered consumers to expose for it; topics
// absent from the map default to DefaultPartitionCount.
type Config struct {
	URL                   string
	StreamName            string
	PartitionCounts       map[string]int32
	DefaultPartitionCount int32
	LatestOffsetBackoff   time.Duration
}

func (c Config) partitionCount(topic string) int32 {
	if n, ok := c.PartitionCounts[topic]; ok && n > 0 {
		return n
	}
	if c.DefaultPartitionCount > 0 {
		return c.DefaultPartitionCount
	}
	return 1
}

// Client is the broker.Client implementation backed by one NATS
// connection and its JetStream context.
type Client struct {
	cfg  Config
	conn *nats.Conn
	js   jetstream.JetStream

	closed atomic.Bool
}

// Connect dials url and returns a ready Client.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := nats.Connect(cfg.URL, nats.Timeout(5*time.Second))
	if err != nil {
		return nil, kerrors.WrapTransient(err, "natsbroker.Client", "Connect", "dial "+cfg.URL)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, kerrors.WrapFatal(err, "natsbroker.Client", "Connect", "init jetstream context")
	}
	return &Client{cfg: cfg, conn: conn, js: js}, nil
}

// TopicPresent implements broker.Client.
func (c *Client) TopicPresent(ctx context.Context, topic string) (bool, error) {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return false, kerrors.WrapTransient(err, "natsbroker.Client", "TopicPresent", "lookup stream "+c.cfg.StreamName)
	}
	_, err = stream.Info(ctx, jetstream.WithSubjectFilter(topic+".>"))
	return err == nil, nil
}

// QueryTopicPartitions implements broker.Client. JetStream has no native
// partition concept; this returns the configured partition-shaped
// subject count for topic.
func (c *Client) QueryTopicPartitions(ctx context.Context, topic string) ([]int32, error) {
	n := c.cfg.partitionCount(topic)
	partitions := make([]int32, n)
	for i := range partitions {
		partitions[i] = int32(i)
	}
	return partitions, nil
}

// NewConsumer implements broker.Client.
func (c *Client) NewConsumer() (broker.Consumer, error) {
	return &Consumer{client: c}, nil
}

// NewProducer implements broker.Client.
func (c *Client) NewProducer(topic string) (broker.Producer, error) {
	return &Producer{conn: c.conn, subject: topic}, nil
}

// Close implements broker.Client.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Drain()
	}
	return nil
}

// Consumer implements broker.Consumer as one ordered JetStream pull
// consumer, filtered to the subject "<topic>.<partition>".
type Consumer struct {
	client *Client

	topic     string
	partition int32
	subject   string
	consumer  jetstream.Consumer
}

func subjectFor(topic string, partition int32) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}

// AddTopic implements broker.Consumer, starting delivery at the latest
// offset minus the client's configured back-off.
func (c *Consumer) AddTopic(ctx context.Context, topic string, partition int32) error {
	backoff := c.client.cfg.LatestOffsetBackoff
	startTime := time.Now().Add(-backoff)
	return c.assign(ctx, topic, partition, jetstream.DeliverByStartTimePolicy, &startTime)
}

// AddTopicAtTimestamp implements broker.Consumer.
func (c *Consumer) AddTopicAtTimestamp(ctx context.Context, topic string, partition int32, startMs int64) error {
	startTime := time.UnixMilli(startMs)
	return c.assign(ctx, topic, partition, jetstream.DeliverByStartTimePolicy, &startTime)
}

func (c *Consumer) assign(ctx context.Context, topic string, partition int32, policy jetstream.DeliverPolicy, startTime *time.Time) error {
	subject := subjectFor(topic, partition)
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  policy,
	}
	if startTime != nil {
		cfg.OptStartTime = startTime
	}
	consumer, err := c.client.js.OrderedConsumer(ctx, c.client.cfg.StreamName, cfg)
	if err != nil {
		return kerrors.WrapTransient(err, "natsbroker.Consumer", "assign", "create ordered consumer for "+subject)
	}
	c.topic = topic
	c.partition = partition
	c.subject = subject
	c.consumer = consumer
	return nil
}

// Poll implements broker.Consumer.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (broker.PollStatus, *envelope.Envelope, error) {
	if c.consumer == nil {
		return broker.Error, nil, kerrors.WrapInvalid(kerrors.ErrConfigInvalid, "natsbroker.Consumer", "Poll", "consumer not assigned to a topic")
	}

	batch, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if err == context.DeadlineExceeded {
			return broker.TimedOut, nil, nil
		}
		return broker.Error, nil, kerrors.WrapTransient(err, "natsbroker.Consumer", "Poll", "fetch from "+c.subject)
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
		break
	}
	if err := batch.Error(); err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return broker.TimedOut, nil, nil
		}
		return broker.Error, nil, kerrors.WrapTransient(err, "natsbroker.Consumer", "Poll", "drain batch from "+c.subject)
	}
	if msg == nil {
		return broker.Empty, nil, nil
	}

	meta, err := msg.Metadata()
	if err != nil {
		_ = msg.Ack()
		return broker.Error, nil, kerrors.WrapTransient(err, "natsbroker.Consumer", "Poll", "read message metadata")
	}

	env := envelope.New(msg.Data(), int64(meta.Sequence.Stream), meta.Timestamp.UnixMilli(), envelope.CreateTime, c.topic, c.partition)
	_ = msg.Ack()
	return broker.Message, env, nil
}

// Close implements broker.Consumer.
func (c *Consumer) Close() error {
	return nil
}

// Producer implements broker.Producer over a plain NATS core publish
// (the status topic has no need for JetStream's durability guarantees).
type Producer struct {
	conn    *nats.Conn
	subject string
	outq    atomic.Int64
}

// Produce implements broker.Producer.
func (p *Producer) Produce(ctx context.Context, payload []byte) error {
	p.outq.Add(1)
	defer p.outq.Add(-1)
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return kerrors.WrapTransient(err, "natsbroker.Producer", "Produce", "publish to "+p.subject)
	}
	return nil
}

// OutqLen implements broker.Producer.
func (p *Producer) OutqLen() int {
	return int(p.outq.Load())
}

// Close implements broker.Producer.
func (p *Producer) Close() error {
	return p.conn.FlushTimeout(5 * time.Second)
}
