package partition

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umithardal/kafka-to-nexus/broker"
	"github.com/umithardal/kafka-to-nexus/demux"
	"github.com/umithardal/kafka-to-nexus/envelope"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile/boltstore"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/source"
	"github.com/umithardal/kafka-to-nexus/wireformat"
	"github.com/umithardal/kafka-to-nexus/writer/f142"
)

// fakeConsumer is a hand-written in-memory broker.Consumer test double.
// A real NATS server is not available in this test environment, so this
// stands in for broker/natsbroker.Consumer the way the teacher's
// natsclient test helpers stand in for a live broker connection.
type fakeConsumer struct {
	mu         sync.Mutex
	envelopes  []*envelope.Envelope
	assignErrs []error // consumed in order by AddTopic/AddTopicAtTimestamp
	assigned   bool
	closed     bool
}

func (f *fakeConsumer) nextAssignErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.assignErrs) == 0 {
		return nil
	}
	err := f.assignErrs[0]
	f.assignErrs = f.assignErrs[1:]
	return err
}

func (f *fakeConsumer) AddTopic(ctx context.Context, topic string, partition int32) error {
	if err := f.nextAssignErr(); err != nil {
		return err
	}
	f.mu.Lock()
	f.assigned = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConsumer) AddTopicAtTimestamp(ctx context.Context, topic string, partition int32, startMs int64) error {
	if err := f.nextAssignErr(); err != nil {
		return err
	}
	f.mu.Lock()
	f.assigned = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConsumer) Poll(ctx context.Context, timeout time.Duration) (broker.PollStatus, *envelope.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.envelopes) == 0 {
		return broker.Empty, nil, nil
	}
	env := f.envelopes[0]
	f.envelopes = f.envelopes[1:]
	return broker.Message, env, nil
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newTestTopic(t *testing.T, stopNs int64) (*demux.Topic, *source.Source) {
	t.Helper()
	readers := registry.NewReaderRegistry()
	require.NoError(t, readers.Register(f142.SchemaID, f142.Reader{}))

	f, err := boltstore.CreateExclusive(filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	group, err := f.Root().CreateGroup("entry")
	require.NoError(t, err)

	mod := f142.Factory()()
	require.NoError(t, mod.ParseConfig(json.RawMessage(`{"source":"S","type":"double"}`)))
	require.NoError(t, mod.Init(group))

	topic := demux.New("T", 0, stopNs, readers, nil)
	src := source.New(source.Key{SourceName: "S", SchemaID: f142.SchemaID}, "T", mod)
	require.NoError(t, topic.Bind(src))
	return topic, src
}

func envAt(ts int64, value float64) *envelope.Envelope {
	body := wireformat.EncodeFloat64s([]float64{value})
	payload := wireformat.BuildHeader(f142.SchemaID, "S", ts, body)
	return envelope.New(payload, 0, ts/1e6, envelope.CreateTime, "T", 0)
}

func TestRun_ProcessesMessagesThenStopsOnFlag(t *testing.T) {
	topic, src := newTestTopic(t, 0)
	fc := &fakeConsumer{envelopes: []*envelope.Envelope{envAt(1000, 1.0), envAt(2000, 2.0)}}
	cfg := Config{Topic: "T", Partition: 0}
	c := New(cfg, fc, topic, 1, nil, nil)

	done := make(chan State, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return src.MessagesWritten() == 2 }, time.Second, time.Millisecond)
	c.Stop()

	select {
	case state := <-done:
		assert.Equal(t, Finished, state)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.True(t, fc.closed)
}

func TestRun_StopsWhenAllSourcesPruned(t *testing.T) {
	topic, _ := newTestTopic(t, 1000)
	fc := &fakeConsumer{envelopes: []*envelope.Envelope{envAt(1500, 1.0)}}
	cfg := Config{Topic: "T", Partition: 0}
	c := New(cfg, fc, topic, 1, nil, nil)

	state := c.Run(context.Background())
	assert.Equal(t, Finished, state)
	assert.Equal(t, 0, topic.SourceCount())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	topic, _ := newTestTopic(t, 0)
	fc := &fakeConsumer{}
	cfg := Config{Topic: "T", Partition: 0}
	c := New(cfg, fc, topic, 1, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan State, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case state := <-done:
		assert.Equal(t, Finished, state)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestRun_AssignFailureIsFatal(t *testing.T) {
	topic, _ := newTestTopic(t, 0)
	fc := &fakeConsumer{assignErrs: []error{kerrors.WrapFatal(kerrors.ErrConfigInvalid, "fake", "AddTopic", "boom")}}
	cfg := Config{Topic: "T", Partition: 0}
	c := New(cfg, fc, topic, 1, nil, nil)

	state := c.Run(context.Background())
	assert.Equal(t, Error, state)
}

func TestResolveStartOffset_RetriesTransientThenSucceeds(t *testing.T) {
	topic, _ := newTestTopic(t, 0)
	fc := &fakeConsumer{
		assignErrs: []error{
			kerrors.WrapTransient(kerrors.ErrConfigInvalid, "fake", "AddTopicAtTimestamp", "not ready"),
			nil,
		},
	}
	cfg := Config{Topic: "T", Partition: 0, StartTimeMs: 5000}
	c := New(cfg, fc, topic, 1, nil, nil)

	err := c.resolveStartOffset(context.Background())
	require.NoError(t, err)
	assert.True(t, fc.assigned)
}

func TestResolveStartOffset_FallsBackAfterExhaustingRetries(t *testing.T) {
	topic, _ := newTestTopic(t, 0)
	transient := func() error {
		return kerrors.WrapTransient(kerrors.ErrConfigInvalid, "fake", "AddTopicAtTimestamp", "not ready")
	}
	fc := &fakeConsumer{
		assignErrs: []error{transient(), transient(), transient(), nil},
	}
	cfg := Config{Topic: "T", Partition: 0, StartTimeMs: 5000}
	c := New(cfg, fc, topic, 1, nil, nil)

	err := c.resolveStartOffset(context.Background())
	require.NoError(t, err)
	assert.True(t, fc.assigned)
}
