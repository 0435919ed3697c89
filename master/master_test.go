package master

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
	"github.com/umithardal/kafka-to-nexus/command"
	"github.com/umithardal/kafka-to-nexus/config"
	"github.com/umithardal/kafka-to-nexus/envelope"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/writer/f142"
)

type fakeConsumer struct {
	mu        sync.Mutex
	envelopes []*envelope.Envelope
}

func (f *fakeConsumer) AddTopic(ctx context.Context, topic string, partition int32) error {
	return nil
}
func (f *fakeConsumer) AddTopicAtTimestamp(ctx context.Context, topic string, partition int32, startMs int64) error {
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
func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) push(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, envelope.New(payload, 0, 0, envelope.NotAvailable, "control", 0))
}

type fakeProducer struct {
	mu       sync.Mutex
	produced [][]byte
}

func (p *fakeProducer) Produce(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.produced = append(p.produced, payload)
	return nil
}
func (p *fakeProducer) OutqLen() int { return 0 }
func (p *fakeProducer) Close() error { return nil }

type fakeClient struct {
	mu       sync.Mutex
	control  *fakeConsumer
	producer *fakeProducer
}

func (c *fakeClient) TopicPresent(ctx context.Context, topic string) (bool, error) { return true, nil }
func (c *fakeClient) QueryTopicPartitions(ctx context.Context, topic string) ([]int32, error) {
	return []int32{0}, nil
}

// NewConsumer hands out the shared control-topic consumer exactly once
// (the master's own control-topic poller); every later call (partition
// consumers spun up by a job's orchestrator) gets its own empty
// consumer so job data streams never compete with control dispatch.
func (c *fakeClient) NewConsumer() (broker.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.control == nil {
		c.control = &fakeConsumer{}
		return c.control, nil
	}
	return &fakeConsumer{}, nil
}
func (c *fakeClient) NewProducer(topic string) (broker.Producer, error) {
	if c.producer == nil {
		c.producer = &fakeProducer{}
	}
	return c.producer, nil
}
func (c *fakeClient) Close() error { return nil }

func newTestMaster(t *testing.T) (*Master, *fakeClient) {
	t.Helper()
	writerRegistry := registry.NewWriterRegistry()
	require.NoError(t, writerRegistry.Register(f142.SchemaID, f142.Factory()))
	readerRegistry := registry.NewReaderRegistry()
	require.NoError(t, readerRegistry.Register(f142.SchemaID, f142.Reader{}))

	cfg := config.Default()
	cfg.Control.StatusInterval = 10 * time.Millisecond
	cfg.Control.StatusRatePerSec = 1000

	client := &fakeClient{}

	m := New(Dependencies{
		Client:         client,
		WriterRegistry: writerRegistry,
		ReaderRegistry: readerRegistry,
		Config:         cfg,
	})
	return m, client
}

func newJobCmd(t *testing.T, jobID, fileName string) command.NewJobCommand {
	t.Helper()
	nexusStructure := json.RawMessage(`{
		"children": [
			{"type": "group", "name": "entry", "children": [
				{"type": "stream", "topic": "T", "source": "S", "writer_module": "f142", "type": "double"}
			]}
		]
	}`)
	return command.NewJobCommand{
		JobID:          jobID,
		FileName:       fileName,
		NexusStructure: nexusStructure,
		Streams:        []command.StreamDecl{{Topic: "T", Source: "S", WriterModule: "f142"}},
	}
}

func TestMaster_HandleNew_CreatesAndStartsJob(t *testing.T) {
	m, _ := newTestMaster(t)
	cmd := newJobCmd(t, "job-1", filepath.Join(t.TempDir(), "f.nxs"))

	require.NoError(t, m.HandleNew(cmd))

	m.mu.Lock()
	_, ok := m.jobs["job-1"]
	m.mu.Unlock()
	assert.True(t, ok)

	require.NoError(t, m.shutdownAll(context.Background()))
}

func TestMaster_HandleNew_DuplicateJobIDRejected(t *testing.T) {
	m, _ := newTestMaster(t)
	dir := t.TempDir()
	cmd := newJobCmd(t, "job-dup", filepath.Join(dir, "f.nxs"))
	require.NoError(t, m.HandleNew(cmd))

	cmd2 := newJobCmd(t, "job-dup", filepath.Join(dir, "g.nxs"))
	err := m.HandleNew(cmd2)
	assert.Error(t, err)

	require.NoError(t, m.shutdownAll(context.Background()))
}

// TestMaster_HandleNew_ResumesExistingFile mirrors spec.md's round-trip
// law (reopening the file yields the same usable streams) at the
// master/job/orchestrator level, not just against a writer module
// directly: a job started and stopped against a path, then started again
// against the same path, must resume rather than fail with
// ErrNoUsableStreams.
func TestMaster_HandleNew_ResumesExistingFile(t *testing.T) {
	m, _ := newTestMaster(t)
	path := filepath.Join(t.TempDir(), "f.nxs")

	cmd := newJobCmd(t, "job-first", path)
	require.NoError(t, m.HandleNew(cmd))
	require.NoError(t, m.shutdownAll(context.Background()))

	resumeCmd := newJobCmd(t, "job-second", path)
	require.NoError(t, m.HandleNew(resumeCmd))

	m.mu.Lock()
	_, ok := m.jobs["job-second"]
	m.mu.Unlock()
	assert.True(t, ok)

	require.NoError(t, m.shutdownAll(context.Background()))
}

func TestMaster_HandleStop_UnknownJobRejected(t *testing.T) {
	m, _ := newTestMaster(t)
	err := m.HandleStop(command.StopJobCommand{JobID: "nope"})
	assert.Error(t, err)
}

func TestMaster_HandleStop_ImmediateStopRemovesJob(t *testing.T) {
	m, _ := newTestMaster(t)
	cmd := newJobCmd(t, "job-stop", filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, m.HandleNew(cmd))

	require.NoError(t, m.HandleStop(command.StopJobCommand{JobID: "job-stop"}))

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		aj, ok := m.jobs["job-stop"]
		if !ok {
			return true
		}
		return aj.job.State().String() == "terminated"
	}, time.Second, 5*time.Millisecond)
}

func TestMaster_Run_DispatchesNewThenExit(t *testing.T) {
	m, client := newTestMaster(t)

	cmdJSON, err := json.Marshal(map[string]any{
		"cmd":             "FileWriter_new",
		"job_id":          "job-run",
		"file_attributes": map[string]string{"file_name": filepath.Join(t.TempDir(), "f.nxs")},
		"nexus_structure": json.RawMessage(`{"children": [{"type": "stream", "topic": "T", "source": "S", "writer_module": "f142", "type": "double"}]}`),
		"streams":         []map[string]string{{"topic": "T", "source": "S", "writer_module": "f142"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return client.control != nil }, time.Second, 5*time.Millisecond)
	client.control.push(cmdJSON)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.jobs["job-run"]
		return ok
	}, time.Second, 5*time.Millisecond)

	exitJSON, err := json.Marshal(map[string]any{"cmd": "FileWriter_exit"})
	require.NoError(t, err)
	client.control.push(exitJSON)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("master.Run did not return after FileWriter_exit")
	}
}
