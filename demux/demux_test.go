package demux

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umithardal/kafka-to-nexus/envelope"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
	"github.com/umithardal/kafka-to-nexus/nexusfile/boltstore"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/source"
	"github.com/umithardal/kafka-to-nexus/wireformat"
	"github.com/umithardal/kafka-to-nexus/writer"
	"github.com/umithardal/kafka-to-nexus/writer/f142"
)

func setup(t *testing.T, startNs, stopNs int64) (*Topic, *source.Source) {
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

	topic := New("T", startNs, stopNs, readers, nil)
	src := source.New(source.Key{SourceName: "S", SchemaID: f142.SchemaID}, "T", mod)
	require.NoError(t, topic.Bind(src))
	return topic, src
}

func envAt(t *testing.T, ts int64, value float64) *envelope.Envelope {
	t.Helper()
	body := wireformat.EncodeFloat64s([]float64{value})
	payload := wireformat.BuildHeader(f142.SchemaID, "S", ts, body)
	return envelope.New(payload, 0, ts/1e6, envelope.CreateTime, "T", 0)
}

func TestProcess_Happy(t *testing.T) {
	topic, src := setup(t, 0, 0)
	outcome := topic.Process(envAt(t, 1000, 1.0))
	assert.Equal(t, Processed, outcome)
	assert.EqualValues(t, 1, src.MessagesWritten())
	assert.EqualValues(t, 1000, src.LastTimestampNs())
}

func TestProcess_BadPayload(t *testing.T) {
	topic, _ := setup(t, 0, 0)
	outcome := topic.Process(envelope.New([]byte{1, 2, 3}, 0, 0, envelope.NotAvailable, "T", 0))
	assert.Equal(t, BadPayload, outcome)
}

func TestProcess_UnknownSchema(t *testing.T) {
	topic, _ := setup(t, 0, 0)
	body := wireformat.EncodeFloat64s([]float64{1.0})
	payload := wireformat.BuildHeader("xxxx", "S", 1000, body)
	env := envelope.New(payload, 0, 1, envelope.CreateTime, "T", 0)
	outcome := topic.Process(env)
	assert.Equal(t, UnknownSchema, outcome)
}

func TestProcess_UnknownSource(t *testing.T) {
	topic, _ := setup(t, 0, 0)
	body := wireformat.EncodeFloat64s([]float64{1.0})
	payload := wireformat.BuildHeader(f142.SchemaID, "other", 1000, body)
	env := envelope.New(payload, 0, 1, envelope.CreateTime, "T", 0)
	outcome := topic.Process(env)
	assert.Equal(t, UnknownSource, outcome)
}

func TestProcess_Filtered_BeforeStart(t *testing.T) {
	topic, src := setup(t, 5000, 0)
	outcome := topic.Process(envAt(t, 1000, 1.0))
	assert.Equal(t, Filtered, outcome)
	assert.EqualValues(t, 0, src.MessagesWritten())
}

// TestProcess_SourceCompleted mirrors spec.md §8 scenario 3: a message
// past the job's stop time prunes the source and reports SourceCompleted.
func TestProcess_SourceCompleted(t *testing.T) {
	topic, _ := setup(t, 0, 1000)
	outcome := topic.Process(envAt(t, 1500, 1.0))
	assert.Equal(t, SourceCompleted, outcome)
	assert.Equal(t, 0, topic.SourceCount())

	// A second message for the same (now-pruned) source reports UnknownSource.
	outcome = topic.Process(envAt(t, 1600, 2.0))
	assert.Equal(t, UnknownSource, outcome)
}

func TestProcess_MissingTimestamp(t *testing.T) {
	topic, _ := setup(t, 0, 0)
	outcome := topic.Process(envAt(t, 0, 1.0))
	assert.Equal(t, MissingTimestamp, outcome)
}

type alwaysFailWriter struct{}

func (alwaysFailWriter) ParseConfig(json.RawMessage) error { return nil }
func (alwaysFailWriter) Init(nexusfile.Group) error        { return nil }
func (alwaysFailWriter) Reopen(nexusfile.Group) error      { return nil }
func (alwaysFailWriter) Flush() error                      { return nil }
func (alwaysFailWriter) Close() error                      { return nil }
func (alwaysFailWriter) Write(*envelope.Envelope) (writer.WriteResult, error) {
	return writer.WriteResult{}, errors.New("rejected")
}

func TestProcess_WriteFailed_RecordsDrop(t *testing.T) {
	readers := registry.NewReaderRegistry()
	require.NoError(t, readers.Register(f142.SchemaID, f142.Reader{}))

	topic := New("T", 0, 0, readers, nil)
	src := source.New(source.Key{SourceName: "S", SchemaID: f142.SchemaID}, "T", alwaysFailWriter{})
	require.NoError(t, topic.Bind(src))

	outcome := topic.Process(envAt(t, 1000, 1.0))
	assert.Equal(t, WriteFailed, outcome)
	assert.EqualValues(t, 0, src.MessagesWritten())
	assert.EqualValues(t, 1, src.MessagesDropped())
}
