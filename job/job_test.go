package job

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umithardal/kafka-to-nexus/envelope"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
	"github.com/umithardal/kafka-to-nexus/nexusfile/boltstore"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/source"
	"github.com/umithardal/kafka-to-nexus/writer"
	"github.com/umithardal/kafka-to-nexus/writer/f142"
)

type closeTrackingWriter struct {
	closed bool
}

func (*closeTrackingWriter) ParseConfig(json.RawMessage) error { return nil }
func (*closeTrackingWriter) Init(nexusfile.Group) error        { return nil }
func (*closeTrackingWriter) Reopen(nexusfile.Group) error      { return nil }
func (*closeTrackingWriter) Write(*envelope.Envelope) (writer.WriteResult, error) {
	return writer.WriteResult{}, nil
}
func (*closeTrackingWriter) Flush() error { return nil }
func (w *closeTrackingWriter) Close() error {
	w.closed = true
	return nil
}

func newWriterRegistry(t *testing.T) *registry.WriterRegistry {
	t.Helper()
	reg := registry.NewWriterRegistry()
	require.NoError(t, reg.Register(f142.SchemaID, f142.Factory()))
	return reg
}

func TestJob_WalkAndBind_Happy(t *testing.T) {
	f, err := boltstore.CreateExclusive(filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	nexusStructure := json.RawMessage(`{
		"children": [
			{"type": "group", "name": "entry", "children": [
				{"type": "stream", "topic": "T", "source": "S", "writer_module": "f142", "type": "double"}
			]}
		]
	}`)

	j := New(Spec{JobID: "job-1", NexusStructure: nexusStructure}, f, nil)
	placeholders, err := j.Walk()
	require.NoError(t, err)
	require.Len(t, placeholders, 1)
	assert.Equal(t, "/entry", placeholders[0].HDFPath)

	reg := newWriterRegistry(t)
	bound, failed := j.Bind(reg, placeholders, false)
	assert.Empty(t, failed)
	require.Len(t, bound, 1)
	assert.Equal(t, "T", bound[0].Topic)
	assert.Equal(t, "S", bound[0].Source)
	assert.NotNil(t, bound[0].Writer)
}

func TestJob_Bind_UnknownWriterModuleFails(t *testing.T) {
	f, err := boltstore.CreateExclusive(filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	nexusStructure := json.RawMessage(`{
		"children": [
			{"type": "stream", "topic": "T", "source": "S", "writer_module": "does_not_exist"}
		]
	}`)

	j := New(Spec{JobID: "job-2", NexusStructure: nexusStructure}, f, nil)
	placeholders, err := j.Walk()
	require.NoError(t, err)
	require.Len(t, placeholders, 1)

	reg := newWriterRegistry(t)
	bound, failed := j.Bind(reg, placeholders, false)
	assert.Empty(t, bound)
	require.Len(t, failed, 1)
	assert.Equal(t, "/", failed[0].HDFPath)
}

func TestJob_Stop_IsIdempotent(t *testing.T) {
	f, err := boltstore.CreateExclusive(filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, err)

	j := New(Spec{JobID: "job-3"}, f, nil)
	require.NoError(t, j.Stop(context.Background()))
	assert.Equal(t, Terminated, j.State())
	require.NoError(t, j.Stop(context.Background()))
}

func TestJob_Stop_ClosesBoundWriters(t *testing.T) {
	f, err := boltstore.CreateExclusive(filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, err)

	j := New(Spec{JobID: "job-4"}, f, nil)

	w := &closeTrackingWriter{}
	src := source.New(source.Key{SourceName: "S", SchemaID: "f142"}, "T", w)
	j.AttachSources([]*source.Source{src})

	require.NoError(t, j.Stop(context.Background()))
	assert.True(t, w.closed)

	// Stopping again must not attempt a second close of an already-closed
	// writer module.
	require.NoError(t, j.Stop(context.Background()))
}

func TestNewCorrelationID_IsMonotonicallySortable(t *testing.T) {
	now := time.Now()
	a := newCorrelationID(now)
	b := newCorrelationID(now)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}
