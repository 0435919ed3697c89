package source_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umithardal/kafka-to-nexus/envelope"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
	"github.com/umithardal/kafka-to-nexus/source"
	"github.com/umithardal/kafka-to-nexus/writer"
)

type fakeWriter struct {
	closed bool
}

func (*fakeWriter) ParseConfig(rawConfig json.RawMessage) error { return nil }
func (*fakeWriter) Init(nexusfile.Group) error                  { return nil }
func (*fakeWriter) Reopen(nexusfile.Group) error                { return nil }
func (*fakeWriter) Write(*envelope.Envelope) (writer.WriteResult, error) {
	return writer.WriteResult{}, nil
}
func (*fakeWriter) Flush() error { return nil }
func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestSource_RecordWrite(t *testing.T) {
	s := source.New(source.Key{SourceName: "S", SchemaID: "f142"}, "T", &fakeWriter{})

	s.RecordWrite(1000)
	s.RecordWrite(2000)

	assert.EqualValues(t, 2, s.MessagesWritten())
	assert.EqualValues(t, 2000, s.LastTimestampNs())
	assert.EqualValues(t, 0, s.MessagesDropped())
}

func TestSource_RecordDrop(t *testing.T) {
	s := source.New(source.Key{SourceName: "S", SchemaID: "f142"}, "T", &fakeWriter{})

	s.RecordDrop()
	s.RecordDrop()

	assert.EqualValues(t, 2, s.MessagesDropped())
	assert.EqualValues(t, 0, s.MessagesWritten())
}

func TestSource_Close(t *testing.T) {
	w := &fakeWriter{}
	s := source.New(source.Key{SourceName: "S", SchemaID: "f142"}, "T", w)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestSource_AcceptsRepeatedTimestamps_DefaultsTrue(t *testing.T) {
	s := source.New(source.Key{SourceName: "S", SchemaID: "f142"}, "T", &fakeWriter{})
	assert.True(t, s.AcceptsRepeatedTimestamps())
}
