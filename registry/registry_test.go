package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umithardal/kafka-to-nexus/envelope"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
	"github.com/umithardal/kafka-to-nexus/writer"
)

type nopModule struct{}

func (nopModule) ParseConfig(_ json.RawMessage) error { return nil }
func (nopModule) Init(_ nexusfile.Group) error         { return nil }
func (nopModule) Reopen(_ nexusfile.Group) error       { return nil }
func (nopModule) Write(_ *envelope.Envelope) (writer.WriteResult, error) {
	return writer.WriteResult{}, nil
}
func (nopModule) Flush() error { return nil }
func (nopModule) Close() error { return nil }

func TestWriterRegistry_RegisterAndNew(t *testing.T) {
	r := NewWriterRegistry()
	err := r.Register("f142", func() writer.Module { return nopModule{} })
	require.NoError(t, err)

	m, err := r.New("f142")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestWriterRegistry_DuplicateRejected(t *testing.T) {
	r := NewWriterRegistry()
	require.NoError(t, r.Register("f142", func() writer.Module { return nopModule{} }))

	err := r.Register("f142", func() writer.Module { return nopModule{} })
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrAlreadyRegistered)
	assert.Equal(t, kerrors.Invalid, kerrors.ClassOf(err))
}

func TestWriterRegistry_UnknownSchema(t *testing.T) {
	r := NewWriterRegistry()
	_, err := r.New("ev42")
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrUnknownSchema)
}

type stubReader struct{}

func (stubReader) SourceName(_ []byte) (string, error)   { return "motor1", nil }
func (stubReader) TimestampNs(_ []byte) (int64, error)   { return 1000, nil }

func TestReaderRegistry_RegisterAndGet(t *testing.T) {
	r := NewReaderRegistry()
	require.NoError(t, r.Register("f142", stubReader{}))

	reader, err := r.Get("f142")
	require.NoError(t, err)
	name, err := reader.SourceName(nil)
	require.NoError(t, err)
	assert.Equal(t, "motor1", name)
}

func TestReaderRegistry_DuplicateRejected(t *testing.T) {
	r := NewReaderRegistry()
	require.NoError(t, r.Register("f142", stubReader{}))

	err := r.Register("f142", stubReader{})
	assert.ErrorIs(t, err, kerrors.ErrAlreadyRegistered)
}
