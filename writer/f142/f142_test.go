package f142

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umithardal/kafka-to-nexus/envelope"
	"github.com/umithardal/kafka-to-nexus/nexusfile/boltstore"
	"github.com/umithardal/kafka-to-nexus/wireformat"
)

func newEnv(sourceName string, timestampNs int64, value float64) *envelope.Envelope {
	body := wireformat.EncodeFloat64s([]float64{value})
	payload := wireformat.BuildHeader(SchemaID, sourceName, timestampNs, body)
	return envelope.New(payload, 0, timestampNs/1e6, envelope.CreateTime, "T", 0)
}

// TestModule_SingleSourceHappyPath mirrors spec.md §8 scenario 1: 3 messages
// at 1000/2000/3000 ns with values 1.0/2.0/3.0 return ix0 0/1/2 and leave
// 3 rows in each of value and time.
func TestModule_SingleSourceHappyPath(t *testing.T) {
	f, err := boltstore.CreateExclusive(filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	entry, err := f.Root().CreateGroup("entry")
	require.NoError(t, err)

	m := Factory()()
	require.NoError(t, m.ParseConfig([]byte(`{"source":"S","type":"double"}`)))
	require.NoError(t, m.Init(entry))

	for i, v := range []float64{1.0, 2.0, 3.0} {
		ts := int64((i + 1) * 1000)
		res, err := m.Write(newEnv("S", ts, v))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Ix0)
	}
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())

	value, err := entry.OpenDataset("value")
	require.NoError(t, err)
	n, err := value.Len()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	timeDs, err := entry.OpenDataset("time")
	require.NoError(t, err)
	n, err = timeDs.Len()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

// TestModule_ReopenRoundTrip exercises spec.md §8's "reopening the file
// yields N elements" law.
func TestModule_ReopenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.nxs")
	f, err := boltstore.CreateExclusive(path)
	require.NoError(t, err)

	entry, err := f.Root().CreateGroup("entry")
	require.NoError(t, err)

	m := Factory()()
	require.NoError(t, m.ParseConfig([]byte(`{"source":"S","type":"double"}`)))
	require.NoError(t, m.Init(entry))
	_, err = m.Write(newEnv("S", 1000, 1.0))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, f.Close())

	f2, err := boltstore.OpenReadWrite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f2.Close() })
	entry2, err := f2.Root().OpenGroup("entry")
	require.NoError(t, err)

	m2 := Factory()()
	require.NoError(t, m2.ParseConfig([]byte(`{"source":"S","type":"double"}`)))
	require.NoError(t, m2.Reopen(entry2))
	_, err = m2.Write(newEnv("S", 2000, 2.0))
	require.NoError(t, err)

	value, err := entry2.OpenDataset("value")
	require.NoError(t, err)
	n, err := value.Len()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

// TestModule_CueCadence exercises spec.md §8's cue cadence invariant: with
// a tiny index_every_kb, every write crosses the threshold and emits a cue.
func TestModule_CueCadence(t *testing.T) {
	f, err := boltstore.CreateExclusive(filepath.Join(t.TempDir(), "f.nxs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	entry, err := f.Root().CreateGroup("entry")
	require.NoError(t, err)

	m := Factory()()
	require.NoError(t, m.ParseConfig([]byte(`{"source":"S","type":"double","nexus":{"indices":{"index_every_kb":0}}}`)))
	// index_every_kb 0 keeps indexEveryBytes at the default (never emits);
	// a near-zero but nonzero threshold forces a cue on every write instead.
	m.(*Module).indexEveryBytes = 1
	require.NoError(t, m.Init(entry))

	for i, v := range []float64{1.0, 2.0, 3.0} {
		_, err := m.Write(newEnv("S", int64((i+1)*1000), v))
		require.NoError(t, err)
	}

	cueIdx, err := entry.OpenDataset("cue_index")
	require.NoError(t, err)
	n, err := cueIdx.Len()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestReader_SourceNameAndTimestamp(t *testing.T) {
	env := newEnv("motor1", 42, 9.0)
	var r Reader
	name, err := r.SourceName(env.Payload())
	require.NoError(t, err)
	assert.Equal(t, "motor1", name)

	ts, err := r.TimestampNs(env.Payload())
	require.NoError(t, err)
	assert.EqualValues(t, 42, ts)
}
