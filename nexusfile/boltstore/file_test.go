package boltstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
)

func tempFile(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.nxs")
	f, err := CreateExclusive(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// TestCreateExclusive_RejectsExisting mirrors the "file already exists"
// failure mode a job init must surface as an Invalid error to the caller.
func TestCreateExclusive_RejectsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.nxs")
	f, err := CreateExclusive(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = CreateExclusive(path)
	require.Error(t, err)
	assert.True(t, kerrors.IsInvalid(err))
	assert.ErrorIs(t, err, kerrors.ErrFileExists)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestGroup_CreateAndOpen(t *testing.T) {
	f := tempFile(t)
	root := f.Root()

	entry, err := root.CreateGroup("entry")
	require.NoError(t, err)
	assert.Equal(t, "/entry", entry.Path())

	_, err = entry.CreateGroup("instrument")
	require.NoError(t, err)

	reopened, err := root.OpenGroup("entry")
	require.NoError(t, err)
	assert.Equal(t, "/entry", reopened.Path())

	_, err = reopened.OpenGroup("instrument")
	require.NoError(t, err)

	_, err = root.OpenGroup("does-not-exist")
	assert.Error(t, err)
}

func TestGroup_CreateGroupTwiceErrors(t *testing.T) {
	f := tempFile(t)
	root := f.Root()
	_, err := root.CreateGroup("entry")
	require.NoError(t, err)

	_, err = root.CreateGroup("entry")
	assert.ErrorIs(t, err, kerrors.ErrGroupAlreadyInit)
}

func TestDataset_AppendAndLen(t *testing.T) {
	f := tempFile(t)
	root := f.Root()

	ds, err := root.CreateDataset(nexusfile.DatasetSpec{
		Name:      "value",
		Type:      nexusfile.Float64,
		Unlimited: true,
	})
	require.NoError(t, err)

	ix0, err := ds.Append(1.5, 2.5, 3.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ix0)

	n, err := ds.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	ix1, err := ds.Append(4.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ix1)

	n, err = ds.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
}

func TestDataset_StringFixedWidth(t *testing.T) {
	f := tempFile(t)
	root := f.Root()

	ds, err := root.CreateDataset(nexusfile.DatasetSpec{
		Name:       "name",
		Type:       nexusfile.String,
		StringSize: 8,
		Unlimited:  true,
	})
	require.NoError(t, err)

	_, err = ds.Append("abc")
	require.NoError(t, err)
	assert.Equal(t, nexusfile.String, ds.Type())
}

func TestGroup_ReopenDataset(t *testing.T) {
	f := tempFile(t)
	root := f.Root()

	_, err := root.CreateDataset(nexusfile.DatasetSpec{Name: "value", Type: nexusfile.Int32, Unlimited: true})
	require.NoError(t, err)

	ds, err := root.OpenDataset("value")
	require.NoError(t, err)
	assert.Equal(t, nexusfile.Int32, ds.Type())

	_, err = ds.Append(int32(42))
	require.NoError(t, err)
}

func TestGroup_Attributes(t *testing.T) {
	f := tempFile(t)
	root := f.Root()

	entry, err := root.CreateGroup("entry")
	require.NoError(t, err)

	require.NoError(t, entry.WriteAttributeString("NX_class", "NXentry"))
	require.NoError(t, entry.WriteAttributeScalar("version", nexusfile.Uint32, uint32(1)))
}

func TestGroup_CreateLink(t *testing.T) {
	f := tempFile(t)
	root := f.Root()

	entry, err := root.CreateGroup("entry")
	require.NoError(t, err)
	require.NoError(t, entry.CreateLink("raw_value", "../monitor/value"))
}

func TestFile_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.nxs")
	f, err := CreateExclusive(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}
