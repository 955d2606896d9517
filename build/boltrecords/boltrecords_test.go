package boltrecords

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-run/coral/build"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.db")
	st, err := Open(path)
	require.NoError(t, err)

	got, err := st.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := &build.Record{
		SpecHash:  "abc123",
		Ref:       "registry.example/coral:coral-abc123",
		Status:    build.StatusPushed,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, st.Put(rec))

	got, err = st.Get("abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Ref, got.Ref)
	assert.Equal(t, build.StatusPushed, got.Status)

	require.NoError(t, st.Close())

	// Records survive reopening.
	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	got, err = st.Get("abc123")
	require.NoError(t, err)
	require.NotNil(t, got)

	list, err := st.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, st.Delete("abc123"))
	got, err = st.Get("abc123")
	require.NoError(t, err)
	assert.Nil(t, got)
}
