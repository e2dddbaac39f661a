package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunningExternal_RegisterAndRetire(t *testing.T) {
	r := NewRunningExternal()
	extent := Extent{Channel: "x"}
	r.Register("e1", extent, ExternalExecutorId("q1"), nil)

	entry, ok := r.Get("e1")
	require.True(t, ok)
	assert.Equal(t, extent, entry.extent)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Retire("e1")
	require.True(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRunningExternal_CheckExtentUnknownIsNotAnError(t *testing.T) {
	r := NewRunningExternal()
	ok, err := r.CheckExtent("missing", Extent{})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRunningExternal_CheckExtentMismatchIsInvariantViolation(t *testing.T) {
	r := NewRunningExternal()
	stored := Extent{Channel: "x"}
	r.Register("e1", stored, ExternalExecutorId("q1"), nil)

	ok, err := r.CheckExtent("e1", Extent{Channel: "y"})
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestRunningExternal_Snapshot(t *testing.T) {
	r := NewRunningExternal()
	r.Register("e1", Extent{Channel: "x"}, ExternalExecutorId("q1"), nil)
	r.Register("e2", Extent{Channel: "y"}, ExternalExecutorId("q1"), nil)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)

	r.Retire("e1")
	assert.Len(t, snap, 2, "snapshot must not be aliased to live state")
}
