package state_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigilant/raftwal/internal/state"
	"github.com/sigilant/raftwal/segment"
	"github.com/sigilant/raftwal/types"
)

func entryAt(index, term uint64) types.LogEntry {
	return types.LogEntry{Index: index, Term: term, Type: types.EntryNormal, Payload: []byte("p")}
}

func newSegAt(t *testing.T, dir string, start uint64) *segment.Segment {
	t.Helper()
	seg, err := segment.NewOpen(dir, start)
	require.NoError(t, err)
	return seg
}

func TestEmptyState(t *testing.T) {
	st := state.New()
	require.Equal(t, int64(-1), st.LastIndex())
	require.Nil(t, st.OpenSegment())
	require.Nil(t, st.FindSegment(5))
	require.Empty(t, st.Segments())
}

func TestWithSegmentAndFindSegment(t *testing.T) {
	dir := t.TempDir()
	seg1 := newSegAt(t, dir, 1)
	require.NoError(t, seg1.Append(entryAt(1, 1), entryAt(2, 1)))
	require.NoError(t, seg1.Close())

	seg2 := newSegAt(t, dir, 3)
	require.NoError(t, seg2.Append(entryAt(3, 1)))

	st := state.New().WithSegment(seg1).WithSegment(seg2)
	require.Equal(t, []uint64{1, 3}, st.Segments())

	found := st.FindSegment(2)
	require.NotNil(t, found)
	require.Equal(t, uint64(1), found.StartIndex())

	found = st.FindSegment(3)
	require.NotNil(t, found)
	require.Equal(t, uint64(3), found.StartIndex())

	require.Nil(t, st.FindSegment(0))

	require.Same(t, seg2, st.OpenSegment())
	require.Equal(t, int64(3), st.LastIndex())
}

func TestWithoutSegment(t *testing.T) {
	dir := t.TempDir()
	seg1 := newSegAt(t, dir, 1)
	st := state.New().WithSegment(seg1)
	require.Len(t, st.Segments(), 1)

	st2 := st.WithoutSegment(1)
	require.Empty(t, st2.Segments())
	require.Len(t, st.Segments(), 1, "original snapshot must be unaffected")
}

func TestAcquireReleaseRunsFinalizerOnlyWhenIdle(t *testing.T) {
	st := state.New()
	release1 := st.Acquire()
	release2 := st.Acquire()

	ran := false
	st.SetFinalizer(func() { ran = true })
	require.False(t, ran)

	release1()
	require.False(t, ran)
	release2()
	require.True(t, ran)
}

func TestSetFinalizerRunsImmediatelyWhenAlreadyIdle(t *testing.T) {
	st := state.New()
	ran := false
	st.SetFinalizer(func() { ran = true })
	require.True(t, ran)
}
