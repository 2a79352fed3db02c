package segment_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigilant/raftwal/segment"
	"github.com/sigilant/raftwal/types"
)

func entry(index, term uint64) types.LogEntry {
	return types.LogEntry{Index: index, Term: term, Type: types.EntryNormal, Payload: []byte("payload")}
}

func TestNewOpenAppendGet(t *testing.T) {
	dir := t.TempDir()

	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)
	require.True(t, seg.IsOpen())
	require.Equal(t, uint64(1), seg.StartIndex())

	require.NoError(t, seg.Append(entry(1, 1), entry(2, 1), entry(3, 1)))
	require.Equal(t, 3, seg.NumEntries())

	got, ok := seg.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.Index)

	_, ok = seg.Get(4)
	require.False(t, ok)

	require.NoError(t, seg.Flush())
	require.NoError(t, seg.Close())
	require.False(t, seg.IsOpen())

	_, err = os.Stat(filepath.Join(dir, segment.SealedName(1, 3)))
	require.NoError(t, err)
}

func TestAppendRejectsGapAndMixedTerm(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Append(entry(1, 1)))

	err = seg.Append(entry(3, 1))
	require.ErrorIs(t, err, types.ErrIndexGap)

	err = seg.Append(entry(2, 1), entry(3, 2))
	require.ErrorIs(t, err, types.ErrMixedTerm)
}

func TestAppendRejectsOnSealedSegment(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Append(entry(1, 1)))
	require.NoError(t, seg.Close())

	err = seg.Append(entry(2, 1))
	require.ErrorIs(t, err, types.ErrNotOpen)
}

func TestLoadRecoversSealedSegment(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 10)
	require.NoError(t, err)
	require.NoError(t, seg.Append(entry(10, 1), entry(11, 1)))
	require.NoError(t, seg.Append(entry(12, 2)))
	require.NoError(t, seg.Close())

	loaded, discarded, err := segment.Load(dir, 10, 12, false)
	require.NoError(t, err)
	require.Equal(t, 0, discarded)
	require.Equal(t, 3, loaded.NumEntries())
	e, ok := loaded.Get(12)
	require.True(t, ok)
	require.Equal(t, uint64(2), e.Term)
}

func TestLoadDiscardsTornTailOnOpenSegment(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Append(entry(1, 1), entry(2, 1)))
	require.NoError(t, seg.Flush())
	require.NoError(t, seg.ReleaseHandle())

	path := filepath.Join(dir, segment.InProgressName(1))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-1))

	loaded, discarded, err := segment.Load(dir, 1, 0, true)
	require.NoError(t, err)
	require.Equal(t, 1, discarded)
	require.Equal(t, 1, loaded.NumEntries())
	_, ok := loaded.Get(2)
	require.False(t, ok)
}

func TestLoadRejectsCorruptSealedSegment(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Append(entry(1, 1), entry(2, 1)))
	require.NoError(t, seg.Close())

	// Flip one bit inside the first frame's body.
	path := filepath.Join(dir, segment.SealedName(1, 2))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[12] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = segment.Load(dir, 1, 2, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrCorruptSegment))
}

func TestLoadRejectsTrailingBytesInSealedSegment(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Append(entry(1, 1), entry(2, 1)))
	require.NoError(t, seg.Close())

	path := filepath.Join(dir, segment.SealedName(1, 2))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = segment.Load(dir, 1, 2, false)
	require.ErrorIs(t, err, types.ErrCorruptSegment)
}

func TestTruncateDropsTailAndSeals(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Append(entry(1, 1), entry(2, 1), entry(3, 1)))

	require.NoError(t, seg.Truncate(2))
	require.False(t, seg.IsOpen())
	require.Equal(t, 1, seg.NumEntries())
	end, ok := seg.EndIndex()
	require.True(t, ok)
	require.Equal(t, uint64(1), end)

	_, statErr := os.Stat(filepath.Join(dir, segment.SealedName(1, 1)))
	require.NoError(t, statErr)
}

func TestWouldExceedAdmitsFirstOversizedEntry(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.NewOpen(dir, 1)
	require.NoError(t, err)

	big := entry(1, 1)
	big.Payload = make([]byte, 1024)
	require.False(t, seg.WouldExceed(big, 10))
	require.NoError(t, seg.Append(big))
	require.True(t, seg.IsFull(10))
}
