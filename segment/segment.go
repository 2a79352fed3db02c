// Package segment implements LogSegment: the in-memory cache for one
// contiguous range of Raft log entries, mirroring exactly one file on disk.
//
// A Segment owns its own file handle and its own lock; the coordinator
// (package raftwal) never touches a segment's bytes directly, it only ever
// decides which segments exist and routes calls to the right one. That split
// is what lets readers walk the coordinator's published segment set without
// blocking on a segment's own mutex except for the point read it actually
// needs.
package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sigilant/raftwal/internal/entrycodec"
	"github.com/sigilant/raftwal/types"
)

// magic is the fixed 8-byte header every segment file begins with.
var magic = [8]byte{'R', 'A', 'F', 'T', 'W', 'A', 'L', '1'}

const (
	headerSize = len(magic)
	indexWidth = 20
)

// Segment is the in-memory representation of one segment file: a dense,
// gap-free run of records whose indices increase by exactly one and whose
// terms never decrease, plus the open/sealed bookkeeping.
type Segment struct {
	mu sync.RWMutex

	dir        string
	startIndex uint64
	// endIndex is int64 so that an empty segment starting at index 0 can
	// represent "start-1" without wrapping; endIndex < startIndex therefore
	// means empty regardless of startIndex.
	endIndex int64
	isOpen   bool
	records  []types.LogRecord
	total    uint64

	file *os.File
	bw   *bufio.Writer

	created time.Time
}

// NewOpen constructs a new, empty open segment starting at start and creates
// its backing in-progress file, writing the segment header.
func NewOpen(dir string, start uint64) (*Segment, error) {
	path := filepath.Join(dir, inProgressName(start))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment %s: %v", types.ErrIO, path, err)
	}
	if _, err := f.Write(magic[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write segment header: %v", types.ErrIO, err)
	}
	return &Segment{
		dir:        dir,
		startIndex: start,
		endIndex:   int64(start) - 1,
		isOpen:     true,
		file:       f,
		bw:         bufio.NewWriter(f),
		total:      uint64(headerSize),
		created:    time.Now(),
	}, nil
}

// Load replays an existing segment file from disk. For a sealed segment
// (isOpen=false) every frame up to the declared end index must parse
// cleanly, or ErrCorruptSegment is returned. For an open (in-progress)
// segment, a torn tail frame is recovered by truncating the file to the last
// fully-valid offset; discarded reports how many frames were thrown away (0
// or 1, since only the very last frame can be torn).
func Load(dir string, start, end uint64, isOpen bool) (s *Segment, discarded int, err error) {
	var name string
	if isOpen {
		name = inProgressName(start)
	} else {
		name = sealedName(start, end)
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open segment %s: %v", types.ErrIO, path, err)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			f.Close()
		}
	}()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: reading header of %s: %v", types.ErrCorruptSegment, path, err)
	}
	if hdr != magic {
		return nil, 0, fmt.Errorf("%w: %s has a bad magic header", types.ErrCorruptSegment, path)
	}

	s = &Segment{
		dir:        dir,
		startIndex: start,
		endIndex:   int64(start) - 1,
		isOpen:     isOpen,
		total:      uint64(headerSize),
		created:    time.Now(),
	}

	wantCount := -1
	if !isOpen {
		wantCount = int(end-start) + 1
	}

	br := bufio.NewReader(f)
	for wantCount < 0 || len(s.records) < wantCount {
		before := s.total
		entry, derr := entrycodec.Decode(br)
		if derr != nil {
			if errors.Is(derr, io.EOF) {
				if isOpen {
					break
				}
				return nil, 0, fmt.Errorf("%w: %s ended before declared last index %d", types.ErrCorruptSegment, path, end)
			}
			isTornTail := errors.Is(derr, types.ErrTruncatedFrame) || errors.Is(derr, types.ErrBadVarint) || errors.Is(derr, types.ErrCorruptFrame)
			if isOpen && isTornTail {
				if terr := f.Truncate(int64(before)); terr != nil {
					return nil, 0, fmt.Errorf("%w: discarding torn tail of %s: %v", types.ErrIO, path, terr)
				}
				discarded = 1
				break
			}
			return nil, 0, fmt.Errorf("%w: %s: %v", types.ErrCorruptSegment, path, derr)
		}

		wantIndex := start
		if len(s.records) > 0 {
			wantIndex = s.records[len(s.records)-1].Entry.Index + 1
		}
		if entry.Index != wantIndex {
			return nil, 0, fmt.Errorf("%w: %s has index %d where %d was expected", types.ErrCorruptSegment, path, entry.Index, wantIndex)
		}

		s.records = append(s.records, types.LogRecord{Offset: before, Entry: entry})
		s.total = before + uint64(entrycodec.FrameSize(entry))
		s.endIndex = int64(entry.Index)
	}

	if !isOpen {
		// A sealed file ends exactly at its last frame; anything after it is
		// corruption, valid frame or not.
		if _, derr := entrycodec.Decode(br); !errors.Is(derr, io.EOF) {
			return nil, 0, fmt.Errorf("%w: %s has trailing bytes past declared last index %d", types.ErrCorruptSegment, path, end)
		}
	}

	if isOpen {
		if _, err := f.Seek(int64(s.total), io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("%w: seeking to tail of %s: %v", types.ErrIO, path, err)
		}
		s.file = f
		s.bw = bufio.NewWriter(f)
		closeOnErr = false
		return s, discarded, nil
	}

	closeOnErr = false
	f.Close()
	return s, discarded, nil
}

// StartIndex returns the immutable first index this segment holds.
func (s *Segment) StartIndex() uint64 { return s.startIndex }

// CreatedAt returns when this in-memory segment was created or loaded.
func (s *Segment) CreatedAt() time.Time { return s.created }

// EndIndex returns the index of the last entry and whether the segment holds
// any entries at all.
func (s *Segment) EndIndex() (index uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endIndex < int64(s.startIndex) {
		return 0, false
	}
	return uint64(s.endIndex), true
}

// IsOpen reports whether this segment currently accepts appends.
func (s *Segment) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOpen
}

// NumEntries returns the number of records currently held.
func (s *Segment) NumEntries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// TotalSize returns the current on-disk size this segment corresponds to,
// including the fixed header.
func (s *Segment) TotalSize() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// IsFull reports whether the segment has already reached maxBytes.
func (s *Segment) IsFull(maxBytes uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total >= maxBytes
}

// WouldExceed reports whether appending entry would push the segment's total
// size past maxBytes, unless the segment is currently empty, in which case a
// single oversized entry is always admitted so that append always makes
// forward progress.
func (s *Segment) WouldExceed(entry types.LogEntry, maxBytes uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return false
	}
	return s.total+uint64(entrycodec.FrameSize(entry)) > maxBytes
}

// Get returns the entry at index, or ok=false if index falls outside the
// segment's current range. It never touches disk.
func (s *Segment) Get(index uint64) (types.LogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < s.startIndex || int64(index) > s.endIndex {
		return types.LogEntry{}, false
	}
	return s.records[index-s.startIndex].Entry, true
}

// LastRecord returns the most recently appended record, if any.
func (s *Segment) LastRecord() (types.LogRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return types.LogRecord{}, false
	}
	return s.records[len(s.records)-1], true
}

// Append appends one or more entries that all share the same term to the
// open segment, writing their encoded frames to the buffered writer. The
// caller is responsible for calling Flush (directly or via the coordinator's
// sync policy) to make the write durable.
func (s *Segment) Append(entries ...types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOpen {
		return fmt.Errorf("%w: segment starting at %d is sealed", types.ErrNotOpen, s.startIndex)
	}

	term := entries[0].Term
	want := s.startIndex
	if s.endIndex >= int64(s.startIndex) {
		want = uint64(s.endIndex) + 1
	}
	for i, e := range entries {
		if e.Term != term {
			return fmt.Errorf("%w: entry %d has term %d, batch started with term %d", types.ErrMixedTerm, e.Index, e.Term, term)
		}
		if e.Index != want+uint64(i) {
			return fmt.Errorf("%w: entry index %d is not contiguous (expected %d)", types.ErrIndexGap, e.Index, want+uint64(i))
		}
	}

	for _, e := range entries {
		frame := entrycodec.Encode(e)
		if _, err := s.bw.Write(frame); err != nil {
			return fmt.Errorf("%w: writing frame: %v", types.ErrIO, err)
		}
		s.records = append(s.records, types.LogRecord{Offset: s.total, Entry: e})
		s.total += uint64(len(frame))
		s.endIndex = int64(e.Index)
	}
	return nil
}

// Truncate drops all records with index >= fromIndex, resets the segment's
// size to the offset the first dropped record occupied, and forces the
// segment sealed: a truncated segment never accepts further appends, the
// coordinator must open a replacement. The underlying file is truncated
// to match; if the segment was the open (in-progress) tail, or was sealed
// under an older end index, it is renamed to the sealed name matching its
// new end index. If truncation empties the segment entirely, the file is
// left named as it was and NumEntries returns 0; the coordinator is
// responsible for deleting a segment that ends up empty.
func (s *Segment) Truncate(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromIndex < s.startIndex || int64(fromIndex) > s.endIndex+1 {
		return fmt.Errorf("%w: truncate index %d outside segment range [%d,%d]", types.ErrOutOfRange, fromIndex, s.startIndex, s.endIndex)
	}

	// Any frames still sitting in the write buffer must reach the file
	// before it is resized, or surviving records would be lost with them.
	if s.bw != nil {
		if err := s.bw.Flush(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrIO, err)
		}
	}

	wasOpen := s.isOpen
	oldEnd := s.endIndex
	oldPath := s.pathFor(wasOpen, oldEnd)

	keep := int(fromIndex - s.startIndex)
	var newTotal uint64
	if keep == 0 {
		newTotal = uint64(headerSize)
	} else if keep == len(s.records) {
		newTotal = s.total
	} else {
		newTotal = s.records[keep].Offset
	}
	s.records = s.records[:keep]
	s.endIndex = int64(fromIndex) - 1
	s.isOpen = false

	if err := s.reopenForWriteLocked(oldPath); err != nil {
		return err
	}
	if err := s.file.Truncate(int64(newTotal)); err != nil {
		return fmt.Errorf("%w: truncating %s: %v", types.ErrIO, oldPath, err)
	}
	if _, err := s.file.Seek(int64(newTotal), io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	s.bw = bufio.NewWriter(s.file)
	s.total = newTotal

	if keep == 0 {
		// The segment will be deleted by the coordinator; there is nothing
		// left to seal or rename.
		return s.file.Sync()
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	newPath := filepath.Join(s.dir, sealedName(s.startIndex, uint64(s.endIndex)))
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	s.file, s.bw = nil, nil
	if newPath != oldPath {
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("%w: renaming %s to %s: %v", types.ErrIO, oldPath, newPath, err)
		}
	}
	return nil
}

// Close seals an open segment: it flushes buffered writes, fsyncs, and
// renames the in-progress file to its final sealed name.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOpen {
		return fmt.Errorf("%w: segment starting at %d is already sealed", types.ErrNotOpen, s.startIndex)
	}
	if s.file == nil {
		// The write handle was already released or removed out from under
		// this segment (e.g. a concurrent truncate dropped it); there is
		// nothing left to seal.
		return fmt.Errorf("%w: segment starting at %d has no write handle to seal", types.ErrNotOpen, s.startIndex)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	oldPath := filepath.Join(s.dir, inProgressName(s.startIndex))
	newPath := filepath.Join(s.dir, sealedName(s.startIndex, uint64(s.endIndex)))
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	s.file, s.bw = nil, nil
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	s.isOpen = false
	return nil
}

// Flush flushes buffered writes and fsyncs the backing file without sealing
// the segment. It is a no-op if the segment has no open write handle (a
// sealed segment that has released its handle).
func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Segment) flushLocked() error {
	if s.file == nil {
		return nil
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	return nil
}

// ReleaseHandle flushes and closes the segment's write handle without
// sealing it, for use by the coordinator's Close: an in-progress segment
// stays in-progress on disk so the next Open recovers it the same way.
func (s *Segment) ReleaseHandle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	err := s.file.Close()
	s.file, s.bw = nil, nil
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	return nil
}

// Remove deletes the segment's backing file. Used by the coordinator when a
// truncation or compaction drops the segment entirely.
func (s *Segment) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(s.isOpen, s.endIndex)
	if !s.isOpen && s.endIndex < int64(s.startIndex) {
		// Truncate leaves an emptied segment's file under the name it had
		// before, which the now-empty range no longer determines.
		pattern := filepath.Join(s.dir, fmt.Sprintf("log-%0*d-*", indexWidth, s.startIndex))
		if matches, err := filepath.Glob(pattern); err == nil && len(matches) == 1 {
			path = matches[0]
		}
	}
	if s.file != nil {
		s.file.Close()
		s.file, s.bw = nil, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", types.ErrIO, path, err)
	}
	return nil
}

func (s *Segment) pathFor(isOpen bool, end int64) string {
	if isOpen {
		return filepath.Join(s.dir, inProgressName(s.startIndex))
	}
	return filepath.Join(s.dir, sealedName(s.startIndex, uint64(end)))
}

// reopenForWriteLocked ensures s.file/s.bw are a writable handle onto path.
// Truncate may be called on a sealed segment that has already released its
// write handle, so it must be reopened before the file can be resized.
func (s *Segment) reopenForWriteLocked(path string) error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: reopening %s for write: %v", types.ErrIO, path, err)
	}
	s.file = f
	s.bw = bufio.NewWriter(f)
	return nil
}

func inProgressName(start uint64) string {
	return fmt.Sprintf("log-%0*d-inprogress", indexWidth, start)
}

func sealedName(start, end uint64) string {
	return fmt.Sprintf("log-%0*d-%0*d", indexWidth, start, indexWidth, end)
}

// SealedName exports the sealed file-naming scheme for callers outside this
// package (such as its tests) that need to reconstruct segment file names
// without reaching into segment internals.
func SealedName(start, end uint64) string { return sealedName(start, end) }

// InProgressName exports the in-progress file-naming scheme, see SealedName.
func InProgressName(start uint64) string { return inProgressName(start) }

// IndexWidth is the fixed zero-padded decimal width used in segment file
// names so that lexicographic order matches numeric order.
const IndexWidth = indexWidth
