package raftwal

import (
	"github.com/sigilant/raftwal/internal/state"
	"github.com/sigilant/raftwal/types"
)

// EntryIterator walks a contiguous index range over a single acquired
// snapshot of the segment set. It must be closed (via Close, or by running
// it to exhaustion, which closes it automatically) to release that
// snapshot; an iterator left open past the caller's use holds a sealed
// segment's backing file and index entries pinned in place even if a
// concurrent Truncate has since dropped them from the live log.
type EntryIterator struct {
	st      *state.State
	release func()
	closed  bool

	next uint64
	to   uint64
}

// Next returns the next entry in the range, or ok=false once the range is
// exhausted or an index is missing (e.g. compacted away mid-range). Once
// Next returns ok=false it has already released the iterator's snapshot;
// calling Close afterward is harmless.
func (it *EntryIterator) Next() (entry types.LogEntry, ok bool) {
	if it.closed || it.next > it.to {
		it.Close()
		return types.LogEntry{}, false
	}
	seg := it.st.FindSegment(it.next)
	if seg == nil {
		it.Close()
		return types.LogEntry{}, false
	}
	entry, ok = seg.Get(it.next)
	if !ok {
		it.Close()
		return types.LogEntry{}, false
	}
	it.next++
	return entry, true
}

// Close releases the snapshot this iterator holds. Safe to call more than
// once and safe to call after Next has already exhausted the range.
func (it *EntryIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.release()
}
