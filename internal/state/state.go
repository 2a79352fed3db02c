// Package state holds the coordinator's segment set as an immutable,
// atomically-published snapshot, so that readers (Get, GetRange, LastIndex,
// LastTerm) never block on the writer's mutex: they load a *State, walk it,
// and release it.
package state

import (
	"sort"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/sigilant/raftwal/segment"
)

// State is one immutable snapshot of a SegmentedLog's segment set, keyed by
// each segment's start index.
type State struct {
	segments *immutable.SortedMap[uint64, *segment.Segment]
	// keys is segments' start indices in ascending order, kept alongside the
	// map so lookups can binary search instead of walking the map's own
	// iterator.
	keys []uint64

	refs      int32
	finalizer atomic.Value // func()
}

// New returns an empty state with no segments.
func New() *State {
	return &State{segments: immutable.NewSortedMap[uint64, *segment.Segment](nil)}
}

// Acquire marks the state as in use by a reader or an in-flight mutation and
// returns a func that must be called exactly once when done. Once the
// refcount drops to zero and a finalizer has been set, the finalizer runs.
func (s *State) Acquire() func() {
	atomic.AddInt32(&s.refs, 1)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		s.release()
	}
}

func (s *State) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		s.runFinalizerIfIdle()
	}
}

// SetFinalizer attaches fn to run once every outstanding Acquire on this
// state has been released. If there are no outstanding references at the
// moment it's set, it runs immediately. Used by the coordinator to close and
// delete the files of segments that a mutation just dropped from the live
// set, without racing a reader that is still walking the old snapshot.
func (s *State) SetFinalizer(fn func()) {
	s.finalizer.Store(fn)
	if atomic.LoadInt32(&s.refs) == 0 {
		s.runFinalizerIfIdle()
	}
}

func (s *State) runFinalizerIfIdle() {
	if atomic.LoadInt32(&s.refs) != 0 {
		return
	}
	if fn, ok := s.finalizer.Swap(func() {}).(func()); ok && fn != nil {
		fn()
	}
}

// Clone returns a copy of s ready to be mutated into a new generation: the
// underlying immutable map is shared until With.../Without... replace it,
// and the key slice is copied.
func (s *State) Clone() *State {
	return &State{segments: s.segments, keys: append([]uint64(nil), s.keys...)}
}

// WithSegment returns a new state with seg inserted (or replacing any
// existing segment with the same start index).
func (s *State) WithSegment(seg *segment.Segment) *State {
	ns := s.Clone()
	start := seg.StartIndex()
	ns.segments = ns.segments.Set(start, seg)
	i := sort.Search(len(ns.keys), func(i int) bool { return ns.keys[i] >= start })
	if i < len(ns.keys) && ns.keys[i] == start {
		return ns
	}
	ns.keys = append(ns.keys, 0)
	copy(ns.keys[i+1:], ns.keys[i:])
	ns.keys[i] = start
	return ns
}

// WithoutSegment returns a new state with the segment starting at start
// removed, if present.
func (s *State) WithoutSegment(start uint64) *State {
	ns := s.Clone()
	ns.segments = ns.segments.Delete(start)
	i := sort.Search(len(ns.keys), func(i int) bool { return ns.keys[i] >= start })
	if i < len(ns.keys) && ns.keys[i] == start {
		ns.keys = append(ns.keys[:i], ns.keys[i+1:]...)
	}
	return ns
}

// Segments returns the start indices of every segment currently in the
// state, in ascending order. The returned slice must not be mutated.
func (s *State) Segments() []uint64 { return s.keys }

// Segment returns the segment starting at start, if present.
func (s *State) Segment(start uint64) (*segment.Segment, bool) {
	return s.segments.Get(start)
}

// FindSegment returns the segment whose range contains index: the segment
// with the largest start index that is still <= index. It returns nil if no
// such segment exists (index is before every segment, or the set is empty).
func (s *State) FindSegment(index uint64) *segment.Segment {
	i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] > index })
	if i == 0 {
		return nil
	}
	seg, _ := s.segments.Get(s.keys[i-1])
	return seg
}

// OpenSegment returns the current tail (open) segment, or nil if there is
// none (an empty log, or a log whose tail segment was sealed by a Truncate
// that hasn't been followed by an append yet).
func (s *State) OpenSegment() *segment.Segment {
	if len(s.keys) == 0 {
		return nil
	}
	seg, ok := s.segments.Get(s.keys[len(s.keys)-1])
	if !ok || !seg.IsOpen() {
		return nil
	}
	return seg
}

// LastIndex returns the index of the last entry across every segment in the
// state, or -1 if the state holds no entries at all.
func (s *State) LastIndex() int64 {
	for i := len(s.keys) - 1; i >= 0; i-- {
		seg, ok := s.segments.Get(s.keys[i])
		if !ok {
			continue
		}
		if end, ok := seg.EndIndex(); ok {
			return int64(end)
		}
	}
	return -1
}
