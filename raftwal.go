// Package raftwal implements a segmented, append-only replicated log
// suitable for backing a Raft consensus module's log store: SegmentedLog
// coordinates an ordered set of on-disk segments, exposing Append, Get,
// Truncate, LastIndex and LastTerm to the surrounding consensus code while
// guaranteeing gap-free monotonic indexing and crash recovery.
//
// The wire format lives in internal/entrycodec, the single-file cache lives
// in package segment, and this file is the coordinator gluing them together
// with an immutable, atomically-published view of the segment set
// (internal/state) so readers never block on the single writer.
package raftwal

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sigilant/raftwal/internal/config"
	"github.com/sigilant/raftwal/internal/entrycodec"
	"github.com/sigilant/raftwal/internal/metadb"
	"github.com/sigilant/raftwal/internal/state"
	"github.com/sigilant/raftwal/segment"
	"github.com/sigilant/raftwal/types"
)

// Re-exported sentinel errors, so callers can import only the root package
// and still match on the error taxonomy with errors.Is.
var (
	ErrIndexGap         = types.ErrIndexGap
	ErrNotOpen          = types.ErrNotOpen
	ErrMixedTerm        = types.ErrMixedTerm
	ErrOutOfRange       = types.ErrOutOfRange
	ErrCorruptFrame     = types.ErrCorruptFrame
	ErrTruncatedFrame   = types.ErrTruncatedFrame
	ErrBadVarint        = types.ErrBadVarint
	ErrCorruptSegment   = types.ErrCorruptSegment
	ErrCorruptDirectory = types.ErrCorruptDirectory
	ErrClosedLog        = types.ErrClosedLog
	ErrIO               = types.ErrIO
)

// SegmentedLog is the coordinator owning an ordered collection of segments:
// the full log surface the consensus layer depends on.
type SegmentedLog struct {
	closed uint32 // atomic; keep first for alignment.

	// compactedMark caches metadb's low-water mark so the read path never
	// touches the metadata store; hasCompactedMark is stored after
	// compactedMark so a reader that observes the flag also observes the
	// mark. Writes happen under writeMu (and once during Open).
	compactedMark    uint64 // atomic
	hasCompactedMark uint32 // atomic

	dir     string
	cfg     config.Config
	logger  log.Logger
	metrics *metrics
	metaDB  *metadb.DB

	// s is the current immutable snapshot of the segment set. Readers load
	// it without taking writeMu; mutators clone, mutate and re-store it
	// while writeMu is held.
	s       atomic.Value // *state.State
	writeMu sync.Mutex

	rotateCh      chan *segment.Segment
	rotateDone    chan struct{}
	pendingWrites int

	syncTicker *time.Ticker
	stopSync   chan struct{}
	syncDone   chan struct{}
}

var segFileRE = regexp.MustCompile(`^log-(\d{20})-(inprogress|\d{20})$`)

type segMeta struct {
	start, end uint64
	isOpen     bool
}

// Open opens the log stored in dir, creating the directory if missing, and
// recovers any existing segment files: every frame of every segment is
// replayed, a torn tail frame on the in-progress segment is discarded, and
// any inconsistency in a sealed segment refuses the whole directory.
func Open(dir string, opts ...Option) (*SegmentedLog, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrIO, dir, err)
	}

	metas, err := discoverSegments(dir)
	if err != nil {
		return nil, err
	}

	mdb, err := metadb.Open(dir)
	if err != nil {
		return nil, err
	}

	w := &SegmentedLog{
		dir:        dir,
		cfg:        o.cfg,
		logger:     o.logger,
		metrics:    newMetrics(o.reg, o.cfg.MetricsNamespace),
		metaDB:     mdb,
		rotateCh:   make(chan *segment.Segment, 1),
		rotateDone: make(chan struct{}),
		stopSync:   make(chan struct{}),
		syncDone:   make(chan struct{}),
	}

	st := state.New()
	for _, m := range metas {
		seg, discarded, err := segment.Load(dir, m.start, m.end, m.isOpen)
		if err != nil {
			mdb.Close()
			return nil, err
		}
		if discarded > 0 {
			w.metrics.framesDiscardedOnRecovery.Add(float64(discarded))
			level.Warn(w.logger).Log("msg", "discarded torn tail frame during recovery", "segment_start", m.start)
		}
		st = st.WithSegment(seg)
	}
	if err := assertInvariants(st); err != nil {
		mdb.Close()
		return nil, err
	}
	w.s.Store(st)

	if err := mdb.SetSyncMode(w.cfg.SyncMode.String()); err != nil {
		mdb.Close()
		return nil, err
	}
	if mark, ok, err := mdb.LowWaterMark(); err != nil {
		mdb.Close()
		return nil, err
	} else if ok {
		w.setCompactedWatermark(mark)
	}

	go w.runRotate()
	if w.cfg.SyncMode == config.SyncBatch {
		w.syncTicker = time.NewTicker(w.cfg.SyncBatchInterval)
		go w.runSyncTicker()
	} else {
		close(w.syncDone)
	}

	return w, nil
}

// discoverSegments enumerates and validates the segment files in dir,
// returning their (start, end, isOpen) metadata in ascending start order.
func discoverSegments(dir string) ([]segMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrIO, dir, err)
	}

	var metas []segMeta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segFileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		start, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad segment filename %s", ErrCorruptDirectory, e.Name())
		}
		if m[2] == "inprogress" {
			metas = append(metas, segMeta{start: start, isOpen: true})
			continue
		}
		end, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("%w: bad segment filename %s", ErrCorruptDirectory, e.Name())
		}
		metas = append(metas, segMeta{start: start, end: end})
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].start < metas[j].start })

	openCount := 0
	for i, m := range metas {
		if m.isOpen {
			openCount++
			if i != len(metas)-1 {
				return nil, fmt.Errorf("%w: in-progress segment at %d is not the last segment", ErrCorruptDirectory, m.start)
			}
		}
		if i > 0 {
			prev := metas[i-1]
			if prev.isOpen {
				return nil, fmt.Errorf("%w: segment starting at %d follows an in-progress segment", ErrCorruptDirectory, m.start)
			}
			if prev.end+1 != m.start {
				return nil, fmt.Errorf("%w: gap or overlap between segments ending at %d and starting at %d", ErrCorruptDirectory, prev.end, m.start)
			}
		}
	}
	if openCount > 1 {
		return nil, fmt.Errorf("%w: more than one in-progress segment", ErrCorruptDirectory)
	}
	return metas, nil
}

func assertInvariants(st *state.State) error {
	keys := st.Segments()
	openSeen := false
	for i, start := range keys {
		seg, ok := st.Segment(start)
		if !ok {
			return fmt.Errorf("%w: missing segment for key %d", ErrCorruptDirectory, start)
		}
		if seg.IsOpen() {
			if openSeen || i != len(keys)-1 {
				return fmt.Errorf("%w: open segment at %d is not the unique last segment", ErrCorruptDirectory, start)
			}
			openSeen = true
		} else if i != len(keys)-1 {
			end, ok := seg.EndIndex()
			nextStart := keys[i+1]
			if !ok || end+1 != nextStart {
				return fmt.Errorf("%w: segment at %d is not contiguous with its successor", ErrCorruptDirectory, start)
			}
		}
	}
	return nil
}

func (w *SegmentedLog) loadState() *state.State { return w.s.Load().(*state.State) }

func (w *SegmentedLog) acquireState() (*state.State, func()) {
	st := w.loadState()
	return st, st.Acquire()
}

// publish installs newState as current. finalizer, if non-nil, is attached
// to the outgoing state and runs once every reader that acquired it has
// released it; it is used to close and remove the files of segments the
// mutation dropped.
func (w *SegmentedLog) publish(newState *state.State, finalizer func()) {
	old := w.loadState()
	w.s.Store(newState)
	if finalizer != nil {
		old.SetFinalizer(finalizer)
	}
}

func (w *SegmentedLog) checkClosed() error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return ErrClosedLog
	}
	return nil
}

func (w *SegmentedLog) compactedWatermark() (uint64, bool) {
	if atomic.LoadUint32(&w.hasCompactedMark) == 0 {
		return 0, false
	}
	return atomic.LoadUint64(&w.compactedMark), true
}

func (w *SegmentedLog) setCompactedWatermark(mark uint64) {
	atomic.StoreUint64(&w.compactedMark, mark)
	atomic.StoreUint32(&w.hasCompactedMark, 1)
}

// Append appends a single entry. See AppendBatch.
func (w *SegmentedLog) Append(entry types.LogEntry) error {
	return w.AppendBatch([]types.LogEntry{entry})
}

// AppendBatch appends a run of entries in one locked critical section,
// splitting the batch at term boundaries (each segment-level Append call
// must be single-term) and at roll boundaries (a run that would overflow
// the open segment is split across the old and the newly-rolled segment
// transparently).
func (w *SegmentedLog) AppendBatch(entries []types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := w.checkClosed(); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.checkClosed(); err != nil {
		return err
	}

	for _, run := range splitByTerm(entries) {
		if err := w.appendRunLocked(run); err != nil {
			return err
		}
	}
	w.metrics.appends.Inc()
	return nil
}

func splitByTerm(entries []types.LogEntry) [][]types.LogEntry {
	var runs [][]types.LogEntry
	start := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].Term != entries[start].Term {
			runs = append(runs, entries[start:i])
			start = i
		}
	}
	runs = append(runs, entries[start:])
	return runs
}

// appendRunLocked appends a single-term run, rolling segments as needed.
// writeMu must be held.
func (w *SegmentedLog) appendRunLocked(run []types.LogEntry) error {
	i := 0
	for i < len(run) {
		st := w.loadState()
		openSeg := st.OpenSegment()
		last := st.LastIndex()

		var want uint64
		switch {
		case last >= 0:
			want = uint64(last) + 1
		case openSeg != nil:
			want = openSeg.StartIndex()
		default:
			want = run[i].Index
		}
		if run[i].Index != want {
			return fmt.Errorf("%w: append index %d, expected %d", ErrIndexGap, run[i].Index, want)
		}

		if openSeg == nil {
			seg, err := segment.NewOpen(w.dir, run[i].Index)
			if err != nil {
				return err
			}
			w.publish(st.WithSegment(seg), nil)
			openSeg = seg
		} else if openSeg.WouldExceed(run[i], w.cfg.SegmentMaxBytes) {
			// Roll before the append that would push the segment past the
			// threshold, so sealed segments stay under it.
			if err := w.rotateLocked(openSeg); err != nil {
				return err
			}
			openSeg = w.loadState().OpenSegment()
		}

		j := i + 1
		size := openSeg.TotalSize() + uint64(entrycodec.FrameSize(run[i]))
		for j < len(run) {
			size += uint64(entrycodec.FrameSize(run[j]))
			if size > w.cfg.SegmentMaxBytes {
				break
			}
			j++
		}

		if err := openSeg.Append(run[i:j]...); err != nil {
			return err
		}
		w.observeAppend(run[i:j])
		level.Debug(w.logger).Log("msg", "appended entries", "first_index", run[i].Index, "last_index", run[j-1].Index, "segment_start", openSeg.StartIndex())

		if err := w.applySyncPolicyLocked(openSeg, j-i); err != nil {
			return err
		}

		if openSeg.IsFull(w.cfg.SegmentMaxBytes) {
			if err := w.rotateLocked(openSeg); err != nil {
				return err
			}
		}
		i = j
	}
	return nil
}

func (w *SegmentedLog) observeAppend(entries []types.LogEntry) {
	w.metrics.entriesWritten.Add(float64(len(entries)))
	var n int
	for _, e := range entries {
		n += len(e.Payload)
	}
	w.metrics.bytesWritten.Add(float64(n))
}

func (w *SegmentedLog) applySyncPolicyLocked(seg *segment.Segment, n int) error {
	if w.cfg.SyncMode == config.SyncAlways {
		return seg.Flush()
	}
	w.pendingWrites += n
	if w.pendingWrites >= w.cfg.SyncBatchEntries {
		w.pendingWrites = 0
		return seg.Flush()
	}
	return nil
}

// rotateLocked replaces the full segment old with a freshly created open
// segment, publishing the new state synchronously, then hands old off to
// the background rotate goroutine to actually seal (fsync, rename) so
// Append never blocks on that I/O. writeMu must be held.
func (w *SegmentedLog) rotateLocked(old *segment.Segment) error {
	end, _ := old.EndIndex()
	next, err := segment.NewOpen(w.dir, end+1)
	if err != nil {
		return err
	}
	st := w.loadState()
	w.publish(st.WithSegment(next), nil)

	if atomic.LoadUint32(&w.closed) == 1 {
		return nil
	}
	select {
	case w.rotateCh <- old:
	default:
		// The rotate goroutine is still draining a previous seal; seal this
		// one inline rather than growing an unbounded backlog of open file
		// handles waiting to be sealed.
		w.seal(old)
	}
	return nil
}

func (w *SegmentedLog) seal(seg *segment.Segment) {
	if err := seg.Close(); err != nil {
		level.Error(w.logger).Log("msg", "failed to seal full segment", "segment_start", seg.StartIndex(), "err", err)
		return
	}
	w.metrics.segmentRotations.Inc()
	w.metrics.lastSegmentAgeSeconds.Set(time.Since(seg.CreatedAt()).Seconds())
}

func (w *SegmentedLog) runRotate() {
	defer close(w.rotateDone)
	for seg := range w.rotateCh {
		w.seal(seg)
	}
}

func (w *SegmentedLog) runSyncTicker() {
	defer close(w.syncDone)
	for {
		select {
		case <-w.syncTicker.C:
			if err := w.Flush(); err != nil && !errors.Is(err, ErrClosedLog) {
				level.Error(w.logger).Log("msg", "periodic flush failed", "err", err)
			}
		case <-w.stopSync:
			return
		}
	}
}

// Get returns the entry at index. It returns (_, false, nil) if index is
// not (or not yet) present, and ErrOutOfRange if index has been compacted
// away.
func (w *SegmentedLog) Get(index uint64) (types.LogEntry, bool, error) {
	if err := w.checkClosed(); err != nil {
		return types.LogEntry{}, false, err
	}
	if mark, ok := w.compactedWatermark(); ok && index <= mark {
		return types.LogEntry{}, false, fmt.Errorf("%w: index %d is below the compacted mark %d", ErrOutOfRange, index, mark)
	}

	st, release := w.acquireState()
	defer release()

	seg := st.FindSegment(index)
	if seg == nil {
		return types.LogEntry{}, false, nil
	}
	entry, ok := seg.Get(index)
	if !ok {
		return types.LogEntry{}, false, nil
	}
	w.metrics.entriesRead.Inc()
	w.metrics.entryBytesRead.Add(float64(len(entry.Payload)))
	return entry, true, nil
}

// GetRange returns a single-pass iterator over [from, to]. Missing indices
// terminate the iterator early rather than erroring.
func (w *SegmentedLog) GetRange(from, to uint64) *EntryIterator {
	st, release := w.acquireState()
	return &EntryIterator{st: st, release: release, next: from, to: to}
}

// Compact raises the persisted low-water compaction mark to lowWaterMark and
// deletes every sealed segment whose entire entry range falls at or below
// it: everything at or below lowWaterMark becomes permanently unreadable
// and Get/Truncate against it return ErrOutOfRange from then on. The open
// segment is never deleted by Compact even if its range is already below
// the mark, since it is still accepting writes. Compact only ever raises
// the mark; a lowWaterMark at or below the current one is a no-op.
func (w *SegmentedLog) Compact(lowWaterMark uint64) error {
	if err := w.checkClosed(); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.checkClosed(); err != nil {
		return err
	}

	if cur, ok := w.compactedWatermark(); ok && lowWaterMark <= cur {
		return nil
	}
	if err := w.metaDB.SetLowWaterMark(lowWaterMark); err != nil {
		return err
	}
	w.setCompactedWatermark(lowWaterMark)

	st := w.loadState()
	newState := st
	var toRemove []*segment.Segment
	for _, start := range st.Segments() {
		seg, _ := st.Segment(start)
		if seg.IsOpen() {
			continue
		}
		end, hasEnd := seg.EndIndex()
		if !hasEnd || end > lowWaterMark {
			continue
		}
		newState = newState.WithoutSegment(start)
		toRemove = append(toRemove, seg)
	}
	if len(toRemove) == 0 {
		return nil
	}

	w.publish(newState, func() {
		for _, seg := range toRemove {
			if err := seg.Remove(); err != nil {
				level.Error(w.logger).Log("msg", "failed to remove compacted segment", "err", err)
			}
		}
	})
	return nil
}

// Truncate truncates the segment containing fromIndex in place and deletes
// every later segment, so that fromIndex becomes the new LastIndex()+1. A
// segment that ends up holding no records after truncation is deleted
// outright rather than kept as a zero-entry sealed file. The next Append
// lazily creates a fresh open segment at whatever index it is given, exactly
// as it does when the log starts out empty.
func (w *SegmentedLog) Truncate(fromIndex uint64) error {
	if err := w.checkClosed(); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.checkClosed(); err != nil {
		return err
	}

	if mark, ok := w.compactedWatermark(); ok && fromIndex <= mark {
		w.metrics.truncations.WithLabelValues("false").Inc()
		return fmt.Errorf("%w: truncate index %d is at or below the compacted mark %d", ErrOutOfRange, fromIndex, mark)
	}

	st := w.loadState()
	keys := st.Segments()

	newState := st
	var toRemove []*segment.Segment
	for _, start := range keys {
		seg, _ := st.Segment(start)
		if start >= fromIndex {
			newState = newState.WithoutSegment(start)
			toRemove = append(toRemove, seg)
			w.metrics.entriesTruncated.WithLabelValues("back").Add(float64(seg.NumEntries()))
			continue
		}
		end, hasEnd := seg.EndIndex()
		if !hasEnd || end < fromIndex {
			continue
		}
		if err := seg.Truncate(fromIndex); err != nil {
			w.metrics.truncations.WithLabelValues("false").Inc()
			return err
		}
		if seg.NumEntries() == 0 {
			newState = newState.WithoutSegment(start)
			toRemove = append(toRemove, seg)
		}
		w.metrics.entriesTruncated.WithLabelValues("back").Add(float64(int64(end) - int64(fromIndex) + 1))
	}

	w.publish(newState, func() {
		for _, seg := range toRemove {
			if err := seg.Remove(); err != nil {
				level.Error(w.logger).Log("msg", "failed to remove truncated segment", "err", err)
			}
		}
	})
	w.metrics.truncations.WithLabelValues("true").Inc()
	return nil
}

// FirstIndex returns the index of the oldest entry still held in a segment,
// or -1 if the log holds no entries at all.
func (w *SegmentedLog) FirstIndex() int64 {
	st, release := w.acquireState()
	defer release()

	for _, start := range st.Segments() {
		seg, ok := st.Segment(start)
		if !ok {
			continue
		}
		if _, hasEnd := seg.EndIndex(); hasEnd {
			return int64(seg.StartIndex())
		}
	}
	return -1
}

// LastIndex returns the index of the last entry, or -1 if the log is empty.
func (w *SegmentedLog) LastIndex() int64 {
	st, release := w.acquireState()
	defer release()
	return st.LastIndex()
}

// LastTerm returns the term of the last entry, or 0 if the log is empty.
func (w *SegmentedLog) LastTerm() uint64 {
	st, release := w.acquireState()
	defer release()

	keys := st.Segments()
	for i := len(keys) - 1; i >= 0; i-- {
		seg, ok := st.Segment(keys[i])
		if !ok {
			continue
		}
		if rec, ok := seg.LastRecord(); ok {
			return rec.Entry.Term
		}
	}
	return 0
}

// Flush forces durability of the open segment's buffered writes.
func (w *SegmentedLog) Flush() error {
	if err := w.checkClosed(); err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	st := w.loadState()
	seg := st.OpenSegment()
	if seg == nil {
		return nil
	}
	if err := seg.Flush(); err != nil {
		return err
	}
	w.pendingWrites = 0
	return nil
}

// Close flushes the open segment, releases every segment's file handle, and
// marks the log closed. It does not seal the open (in-progress) segment:
// the next Open recovers it the same way it would after a crash.
func (w *SegmentedLog) Close() error {
	if !atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		return nil
	}

	// Stop the sync ticker before taking writeMu: its Flush calls contend on
	// writeMu, and waiting for the goroutine while holding the lock would
	// deadlock against a Flush already blocked on it.
	if w.syncTicker != nil {
		w.syncTicker.Stop()
		close(w.stopSync)
		<-w.syncDone
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	close(w.rotateCh)
	<-w.rotateDone

	st := w.loadState()
	var firstErr error
	for _, start := range st.Segments() {
		seg, ok := st.Segment(start)
		if !ok {
			continue
		}
		if err := seg.ReleaseHandle(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.metaDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
