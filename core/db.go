// Package core implements a log-structured, append-only key-value engine:
// writes land in an active segment file, a lock-free in-memory index maps
// each key to its most recent location, and background-free compaction
// reclaims space occupied by superseded records once enough of it has
// piled up.
package core

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// recordLocation addresses one live value within the segment set.
type recordLocation struct {
	segmentID int64
	offset    int64
}

// sharedState is everything a DB handle and all of its Clone-d siblings
// share. Every handle holds a pointer to the same sharedState; the
// garbage collector keeps it alive for as long as any handle references
// it, so no explicit refcounting is needed.
type sharedState struct {
	dir string

	// writer serializes Set, Remove and compact. Get never takes it: the
	// index is read through an atomic pointer, and segment files are
	// never mutated in place once closed off, so concurrent readers never
	// observe a torn write.
	writer sync.Mutex

	// The following fields are mutated only while writer is held.
	writerSeg   *segWriter
	writerSegID int64
	segmentIDs  []int64 // live segment ids, oldest first; last is the active one
	staleBytes  int64   // bytes occupied by superseded records since the last compaction

	// index maps key -> recordLocation. It is swapped wholesale on every
	// compaction via atomic.Pointer, so a Get in flight during a
	// compaction either sees the whole pre-compaction index or the whole
	// post-compaction index, never a partial mix.
	index atomic.Pointer[sync.Map]

	// globalVersion increments each time compact() deletes segment files.
	// Reader handles compare their own cached version against this to
	// know when cached *segReader values may point at deleted files.
	globalVersion atomic.Uint32

	maxSegmentBytes  int64
	compactThreshold int64
	fsync            bool
	verifyChecksum   bool
	onCompactStart   func()
}

// DB is a handle onto the store. A *DB is not safe for concurrent use by
// multiple goroutines: each handle owns a private, unsynchronized cache
// of open segment file readers. Call Clone to hand an independent handle,
// sharing the same underlying data, to another goroutine.
type DB struct {
	shared  *sharedState
	readers *readerCache

	// isRoot is true only for the handle Open returned. Close on a cloned
	// handle (e.g. the per-connection handle a server hands to a worker)
	// only tears down that handle's own reader cache; only the root
	// handle's Close also syncs and closes the shared active segment, so
	// one cloned handle's cleanup can never take down writes still in
	// flight on another.
	isRoot bool
}

// readerCache holds one open *segReader per segment this handle has read
// from. localVersion tracks the sharedState.globalVersion this cache was
// last validated against; a stale cache is dropped wholesale rather than
// picked apart, since a compaction can delete any number of segments at
// once.
type readerCache struct {
	localVersion uint32
	files        map[int64]*segReader
}

func newReaderCache() *readerCache {
	return &readerCache{files: make(map[int64]*segReader)}
}

// Option configures a DB at Open time.
type Option func(*sharedState)

// WithMaxSegmentBytes overrides the size at which the active segment rolls
// over to a new one.
func WithMaxSegmentBytes(n int64) Option {
	return func(s *sharedState) { s.maxSegmentBytes = n }
}

// WithCompactThreshold overrides the number of stale bytes that must
// accumulate before a compaction is triggered.
func WithCompactThreshold(n int64) Option {
	return func(s *sharedState) { s.compactThreshold = n }
}

// WithFsync enables an fsync after every Set/Remove append. Off by
// default: fsync costs on the order of milliseconds, acceptable only if
// every write needs single-write durability rather than page-cache
// durability.
func WithFsync(b bool) Option {
	return func(s *sharedState) { s.fsync = b }
}

// WithVerifyChecksum controls whether record checksums are verified on
// every read (open-time scan and Get). On by default.
func WithVerifyChecksum(b bool) Option {
	return func(s *sharedState) { s.verifyChecksum = b }
}

// WithOnCompactStart installs a test hook invoked synchronously right
// before a compaction begins writing its consolidated segment.
func WithOnCompactStart(f func()) Option {
	return func(s *sharedState) { s.onCompactStart = f }
}

const (
	defaultMaxSegmentBytes  = 16 * 1024 * 1024
	defaultCompactThreshold = 2 * 1024 * 1024
)

// Open opens (creating if necessary) a store rooted at dir. It replays
// every segment file found in dir, in ascending segment-id order, to
// rebuild the in-memory index, then positions the writer at the end of
// the highest-numbered segment (or creates a fresh one if dir was empty).
func Open(dir string, opts ...Option) (db *DB, rerr error) {
	shared := &sharedState{
		dir:              dir,
		maxSegmentBytes:  defaultMaxSegmentBytes,
		compactThreshold: defaultCompactThreshold,
		verifyChecksum:   true,
		onCompactStart:   func() {},
	}
	for _, opt := range opts {
		opt(shared)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	if err := ensureSentinel(dir); err != nil {
		return nil, fmt.Errorf("ensure sentinel: %w", err)
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	idx := &sync.Map{}
	var staleBytes int64

	for _, id := range ids {
		recs, _, err := loadSegment(dir, id, shared.verifyChecksum)
		if err != nil {
			return nil, fmt.Errorf("load segment %d: %w", id, err)
		}
		for _, rec := range recs {
			recLen := int64(hdrLen + len(rec.key) + len(rec.val))
			if prev, ok := idx.Load(rec.key); ok {
				staleBytes += prevRecordLen(dir, prev.(recordLocation))
			}
			switch rec.kind {
			case kindSet:
				idx.Store(rec.key, recordLocation{segmentID: id, offset: rec.off})
			case kindRemove:
				if _, ok := idx.LoadAndDelete(rec.key); ok {
					staleBytes += recLen
				}
			}
		}
	}

	shared.segmentIDs = ids
	shared.staleBytes = staleBytes
	shared.index.Store(idx)

	defer func() {
		if rerr != nil && shared.writerSeg != nil {
			_ = shared.writerSeg.Close()
		}
	}()

	if len(ids) == 0 {
		seg, err := createSegWriter(segmentPath(dir, 0))
		if err != nil {
			return nil, fmt.Errorf("create initial segment: %w", err)
		}
		shared.writerSeg = seg
		shared.writerSegID = 0
		shared.segmentIDs = []int64{0}
	} else {
		activeID := ids[len(ids)-1]
		info, err := os.Stat(segmentPath(dir, activeID))
		if err != nil {
			return nil, fmt.Errorf("stat active segment: %w", err)
		}
		seg, err := openSegWriterAtEnd(segmentPath(dir, activeID), info.Size())
		if err != nil {
			return nil, fmt.Errorf("open active segment: %w", err)
		}
		shared.writerSeg = seg
		shared.writerSegID = activeID
	}

	warnOrphanedSegments(dir, ids, idx)

	return &DB{shared: shared, readers: newReaderCache(), isRoot: true}, nil
}

// prevRecordLen looks up the on-disk length of the record at loc, so
// superseding it can be charged against staleBytes. Errors are swallowed:
// this is best-effort accounting used only to decide when to compact, not
// a correctness-critical path.
func prevRecordLen(dir string, loc recordLocation) int64 {
	f, err := os.Open(segmentPath(dir, loc.segmentID))
	if err != nil {
		return 0
	}
	defer f.Close()
	var hdr [hdrLen]byte
	if _, err := f.ReadAt(hdr[:], loc.offset); err != nil {
		return 0
	}
	_, keyLen, valLen, _ := parseHeader(hdr)
	return int64(hdrLen + keyLen + valLen)
}

// warnOrphanedSegments logs (without deleting) any on-disk segment that no
// live key in idx points into. A healthy store after a clean compaction
// has none; one can appear if the process crashed between compact()
// writing its consolidated segment and deleting the segments it replaced.
// With no manifest file to diff the directory listing against, the index
// just rebuilt from the segments is the authority on what is reachable.
func warnOrphanedSegments(dir string, ids []int64, idx *sync.Map) {
	onDisk := mapset.NewSet(ids...)

	referenced := mapset.NewSet[int64]()
	idx.Range(func(_, v any) bool {
		referenced.Add(v.(recordLocation).segmentID)
		return true
	})

	if len(ids) > 0 {
		referenced.Add(ids[len(ids)-1]) // the active segment may be empty
	}

	if orphaned := onDisk.Difference(referenced); orphaned.Cardinality() != 0 {
		log.Printf("warning: orphaned segments in %s: %v", dir, orphaned.ToSlice())
	}
}

// Clone returns a new handle sharing this DB's underlying segments, index
// and writer, with its own independent, empty reader cache. Intended for
// handing one handle per goroutine, e.g. one per worker-pool slot.
func (db *DB) Clone() *DB {
	return &DB{shared: db.shared, readers: newReaderCache()}
}

// Close releases this handle's own cached segment readers and, only if
// this is the root handle Open returned, syncs and closes the shared
// active segment. A cloned handle (one given out by Clone, e.g. a
// server's per-connection handle) can always have Close called on it
// without affecting writes or reads still in flight on any other handle
// sharing the same store.
func (db *DB) Close() error {
	db.shared.writer.Lock()
	for _, r := range db.readers.files {
		_ = r.Close()
	}
	db.readers.files = make(map[int64]*segReader)
	db.shared.writer.Unlock()

	if !db.isRoot {
		return nil
	}

	db.shared.writer.Lock()
	defer db.shared.writer.Unlock()

	if db.shared.writerSeg != nil {
		if err := db.shared.writerSeg.Sync(); err != nil {
			return err
		}
		return db.shared.writerSeg.Close()
	}
	return nil
}

// getRetryLimit bounds how many times Get will reload the index after
// finding a segment file gone. The window where that happens legitimately
// (compaction deleted the old segments but has not yet published the new
// index) lasts a handful of syscalls, so the limit is never reached
// unless a segment file was deleted out from under the store externally.
const getRetryLimit = 100

// Get returns the current value for key, or ErrKeyNotFound.
func (db *DB) Get(key string) (string, error) {
	for attempt := 0; ; attempt++ {
		idx := db.shared.index.Load()
		v, ok := idx.Load(key)
		if !ok {
			return "", ErrKeyNotFound
		}
		loc := v.(recordLocation)

		val, err := db.readAt(loc)
		if errors.Is(err, fs.ErrNotExist) && attempt < getRetryLimit {
			// A compaction deleted this segment between the index
			// lookup and the file open. The post-compaction index is
			// published moments after the deletes; reload and go again.
			runtime.Gosched()
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read value at %+v: %w", loc, err)
		}
		return val, nil
	}
}

// readAt reads the record at loc through this handle's reader cache,
// refreshing the cache first if a compaction has moved the global version
// forward since this handle last read.
func (db *DB) readAt(loc recordLocation) (string, error) {
	gv := db.shared.globalVersion.Load()
	if gv != db.readers.localVersion {
		for _, r := range db.readers.files {
			_ = r.Close()
		}
		db.readers.files = make(map[int64]*segReader)
		db.readers.localVersion = gv
	}

	r, ok := db.readers.files[loc.segmentID]
	if !ok {
		var err error
		r, err = openSegReader(segmentPath(db.shared.dir, loc.segmentID))
		if err != nil {
			return "", err
		}
		db.readers.files[loc.segmentID] = r
	}

	val, kind, err := readRecordAt(r, loc.offset, db.shared.verifyChecksum)
	if err != nil {
		return "", err
	}
	if kind != kindSet {
		return "", fmt.Errorf("%w: index pointed at a non-set record", ErrCorrupt)
	}
	return val, nil
}

// Set writes key=val, making it immediately visible to Get.
func (db *DB) Set(key, val string) error {
	db.shared.writer.Lock()
	defer db.shared.writer.Unlock()

	off, segID, err := db.append(kindSet, key, val)
	if err != nil {
		return err
	}

	idx := db.shared.index.Load()
	newLoc := recordLocation{segmentID: segID, offset: off}
	if prev, loaded := idx.Swap(key, newLoc); loaded {
		db.shared.staleBytes += prevRecordLen(db.shared.dir, prev.(recordLocation))
	}

	return db.maybeCompact()
}

// Remove deletes key. It returns ErrRemoveNonexistKey, without writing a
// tombstone, if key has no live value.
func (db *DB) Remove(key string) error {
	db.shared.writer.Lock()
	defer db.shared.writer.Unlock()

	idx := db.shared.index.Load()
	prev, ok := idx.LoadAndDelete(key)
	if !ok {
		return ErrRemoveNonexistKey
	}
	db.shared.staleBytes += prevRecordLen(db.shared.dir, prev.(recordLocation))

	if _, _, err := db.append(kindRemove, key, ""); err != nil {
		return err
	}

	return db.maybeCompact()
}

// append writes one record to the active segment, rolling over to a new
// segment first if it wouldn't fit. Caller must hold shared.writer.
func (db *DB) append(kind recordKind, key, val string) (off int64, segID int64, err error) {
	s := db.shared

	recLen := int64(hdrLen + len(key) + len(val))
	if s.writerSeg.Pos()+recLen > s.maxSegmentBytes && s.writerSeg.Pos() > 0 {
		if err := db.rollover(); err != nil {
			return 0, 0, err
		}
	}

	off = s.writerSeg.Pos()
	if _, err := writeRecord(s.writerSeg, kind, key, val); err != nil {
		return 0, 0, fmt.Errorf("write record: %w", err)
	}

	if s.fsync {
		if err := s.writerSeg.Sync(); err != nil {
			return 0, 0, fmt.Errorf("sync segment: %w", err)
		}
	} else if err := s.writerSeg.Flush(); err != nil {
		return 0, 0, fmt.Errorf("flush segment: %w", err)
	}

	return off, s.writerSegID, nil
}

// rollover closes out the active segment and opens a fresh one with the
// next segment id. Caller must hold shared.writer.
func (db *DB) rollover() error {
	s := db.shared

	if err := s.writerSeg.Sync(); err != nil {
		return fmt.Errorf("sync rolled segment: %w", err)
	}
	if err := s.writerSeg.Close(); err != nil {
		return fmt.Errorf("close rolled segment: %w", err)
	}

	newID := s.writerSegID + 1
	seg, err := createSegWriter(segmentPath(s.dir, newID))
	if err != nil {
		return fmt.Errorf("create segment %d: %w", newID, err)
	}

	s.writerSeg = seg
	s.writerSegID = newID
	s.segmentIDs = append(s.segmentIDs, newID)
	return nil
}

// maybeCompact triggers a compaction once enough stale bytes have piled
// up. Caller must hold shared.writer.
func (db *DB) maybeCompact() error {
	if db.shared.staleBytes < db.shared.compactThreshold {
		return nil
	}
	return db.compact()
}

// DiskSize returns the sum of all live on-disk segment file sizes.
func (db *DB) DiskSize() (int64, error) {
	db.shared.writer.Lock()
	ids := append([]int64(nil), db.shared.segmentIDs...)
	dir := db.shared.dir
	db.shared.writer.Unlock()

	var total int64
	for _, id := range ids {
		info, err := os.Stat(segmentPath(dir, id))
		if err != nil {
			return 0, fmt.Errorf("stat segment %d: %w", id, err)
		}
		total += info.Size()
	}
	return total, nil
}
