package core

import (
	"fmt"
	"os"
	"sync"
)

// compact rewrites every live key into fresh segments (starting another
// one whenever the next record would push the current one past
// maxSegmentBytes) and removes every segment that existed before it,
// reclaiming the space superseded records occupied. It runs synchronously on the calling goroutine while
// shared.writer is held: no mutation can interleave with the rewrite, and
// a compaction failure surfaces as the triggering Set/Remove's error.
//
// Segments to delete are read from shared.segmentIDs, a list maintained
// explicitly under the writer lock, rather than from whichever segments
// this handle's reader cache happens to have touched during the scan: a
// segment holding only keys nobody has read yet would otherwise never
// make it onto the deletion list.
func (db *DB) compact() (rerr error) {
	s := db.shared
	s.onCompactStart()

	if err := s.writerSeg.Sync(); err != nil {
		return fmt.Errorf("sync active segment before compaction: %w", err)
	}
	if err := s.writerSeg.Close(); err != nil {
		return fmt.Errorf("close active segment before compaction: %w", err)
	}

	oldIDs := append([]int64(nil), s.segmentIDs...)
	nextID := s.writerSegID + 1

	newSeg, err := createSegWriter(segmentPath(s.dir, nextID))
	if err != nil {
		return fmt.Errorf("create compaction segment %d: %w", nextID, err)
	}
	newIDs := []int64{nextID}
	defer func() {
		if rerr != nil {
			_ = newSeg.Close()
		}
	}()

	oldIdx := s.index.Load()
	newIdx := &sync.Map{}

	oldIdx.Range(func(k, v any) bool {
		val, readErr := db.readAt(v.(recordLocation))
		if readErr != nil {
			rerr = fmt.Errorf("read %q during compaction: %w", k, readErr)
			return false
		}

		recLen := int64(hdrLen + len(k.(string)) + len(val))
		if newSeg.Pos()+recLen > s.maxSegmentBytes && newSeg.Pos() > 0 {
			if err := newSeg.Sync(); err != nil {
				rerr = fmt.Errorf("sync compaction segment %d: %w", nextID, err)
				return false
			}
			if err := newSeg.Close(); err != nil {
				rerr = fmt.Errorf("close compaction segment %d: %w", nextID, err)
				return false
			}
			nextID++
			seg, err := createSegWriter(segmentPath(s.dir, nextID))
			if err != nil {
				rerr = fmt.Errorf("create compaction segment %d: %w", nextID, err)
				return false
			}
			newSeg = seg
			newIDs = append(newIDs, nextID)
		}

		off := newSeg.Pos()
		if _, writeErr := writeRecord(newSeg, kindSet, k.(string), val); writeErr != nil {
			rerr = fmt.Errorf("write %q during compaction: %w", k, writeErr)
			return false
		}
		newIdx.Store(k, recordLocation{segmentID: nextID, offset: off})
		return true
	})
	if rerr != nil {
		return rerr
	}

	if err := newSeg.Sync(); err != nil {
		return fmt.Errorf("sync compaction segment: %w", err)
	}

	// Delete superseded segments, then publish the version bump, then
	// publish the new index, in that order. A reader still holding the
	// old index after the deletes can find its segment file gone; Get
	// handles that by reloading the index and retrying. The version bump
	// makes every handle drop its cached readers of the deleted files on
	// its next read.
	for _, id := range oldIDs {
		if err := os.Remove(segmentPath(s.dir, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove superseded segment %d: %w", id, err)
		}
	}

	s.globalVersion.Add(1)
	s.index.Store(newIdx)

	s.writerSeg = newSeg
	s.writerSegID = nextID
	s.segmentIDs = newIDs
	s.staleBytes = 0

	return nil
}
