package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// segmentPath returns the on-disk path for segment id within dir. Segment
// files are named "<id>.dat" with no zero padding, so the lifetime id
// space is never capped by a fixed digit count.
func segmentPath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.dat", id))
}

// listSegmentIDs scans dir for segment files and returns their ids sorted
// ascending. A name that doesn't parse as "<int>.dat" is skipped rather
// than failing startup, so a stray file (the sentinel, a crashed-mid-
// compaction leftover) doesn't block recovery.
func listSegmentIDs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	var ids []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".dat") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".dat"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// loadSegment scans one segment file front to back, returning every record
// found and the offset the file should be truncated to. A torn tail
// record (the process died mid-append) is dropped silently by the scanner;
// truncating the file at that point makes subsequent appends to this
// segment (if it's still active) start from a clean boundary.
func loadSegment(dir string, id int64, verifyChecksum bool) ([]*scannedRecord, int64, error) {
	path := segmentPath(dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open segment %d: %w", id, err)
	}
	defer f.Close()

	rs := newRecordScanner(f, verifyChecksum)
	var recs []*scannedRecord
	for rs.scan() {
		recs = append(recs, rs.record)
	}
	if rs.err != nil {
		return nil, 0, fmt.Errorf("scan segment %d: %w", id, rs.err)
	}

	if err := os.Truncate(path, rs.end); err != nil {
		return nil, 0, fmt.Errorf("truncate segment %d: %w", id, err)
	}

	return recs, rs.end, nil
}
