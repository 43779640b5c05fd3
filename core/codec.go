package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/zeebo/xxh3"
)

// recordKind distinguishes a live value from a tombstone on disk.
type recordKind int8

const (
	kindRemove recordKind = iota
	kindSet
)

// hdrLen is the fixed record header size:
// 8-byte checksum + 4-byte keyLen + 4-byte valLen + 1-byte kind + 1-byte reserved.
const hdrLen = 18

// csLen is the checksum field width, a 64-bit xxh3 hash.
const csLen = 8

// writeRecord emits one record as:
//
//	[8B checksum][4B keyLen][4B valLen][1B kind][1B reserved][key][val]
//
// and returns the total length written, which the caller uses to advance
// its write-position tracking.
func writeRecord(w io.Writer, kind recordKind, key, val string) (int64, error) {
	totalLen := hdrLen + len(key) + len(val)
	buf := make([]byte, totalLen)

	sb := buf
	sb = sb[csLen:] // checksum filled in last

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, uint32(len(val)))
	sb = sb[4:]

	sb[0] = byte(kind)
	sb = sb[1:]

	sb[0] = 0 // reserved
	sb = sb[1:]

	copy(sb, key)
	sb = sb[len(key):]

	copy(sb, val)
	sb = sb[len(val):]

	if len(sb) != 0 {
		log.Panicf("unexpected remaining data on buffer: %v", sb)
	}

	checksum := xxh3.Hash(buf[csLen:])
	binary.LittleEndian.PutUint64(buf[:csLen], checksum)

	_, err := w.Write(buf)
	return int64(totalLen), err
}

// readRecordAt seeks r to off and decodes the one record starting there.
// Used on the hot Get path: a segReader's window buffering means this
// typically costs zero syscalls once a segment has been read from once,
// since nearby offsets fall inside the already-buffered window.
func readRecordAt(r *segReader, off int64, verifyChecksum bool) (string, recordKind, error) {
	r.Seek(off)
	return readOneRecord(r, verifyChecksum)
}

// readOneRecord decodes a single record from the current position of r.
func readOneRecord(r io.Reader, verifyChecksum bool) (string, recordKind, error) {
	var hdr [hdrLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", 0, err
	}

	checksum, keyLen, valLen, kind := parseHeader(hdr)

	buf := make([]byte, hdrLen+keyLen+valLen)
	copy(buf, hdr[:])

	if _, err := io.ReadFull(r, buf[hdrLen:]); err != nil {
		return "", kind, err
	}

	if verifyChecksum {
		if computed := xxh3.Hash(buf[csLen:]); checksum != computed {
			return "", kind, fmt.Errorf("%w: expected %x, got %x", ErrChecksumMismatch, checksum, computed)
		}
	}

	val := string(buf[hdrLen+keyLen:])
	return val, kind, nil
}

// scannedRecord is one record surfaced by recordScanner while walking a
// segment front to back.
type scannedRecord struct {
	key  string
	val  string
	off  int64 // start offset of the record within the segment
	kind recordKind
}

// recordScanner walks a segment's records sequentially via a buffered
// reader sitting on an io.SectionReader, so repeated scans never disturb
// the underlying file handle's position.
type recordScanner struct {
	reader         *bufio.Reader
	record         *scannedRecord
	end            int64 // end offset of the most recently scanned record
	err            error
	verifyChecksum bool
}

func newRecordScanner(r io.ReaderAt, verifyChecksum bool) *recordScanner {
	const maxint64 = 1<<63 - 1
	sr := io.NewSectionReader(r, 0, maxint64)
	return &recordScanner{reader: bufio.NewReader(sr), verifyChecksum: verifyChecksum}
}

// scan advances to the next record, returning false at EOF or on error.
// rs.err reports which. A torn tail record (the process died mid-append) is
// treated as a clean stopping point, not corruption: the writer never
// acknowledged it to a client, so nothing was lost. A checksum mismatch on
// a fully-written record, by contrast, is reported as an error since that
// record was already durable and acknowledged.
func (rs *recordScanner) scan() bool {
	if rs.err != nil {
		return false
	}

	reader := rs.reader
	rs.record = nil

	isEOF := func(err error) bool {
		return err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF)
	}

	var hdr [hdrLen]byte
	if _, err := io.ReadFull(reader, hdr[:]); err != nil {
		if !isEOF(err) {
			rs.err = fmt.Errorf("read record header: %w", err)
		}
		return false
	}
	checksum, keyLen, valLen, kind := parseHeader(hdr)

	buf := make([]byte, hdrLen+keyLen+valLen)
	copy(buf, hdr[:])

	if _, err := io.ReadFull(reader, buf[hdrLen:]); err != nil {
		if !isEOF(err) {
			rs.err = fmt.Errorf("read record payload: %w", err)
		}
		return false
	}

	if rs.verifyChecksum {
		if computed := xxh3.Hash(buf[csLen:]); checksum != computed {
			rs.err = fmt.Errorf("%w: expected %x, got %x", ErrChecksumMismatch, checksum, computed)
			return false
		}
	}

	rs.record = &scannedRecord{
		key:  string(buf[hdrLen : hdrLen+keyLen]),
		val:  string(buf[hdrLen+keyLen:]),
		off:  rs.end,
		kind: kind,
	}
	rs.end += int64(hdrLen + keyLen + valLen)

	return true
}

func parseHeader(hdr [hdrLen]byte) (uint64, int, int, recordKind) {
	sb := hdr[:]

	checksum := binary.LittleEndian.Uint64(sb)
	sb = sb[csLen:]

	keyLen := int(binary.LittleEndian.Uint32(sb))
	sb = sb[4:]

	valLen := int(binary.LittleEndian.Uint32(sb))
	sb = sb[4:]

	kind := recordKind(sb[0])
	sb = sb[1:]

	sb = sb[1:] // reserved

	if len(sb) != 0 {
		log.Panicf("unexpected remaining data on buffer: %v", sb)
	}

	return checksum, keyLen, valLen, kind
}
