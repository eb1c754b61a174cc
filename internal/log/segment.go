package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

/*
The segment wraps a log file and its index to coordinate operations across
the two. An append writes the raw payload to the log file and records the
payload's (start, length) in the index; the log file is exactly the
concatenation of its payloads, so lengths live only in the index.
*/

const (
	logSuffix   = ".log"
	indexSuffix = ".index"
)

type segment struct {
	mu      sync.Mutex
	logFile *os.File
	index   *index

	// the global offset of the segment's first record
	baseOffset uint64
	// the next global offset to be assigned by this segment
	nextOffset uint64
	// bytes written to the log file, including any not yet flushed
	position uint64
	maxBytes uint64
}

// segmentFileName builds the on-disk name for one half of a segment: the
// starting offset zero-padded to five digits plus the suffix.
func segmentFileName(dir string, baseOffset uint64, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%05d%s", baseOffset, suffix))
}

// newSegment opens or creates the segment with the given starting offset.
// A brand-new segment is valid while empty: both files exist and
// nextOffset == baseOffset.
func newSegment(dir string, baseOffset uint64, c Config) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		maxBytes:   c.Segment.MaxStoreBytes,
	}

	logFile, err := os.OpenFile(
		segmentFileName(dir, baseOffset, logSuffix),
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening segment log file")
	}
	s.logFile = logFile

	fi, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "statting segment log file")
	}
	s.position = uint64(fi.Size())

	indexFile, err := os.OpenFile(
		segmentFileName(dir, baseOffset, indexSuffix),
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0644,
	)
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "opening segment index file")
	}
	if s.index, err = newIndex(indexFile); err != nil {
		logFile.Close()
		indexFile.Close()
		return nil, err
	}

	s.nextOffset = baseOffset + s.index.count()
	return s, nil
}

// Write appends the payload and returns the global offset it was assigned.
// The size check runs before anything is written: a payload that would push
// the log file past maxBytes fails with ErrSegmentFull and leaves the
// segment untouched.
func (s *segment) Write(p []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.position+uint64(len(p)) > s.maxBytes {
		return 0, ErrSegmentFull
	}
	n, err := s.logFile.Write(p)
	if err != nil {
		return 0, errors.Wrapf(err, "writing to %s", s.logFile.Name())
	}
	if err := s.index.addEntry(uint32(s.position), uint32(n)); err != nil {
		return 0, err
	}
	off := s.nextOffset
	s.position += uint64(n)
	s.nextOffset++
	return off, nil
}

// Read returns the payload stored at the global offset. The offset is
// translated to a segment-relative one before the index lookup; for
// segment zero the two are the same.
func (s *segment) Read(off uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off < s.baseOffset {
		return nil, ErrOffsetOutOfRange
	}
	rel := off - s.baseOffset
	if rel >= s.nextOffset-s.baseOffset {
		return nil, ErrOffsetOutOfRange
	}
	ent, err := s.index.readEntry(rel)
	if err != nil {
		return nil, err
	}
	b := make([]byte, ent.total)
	if _, err := s.logFile.ReadAt(b, int64(ent.start)); err != nil {
		return nil, errors.Wrapf(err, "reading %s at %d", s.logFile.Name(), ent.start)
	}
	return b, nil
}

// Flush pushes the buffered index image to its file so another process
// image of the same segment can observe the appends.
func (s *segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Flush()
}

// Reload re-reads the index to learn about appends performed through
// another handle onto the same files, then advances nextOffset and the
// write position to match.
func (s *segment) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.index.reload()
	if err != nil {
		return err
	}
	s.nextOffset = s.baseOffset + count
	fi, err := s.logFile.Stat()
	if err != nil {
		return errors.Wrap(err, "statting segment log file")
	}
	s.position = uint64(fi.Size())
	return nil
}

// Remove closes the segment and deletes both of its files.
func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.index.Name()); err != nil {
		return err
	}
	return os.Remove(s.logFile.Name())
}

func (s *segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Close(); err != nil {
		return err
	}
	return s.logFile.Close()
}
