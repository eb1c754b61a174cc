package log

import (
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Log is one topic's commit log: an ordered list of segments plus the
// active one accepting appends. Segments are non-overlapping and contiguous
// in offset space; the last segment's nextOffset is the log's end of stream.
type Log struct {
	mu sync.RWMutex

	// The directory the log stores its segments in.
	Dir    string
	Config Config

	logger        zerolog.Logger
	cleaner       *cleaner
	activeSegment *segment
	segments      []*segment
}

/*
When a log starts it sets itself up from the segments already on disk. Only
file stems with both a .log and an .index are segments; an orphaned half is
left over from a crashed delete and is removed. Stems are parsed as decimal
starting offsets and loaded in ascending order, and the newest segment
becomes the active one. A directory with no segments stays empty until the
first append bootstraps segment zero.
*/
func NewLog(dir string, c Config) (*Log, error) {
	if c.Segment.MaxStoreBytes == 0 {
		c.Segment.MaxStoreBytes = 1024
	}
	if c.Retention.MaxLogBytes == 0 {
		c.Retention.MaxLogBytes = 1024 * 1024
	}

	l := &Log{
		Dir:     dir,
		Config:  c,
		cleaner: newCleaner(c.Retention.MaxLogBytes),
		logger: zerolog.New(os.Stderr).With().
			Str("service", "commitlog").
			Str("dir", dir).
			Timestamp().Logger(),
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}
	return l, l.setup()
}

func (l *Log) setup() error {
	stems, orphans, err := scanSegmentDir(l.Dir)
	if err != nil {
		return err
	}
	for _, orphan := range orphans {
		l.logger.Warn().Str("file", orphan).Msg("removing orphaned segment file")
		if err := os.Remove(orphan); err != nil {
			return errors.Wrap(err, "removing orphaned segment file")
		}
	}
	for _, stem := range stems {
		off, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			l.logger.Warn().Str("stem", stem).Msg("skipping unparsable segment name")
			continue
		}
		if err := l.loadSegment(off); err != nil {
			return err
		}
	}
	l.sortSegments()
	if len(l.segments) > 0 {
		l.activeSegment = l.segments[len(l.segments)-1]
	}
	return nil
}

// scanSegmentDir splits a directory's contents into valid segment stems
// (both halves present) and orphaned files (one half missing).
func scanSegmentDir(dir string) (stems, orphans []string, err error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading log directory")
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Name()] = true
	}
	for _, f := range files {
		name := f.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		switch filepath.Ext(name) {
		case logSuffix:
			if present[stem+indexSuffix] {
				stems = append(stems, stem)
			} else {
				orphans = append(orphans, filepath.Join(dir, name))
			}
		case indexSuffix:
			if !present[stem+logSuffix] {
				orphans = append(orphans, filepath.Join(dir, name))
			}
		}
	}
	return stems, orphans, nil
}

func (l *Log) loadSegment(baseOffset uint64) error {
	s, err := newSegment(l.Dir, baseOffset, l.Config)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	return nil
}

func (l *Log) sortSegments() {
	slices.SortFunc(l.segments, func(a, b *segment) int {
		return cmp.Compare(a.baseOffset, b.baseOffset)
	})
}

// Append writes the payload to the active segment and returns the offset it
// was assigned. A full segment triggers a split and a single retry, and
// every successful append is followed by a retention pass and a flush so
// the files on disk match what was acknowledged.
func (l *Log) Append(p []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uint64(len(p)) > l.Config.Segment.MaxStoreBytes {
		// A fresh segment would reject it too, so splitting cannot help.
		return 0, errors.Errorf(
			"payload of %d bytes exceeds segment cap of %d",
			len(p), l.Config.Segment.MaxStoreBytes,
		)
	}

	if len(l.segments) == 0 {
		if err := l.loadSegment(0); err != nil {
			return 0, err
		}
		l.activeSegment = l.segments[0]
	}

	off, err := l.activeSegment.Write(p)
	if errors.Is(err, ErrSegmentFull) {
		if err = l.split(); err != nil {
			return 0, err
		}
		off, err = l.activeSegment.Write(p)
	}
	if err != nil {
		return 0, err
	}
	if err := l.activeSegment.Flush(); err != nil {
		return 0, err
	}
	if err := l.clean(); err != nil {
		return 0, err
	}
	return off, nil
}

// split snapshots the active segment's next offset and promotes a fresh
// segment starting there. The prior segment's files stay on disk untouched
// until the cleaner drops them.
func (l *Log) split() error {
	next := l.activeSegment.nextOffset
	l.logger.Debug().Uint64("base_offset", next).Msg("rolling onto new segment")
	if err := l.loadSegment(next); err != nil {
		return err
	}
	l.activeSegment = l.segments[len(l.segments)-1]
	return nil
}

func (l *Log) clean() error {
	segments, err := l.cleaner.clean(l.segments)
	l.segments = segments
	if len(l.segments) > 0 {
		l.activeSegment = l.segments[len(l.segments)-1]
	} else {
		l.activeSegment = nil
	}
	return err
}

// Read returns the payload at the global offset. The segment with the
// largest starting offset at or below the target serves the read; if no
// segment covers it, or the target is past the segment's end, the offset is
// not in the retained log.
func (l *Log) Read(off uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var target *segment
	for _, s := range l.segments {
		if s.baseOffset <= off {
			target = s
		} else {
			break
		}
	}
	if target == nil {
		return nil, ErrOffsetNotFound
	}
	b, err := target.Read(off)
	if errors.Is(err, ErrOffsetOutOfRange) {
		return nil, ErrOffsetNotFound
	}
	return b, err
}

// ReloadSegments re-reads the directory to pick up work done by another
// handle onto the same log: the active segment's index is reloaded for new
// entries and newly appeared segments are added to the list.
func (l *Log) ReloadSegments() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeSegment != nil {
		if err := l.activeSegment.Reload(); err != nil {
			return err
		}
	}

	stems, _, err := scanSegmentDir(l.Dir)
	if err != nil {
		return err
	}
	known := make(map[uint64]bool, len(l.segments))
	for _, s := range l.segments {
		known[s.baseOffset] = true
	}
	added := false
	for _, stem := range stems {
		off, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			l.logger.Warn().Str("stem", stem).Msg("skipping unparsable segment name")
			continue
		}
		if known[off] {
			continue
		}
		l.logger.Debug().Uint64("base_offset", off).Msg("adding new segment")
		if err := l.loadSegment(off); err != nil {
			return err
		}
		added = true
	}
	if added {
		l.sortSegments()
	}
	if len(l.segments) > 0 {
		l.activeSegment = l.segments[len(l.segments)-1]
	}
	return nil
}

// OldestOffset returns the starting offset of the first retained segment,
// or zero for an empty log.
func (l *Log) OldestOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segments) == 0 {
		return 0
	}
	return l.segments[0].baseOffset
}

// LatestOffset returns the active segment's next offset: the log's
// exclusive end of stream.
func (l *Log) LatestOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.activeSegment == nil {
		return 0
	}
	return l.activeSegment.nextOffset
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Remove closes the log and deletes its directory tree.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.Dir)
}
