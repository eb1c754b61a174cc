package log

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

/*
Each index entry holds two fields: the byte position where a record starts in
the segment's log file and the record's length in bytes. Both are uint32 so an
entry is a fixed 8 bytes on disk, and entry i always describes the segment's
i-th record, so an offset lookup is a slice index rather than a search.
*/

var enc = binary.LittleEndian

const (
	startWidth = 4
	totalWidth = 4
	entWidth   = startWidth + totalWidth
)

type entry struct {
	start uint32
	total uint32
}

// index is the in-memory entry table for one segment plus its backing
// .index file. Writes land in the in-memory slice and a buffered file image;
// Flush pushes the buffer to disk.
type index struct {
	file    *os.File
	buf     *bufio.Writer
	entries []entry
}

// newIndex opens the index backed by the given file and loads any entries
// already on disk. The file's length must be a whole number of entries;
// anything else is corruption and the open fails.
func newIndex(f *os.File) (*index, error) {
	idx := &index{
		file: f,
		buf:  bufio.NewWriter(f),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// load reads the file from the start as a stream of 8-byte records. A clean
// EOF on a record boundary terminates the load; a short read anywhere else
// reports ErrIndexCorrupt.
func (i *index) load() error {
	if _, err := i.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seeking to start of %s", i.Name())
	}
	i.entries = i.entries[:0]
	var b [entWidth]byte
	for {
		_, err := io.ReadFull(i.file, b[:])
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return errors.Wrapf(ErrIndexCorrupt, "short entry in %s", i.Name())
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", i.Name())
		}
		i.entries = append(i.entries, entry{
			start: enc.Uint32(b[:startWidth]),
			total: enc.Uint32(b[startWidth:]),
		})
	}
}

// reload picks up entries appended to the file by another handle onto the
// same segment, reading only past what is already in memory. Returns the
// total entry count.
func (i *index) reload() (uint64, error) {
	if err := i.Flush(); err != nil {
		return 0, err
	}
	var b [entWidth]byte
	for {
		pos := int64(len(i.entries)) * entWidth
		n, err := i.file.ReadAt(b[:], pos)
		if err == io.EOF && n == 0 {
			break
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, errors.Wrapf(ErrIndexCorrupt, "short entry in %s", i.Name())
		}
		if err != nil {
			return 0, errors.Wrapf(err, "reading %s", i.Name())
		}
		i.entries = append(i.entries, entry{
			start: enc.Uint32(b[:startWidth]),
			total: enc.Uint32(b[startWidth:]),
		})
	}
	return uint64(len(i.entries)), nil
}

// addEntry appends an entry to the in-memory table and the buffered file
// image. The entry only survives a crash once Flush has run.
func (i *index) addEntry(start, total uint32) error {
	var b [entWidth]byte
	enc.PutUint32(b[:startWidth], start)
	enc.PutUint32(b[startWidth:], total)
	if _, err := i.buf.Write(b[:]); err != nil {
		return errors.Wrapf(err, "buffering entry for %s", i.Name())
	}
	i.entries = append(i.entries, entry{start: start, total: total})
	return nil
}

// readEntry returns the entry for the segment-relative offset.
func (i *index) readEntry(rel uint64) (entry, error) {
	if rel >= uint64(len(i.entries)) {
		return entry{}, ErrOffsetOutOfRange
	}
	return i.entries[rel], nil
}

func (i *index) count() uint64 {
	return uint64(len(i.entries))
}

func (i *index) Flush() error {
	return i.buf.Flush()
}

func (i *index) Name() string {
	return i.file.Name()
}

func (i *index) Close() error {
	if err := i.buf.Flush(); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	return i.file.Close()
}
