package log

import "errors"

var (
	// ErrSegmentFull is returned by a segment write that would push the log
	// file past its byte cap. The commit log handles it by splitting; it
	// never escapes Append.
	ErrSegmentFull = errors.New("segment full")

	// ErrOffsetOutOfRange is returned by a segment read past its last entry.
	// The commit log translates it to ErrOffsetNotFound.
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// ErrOffsetNotFound is returned by Read when no retained segment covers
	// the requested offset, either because it was never written or because
	// the cleaner already dropped it.
	ErrOffsetNotFound = errors.New("offset does not exist in the commit log")

	// ErrIndexCorrupt is returned when an index file's length is not a
	// multiple of the entry width. The segment refuses to open rather than
	// silently truncate.
	ErrIndexCorrupt = errors.New("index file corrupt")
)
