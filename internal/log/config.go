package log

type Config struct {
	Segment struct {
		// The maximum number of payload bytes in one segment's log file.
		// An append that would push the file past this cap rolls the log
		// onto a fresh segment instead.
		MaxStoreBytes uint64
	}
	Retention struct {
		// The byte budget for the log's segments. The unit is bytes, not a
		// segment count. Counting from the newest segment, the segment in
		// which the running total passes this cap is kept whole and every
		// older segment is dropped, so the retained total can exceed the
		// cap by up to one segment.
		MaxLogBytes uint64
	}
}
