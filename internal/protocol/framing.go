package protocol

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Frames delimit envelopes on a byte stream: a little-endian uint16 body
// length followed by the body itself.

const (
	frameHeaderLen = 2
	// MaxFrameBytes is the largest body a frame can carry.
	MaxFrameBytes = math.MaxUint16
)

// ErrFrameTooLarge is returned when a body does not fit the 16-bit length.
var ErrFrameTooLarge = errors.New("protocol: frame body exceeds 65535 bytes")

// WriteFrame writes one framed body. The header and body go out in a single
// write so concurrent writers on the same connection cannot interleave a
// header into another frame's body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	framed := make([]byte, frameHeaderLen+len(body))
	binary.LittleEndian.PutUint16(framed, uint16(len(body)))
	copy(framed[frameHeaderLen:], body)
	_, err := w.Write(framed)
	return err
}

// ReadFrame reads one framed body. io.EOF at the length boundary means the
// peer closed cleanly; a stream that ends mid-frame reports an unexpected
// EOF instead.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.LittleEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "reading frame body")
	}
	return body, nil
}
