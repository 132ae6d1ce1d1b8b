package wire

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxFrameSize bounds a single encoded frame. It matches the receive
	// buffer of the frame reader, so a larger frame could never complete.
	MaxFrameSize = 64 * 1024

	// MinFrameSize is the shortest well-formed frame: a tag and three
	// zero-length fields ("TAG 0 0 0").
	MinFrameSize = TagLen + 3*2

	absent = "--"
)

// ErrFraming is wrapped by every decode error that leaves the byte stream
// unusable. Callers test with errors.Is and drop the connection.
var ErrFraming = errors.New("framing error")

var (
	ErrMalformedTag     = fmt.Errorf("%w: malformed tag", ErrFraming)
	ErrMalformedLength  = fmt.Errorf("%w: malformed length", ErrFraming)
	ErrMissingSeparator = fmt.Errorf("%w: missing separator", ErrFraming)
	ErrFrameTooLarge    = fmt.Errorf("%w: frame too large", ErrFraming)
)

// ErrIncomplete is returned by Decode when the buffer ends before the frame
// does. It is not a failure; more bytes are needed.
var ErrIncomplete = errors.New("incomplete frame")

// UnknownKindError reports a well-formed frame whose tag is not a known
// kind. The frame is consumed and the stream stays usable.
type UnknownKindError struct {
	Tag string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown message kind %q", e.Tag)
}

// Encode returns the wire form of m.
func Encode(m *Message) []byte {
	return AppendEncode(make([]byte, 0, EncodedLen(m)), m)
}

// AppendEncode appends the wire form of m to dst and returns the result.
func AppendEncode(dst []byte, m *Message) []byte {
	dst = append(dst, m.kind.Tag()...)
	for _, v := range [...]string{m.sender, m.payload, m.aux} {
		if v == "" {
			v = absent
		}

		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(len(v)), 10)
		dst = append(dst, ' ')
		dst = append(dst, v...)
	}

	return dst
}

// EncodedLen returns the exact size of Encode(m).
func EncodedLen(m *Message) int {
	n := TagLen
	for _, v := range [...]string{m.sender, m.payload, m.aux} {
		if v == "" {
			v = absent
		}

		n += 2 + len(strconv.Itoa(len(v))) + len(v)
	}

	return n
}

// Decode reads one frame from the start of buf. Separators preceding the
// frame are skipped.
//
// Parameters:
//   - buf: Bytes received so far
//
// Returns:
//   - The decoded message, or nil
//   - The number of bytes consumed; 0 when err is ErrIncomplete or fatal
//   - ErrIncomplete if more bytes are needed, an error wrapping ErrFraming
//     if the stream is corrupt, or *UnknownKindError (with the frame
//     consumed) if the tag is not registered
func Decode(buf []byte) (*Message, int, error) {
	start := 0
	for start < len(buf) && isSeparator(buf[start]) {
		start++
	}

	if err := checkTag(buf[start:]); err != nil {
		return nil, 0, err
	}

	if len(buf)-start < MinFrameSize {
		return nil, 0, ErrIncomplete
	}

	tag := string(buf[start : start+TagLen])
	p := start + TagLen + 1

	var fields [3]string
	for i := range fields {
		n, next, err := readLength(buf, p)
		if err != nil {
			return nil, 0, err
		}

		p = next
		if n > 0 {
			if p >= len(buf) {
				return nil, 0, ErrIncomplete
			}

			if !isSeparator(buf[p]) {
				return nil, 0, ErrMissingSeparator
			}

			p++
			if p+n-start > MaxFrameSize {
				return nil, 0, ErrFrameTooLarge
			}

			if len(buf)-p < n {
				return nil, 0, ErrIncomplete
			}

			if v := string(buf[p : p+n]); v != absent {
				fields[i] = v
			}

			p += n
		}

		if i < len(fields)-1 {
			if p >= len(buf) {
				return nil, 0, ErrIncomplete
			}

			if !isSeparator(buf[p]) {
				return nil, 0, ErrMissingSeparator
			}

			p++
		}
	}

	if p < len(buf) && isSeparator(buf[p]) {
		p++
	}

	msg, err := FromFields(tag, fields[0], fields[1], fields[2])
	return msg, p, err
}

// checkTag validates as much of the tag and its separator as buf holds.
// Any three non-separator bytes form a tag; whether it names a kind is
// decided later by FromFields. Only a tag cut short by a separator, or one
// not followed by a separator, corrupts the stream.
func checkTag(buf []byte) error {
	for i := 0; i < TagLen && i < len(buf); i++ {
		if isSeparator(buf[i]) {
			return ErrMalformedTag
		}
	}

	if len(buf) > TagLen && !isSeparator(buf[TagLen]) {
		return ErrMalformedTag
	}

	return nil
}

// readLength parses the decimal length starting at p. A length of zero is
// always the single digit "0", so it is complete even at the end of buf.
func readLength(buf []byte, p int) (n int, next int, err error) {
	if p >= len(buf) {
		return 0, 0, ErrIncomplete
	}

	if !isDigit(buf[p]) {
		return 0, 0, ErrMalformedLength
	}

	if buf[p] == '0' {
		if p+1 < len(buf) && isDigit(buf[p+1]) {
			return 0, 0, ErrMalformedLength
		}

		return 0, p + 1, nil
	}

	end := p
	for end < len(buf) && isDigit(buf[end]) {
		n = n*10 + int(buf[end]-'0')
		if n > MaxFrameSize {
			return 0, 0, ErrFrameTooLarge
		}

		end++
	}

	if end == len(buf) {
		return 0, 0, ErrIncomplete
	}

	return n, end, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// isSeparator accepts line breaks as well as spaces: frame boundaries come
// from the declared lengths, never from newlines.
func isSeparator(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}
