package reader

import (
	"io"
	"unicode/utf8"
)

// bomSkippingReader wraps an io.Reader and drops a leading UTF-8 byte order
// mark. Windows tooling routinely prepends one to CSV exports.
type bomSkippingReader struct {
	reader     io.Reader
	bomChecked bool
	buf        [3]byte
	pending    []byte
}

func newBOMSkippingReader(r io.Reader) *bomSkippingReader {
	return &bomSkippingReader{reader: r}
}

func (r *bomSkippingReader) Read(p []byte) (int, error) {
	if !r.bomChecked {
		r.bomChecked = true
		n, err := io.ReadFull(r.reader, r.buf[:])
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if n == 0 {
			return 0, err
		}
		if !(n == 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF) {
			r.pending = r.buf[:n]
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
	}

	if len(r.pending) > 0 {
		copied := copy(p, r.pending)
		r.pending = r.pending[copied:]
		return copied, nil
	}
	return r.reader.Read(p)
}

// sanitizingReader replaces invalid UTF-8 bytes with '?' on the fly so a
// single bad byte does not poison csv parsing. Multi-byte sequences split
// across reads are carried over to the next call.
type sanitizingReader struct {
	reader  io.Reader
	carried []byte
}

func newSanitizingReader(r io.Reader) *sanitizingReader {
	return &sanitizingReader{reader: r, carried: make([]byte, 0, utf8.UTFMax)}
}

func (s *sanitizingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := copy(p, s.carried)
	s.carried = s.carried[:0]

	n, err := s.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	if allASCII(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

func (s *sanitizingReader) sanitize(data []byte, atEOF bool) int {
	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size == 1 {
			if !atEOF && incomplete(data[read:]) {
				// Possibly the start of a sequence finishing in the next
				// read; hold it back rather than mangle it.
				s.carried = append(s.carried, data[read:]...)
				return write
			}
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}

func allASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// incomplete reports whether data could be a truncated multi-byte sequence.
func incomplete(data []byte) bool {
	if len(data) == 0 || len(data) >= utf8.UTFMax {
		return false
	}
	b := data[0]
	var want int
	switch {
	case b < 0xC0:
		return false
	case b < 0xE0:
		want = 2
	case b < 0xF0:
		want = 3
	default:
		want = 4
	}
	if len(data) >= want {
		return false
	}
	for _, cont := range data[1:] {
		if cont&0xC0 != 0x80 {
			return false
		}
	}
	return true
}

// countingReader counts decoded bytes consumed; the total is reported in
// the pass Summary.
type countingReader struct {
	reader    io.Reader
	bytesRead int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytesRead += int64(n)
	return n, err
}

// wrapForStreaming stacks the BOM skipper, sanitizer, and byte counter in
// the order csv parsing needs them.
func wrapForStreaming(r io.Reader) *countingReader {
	return &countingReader{reader: newSanitizingReader(newBOMSkippingReader(r))}
}
