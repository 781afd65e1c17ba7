package rdpmitm

import (
	"encoding/binary"
	"unicode/utf16"
)

// RDP wire values are little-endian unless a field is explicitly noted as
// big-endian (TPKT/X.224 lengths).
var le = binary.LittleEndian
var be = binary.BigEndian

// substr never panics on an out-of-range request, returning a short
// (possibly empty) slice instead. Extractors rely on this to fail soft on
// truncated PDUs.
func substr(b []byte, offset, count int) []byte {
	if offset < 0 || offset >= len(b) {
		return nil
	}
	end := offset + count
	if end > len(b) {
		end = len(b)
	}
	return b[offset:end]
}

// decodeUTF16LE decodes a UTF-16LE byte string (no null-terminator
// trimming — RDP's Client Info PDU fields carry an explicit length and are
// not null-terminated the way SMB strings are).
func decodeUTF16LE(data []byte) string {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	units := make([]uint16, len(data)/2)
	for i := range units {
		units[i] = le.Uint16(data[i*2:])
	}
	return string(utf16.Decode(units))
}

// encodeUTF16LE is the inverse of decodeUTF16LE, used by the NTLMv2
// verifier to build the wire form of a username/domain for NTOWFv2.
func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		le.PutUint16(buf[i*2:], u)
	}
	return buf
}

// byteReader provides a cursor over a PDU buffer for the structured field
// reads the extractors and framer need. Reads past the end of the buffer
// return a nil/zero value rather than panicking, since every extractor must
// fail soft on a truncated or misidentified PDU.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader {
	return &byteReader{data: data}
}

func (r *byteReader) remaining() int { return len(r.data) - r.pos }

func (r *byteReader) seek(pos int) { r.pos = pos }

func (r *byteReader) skip(n int) { r.pos += n }

func (r *byteReader) bytes(n int) []byte {
	if r.pos < 0 || n < 0 || r.pos+n > len(r.data) {
		r.pos = len(r.data)
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *byteReader) u16le() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return le.Uint16(b)
}

func (r *byteReader) u32le() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return le.Uint32(b)
}

func (r *byteReader) ok() bool { return r.pos <= len(r.data) }
