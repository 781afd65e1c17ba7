package rdpmitm

// splitPDUs peels concatenated PDUs off buf and returns them in arrival
// order, tolerating truncated trailing data (fewer than 4 bytes yields
// nothing). Three frame shapes are recognized:
//
//  1. TPKT (0x03 0x00 len_hi len_lo ...): length is the big-endian u16 at
//     offset 2, header included.
//  2. BER/X.224-embedded (0x30 ...): short form if byte[1] < 0x80 (that
//     byte is the length, 2-byte header); long form otherwise, where the
//     low nibble of byte[1] gives the count of subsequent big-endian
//     length bytes.
//  3. Fast-Path (byte[0] % 4 == 0): byte[1] is the length, or if byte[1]
//     >= 0x80 the length is the big-endian u16 at bytes[1:3] minus 0x8000.
func splitPDUs(buf []byte) [][]byte {
	var out [][]byte
	for len(buf) > 2 {
		n, ok := pduLength(buf)
		if !ok || n <= 0 || n > len(buf) {
			break
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out
}

// pduLength returns the total length (header included) of the single PDU
// starting at buf[0], and whether it could be determined at all.
func pduLength(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}

	switch {
	case buf[0] == 0x03 && buf[1] == 0x00:
		return int(be.Uint16(buf[2:4])), true

	case buf[0] == 0x30:
		length := int(buf[1])
		pad := 2
		if length >= 0x80 {
			lengthBytes := length & 0x0f
			if lengthBytes <= 0 || 2+lengthBytes > len(buf) {
				return 0, false
			}
			length = int(beUintN(buf[2 : 2+lengthBytes]))
			pad = 2 + lengthBytes
		}
		return length + pad, true

	case buf[0]%4 == 0:
		length := int(buf[1])
		if length >= 0x80 {
			if len(buf) < 3 {
				return 0, false
			}
			length = int(be.Uint16(buf[1:3])) - 0x8000
		}
		return length, true
	}

	return 0, false
}

// isFastPath reports whether b, taken as exactly one already-isolated PDU
// (as splitPDUs hands to the rest of the pipeline), is Fast-Path shaped: b[1]
// must either equal len(b) or be exactly 0x80. With the 0x80 marker the
// extended length value is not compared against len(b), and other extended
// length bytes (0x81..0xff) are accepted only if they happen to equal
// len(b). It is not used to classify a PDU's length out of a larger,
// possibly multi-PDU buffer — pduLength does that from buf[0]/buf[1] alone,
// same as the low two bits gate it on.
func isFastPath(b []byte) bool {
	if len(b) <= 1 {
		return false
	}
	return b[0]%4 == 0 && (int(b[1]) == len(b) || b[1] == 0x80)
}

// beUintN decodes up to 8 big-endian bytes into a uint64, used for BER's
// variable-width long-form length encoding.
func beUintN(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
