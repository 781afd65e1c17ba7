package rdpmitm

import "fmt"

// scancodeTable is the PC/AT Set 1 scancode table, 0x01..0x53, as used by
// RDP's Fast-Path keyboard input PDUs. http://www.millisecond.com/support/
// docs/v5/html/language/scancodes.htm
var scancodeTable = map[byte]string{
	0x01: "ESC", 0x02: "1", 0x03: "2", 0x04: "3", 0x05: "4", 0x06: "5",
	0x07: "6", 0x08: "7", 0x09: "8", 0x0a: "9", 0x0b: "0", 0x0c: "-",
	0x0d: "=", 0x0e: "Backspace", 0x0f: "Tab", 0x10: "Q", 0x11: "W",
	0x12: "E", 0x13: "R", 0x14: "T", 0x15: "Y", 0x16: "U", 0x17: "I",
	0x18: "O", 0x19: "P", 0x1a: "[", 0x1b: "]", 0x1c: "Enter", 0x1d: "CTRL",
	0x1e: "A", 0x1f: "S", 0x20: "D", 0x21: "F", 0x22: "G", 0x23: "H",
	0x24: "J", 0x25: "K", 0x26: "L", 0x27: ";", 0x28: "'", 0x29: "`",
	0x2a: "LShift", 0x2b: "\\", 0x2c: "Z", 0x2d: "X", 0x2e: "C", 0x2f: "V",
	0x30: "B", 0x31: "N", 0x32: "M", 0x33: ",", 0x34: ".", 0x35: "/",
	0x36: "RShift", 0x37: "PrtSc", 0x38: "Alt", 0x39: "Space", 0x3a: "Caps",
	0x3b: "F1", 0x3c: "F2", 0x3d: "F3", 0x3e: "F4", 0x3f: "F5", 0x40: "F6",
	0x41: "F7", 0x42: "F8", 0x43: "F9", 0x44: "F10", 0x45: "Num",
	0x46: "Scroll", 0x47: "Home (7)", 0x48: "Up (8)", 0x49: "PgUp (9)",
	0x4a: "-", 0x4b: "Left (4)", 0x4c: "Center (5)", 0x4d: "Right (6)",
	0x4e: "+", 0x4f: "End (1)", 0x50: "Down (2)", 0x51: "PgDn (3)",
	0x52: "Ins", 0x53: "Del",
}

// translateKeycode maps a scancode to its label, or "" if unknown.
func translateKeycode(key byte) string {
	return scancodeTable[key]
}

// decodeKeystrokes decodes a Fast-Path input PDU's keystroke events: the
// last byte is the scancode and the second-to-last is the event byte,
// whose parity selects press (even) vs release (odd). An event value
// above 1 means the PDU packs additional chorded events ahead of this
// one; those are decoded by recursing on the prefix wrapped back into a
// synthetic single-event Fast-Path frame.
func decodeKeystrokes(frame []byte) []string {
	if !isFastPath(frame) {
		return nil
	}
	event := frame[len(frame)-2]
	key := frame[len(frame)-1]
	label := translateKeycode(key)

	var lines []string
	if label != "" {
		if event%2 == 0 {
			lines = append(lines, fmt.Sprintf("Key press: %s", label))
		} else {
			lines = append(lines, fmt.Sprintf("Key release: %s", label))
		}
	}

	if event > 1 && label != "" {
		prefix := frame[2 : len(frame)-2]
		synthetic := make([]byte, 0, len(prefix)+2)
		synthetic = append(synthetic, 0x44, byte(len(frame)-2))
		synthetic = append(synthetic, prefix...)
		lines = append(lines, decodeKeystrokes(synthetic)...)
	}

	return lines
}
