package rdpmitm

import (
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha1"
	"fmt"
)

// rc4RekeyThreshold is the packet count at which RDP Standard Security
// requires deriving new session keys (MS-RDPBCGR 5.3.6, "Update Session
// Keys").
const rc4RekeyThreshold = 4096

// rc4State wraps the stdlib RC4 cipher with the per-direction packet
// counter and rekey discipline RDP Standard Security requires. The stdlib
// cipher.Cipher already maintains keystream state across calls to
// XORKeyStream, so decrypting N packets in sequence against one rc4State
// is exactly the streaming KSA/PRGA RDP expects.
type rc4State struct {
	key              []byte // current key, needed to derive the rekeyed one
	cipher           *rc4.Cipher
	encryptedPackets int
}

func newRC4State(key []byte) (*rc4State, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rc4: init cipher: %w", err)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &rc4State{key: k, cipher: c}, nil
}

// decrypt XORs data against the running keystream, rekeying first if the
// 4096-packet threshold was reached by the previous call.
func (s *rc4State) decrypt(data []byte) []byte {
	if s.encryptedPackets >= rc4RekeyThreshold {
		s.rekey()
	}
	out := make([]byte, len(data))
	s.cipher.XORKeyStream(out, data)
	s.encryptedPackets++
	return out
}

// rekey implements MS-RDPBCGR 5.3.6's Update Session Keys procedure:
//
//	pad1 = 0x36 repeated 40 times
//	pad2 = 0x5c repeated 48 times
//	K    = MD5(S XOR pad2 || SHA1(S XOR pad1 || S))
//
// truncated to the original key length, where S is the current RC4 key.
// Without this, decryption silently desyncs from the peer's cipher state
// past the 4096-packet threshold.
func (s *rc4State) rekey() {
	pad1 := make([]byte, 40)
	for i := range pad1 {
		pad1[i] = 0x36
	}
	pad2 := make([]byte, 48)
	for i := range pad2 {
		pad2[i] = 0x5c
	}

	sXorPad1 := xorTrunc(pad1, s.key)
	sha := sha1.New()
	sha.Write(sXorPad1)
	sha.Write(s.key)
	shaDigest := sha.Sum(nil)

	sXorPad2 := xorTrunc(pad2, s.key)
	md := md5.New()
	md.Write(sXorPad2)
	md.Write(shaDigest)
	newKey := md.Sum(nil)[:len(s.key)]

	// 40-bit/56-bit RDP encryption additionally re-salts the derived key;
	// not implemented here since this proxy only negotiates 128-bit keys.

	c, err := rc4.NewCipher(newKey)
	if err != nil {
		// len(newKey) is always 16 here (128-bit session keys are the
		// only supported mode); NewCipher only fails outside [1,256].
		return
	}
	s.key = newKey
	s.cipher = c
	s.encryptedPackets = 0
}

// xorTrunc XORs pad with key, repeating key as needed, returning a slice
// the length of pad (pad is always the longer operand here: 40 or 48 bytes
// against a 16-byte key).
func xorTrunc(pad, key []byte) []byte {
	out := make([]byte, len(pad))
	for i := range pad {
		out[i] = pad[i] ^ key[i%len(key)]
	}
	return out
}
