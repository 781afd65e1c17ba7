package rdpmitm

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func buildServerCertBlock(serverRandom, modulus, sign []byte) []byte {
	keyLen := len(modulus)
	bitLen := uint32(keyLen*8 - 64)
	pubExp := uint32(65537)
	dataLen := uint32(keyLen)

	pubkey := make([]byte, 0, 20+keyLen)
	pubkey = append(pubkey, []byte("RSA1")...)
	pubkey = le.AppendUint32(pubkey, uint32(keyLen))
	pubkey = le.AppendUint32(pubkey, bitLen)
	pubkey = le.AppendUint32(pubkey, dataLen)
	pubkey = le.AppendUint32(pubkey, pubExp)
	pubkey = append(pubkey, modulus...)

	cert := make([]byte, 0, 16+len(pubkey)+4+len(sign))
	cert = le.AppendUint32(cert, 1)
	cert = le.AppendUint32(cert, 1)
	cert = le.AppendUint32(cert, 1)
	cert = le.AppendUint16(cert, 1)
	cert = le.AppendUint16(cert, uint16(len(pubkey)))
	cert = append(cert, pubkey...)
	cert = le.AppendUint16(cert, 1)
	cert = le.AppendUint16(cert, uint16(len(sign)))
	cert = append(cert, sign...)

	block := []byte{0x02, 0x0c}
	block = le.AppendUint16(block, 0)
	block = le.AppendUint32(block, 0)
	block = le.AppendUint32(block, 0)
	block = le.AppendUint32(block, uint32(len(serverRandom)))
	block = le.AppendUint32(block, uint32(len(cert)))
	block = append(block, serverRandom...)
	block = append(block, cert...)
	return block
}

func TestExtractServerCertificate(t *testing.T) {
	s := newTestSession()
	serverRandom := bytes.Repeat([]byte{0x03}, 32)
	modulus := bytes.Repeat([]byte{0xab}, 64)
	sign := bytes.Repeat([]byte{0xcd}, 64)

	block := buildServerCertBlock(serverRandom, modulus, sign)
	frame := append(bytes.Repeat([]byte{0x00}, 9), block...)

	if !extractServerCertificate(frame, s) {
		t.Fatal("expected extractServerCertificate to recognize the block")
	}
	if !bytes.Equal(s.crypto.serverModulus, modulus) {
		t.Errorf("serverModulus = %x, want %x", s.crypto.serverModulus, modulus)
	}
	if !bytes.Equal(s.crypto.serverRandom, serverRandom) {
		t.Errorf("serverRandom = %x, want %x", s.crypto.serverRandom, serverRandom)
	}
	if !bytes.Equal(s.crypto.serverSign, sign) {
		t.Errorf("serverSign = %x, want %x", s.crypto.serverSign, sign)
	}
	if s.crypto.serverPubExponent != 65537 {
		t.Errorf("serverPubExponent = %d, want 65537", s.crypto.serverPubExponent)
	}
	if !s.crypto.serverCertSeen {
		t.Error("serverCertSeen should be true")
	}
}

func TestExtractServerCertificatePicksLastOccurrence(t *testing.T) {
	s := newTestSession()
	firstRandom := bytes.Repeat([]byte{0x01}, 32)
	firstModulus := bytes.Repeat([]byte{0x11}, 64)
	secondRandom := bytes.Repeat([]byte{0x02}, 32)
	secondModulus := bytes.Repeat([]byte{0x22}, 64)
	sign := bytes.Repeat([]byte{0xcd}, 64)

	first := buildServerCertBlock(firstRandom, firstModulus, sign)
	second := buildServerCertBlock(secondRandom, secondModulus, sign)
	frame := append(append([]byte{}, first...), second...)

	if !extractServerCertificate(frame, s) {
		t.Fatal("expected a match")
	}
	if !bytes.Equal(s.crypto.serverModulus, secondModulus) {
		t.Errorf("extractor should have anchored on the last marker occurrence: got modulus %x, want %x",
			s.crypto.serverModulus, secondModulus)
	}
}

func TestExtractServerCertificateRejectsWrongMagic(t *testing.T) {
	s := newTestSession()
	block := buildServerCertBlock(bytes.Repeat([]byte{0x03}, 32), bytes.Repeat([]byte{0xab}, 64), bytes.Repeat([]byte{0xcd}, 64))
	// Corrupt the "RSA1" magic, which sits right after the marker+18-byte
	// header+serverRandom+16-byte cert header.
	magicOffset := 2 + 18 + 32 + 16
	corrupted := append([]byte{}, block...)
	corrupted[magicOffset] = 'X'

	if extractServerCertificate(corrupted, s) {
		t.Error("expected rejection of a block with a corrupted RSA1 magic")
	}
}

func TestExtractServerCertificateNoMarker(t *testing.T) {
	s := newTestSession()
	if extractServerCertificate(bytes.Repeat([]byte{0x00}, 32), s) {
		t.Error("expected no match without the 0x02,0x0c marker")
	}
}

func encryptedClientRandomFrame(plaintext []byte, key *rsaKey) []byte {
	ciphertext := rsaEncryptLE(plaintext, key)
	lengthField := make([]byte, 4)
	le.PutUint32(lengthField, uint32(len(ciphertext)))
	prefix := make([]byte, 7)
	return concat(prefix, lengthField, ciphertext)
}

func TestExtractClientRandom(t *testing.T) {
	forgedKey, err := generateRSAKey(512)
	if err != nil {
		t.Fatalf("generateRSAKey: %v", err)
	}

	s := newTestSession()
	s.crypto.serverCertSeen = true
	s.crypto.forgedKey = forgedKey
	s.crypto.serverRandom = bytes.Repeat([]byte{0x09}, 32)

	plaintext := bytes.Repeat([]byte{0xab}, 32)
	plaintext[31] = 0x7f // keep the high-order byte nonzero so round-trip length is exact
	frame := encryptedClientRandomFrame(plaintext, forgedKey)

	if !extractClientRandom(frame, s) {
		t.Fatal("expected extractClientRandom to recognize the Security Exchange PDU")
	}
	if !bytes.Equal(s.crypto.clientRand, plaintext) {
		t.Errorf("clientRand = %x, want %x", s.crypto.clientRand, plaintext)
	}
	if s.getState() != StateEstablished {
		t.Errorf("state = %v, want Established after key derivation", s.getState())
	}
}

func TestExtractClientRandomGatedOnServerCert(t *testing.T) {
	forgedKey, err := generateRSAKey(512)
	if err != nil {
		t.Fatalf("generateRSAKey: %v", err)
	}
	s := newTestSession()
	s.crypto.forgedKey = forgedKey
	// serverCertSeen left false.

	frame := encryptedClientRandomFrame(bytes.Repeat([]byte{0x01}, 32), forgedKey)
	if extractClientRandom(frame, s) {
		t.Error("expected extraction to be gated until a server certificate has been seen")
	}
}

func TestExtractClientRandomGatedOnExistingValue(t *testing.T) {
	forgedKey, err := generateRSAKey(512)
	if err != nil {
		t.Fatalf("generateRSAKey: %v", err)
	}
	s := newTestSession()
	s.crypto.serverCertSeen = true
	s.crypto.forgedKey = forgedKey
	s.crypto.clientRand = []byte{0xff} // already recovered

	frame := encryptedClientRandomFrame(bytes.Repeat([]byte{0x01}, 32), forgedKey)
	if extractClientRandom(frame, s) {
		t.Error("expected extraction to be skipped once clientRand is already set")
	}
}

func TestExtractServerChallenge(t *testing.T) {
	s := newTestSession()
	challenge := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	frame := concat(ntlmType2Marker, make([]byte, 12), challenge, []byte{0xff})

	if !extractServerChallenge(frame, s) {
		t.Fatal("expected extractServerChallenge to recognize the Type 2 message")
	}
	if !bytes.Equal(s.serverChallenge, challenge) {
		t.Errorf("serverChallenge = %x, want %x", s.serverChallenge, challenge)
	}
}

func buildNTLMv2AuthenticateMessage(domain, user, workstation string, ntResponse []byte) []byte {
	domainBytes := encodeUTF16LE(domain)
	userBytes := encodeUTF16LE(user)
	workstationBytes := encodeUTF16LE(workstation)

	const headerLen = 12 + 48 // marker + six 8-byte security buffers
	pos := headerLen

	fields := []struct {
		data []byte
	}{
		{nil},        // lmstruct
		{ntResponse}, // ntstruct
		{domainBytes},
		{userBytes},
		{workstationBytes},
		{nil}, // encryption_key
	}

	headers := make([]byte, 0, 48)
	for _, f := range fields {
		headers = le.AppendUint16(headers, uint16(len(f.data)))
		headers = le.AppendUint16(headers, uint16(len(f.data)))
		headers = le.AppendUint32(headers, uint32(pos)) // fieldOffset, relative to the marker at frame offset 0
		pos += len(f.data)
	}

	body := make([]byte, 0, pos-headerLen)
	for _, f := range fields {
		body = append(body, f.data...)
	}

	return concat(ntlmType3Marker, headers, body)
}

func TestExtractNTLMv2Response(t *testing.T) {
	s := newTestSession()
	proof := bytes.Repeat([]byte{0xaa}, 16)
	jtrBlob := bytes.Repeat([]byte{0xbb}, 8)
	ntResponse := append(append([]byte{}, proof...), jtrBlob...)

	frame := buildNTLMv2AuthenticateMessage("CORP", "bob", "WS1", ntResponse)

	if !extractNTLMv2Response(frame, s) {
		t.Fatal("expected extractNTLMv2Response to recognize the Type 3 message")
	}
	if !bytes.Equal(s.ntResponse, proof) {
		t.Errorf("ntResponse = %x, want %x", s.ntResponse, proof)
	}
	if got := testutil.ToFloat64(s.metrics.CredentialsCapturedTotal.WithLabelValues("ntlmv2")); got != 1 {
		t.Errorf("CredentialsCapturedTotal{ntlmv2} = %v, want 1", got)
	}
}

func TestExtractNTLMv2ResponseTooShortNtStruct(t *testing.T) {
	s := newTestSession()
	frame := buildNTLMv2AuthenticateMessage("CORP", "bob", "WS1", []byte{0x01, 0x02})
	if extractNTLMv2Response(frame, s) {
		t.Error("expected rejection of an ntstruct shorter than the 16-byte proof")
	}
}

func buildClientInfoFrame(domain, user, password string) []byte {
	domainBytes := encodeUTF16LE(domain)
	userBytes := encodeUTF16LE(user)
	passwordBytes := encodeUTF16LE(password)

	const stringsOffset = 37
	total := stringsOffset + len(domainBytes) + 2 + len(userBytes) + 2 + len(passwordBytes) + 8
	frame := make([]byte, total)
	frame[15] = 0x40
	be.PutUint16(frame[26:28], uint16(len(domainBytes)))
	be.PutUint16(frame[28:30], uint16(len(userBytes)))
	be.PutUint16(frame[30:32], uint16(len(passwordBytes)))

	pos := stringsOffset
	copy(frame[pos:], domainBytes)
	pos += len(domainBytes) + 2
	copy(frame[pos:], userBytes)
	pos += len(userBytes) + 2
	copy(frame[pos:], passwordBytes)

	return frame
}

func TestExtractClientInfo(t *testing.T) {
	s := newTestSession()
	frame := buildClientInfoFrame("", "bob", "Pa$$w0rd")

	if !extractClientInfo(frame, s) {
		t.Fatal("expected extractClientInfo to recognize the Client Info PDU")
	}
	if got := testutil.ToFloat64(s.metrics.CredentialsCapturedTotal.WithLabelValues("clientinfo")); got != 1 {
		t.Errorf("CredentialsCapturedTotal{clientinfo} = %v, want 1", got)
	}
}

func TestExtractClientInfoWrongFlagsByte(t *testing.T) {
	s := newTestSession()
	frame := buildClientInfoFrame("", "bob", "pw")
	frame[15] = 0x00
	if extractClientInfo(frame, s) {
		t.Error("expected rejection when the flags byte isn't 0x40")
	}
}

func TestExtractClientInfoTooShort(t *testing.T) {
	s := newTestSession()
	if extractClientInfo(make([]byte, 10), s) {
		t.Error("expected rejection of a frame shorter than 32 bytes")
	}
}

func buildKeyboardWindow(layout, typ, subtype, funcKey uint32) []byte {
	const tailLen = 88
	const length = 82
	window := make([]byte, tailLen)
	window[0], window[1] = 0x0d, 0x00
	le.PutUint16(window[2:4], length)

	fieldsOffset := tailLen - length + 8 // matches matchEnd-length+8 for idx==0
	le.PutUint32(window[fieldsOffset:], layout)
	le.PutUint32(window[fieldsOffset+4:], typ)
	le.PutUint32(window[fieldsOffset+8:], subtype)
	le.PutUint32(window[fieldsOffset+12:], funcKey)
	return window
}

func TestExtractKeyboardLayout(t *testing.T) {
	s := newTestSession()
	window := buildKeyboardWindow(0x00000409, 4, 0, 12)

	if !extractKeyboardLayout(window, s) {
		t.Fatal("expected extractKeyboardLayout to recognize the block")
	}
	if s.keyboard.Layout != 0x00000409 {
		t.Errorf("Layout = %#x, want 0x409", s.keyboard.Layout)
	}
	if s.keyboard.FuncKey != 12 {
		t.Errorf("FuncKey = %d, want 12", s.keyboard.FuncKey)
	}
}

func TestExtractKeyboardLayoutPicksRightmostWindow(t *testing.T) {
	s := newTestSession()
	first := buildKeyboardWindow(0x00000409, 1, 0, 12)
	second := buildKeyboardWindow(0x00000407, 1, 0, 12)
	frame := append(append([]byte{}, first...), second...)

	if !extractKeyboardLayout(frame, s) {
		t.Fatal("expected a match")
	}
	if s.keyboard.Layout != 0x00000407 {
		t.Errorf("expected the rightmost window to win: Layout = %#x, want 0x407", s.keyboard.Layout)
	}
}

func TestCheckNLAEnforced(t *testing.T) {
	suffix := []byte{0x00, 0x03, 0x00, 0x08, 0x00, 0x05, 0x00, 0x00, 0x00}
	tests := []struct {
		name  string
		frame []byte
		want  bool
	}{
		{"matches", concat([]byte{0x03, 0x00}, suffix), true},
		{"wrong prefix", concat([]byte{0x04, 0x00}, suffix), false},
		{"wrong suffix", []byte{0x03, 0x00, 0x01, 0x02, 0x03}, false},
		{"too short", []byte{0x03}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkNLAEnforced(tt.frame); got != tt.want {
				t.Errorf("checkNLAEnforced = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunExtractorsReturnsErrNLAEnforcedTerminal(t *testing.T) {
	s := newTestSession()
	suffix := []byte{0x00, 0x03, 0x00, 0x08, 0x00, 0x05, 0x00, 0x00, 0x00}
	frame := concat([]byte{0x03, 0x00, 0x00, 0x00}, suffix)

	if err := runExtractors(frame, true, s); err != ErrNLAEnforced {
		t.Errorf("runExtractors error = %v, want ErrNLAEnforced", err)
	}
}

func TestRunExtractorsFeaturelessFrame(t *testing.T) {
	s := newTestSession()
	// Not a recognizable frame shape for any extractor; just verifies the
	// orchestration doesn't panic for a short, featureless frame.
	if err := runExtractors([]byte{0x00, 0x01, 0x02}, true, s); err != nil {
		t.Errorf("runExtractors = %v, want nil", err)
	}
}

func TestSafeExtractRecoversPanic(t *testing.T) {
	s := newTestSession()
	ran := false
	s.safeExtract("boom", func() {
		ran = true
		panic("kaboom")
	})
	if !ran {
		t.Fatal("function should have run before panicking")
	}
}

func TestLastIndex(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		sep  []byte
		want int
	}{
		{"single occurrence", []byte{1, 2, 3}, []byte{2}, 1},
		{"multiple occurrences returns last", []byte{2, 1, 2, 1, 2}, []byte{2, 1}, 2},
		{"no occurrence", []byte{1, 2, 3}, []byte{9}, -1},
		{"sep longer than b", []byte{1}, []byte{1, 2}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lastIndex(tt.b, tt.sep); got != tt.want {
				t.Errorf("lastIndex(%v, %v) = %d, want %d", tt.b, tt.sep, got, tt.want)
			}
		})
	}
}
