package rdpmitm

import (
	"crypto/hmac"
	"crypto/md5"
	"strings"

	"golang.org/x/crypto/md4"
)

// ntowfv2 computes the NT One-Way Function v2 (MS-NLMP §3.3.2): HMAC-MD5
// keyed by MD4(UTF16LE(password)) over UTF16LE(UPPER(user) + domain).
func ntowfv2(password, user, domain string) []byte {
	h4 := md4.New()
	h4.Write(encodeUTF16LE(password))
	passwordHash := h4.Sum(nil)

	mac := hmac.New(md5.New, passwordHash)
	mac.Write(encodeUTF16LE(strings.ToUpper(user) + domain))
	return mac.Sum(nil)
}

// VerifyNTLMv2 recomputes the expected NTLMv2 proof from a candidate
// password and the material captured by the NTLMv2 response extractor,
// and reports whether it matches the captured 16-byte NT proof.
// serverChallenge is the 8-byte value captured from the Type 2 message;
// ntResponse is the full captured NT response (proof || blob, as emitted
// in the hashcat-format line).
//
// This lets an operator confirm a cracked password without re-running a
// separate offline cracker.
func VerifyNTLMv2(password, user, domain string, serverChallenge, ntResponse []byte) bool {
	if len(ntResponse) < 16 || len(serverChallenge) != 8 {
		return false
	}
	proof := ntResponse[:16]
	blob := ntResponse[16:]

	ntowf := ntowfv2(password, user, domain)

	mac := hmac.New(md5.New, ntowf)
	mac.Write(serverChallenge)
	mac.Write(blob)
	expected := mac.Sum(nil)

	return hmac.Equal(expected, proof)
}
