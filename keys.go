package rdpmitm

import (
	"crypto/md5"
	"crypto/sha1"
)

// sessionKeys holds the RDP Standard Security key material derived from a
// client random / server random pair ([MS-RDPBCGR] §5.3.5.1, non-FIPS
// 128-bit mode).
type sessionKeys struct {
	masterSecret     []byte
	sessionKeyBlob   []byte
	macKey           []byte
	serverEncryptKey []byte
	serverDecryptKey []byte
	clientEncryptKey []byte
	clientDecryptKey []byte
}

// deriveSessionKeys runs the SHA1/MD5 salted-hash ladder. clientRand and
// serverRand are expected to be at least 24 bytes (the pre-master secret
// uses the first 24 of each); shorter randoms are silently truncated
// further rather than rejected.
func deriveSessionKeys(clientRand, serverRand []byte) *sessionKeys {
	saltedHash := func(s, i []byte) []byte {
		sha := sha1.New()
		sha.Write(i)
		sha.Write(s)
		sha.Write(clientRand)
		sha.Write(serverRand)
		shaDigest := sha.Sum(nil)

		md := md5.New()
		md.Write(s)
		md.Write(shaDigest)
		return md.Sum(nil)
	}

	finalHash := func(k []byte) []byte {
		md := md5.New()
		md.Write(k)
		md.Write(clientRand)
		md.Write(serverRand)
		return md.Sum(nil)
	}

	preMaster := append(append([]byte{}, truncate(clientRand, 24)...), truncate(serverRand, 24)...)

	masterSecret := concat(
		saltedHash(preMaster, []byte("A")),
		saltedHash(preMaster, []byte("BB")),
		saltedHash(preMaster, []byte("CCC")),
	)

	sessionKeyBlob := concat(
		saltedHash(masterSecret, []byte("X")),
		saltedHash(masterSecret, []byte("YY")),
		saltedHash(masterSecret, []byte("ZZZ")),
	)

	macKey := sessionKeyBlob[0:16]
	serverEncryptKey := finalHash(sessionKeyBlob[16:32])
	serverDecryptKey := finalHash(sessionKeyBlob[32:48])

	return &sessionKeys{
		masterSecret:     masterSecret,
		sessionKeyBlob:   sessionKeyBlob,
		macKey:           macKey,
		serverEncryptKey: serverEncryptKey,
		serverDecryptKey: serverDecryptKey,
		// clientEncryptKey == serverDecryptKey and vice versa: both sides
		// derive the same two keys and simply swap which one they encrypt
		// with.
		clientEncryptKey: serverDecryptKey,
		clientDecryptKey: serverEncryptKey,
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
