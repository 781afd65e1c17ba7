package rdpmitm

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// SecurityState tracks where a Session sits in the RDP connection sequence.
type SecurityState int

const (
	StateNegotiating SecurityState = iota
	StateStandard
	StateEstablished
)

func (s SecurityState) String() string {
	switch s {
	case StateNegotiating:
		return "Negotiating"
	case StateStandard:
		return "Standard"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// keyboardInfo is the four u32-LE fields captured from the Client Core Data
// keyboard layout block.
type keyboardInfo struct {
	Layout  uint32
	Type    uint32
	Subtype uint32
	FuncKey uint32
}

// CryptoContext holds everything derived during one RDP connection's
// negotiation and key exchange. It is owned exclusively by the Session
// that created it and never shared across sessions, so concurrent
// connections to different targets never cross-contaminate key material.
type CryptoContext struct {
	// Captured server certificate material.
	serverModulus      []byte // little-endian
	serverPubExponent  uint32
	serverDataLen      uint32
	serverRandom       []byte
	serverSign         []byte
	serverFirst5Fields []byte // dwVersion/dwSigAlg/dwKeyAlg/pubkey_type/pubkey_len header, packed
	serverPubkeyBlob   []byte // the RSA1 blob as captured, unmodified

	serverCertSeen bool // gates the client-random heuristic to frames after the cert

	// The proxy's own forged keypair, presented to the client in place of
	// the real server certificate.
	forgedKey *rsaKey

	// Client's Security Exchange ciphertext and the plaintext it decrypts
	// to under forgedKey.
	encClientRand []byte
	clientRand    []byte

	// Derived Standard Security key material.
	keys *sessionKeys

	clientToServer *rc4State
	serverToClient *rc4State
}

// Session is one accepted client connection end to end: negotiation,
// optional TLS wrap, and the bidirectional forwarding loop, along with
// everything captured along the way. At most one Session is ever active
// per process, since the accept loop services connections serially.
type Session struct {
	ID uint64

	logger  ProxyLogger
	metrics *Metrics
	config  *ProxyConfig

	mu    sync.Mutex
	state SecurityState
	crypto CryptoContext

	// Negotiated/downgraded security protocol flags.
	rdpProtocol    uint32
	rdpProtocolOld uint32

	// Captured artifacts, written as extractors recognize them.
	serverChallenge []byte // 8 bytes
	ntResponse      []byte // first 16 bytes of the NTLMv2 response blob
	keyboard        keyboardInfo
}

// newSession allocates a Session with a random correlation ID, used only
// for log correlation: this proxy never needs to look a session up by ID.
func newSession(cfg *ProxyConfig) *Session {
	return &Session{
		ID:     randomSessionID(),
		logger: cfg.Logger,
		metrics: cfg.Metrics,
		config: cfg,
		state:  StateNegotiating,
	}
}

func randomSessionID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (s *Session) setState(state SecurityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) getState() SecurityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// establishKeys runs the session-key derivation and wires up the two
// per-direction RC4 ciphers, matching the invariant that
// clientEncryptKey == serverDecryptKey and vice versa.
func (s *Session) establishKeys() error {
	keys := deriveSessionKeys(s.crypto.clientRand, s.crypto.serverRandom)
	s.crypto.keys = keys

	c2s, err := newRC4State(keys.serverDecryptKey)
	if err != nil {
		return err
	}
	s2c, err := newRC4State(keys.clientDecryptKey)
	if err != nil {
		return err
	}
	s.crypto.clientToServer = c2s
	s.crypto.serverToClient = s2c
	s.setState(StateEstablished)
	return nil
}
