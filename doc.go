// Package rdpmitm implements a transparent man-in-the-middle proxy for the
// Remote Desktop Protocol. It downgrades a client's negotiated security
// protocol, forges the server's Proprietary Certificate, recovers the RDP
// session keys from the resulting RSA key exchange, and passively extracts
// plaintext credentials, NTLMv2 challenge/response material, and keystrokes
// from the traffic it forwards.
//
// # Overview
//
// A Proxy accepts one RDP client connection at a time, dials the real
// server, and drives the connection through negotiation, an optional TLS
// wrap, and a bidirectional forwarding loop. Along the way it substitutes
// its own RSA key for the server's in the Proprietary Certificate, recovers
// the client-chosen pre-master secret by decrypting the Security Exchange
// PDU with that forged key, derives the RDP Standard Security session keys,
// and re-encrypts the client random against the real server's key before
// forwarding so the legitimate handshake still completes.
//
// # Basic Usage
//
//	cfg := rdpmitm.DefaultProxyConfig()
//	cfg.TargetHost = "rdp.example.com"
//	cfg.CertFile = "proxy.crt"
//	cfg.KeyFile = "proxy.key"
//
//	proxy, err := rdpmitm.NewProxy(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ln, err := net.Listen("tcp", ":3389")
//	if err != nil {
//		log.Fatal(err)
//	}
//	log.Fatal(proxy.Run(ln))
//
// # Captured Artifacts
//
// Everything the proxy recovers lives on the per-connection Session and is
// never shared across connections. Captured credential material is written
// through the configured ProxyLogger's Capture method, by default to
// standard output in ANSI-red text; nothing is persisted to disk.
//
// # Scope
//
// This package does not implement FIPS mode, 40/56-bit RC4, Enhanced RDP
// Security beyond a TLS passthrough, Kerberos, or CredSSP completion — the
// authentication protocol is downgraded away from CredSSP wherever the
// operator's configured limit allows, never completed. It also does not
// attempt faithful RDP client or server behavior beyond what is needed to
// observe credentials, and serves one connection at a time rather than a
// connection pool.
package rdpmitm
