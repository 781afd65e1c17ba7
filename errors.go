package rdpmitm

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportLost indicates a peer closed its side of the
	// connection, reset it, or an OS-level I/O error occurred. Recoverable
	// at the process level: the session ends, the accept loop continues.
	ErrTransportLost = errors.New("rdpmitm: transport lost")

	// ErrTLSAccessDenied is raised when the server side's TLS handshake
	// fails with an "access denied" alert, which in practice means the
	// real server is demanding NLA/CredSSP completion the proxy cannot
	// provide. The orchestrator reacts by sending the client the CredSSP
	// downgrade payload before ending the session.
	ErrTLSAccessDenied = errors.New("rdpmitm: tls alert: access denied")

	// ErrTLSInternalError is raised on a TLS "internal error" alert,
	// typically a Windows 7-era server rejecting anything but RC4-SHA.
	ErrTLSInternalError = errors.New("rdpmitm: tls alert: internal error")

	// ErrNLAEnforced indicates the real server requires Network Level
	// Authentication and rejected the downgrade outright. Unlike the
	// other sentinels, this is fatal for the whole process (exit 1), since
	// no downgrade strategy can observe credentials once NLA is mandatory.
	ErrNLAEnforced = errors.New("rdpmitm: server enforces NLA")
)

// AssertionError records the failure of one of the proxy's debug-critical
// invariants — specifically the certificate self-check in the tamper
// engine, which guards against mis-parsing that would otherwise corrupt
// forwarded bytes. It is always fatal for the session that raised it.
type AssertionError struct {
	Op     string
	Detail string
	Err    error
}

func (e *AssertionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rdpmitm: assertion failed in %s (%s): %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("rdpmitm: assertion failed in %s: %s", e.Op, e.Detail)
}

func (e *AssertionError) Unwrap() error { return e.Err }

func newAssertionError(op, detail string) *AssertionError {
	return &AssertionError{Op: op, Detail: detail}
}
