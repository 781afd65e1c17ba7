package rdpmitm

import "fmt"

// DowngradeProtocol enumerates the RDP security-protocol bits carried in
// the negotiation request's trailing "requested protocols" field.
type DowngradeProtocol int

const (
	ProtocolStandardRDP DowngradeProtocol = 0 // Standard RDP Security (observable)
	ProtocolSSL         DowngradeProtocol = 1 // TLS instead of Standard Security
	ProtocolCredSSP     DowngradeProtocol = 2 // NLA via CredSSP (NTLMv2/Kerberos)
	ProtocolCredSSPEarly DowngradeProtocol = 8 // Early User Authorization + CredSSP
)

// ProxyConfig holds the proxy's run configuration: network endpoints, the
// downgrade policy, TLS termination material, and logging/metrics knobs.
// It is zero-value friendly, defaulted by setDefaults, and checked by
// Validate.
type ProxyConfig struct {
	// Network
	BindIP     string // default: all interfaces
	ListenPort int    // default: 3389
	TargetHost string // required
	TargetPort int    // default: 3389

	// Security negotiation
	DowngradeTo DowngradeProtocol // one of {0,1,3,11} (checked by Validate); see DefaultDowngradeTo for how it is applied

	// TLS termination presented to the client once negotiation selects a
	// protocol other than Standard RDP Security. TLS itself is treated as
	// opaque transport; this is only the certificate the proxy presents.
	CertFile string
	KeyFile  string

	// Logging / diagnostics
	Debug       bool
	MetricsAddr string // empty disables the debug metrics listener

	Logger  ProxyLogger
	Metrics *Metrics
}

// DefaultProxyConfig returns the documented defaults: listen on 3389, bind
// all interfaces, downgrade target 3, target port 3389.
//
// Note on the downgrade default: the CLI's accepted values are {0,1,3,11}
// (11 decimal = 0x0b = SSL|CredSSP|CredSSPEarly = 0x01|0x02|0x08). The
// configured value is a *limit*: downgradeAuth (see orchestrator.go)
// compares the protocol byte the client requested against it and, when the
// client asked for more, rewrites the request to the limit itself. With the
// default "-g 3", a client request of 0x0b is forwarded as 3 and recorded
// as rdpProtocol 3; a request of 3 or less is forwarded unchanged.
const DefaultDowngradeTo = 3

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		BindIP:      "",
		ListenPort:  3389,
		TargetPort:  3389,
		DowngradeTo: DefaultDowngradeTo,
	}
}

// setDefaults fills zero-valued fields at construction time.
func (c *ProxyConfig) setDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = 3389
	}
	if c.TargetPort == 0 {
		c.TargetPort = 3389
	}
	if c.Logger == nil {
		c.Logger = NewDefaultLogger(c.Debug)
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
}

// Validate checks the configuration for the conditions the CLI enforces:
// target host and cert/key are required, and -g is restricted to
// {0,1,3,11}.
func (c *ProxyConfig) Validate() error {
	if c.TargetHost == "" {
		return fmt.Errorf("rdpmitm: target host is required")
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("rdpmitm: -c/-k (cert/key) are required")
	}
	switch c.DowngradeTo {
	case 0, 1, 3, 11:
	default:
		return fmt.Errorf("rdpmitm: -g must be one of 0, 1, 3, 11, got %d", c.DowngradeTo)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("rdpmitm: invalid listen port %d", c.ListenPort)
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		return fmt.Errorf("rdpmitm: invalid target port %d", c.TargetPort)
	}
	return nil
}
