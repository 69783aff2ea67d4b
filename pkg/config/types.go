package config

import (
	"net/netip"
	"time"

	"github.com/psaab/dhcp6d/pkg/retrans"
)

// DefaultPath is where dhcp6d reads its configuration.
const DefaultPath = "/etc/dhcp6d/dhcp6d.conf"

// DefaultStateDirectory holds persisted client DUIDs.
const DefaultStateDirectory = "/var/lib/dhcp6d"

// Config is the compiled configuration.
type Config struct {
	System SystemConfig
	Client DHCPv6ClientConfig
	Relay  *DHCPv6RelayConfig // nil when no dhcpv6-relay block is present

	// Warnings are non-fatal problems found while compiling.
	Warnings []string
}

// SystemConfig holds daemon-wide settings.
type SystemConfig struct {
	StateDirectory string
	Syslog         *SystemSyslogConfig
	Services       SystemServicesConfig
}

// SystemSyslogConfig holds log destinations beyond stderr.
type SystemSyslogConfig struct {
	Hosts []*SyslogHostConfig
	Files []*SyslogFileConfig
}

// SyslogHostConfig defines a syslog host destination.
type SyslogHostConfig struct {
	Address  string
	Port     int    // default 514
	Severity string // lowest severity forwarded: "debug", "info", "warning", "error"
	Facility string // "local0".."local7", "daemon", ...
}

// SyslogFileConfig defines a local, size-rotated log file.
type SyslogFileConfig struct {
	Path     string
	Severity string
	MaxSize  int64 // bytes before rotation, 0 = default
	MaxFiles int   // rotated files kept, 0 = default
}

// SystemServicesConfig holds the listen addresses of the control surfaces.
// Empty means disabled.
type SystemServicesConfig struct {
	HTTPListen string
	HTTPAuth   *HTTPAuthConfig // nil = no authentication
	GRPCListen string
}

// HTTPAuthConfig holds REST API credentials. /health and /metrics are
// always open.
type HTTPAuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys []string          // bearer/X-API-Key tokens
}

// DHCPv6ClientConfig holds the prefix delegation client settings.
type DHCPv6ClientConfig struct {
	MaxLeases  int // lease table capacity per session
	BufferSize int // largest datagram sent or received
	Timers     TimersConfig
	Interfaces []*ClientInterfaceConfig // in configuration order
}

// TimersConfig holds per-exchange retransmission overrides.
type TimersConfig struct {
	Solicit TimerOverride
	Request TimerOverride
	Renew   TimerOverride
	Rebind  TimerOverride
}

// TimerOverride replaces the fields that are set; nil fields keep the
// protocol default.
type TimerOverride struct {
	Initial     *time.Duration
	Maximum     *time.Duration
	MaxCount    *int
	MaxDuration *time.Duration
}

// Apply returns p with the overridden fields replaced.
func (o TimerOverride) Apply(p retrans.Params) retrans.Params {
	if o.Initial != nil {
		p.IRT = *o.Initial
	}
	if o.Maximum != nil {
		p.MRT = *o.Maximum
	}
	if o.MaxCount != nil {
		p.MRC = *o.MaxCount
	}
	if o.MaxDuration != nil {
		p.MRD = *o.MaxDuration
	}
	return p
}

// ClientInterfaceConfig is one upstream interface running a client.
type ClientInterfaceConfig struct {
	Name        string
	Delegations []*PrefixDelegationConfig
}

// PrefixDelegationConfig requests one prefix for a downstream interface.
type PrefixDelegationConfig struct {
	Downstream      string
	PrefixLength    int // hint sent to the server, 0 = none
	SubPrefixLength int // length installed downstream, 0 = as delegated
}

// DHCPv6RelayConfig holds the relay agent settings.
type DHCPv6RelayConfig struct {
	HopLimit         int
	ClientInterfaces []string
	ServerInterface  string
	Servers          []netip.Addr // unicast upstreams; empty = ff02::1:2
}
