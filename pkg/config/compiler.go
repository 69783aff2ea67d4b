package config

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/psaab/dhcp6d/pkg/retrans"
)

// Limits enforced by the compiler.
const (
	MinLeases     = 1
	MaxLeases     = 16
	MinBufferSize = 512
	MaxBufferSize = 65535
	MaxHopLimit   = 255

	defaultMaxLeases  = 4
	defaultHopLimit   = 8
	defaultSyslogPort = 514
)

var syslogSeverities = []string{
	"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug", "any",
}

var syslogFacilities = []string{
	"kern", "user", "daemon", "auth", "syslog", "local0", "local1", "local2",
	"local3", "local4", "local5", "local6", "local7",
}

// Load parses and compiles configuration text.
func Load(input string) (*Config, error) {
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return CompileConfig(tree)
}

// CompileConfig converts a parsed ConfigTree AST into a typed Config struct.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := &Config{
		System: SystemConfig{StateDirectory: DefaultStateDirectory},
	}

	for _, node := range tree.Children {
		switch node.Name() {
		case "system":
			if err := compileSystem(node, cfg); err != nil {
				return nil, fmt.Errorf("system: %w", err)
			}
		case "dhcpv6-client":
			if err := compileClient(node, cfg); err != nil {
				return nil, fmt.Errorf("dhcpv6-client: %w", err)
			}
		case "dhcpv6-relay":
			if err := compileRelay(node, cfg); err != nil {
				return nil, fmt.Errorf("dhcpv6-relay: %w", err)
			}
		default:
			cfg.warnf(node, "unknown statement %q ignored", node.Name())
		}
	}

	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	if cfg.Relay != nil && (cfg.Relay.ServerInterface == "" || len(cfg.Relay.ClientInterfaces) == 0) {
		cfg.Relay = nil
	}
	return cfg, nil
}

// ValidateConfig performs cross-reference checks on a compiled config and
// returns warnings for settings that cannot take effect.
func ValidateConfig(cfg *Config) []string {
	var warnings []string

	if r := cfg.Relay; r != nil {
		if r.ServerInterface == "" {
			warnings = append(warnings, "dhcpv6-relay: no server-interface, relay disabled")
		}
		if len(r.ClientInterfaces) == 0 {
			warnings = append(warnings, "dhcpv6-relay: no client-interface, relay disabled")
		}
	}

	upstreams := make(map[string]bool)
	for _, ifc := range cfg.Client.Interfaces {
		upstreams[ifc.Name] = true
		if len(ifc.Delegations) == 0 {
			warnings = append(warnings, fmt.Sprintf(
				"dhcpv6-client: interface %s requests no prefix-delegation", ifc.Name))
		}
	}
	for _, ifc := range cfg.Client.Interfaces {
		for _, pd := range ifc.Delegations {
			if upstreams[pd.Downstream] {
				warnings = append(warnings, fmt.Sprintf(
					"dhcpv6-client: %s is both an upstream and a downstream interface", pd.Downstream))
			}
		}
	}

	if s := cfg.System.Syslog; s != nil && len(s.Hosts) == 0 && len(s.Files) == 0 {
		warnings = append(warnings, "system syslog: no host or file configured")
	}
	return warnings
}

func (cfg *Config) warnf(n *Node, format string, args ...any) {
	cfg.Warnings = append(cfg.Warnings, n.position()+": "+fmt.Sprintf(format, args...))
}

func compileSystem(node *Node, cfg *Config) error {
	sys := &cfg.System
	for _, child := range node.Children {
		switch child.Name() {
		case "state-directory":
			v, err := stringArg(child)
			if err != nil {
				return err
			}
			sys.StateDirectory = v
		case "syslog":
			if sys.Syslog == nil {
				sys.Syslog = &SystemSyslogConfig{}
			}
			for _, dest := range child.Children {
				switch dest.Name() {
				case "host":
					host, err := compileSyslogHost(dest)
					if err != nil {
						return fmt.Errorf("syslog: %w", err)
					}
					sys.Syslog.Hosts = append(sys.Syslog.Hosts, host)
				case "file":
					f, err := compileSyslogFile(dest)
					if err != nil {
						return fmt.Errorf("syslog: %w", err)
					}
					sys.Syslog.Files = append(sys.Syslog.Files, f)
				default:
					cfg.warnf(dest, "unknown syslog statement %q ignored", dest.Name())
				}
			}
		case "services":
			for _, svc := range child.Children {
				var dst *string
				switch svc.Name() {
				case "http":
					dst = &sys.Services.HTTPListen
				case "grpc":
					dst = &sys.Services.GRPCListen
				default:
					cfg.warnf(svc, "unknown service %q ignored", svc.Name())
					continue
				}
				listen := svc.FindChild("listen")
				if listen == nil {
					return fmt.Errorf("services %s: %s: missing listen", svc.Name(), svc.position())
				}
				v, err := stringArg(listen)
				if err != nil {
					return fmt.Errorf("services %s: %w", svc.Name(), err)
				}
				*dst = v
				if svc.Name() == "http" {
					auth, err := compileHTTPAuth(svc)
					if err != nil {
						return fmt.Errorf("services http: %w", err)
					}
					sys.Services.HTTPAuth = auth
				}
			}
		default:
			cfg.warnf(child, "unknown system statement %q ignored", child.Name())
		}
	}
	return nil
}

// compileHTTPAuth reads "api-key TOKEN;" and "user NAME { password P; }".
func compileHTTPAuth(svc *Node) (*HTTPAuthConfig, error) {
	var auth *HTTPAuthConfig
	get := func() *HTTPAuthConfig {
		if auth == nil {
			auth = &HTTPAuthConfig{Users: make(map[string]string)}
		}
		return auth
	}
	for _, n := range svc.Children {
		switch n.Name() {
		case "listen":
		case "api-key":
			key, err := stringArg(n)
			if err != nil {
				return nil, err
			}
			a := get()
			a.APIKeys = append(a.APIKeys, key)
		case "user":
			name, err := stringArg(n)
			if err != nil {
				return nil, err
			}
			pw := n.FindChild("password")
			if pw == nil {
				return nil, fmt.Errorf("%s: user %s: missing password", n.position(), name)
			}
			pass, err := stringArg(pw)
			if err != nil {
				return nil, err
			}
			get().Users[name] = pass
		default:
			return nil, fmt.Errorf("%s: unknown http statement %q", n.position(), n.Name())
		}
	}
	return auth, nil
}

func compileSyslogHost(node *Node) (*SyslogHostConfig, error) {
	addr, err := stringArg(node)
	if err != nil {
		return nil, err
	}
	host := &SyslogHostConfig{
		Address:  addr,
		Port:     defaultSyslogPort,
		Severity: "info",
		Facility: "local0",
	}
	for _, prop := range node.Children {
		switch prop.Name() {
		case "port":
			v, err := intArg(prop, 1, 65535)
			if err != nil {
				return nil, err
			}
			host.Port = v
		case "severity":
			v, err := enumArg(prop, syslogSeverities)
			if err != nil {
				return nil, err
			}
			host.Severity = v
		case "facility":
			v, err := enumArg(prop, syslogFacilities)
			if err != nil {
				return nil, err
			}
			host.Facility = v
		default:
			return nil, fmt.Errorf("%s: unknown host property %q", prop.position(), prop.Name())
		}
	}
	return host, nil
}

func compileSyslogFile(node *Node) (*SyslogFileConfig, error) {
	path, err := stringArg(node)
	if err != nil {
		return nil, err
	}
	f := &SyslogFileConfig{Path: path, Severity: "info"}
	for _, prop := range node.Children {
		switch prop.Name() {
		case "severity":
			f.Severity, err = enumArg(prop, syslogSeverities)
		case "size":
			f.MaxSize, err = sizeArg(prop)
		case "files":
			f.MaxFiles, err = intArg(prop, 1, 1000)
		default:
			err = fmt.Errorf("%s: unknown file property %q", prop.position(), prop.Name())
		}
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func compileClient(node *Node, cfg *Config) error {
	cl := &cfg.Client
	for _, child := range node.Children {
		var err error
		switch child.Name() {
		case "max-leases":
			cl.MaxLeases, err = intArg(child, MinLeases, MaxLeases)
		case "buffer-size":
			cl.BufferSize, err = intArg(child, MinBufferSize, MaxBufferSize)
		case "timers":
			err = compileTimers(child, &cl.Timers)
		case "interface":
			err = compileClientInterface(child, cl)
		default:
			cfg.warnf(child, "unknown dhcpv6-client statement %q ignored", child.Name())
		}
		if err != nil {
			return err
		}
	}

	for _, ex := range []struct {
		name     string
		override TimerOverride
		base     retrans.Params
	}{
		{"solicit", cl.Timers.Solicit, retrans.Solicit},
		{"request", cl.Timers.Request, retrans.Request},
		{"renew", cl.Timers.Renew, retrans.Renew},
		{"rebind", cl.Timers.Rebind, retrans.Rebind},
	} {
		if err := ex.override.Apply(ex.base).Validate(); err != nil {
			return fmt.Errorf("timers %s: %w", ex.name, err)
		}
	}

	limit := cl.MaxLeases
	if limit == 0 {
		limit = defaultMaxLeases
	}
	seen := make(map[string]string)
	for _, ifc := range cl.Interfaces {
		if len(ifc.Delegations) > limit {
			return fmt.Errorf("interface %s: %d prefix-delegations exceed max-leases %d",
				ifc.Name, len(ifc.Delegations), limit)
		}
		for _, pd := range ifc.Delegations {
			if prev, ok := seen[pd.Downstream]; ok {
				return fmt.Errorf("downstream %s delegated by both %s and %s", pd.Downstream, prev, ifc.Name)
			}
			seen[pd.Downstream] = ifc.Name
		}
	}
	return nil
}

func compileTimers(node *Node, t *TimersConfig) error {
	for _, ex := range node.Children {
		var o *TimerOverride
		switch ex.Name() {
		case "solicit":
			o = &t.Solicit
		case "request":
			o = &t.Request
		case "renew":
			o = &t.Renew
		case "rebind":
			o = &t.Rebind
		default:
			return fmt.Errorf("%s: unknown exchange %q in timers", ex.position(), ex.Name())
		}
		for _, prop := range ex.Children {
			switch prop.Name() {
			case "initial", "maximum", "max-duration":
				d, err := durationArg(prop)
				if err != nil {
					return fmt.Errorf("timers %s: %w", ex.Name(), err)
				}
				switch prop.Name() {
				case "initial":
					if d <= 0 {
						return fmt.Errorf("timers %s: %s: initial must be positive", ex.Name(), prop.position())
					}
					o.Initial = &d
				case "maximum":
					o.Maximum = &d
				default:
					o.MaxDuration = &d
				}
			case "max-count":
				n, err := intArg(prop, 0, 1<<16)
				if err != nil {
					return fmt.Errorf("timers %s: %w", ex.Name(), err)
				}
				o.MaxCount = &n
			default:
				return fmt.Errorf("timers %s: %s: unknown parameter %q", ex.Name(), prop.position(), prop.Name())
			}
		}
	}
	return nil
}

func compileClientInterface(node *Node, cl *DHCPv6ClientConfig) error {
	name, err := stringArg(node)
	if err != nil {
		return err
	}
	ifc := findClientInterface(cl, name)
	if ifc == nil {
		ifc = &ClientInterfaceConfig{Name: name}
		cl.Interfaces = append(cl.Interfaces, ifc)
	}
	for _, child := range node.Children {
		if child.Name() != "prefix-delegation" {
			return fmt.Errorf("interface %s: %s: unknown statement %q", name, child.position(), child.Name())
		}
		downstream, err := stringArg(child)
		if err != nil {
			return fmt.Errorf("interface %s: %w", name, err)
		}
		pd := &PrefixDelegationConfig{Downstream: downstream}
		for _, prop := range child.Children {
			switch prop.Name() {
			case "prefix-length":
				pd.PrefixLength, err = intArg(prop, 0, 128)
			case "sub-prefix-length":
				pd.SubPrefixLength, err = intArg(prop, 0, 128)
			default:
				err = fmt.Errorf("%s: unknown prefix-delegation property %q", prop.position(), prop.Name())
			}
			if err != nil {
				return fmt.Errorf("interface %s prefix-delegation %s: %w", name, downstream, err)
			}
		}
		if pd.PrefixLength > 0 && pd.SubPrefixLength > 0 && pd.SubPrefixLength < pd.PrefixLength {
			return fmt.Errorf("interface %s prefix-delegation %s: sub-prefix-length %d shorter than prefix-length %d",
				name, downstream, pd.SubPrefixLength, pd.PrefixLength)
		}
		ifc.Delegations = append(ifc.Delegations, pd)
	}
	return nil
}

func findClientInterface(cl *DHCPv6ClientConfig, name string) *ClientInterfaceConfig {
	for _, ifc := range cl.Interfaces {
		if ifc.Name == name {
			return ifc
		}
	}
	return nil
}

func compileRelay(node *Node, cfg *Config) error {
	if cfg.Relay == nil {
		cfg.Relay = &DHCPv6RelayConfig{HopLimit: defaultHopLimit}
	}
	r := cfg.Relay
	for _, child := range node.Children {
		switch child.Name() {
		case "hop-limit":
			v, err := intArg(child, 1, MaxHopLimit)
			if err != nil {
				return err
			}
			r.HopLimit = v
		case "client-interface":
			if len(child.Args()) == 0 {
				return fmt.Errorf("%s: client-interface needs a value", child.position())
			}
			for _, name := range child.Args() {
				if !slices.Contains(r.ClientInterfaces, name) {
					r.ClientInterfaces = append(r.ClientInterfaces, name)
				}
			}
		case "server-interface":
			v, err := stringArg(child)
			if err != nil {
				return err
			}
			r.ServerInterface = v
		case "server":
			if len(child.Args()) == 0 {
				return fmt.Errorf("%s: server needs an address", child.position())
			}
			for _, s := range child.Args() {
				addr, err := netip.ParseAddr(s)
				if err != nil || !addr.Is6() || addr.Is4In6() {
					return fmt.Errorf("%s: server %q is not an IPv6 address", child.position(), s)
				}
				if addr.IsUnspecified() {
					return fmt.Errorf("%s: server address is unspecified", child.position())
				}
				r.Servers = append(r.Servers, addr)
			}
		default:
			cfg.warnf(child, "unknown dhcpv6-relay statement %q ignored", child.Name())
		}
	}
	if r.ServerInterface != "" && slices.Contains(r.ClientInterfaces, r.ServerInterface) {
		return fmt.Errorf("interface %s is both client-interface and server-interface", r.ServerInterface)
	}
	return nil
}

func stringArg(n *Node) (string, error) {
	args := n.Args()
	if len(args) != 1 {
		return "", fmt.Errorf("%s: %s takes exactly one value", n.position(), n.Name())
	}
	return args[0], nil
}

func intArg(n *Node, lo, hi int) (int, error) {
	s, err := stringArg(n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: invalid number %q", n.position(), n.Name(), s)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s: %s %d out of range %d..%d", n.position(), n.Name(), v, lo, hi)
	}
	return v, nil
}

func enumArg(n *Node, allowed []string) (string, error) {
	s, err := stringArg(n)
	if err != nil {
		return "", err
	}
	s = strings.ToLower(s)
	if !slices.Contains(allowed, s) {
		return "", fmt.Errorf("%s: %s %q not one of %s", n.position(), n.Name(), s, strings.Join(allowed, ", "))
	}
	return s, nil
}

// durationArg accepts whole seconds ("30") or a Go duration ("1.5s").
func durationArg(n *Node) (time.Duration, error) {
	s, err := stringArg(n)
	if err != nil {
		return 0, err
	}
	if secs, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: %s: invalid duration %q", n.position(), n.Name(), s)
	}
	return d, nil
}

// sizeArg accepts a byte count with an optional k, m or g suffix.
func sizeArg(n *Node) (int64, error) {
	s, err := stringArg(n)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, fmt.Errorf("%s: %s: empty size", n.position(), n.Name())
	}
	mult := int64(1)
	switch strings.ToLower(s[len(s)-1:]) {
	case "k":
		mult = 1 << 10
	case "m":
		mult = 1 << 20
	case "g":
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s: %s: invalid size %q", n.position(), n.Name(), n.Args()[0])
	}
	return v * mult, nil
}
