// Package dhcp implements the DHCPv6 prefix delegation client: a session
// state machine per upstream interface plus a Manager that runs sessions,
// persists client DUIDs and installs delegated prefixes on the downstream
// interfaces they were requested for.
package dhcp

import (
	"cmp"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

// Registration asks for one delegated prefix on behalf of a downstream
// interface.
type Registration struct {
	Downstream      string
	PrefixLength    int // hint sent to the server (0 = no hint)
	SubPrefixLength int // length installed downstream (0 = delegated length)
}

// Options holds settings shared by every client session.
type Options struct {
	Timers     Timers
	MaxLeases  int
	BufferSize int
}

// DelegatedPrefix is a prefix currently held from a server.
type DelegatedPrefix struct {
	Interface         string // upstream
	Downstream        string
	Prefix            netip.Prefix
	Installed         netip.Prefix // address configured on Downstream
	PreferredLifetime time.Duration
	ValidLifetime     time.Duration
	Obtained          time.Time
}

type dhcpClient struct {
	client *Client
	cancel context.CancelFunc
	done   chan struct{}
}

// linkOps is the slice of netlink the Manager needs.
type linkOps interface {
	LinkIndex(name string) (int, error)
	AddrReplace(iface string, addr netip.Prefix, preferred, valid uint32) error
	AddrDel(iface string, addr netip.Prefix) error
}

// Manager manages DHCPv6 clients for multiple upstream interfaces.
type Manager struct {
	mu              sync.Mutex
	clients         map[string]*dhcpClient       // upstream -> running client
	registrations   map[string][]Registration    // upstream -> downstream requests
	delegatedPDs    map[string][]DelegatedPrefix // upstream -> delegated prefixes
	duids           map[string][]byte            // upstream -> cached DUID
	opts            Options
	onAddressChange func()
	links           linkOps
	recompileTimer  *time.Timer
	stateDir        string
}

// New creates a DHCPv6 manager. stateDir is where DUID files are persisted.
// The onAddressChange callback is called (debounced by 2 seconds) when a
// delegation changes a downstream address.
func New(stateDir string, onAddressChange func()) (*Manager, error) {
	nlh, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return newManager(stateDir, onAddressChange, &netlinkOps{h: nlh}), nil
}

func newManager(stateDir string, onAddressChange func(), links linkOps) *Manager {
	return &Manager{
		clients:         make(map[string]*dhcpClient),
		registrations:   make(map[string][]Registration),
		delegatedPDs:    make(map[string][]DelegatedPrefix),
		duids:           make(map[string][]byte),
		onAddressChange: onAddressChange,
		links:           links,
		stateDir:        stateDir,
	}
}

// SetOptions configures all sessions. Must be called before Start().
func (m *Manager) SetOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts
}

// Configure sets the downstream registrations for an upstream interface.
// Must be called before Start().
func (m *Manager) Configure(upstream string, regs []Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[upstream] = slices.Clone(regs)
}

// ClearRegistrations forgets every upstream and its downstream requests.
// Running clients keep what they were started with.
func (m *Manager) ClearRegistrations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations = make(map[string][]Registration)
}

// Interfaces returns the configured upstream interfaces, sorted.
func (m *Manager) Interfaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.registrations))
	for name := range m.registrations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start begins the client for an upstream interface. Registration errors
// (a missing downstream link, a full lease table) are returned and nothing
// is started. ctx bounds the setup only; the session runs until Renew,
// StopClients or StopAll.
func (m *Manager) Start(ctx context.Context, upstream string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, exists := m.clients[upstream]; exists {
		m.mu.Unlock()
		return nil
	}
	regs := m.registrations[upstream]
	opts := m.opts
	m.mu.Unlock()

	duid, err := m.getDUID(upstream)
	if err != nil {
		return err
	}
	client := NewClient(ClientConfig{
		Interface:       upstream,
		ClientID:        duid,
		Timers:          opts.Timers,
		MaxLeases:       opts.MaxLeases,
		BufferSize:      opts.BufferSize,
		OnPrefixLeased:  m.prefixLeased,
		OnPrefixExpired: m.prefixExpired,
	})
	for _, r := range regs {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, err := m.links.LinkIndex(r.Downstream)
		if err != nil {
			return fmt.Errorf("downstream %s: %w", r.Downstream, err)
		}
		if _, err := client.Register(r.Downstream, idx, r.PrefixLength); err != nil {
			return fmt.Errorf("register %s on %s: %w", r.Downstream, upstream, err)
		}
	}

	// Clients get an independent context so cancelling the caller's ctx
	// does not end the session.
	cctx, cancel := context.WithCancel(context.Background())
	dc := &dhcpClient{
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.clients[upstream]; exists {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.clients[upstream] = dc
	m.mu.Unlock()

	go func() {
		defer close(dc.done)
		m.runClient(cctx, client)
	}()
	slog.Info("DHCPv6: client started", "interface", upstream, "registrations", len(regs))
	return nil
}

// runClient restarts the session with backoff if its socket fails.
func (m *Manager) runClient(ctx context.Context, client *Client) {
	ifaceName := client.Interface()
	backoff := time.Second

	if err := waitForLinkLocal(ctx, ifaceName, 30*time.Second); err != nil {
		slog.Warn("DHCPv6: no link-local address, aborting",
			"interface", ifaceName, "err", err)
		return
	}

	for {
		err := client.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("DHCPv6: client stopped, restarting",
			"interface", ifaceName, "err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, 60*time.Second)
	}
}

// Renew restarts the client on an upstream interface, causing it to go
// through a fresh SOLICIT/REQUEST cycle.
func (m *Manager) Renew(upstream string) error {
	m.mu.Lock()
	dc, exists := m.clients[upstream]
	if exists {
		delete(m.clients, upstream)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("no DHCPv6 client running on interface %s", upstream)
	}
	dc.cancel()
	<-dc.done

	if err := m.Start(context.Background(), upstream); err != nil {
		return err
	}
	slog.Info("DHCPv6: client renewed", "interface", upstream)
	return nil
}

// StopAll stops all running clients and removes installed prefixes.
func (m *Manager) StopAll() {
	m.StopClients()

	m.mu.Lock()
	pds := m.delegatedPDs
	m.delegatedPDs = make(map[string][]DelegatedPrefix)
	m.mu.Unlock()

	for _, list := range pds {
		for _, dp := range list {
			m.removeAddress(dp)
		}
	}
}

// StopClients stops all running clients and waits for them. Installed
// addresses stay until their valid lifetime runs out.
func (m *Manager) StopClients() {
	m.mu.Lock()
	clients := make(map[string]*dhcpClient, len(m.clients))
	for k, v := range m.clients {
		clients[k] = v
	}
	m.clients = make(map[string]*dhcpClient)
	if m.recompileTimer != nil {
		m.recompileTimer.Stop()
		m.recompileTimer = nil
	}
	m.mu.Unlock()

	for _, dc := range clients {
		dc.cancel()
		<-dc.done
	}
}

// Close releases the netlink handle.
func (m *Manager) Close() {
	if c, ok := m.links.(interface{ Close() }); ok {
		c.Close()
	}
}

// Clients returns the running clients keyed by upstream interface.
func (m *Manager) Clients() map[string]*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]*Client, len(m.clients))
	for name, dc := range m.clients {
		result[name] = dc.client
	}
	return result
}

// Snapshots returns the state of every running session, sorted by
// interface.
func (m *Manager) Snapshots() []Snapshot {
	clients := m.Clients()
	result := make([]Snapshot, 0, len(clients))
	for _, c := range clients {
		result = append(result, c.Snapshot())
	}
	slices.SortFunc(result, func(a, b Snapshot) int {
		return cmp.Compare(a.Interface, b.Interface)
	})
	return result
}

// ClientStats returns the counters of every running session keyed by
// upstream interface.
func (m *Manager) ClientStats() map[string]StatsSnapshot {
	clients := m.Clients()
	result := make(map[string]StatsSnapshot, len(clients))
	for name, c := range clients {
		result[name] = c.Stats().Snapshot()
	}
	return result
}

// DelegatedPrefixes returns a snapshot of all delegated prefixes.
func (m *Manager) DelegatedPrefixes() []DelegatedPrefix {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []DelegatedPrefix
	for _, pds := range m.delegatedPDs {
		result = append(result, pds...)
	}
	return result
}

// DUIDInfo holds information about a DHCPv6 DUID for display.
type DUIDInfo struct {
	Interface string
	Type      string
	HexBytes  string
	Display   string
}

// DUIDs returns information about all configured/persisted DUIDs.
func (m *Manager) DUIDs() []DUIDInfo {
	var result []DUIDInfo
	for _, ifName := range m.Interfaces() {
		m.mu.Lock()
		duid, ok := m.duids[ifName]
		m.mu.Unlock()
		if !ok {
			d, err := m.loadDUID(ifName)
			if err != nil {
				continue
			}
			duid = d
		}
		info := DUIDInfo{
			Interface: ifName,
			HexBytes:  hex.EncodeToString(duid),
			Display:   dhcp6.FormatDUID(duid),
		}
		if t, err := dhcp6.DUIDTypeName(duid); err == nil {
			info.Type = t
		}
		result = append(result, info)
	}
	return result
}

// ClearDUID removes the persisted DUID for an interface. The next session
// start generates a fresh one.
func (m *Manager) ClearDUID(ifaceName string) error {
	m.mu.Lock()
	delete(m.duids, ifaceName)
	m.mu.Unlock()

	if err := os.Remove(m.duidPath(ifaceName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	slog.Info("DHCPv6: DUID cleared", "interface", ifaceName)
	return nil
}

// getDUID returns the DUID-LL for an interface, loading it from disk or
// deriving it from the interface MAC. The result is cached and persisted.
func (m *Manager) getDUID(ifaceName string) ([]byte, error) {
	m.mu.Lock()
	if d, ok := m.duids[ifaceName]; ok {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	if d, err := m.loadDUID(ifaceName); err == nil {
		m.mu.Lock()
		m.duids[ifaceName] = d
		m.mu.Unlock()
		slog.Info("DHCPv6: loaded persisted DUID",
			"interface", ifaceName, "duid", dhcp6.FormatDUID(d))
		return d, nil
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface lookup for DUID: %w", err)
	}
	duid, err := dhcp6.LinkLayerDUID(iface.HardwareAddr)
	if err != nil {
		return nil, fmt.Errorf("DUID for %s: %w", ifaceName, err)
	}

	if err := m.saveDUID(ifaceName, duid); err != nil {
		slog.Warn("DHCPv6: failed to persist DUID",
			"interface", ifaceName, "err", err)
	}

	m.mu.Lock()
	m.duids[ifaceName] = duid
	m.mu.Unlock()

	slog.Info("DHCPv6: generated DUID",
		"interface", ifaceName, "duid", dhcp6.FormatDUID(duid))
	return duid, nil
}

func (m *Manager) duidPath(ifaceName string) string {
	return filepath.Join(m.stateDir, "dhcpv6-duid-"+ifaceName)
}

// loadDUID reads a persisted DUID. Anything but a well formed DUID-LL is
// rejected so it gets regenerated.
func (m *Manager) loadDUID(ifaceName string) ([]byte, error) {
	data, err := os.ReadFile(m.duidPath(ifaceName))
	if err != nil {
		return nil, err
	}
	if err := dhcp6.ValidateDUID(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Manager) saveDUID(ifaceName string, duid []byte) error {
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(m.duidPath(ifaceName), duid, 0644)
}

// registration finds the downstream request a delegation answers.
func (m *Manager) registration(upstream, downstream string) Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.registrations[upstream] {
		if r.Downstream == downstream {
			return r
		}
	}
	return Registration{Downstream: downstream}
}

// prefixLeased is the session's on_prefix_leased callback: it installs the
// first address of the sub-prefix on the downstream interface with the
// delegated lifetimes.
func (m *Manager) prefixLeased(d Delegation) {
	reg := m.registration(d.Upstream, d.Interface)
	sub := DeriveSubPrefix(d.Prefix, reg.SubPrefixLength)
	if !sub.IsValid() {
		slog.Warn("DHCPv6: sub-prefix length shorter than delegation",
			"downstream", d.Interface, "prefix", d.Prefix, "sub_prefix_length", reg.SubPrefixLength)
		return
	}
	dp := DelegatedPrefix{
		Interface:         d.Upstream,
		Downstream:        d.Interface,
		Prefix:            d.Prefix,
		Installed:         InterfaceAddress(sub),
		PreferredLifetime: dhcp6.Lifetime(d.PreferredLifetime),
		ValidLifetime:     dhcp6.Lifetime(d.ValidLifetime),
		Obtained:          time.Now(),
	}
	if err := m.links.AddrReplace(d.Interface, dp.Installed, d.PreferredLifetime, d.ValidLifetime); err != nil {
		slog.Warn("DHCPv6: failed to apply delegated prefix",
			"downstream", d.Interface, "address", dp.Installed, "err", err)
	}

	m.mu.Lock()
	var stale []DelegatedPrefix
	list := slices.DeleteFunc(m.delegatedPDs[d.Upstream], func(p DelegatedPrefix) bool {
		if p.Downstream != d.Interface {
			return false
		}
		if p.Installed != dp.Installed {
			stale = append(stale, p)
		}
		return true
	})
	m.delegatedPDs[d.Upstream] = append(list, dp)
	m.mu.Unlock()

	// A restarted session may be handed a different prefix without the old
	// one expiring first.
	for _, p := range stale {
		m.removeAddress(p)
	}

	m.scheduleRecompile()
}

// prefixExpired removes what prefixLeased installed.
func (m *Manager) prefixExpired(d Delegation) {
	m.mu.Lock()
	var removed []DelegatedPrefix
	m.delegatedPDs[d.Upstream] = slices.DeleteFunc(m.delegatedPDs[d.Upstream], func(p DelegatedPrefix) bool {
		if p.Downstream == d.Interface && p.Prefix == d.Prefix {
			removed = append(removed, p)
			return true
		}
		return false
	})
	m.mu.Unlock()

	for _, dp := range removed {
		m.removeAddress(dp)
	}
	if len(removed) > 0 {
		m.scheduleRecompile()
	}
}

func (m *Manager) removeAddress(dp DelegatedPrefix) {
	if err := m.links.AddrDel(dp.Downstream, dp.Installed); err != nil {
		slog.Warn("DHCPv6: failed to remove delegated address",
			"downstream", dp.Downstream, "address", dp.Installed, "err", err)
	}
}

// scheduleRecompile debounces address change notifications.
func (m *Manager) scheduleRecompile() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recompileTimer != nil {
		m.recompileTimer.Stop()
	}
	m.recompileTimer = time.AfterFunc(2*time.Second, func() {
		if m.onAddressChange != nil {
			m.onAddressChange()
		}
	})
}

// waitForLinkLocal waits until the interface has a link-local IPv6 address.
func waitForLinkLocal(ctx context.Context, ifaceName string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timeout waiting for link-local on %s", ifaceName)
		case <-ticker.C:
			iface, err := net.InterfaceByName(ifaceName)
			if err != nil {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				if ipNet.IP.To4() == nil && ipNet.IP.IsLinkLocalUnicast() {
					return nil
				}
			}
		}
	}
}

// DeriveSubPrefix returns the first sub-prefix of length subPrefLen inside
// a delegated prefix, e.g. 2001:db8:1000::/48 -> 2001:db8:1000::/64.
// A zero or equal length returns the delegation unchanged; a shorter one
// returns an invalid prefix.
func DeriveSubPrefix(delegated netip.Prefix, subPrefLen int) netip.Prefix {
	bits := delegated.Bits()
	switch {
	case subPrefLen == 0 || subPrefLen == bits:
		return delegated.Masked()
	case subPrefLen < bits || subPrefLen > 128:
		return netip.Prefix{}
	}
	return netip.PrefixFrom(delegated.Masked().Addr(), subPrefLen)
}

// InterfaceAddress returns the address configured on the downstream link
// for a sub-prefix: its first host (::1), keeping the prefix length.
func InterfaceAddress(sub netip.Prefix) netip.Prefix {
	addr := sub.Masked().Addr()
	if sub.Bits() < 128 {
		addr = addr.Next()
	}
	return netip.PrefixFrom(addr, sub.Bits())
}
