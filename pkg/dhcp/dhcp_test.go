package dhcp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
	"github.com/psaab/dhcp6d/pkg/lease"
)

type addrCall struct {
	iface     string
	addr      netip.Prefix
	preferred uint32
	valid     uint32
}

type fakeLinks struct {
	mu       sync.Mutex
	index    map[string]int
	replaced []addrCall
	deleted  []addrCall
}

func (f *fakeLinks) LinkIndex(name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.index[name]
	if !ok {
		return 0, errors.New("link not found")
	}
	return idx, nil
}

func (f *fakeLinks) AddrReplace(iface string, addr netip.Prefix, preferred, valid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, addrCall{iface, addr, preferred, valid})
	return nil
}

func (f *fakeLinks) AddrDel(iface string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, addrCall{iface: iface, addr: addr})
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeLinks) {
	t.Helper()
	links := &fakeLinks{index: map[string]int{"lan0": 3, "lan1": 4}}
	m := newManager(t.TempDir(), nil, links)
	m.Configure("wan0", []Registration{
		{Downstream: "lan0", PrefixLength: 56, SubPrefixLength: 64},
		{Downstream: "lan1"},
	})
	t.Cleanup(m.StopAll)
	return m, links
}

func TestPrefixLeasedInstallsAddress(t *testing.T) {
	m, links := newTestManager(t)

	m.prefixLeased(Delegation{
		Upstream:          "wan0",
		Interface:         "lan0",
		Prefix:            netip.MustParsePrefix("2001:db8:1000::/56"),
		PreferredLifetime: 3000,
		ValidLifetime:     4000,
	})

	if len(links.replaced) != 1 {
		t.Fatalf("AddrReplace called %d times, want 1", len(links.replaced))
	}
	got := links.replaced[0]
	want := addrCall{"lan0", netip.MustParsePrefix("2001:db8:1000::1/64"), 3000, 4000}
	if got != want {
		t.Errorf("AddrReplace(%+v), want %+v", got, want)
	}

	pds := m.DelegatedPrefixes()
	if len(pds) != 1 {
		t.Fatalf("got %d delegated prefixes, want 1", len(pds))
	}
	if pds[0].Installed != want.addr || pds[0].Downstream != "lan0" || pds[0].Interface != "wan0" {
		t.Errorf("delegated prefix = %+v", pds[0])
	}
	if pds[0].ValidLifetime != 4000*time.Second {
		t.Errorf("valid = %s, want 4000s", pds[0].ValidLifetime)
	}
}

func TestPrefixLeasedReplacesPerDownstream(t *testing.T) {
	m, links := newTestManager(t)

	for _, p := range []string{"2001:db8:1::/64", "2001:db8:2::/64"} {
		m.prefixLeased(Delegation{
			Upstream:          "wan0",
			Interface:         "lan1",
			Prefix:            netip.MustParsePrefix(p),
			PreferredLifetime: 100,
			ValidLifetime:     200,
		})
	}
	pds := m.DelegatedPrefixes()
	if len(pds) != 1 {
		t.Fatalf("got %d delegated prefixes, want 1", len(pds))
	}
	if want := netip.MustParsePrefix("2001:db8:2::1/64"); pds[0].Installed != want {
		t.Errorf("installed = %s, want %s", pds[0].Installed, want)
	}
	if len(links.replaced) != 2 {
		t.Errorf("AddrReplace called %d times, want 2", len(links.replaced))
	}
	want := []addrCall{{iface: "lan1", addr: netip.MustParsePrefix("2001:db8:1::1/64")}}
	if !slices.Equal(links.deleted, want) {
		t.Errorf("AddrDel calls = %+v, want %+v", links.deleted, want)
	}
}

func TestPrefixLeasedSamePrefixKeepsAddress(t *testing.T) {
	m, links := newTestManager(t)
	d := Delegation{Upstream: "wan0", Interface: "lan1", Prefix: netip.MustParsePrefix("2001:db8:1::/64")}
	m.prefixLeased(d)
	m.prefixLeased(d)
	if len(links.deleted) != 0 {
		t.Errorf("AddrDel called %d times for a re-confirmed prefix", len(links.deleted))
	}
	if len(m.DelegatedPrefixes()) != 1 {
		t.Errorf("got %d delegated prefixes, want 1", len(m.DelegatedPrefixes()))
	}
}

func TestPrefixLeasedSubPrefixTooShort(t *testing.T) {
	m, links := newTestManager(t)
	m.prefixLeased(Delegation{
		Upstream:  "wan0",
		Interface: "lan0",
		Prefix:    netip.MustParsePrefix("2001:db8:1::/72"),
	})
	if len(links.replaced) != 0 {
		t.Errorf("AddrReplace called for an unusable delegation")
	}
	if len(m.DelegatedPrefixes()) != 0 {
		t.Error("unusable delegation recorded")
	}
}

func TestPrefixExpiredRemovesAddress(t *testing.T) {
	m, links := newTestManager(t)
	d := Delegation{
		Upstream:          "wan0",
		Interface:         "lan0",
		Prefix:            netip.MustParsePrefix("2001:db8:1000::/56"),
		PreferredLifetime: 3000,
		ValidLifetime:     4000,
	}
	m.prefixLeased(d)

	// Another prefix on the same downstream is not ours to remove.
	m.prefixExpired(Delegation{Upstream: "wan0", Interface: "lan0", Prefix: netip.MustParsePrefix("2001:db8:9::/56")})
	if len(links.deleted) != 0 {
		t.Fatalf("AddrDel called for an unknown prefix")
	}

	m.prefixExpired(d)
	if len(links.deleted) != 1 {
		t.Fatalf("AddrDel called %d times, want 1", len(links.deleted))
	}
	if want := netip.MustParsePrefix("2001:db8:1000::1/64"); links.deleted[0].addr != want {
		t.Errorf("deleted %s, want %s", links.deleted[0].addr, want)
	}
	if len(m.DelegatedPrefixes()) != 0 {
		t.Error("expired prefix still listed")
	}
}

func TestStopAllRemovesAddresses(t *testing.T) {
	m, links := newTestManager(t)
	m.prefixLeased(Delegation{Upstream: "wan0", Interface: "lan1", Prefix: netip.MustParsePrefix("2001:db8:1::/64")})
	m.StopAll()
	if len(links.deleted) != 1 {
		t.Errorf("AddrDel called %d times, want 1", len(links.deleted))
	}
	if len(m.DelegatedPrefixes()) != 0 {
		t.Error("prefixes listed after StopAll")
	}
}

func TestStopClientsKeepsAddresses(t *testing.T) {
	m, links := newTestManager(t)
	duid, _ := dhcp6.LinkLayerDUID(net.HardwareAddr{2, 0, 0, 0, 0, 8})
	if err := m.saveDUID("wan0", duid); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), "wan0"); err != nil {
		t.Fatal(err)
	}
	m.prefixLeased(Delegation{Upstream: "wan0", Interface: "lan1", Prefix: netip.MustParsePrefix("2001:db8:1::/64")})

	m.StopClients()
	if len(m.Clients()) != 0 {
		t.Error("clients still running after StopClients")
	}
	if len(links.deleted) != 0 {
		t.Errorf("AddrDel called %d times, want 0", len(links.deleted))
	}
	if len(m.DelegatedPrefixes()) != 1 {
		t.Error("delegated prefix forgotten by StopClients")
	}
}

func TestStartCancelledContext(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Start(ctx, "wan0"); !errors.Is(err, context.Canceled) {
		t.Errorf("Start err = %v, want context.Canceled", err)
	}
	if len(m.Clients()) != 0 {
		t.Error("client started with a cancelled context")
	}
}

func TestStartUnknownDownstream(t *testing.T) {
	m, _ := newTestManager(t)
	m.Configure("wan1", []Registration{{Downstream: "missing0"}})
	duid, _ := dhcp6.LinkLayerDUID(net.HardwareAddr{2, 0, 0, 0, 0, 9})
	if err := m.saveDUID("wan1", duid); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), "wan1"); err == nil {
		t.Fatal("Start succeeded with a missing downstream link")
	}
	if len(m.Clients()) != 0 {
		t.Error("client left running after a failed start")
	}
}

func TestInterfaces(t *testing.T) {
	m, _ := newTestManager(t)
	m.Configure("wan1", nil)
	got := m.Interfaces()
	if len(got) != 2 || got[0] != "wan0" || got[1] != "wan1" {
		t.Errorf("Interfaces() = %v", got)
	}
}

func TestClearRegistrations(t *testing.T) {
	m, _ := newTestManager(t)
	m.ClearRegistrations()
	if got := m.Interfaces(); len(got) != 0 {
		t.Errorf("Interfaces() after clear = %v", got)
	}
	m.Configure("wan2", []Registration{{Downstream: "lan0", PrefixLength: 60}})
	if got := m.Interfaces(); len(got) != 1 || got[0] != "wan2" {
		t.Errorf("Interfaces() = %v", got)
	}
}

func TestDUIDPersistence(t *testing.T) {
	m, _ := newTestManager(t)
	duid, err := dhcp6.LinkLayerDUID(net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("load persisted", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(m.stateDir, "dhcpv6-duid-wan0"), duid, 0644); err != nil {
			t.Fatal(err)
		}
		got, err := m.getDUID("wan0")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, duid) {
			t.Errorf("getDUID = %x, want %x", got, duid)
		}
	})

	t.Run("list", func(t *testing.T) {
		infos := m.DUIDs()
		if len(infos) != 1 {
			t.Fatalf("got %d DUIDs, want 1", len(infos))
		}
		if infos[0].Interface != "wan0" || infos[0].Type == "" {
			t.Errorf("DUID info = %+v", infos[0])
		}
		if infos[0].Display != "00:03:00:01:02:11:22:33:44:55" {
			t.Errorf("display = %q", infos[0].Display)
		}
	})

	t.Run("clear", func(t *testing.T) {
		if err := m.ClearDUID("wan0"); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(m.duidPath("wan0")); !os.IsNotExist(err) {
			t.Errorf("DUID file still present: %v", err)
		}
		if err := m.ClearDUID("wan0"); err != nil {
			t.Errorf("clearing twice: %v", err)
		}
	})

	t.Run("reject non DUID-LL", func(t *testing.T) {
		llt := &dhcpv6.DUIDLLT{
			HWType:        1,
			Time:          1,
			LinkLayerAddr: net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55},
		}
		if err := m.saveDUID("wan0", llt.ToBytes()); err != nil {
			t.Fatal(err)
		}
		if _, err := m.loadDUID("wan0"); err == nil {
			t.Error("DUID-LLT accepted")
		}
		if err := m.saveDUID("wan0", []byte{0, 3}); err != nil {
			t.Fatal(err)
		}
		if _, err := m.loadDUID("wan0"); err == nil {
			t.Error("truncated DUID accepted")
		}
	})
}

func TestDeriveSubPrefix(t *testing.T) {
	tests := []struct {
		name       string
		delegated  string
		subPrefLen int
		want       string // empty = invalid
	}{
		{
			name:       "48 to 64",
			delegated:  "2001:db8:1000::/48",
			subPrefLen: 64,
			want:       "2001:db8:1000::/64",
		},
		{
			name:       "56 to 64",
			delegated:  "2001:db8:1000::/56",
			subPrefLen: 64,
			want:       "2001:db8:1000::/64",
		},
		{
			name:       "sub_len 0 returns delegated as-is",
			delegated:  "2001:db8:1000::/48",
			subPrefLen: 0,
			want:       "2001:db8:1000::/48",
		},
		{
			name:       "host bits masked",
			delegated:  "2001:db8:1000:5::/48",
			subPrefLen: 64,
			want:       "2001:db8:1000::/64",
		},
		{
			name:       "shorter sub_len invalid",
			delegated:  "2001:db8:1000::/64",
			subPrefLen: 48,
			want:       "",
		},
		{
			name:       "beyond 128 invalid",
			delegated:  "2001:db8:1000::/64",
			subPrefLen: 129,
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delegated := netip.MustParsePrefix(tt.delegated)
			got := DeriveSubPrefix(delegated, tt.subPrefLen)
			if tt.want == "" {
				if got.IsValid() {
					t.Errorf("DeriveSubPrefix(%s, %d) = %s, want invalid", tt.delegated, tt.subPrefLen, got)
				}
				return
			}
			want := netip.MustParsePrefix(tt.want)
			if got != want {
				t.Errorf("DeriveSubPrefix(%s, %d) = %s, want %s", tt.delegated, tt.subPrefLen, got, want)
			}
		})
	}
}

func TestInterfaceAddress(t *testing.T) {
	tests := []struct {
		sub, want string
	}{
		{"2001:db8:1000::/64", "2001:db8:1000::1/64"},
		{"2001:db8:1000::/48", "2001:db8:1000::1/48"},
		{"2001:db8::5/128", "2001:db8::5/128"},
	}
	for _, tt := range tests {
		got := InterfaceAddress(netip.MustParsePrefix(tt.sub))
		if got != netip.MustParsePrefix(tt.want) {
			t.Errorf("InterfaceAddress(%s) = %s, want %s", tt.sub, got, tt.want)
		}
	}
}

// fakeConn is an in-memory PacketConn.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 8),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b := <-c.in:
		return copy(p, b), &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: dhcp6.ServerPort}, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case c.out <- bytes.Clone(p):
	default:
	}
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// expect reads sent messages until one of type want arrives.
func (c *fakeConn) expect(t *testing.T, want dhcp6.MessageType) *dhcp6.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b := <-c.out:
			m, err := dhcp6.ParseMessage(b)
			if err != nil {
				t.Fatalf("client sent garbage: %v", err)
			}
			if m.Type == want {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (c *fakeConn) send(t *testing.T, m *dhcp6.Message) {
	t.Helper()
	b, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	c.in <- b
}

func fastTimers() Timers {
	tm := DefaultTimers()
	tm.Solicit.IRT, tm.Solicit.MRT = 20*time.Millisecond, 100*time.Millisecond
	tm.Request.IRT, tm.Request.MRT = 20*time.Millisecond, 100*time.Millisecond
	return tm
}

func TestClientRun(t *testing.T) {
	conn := newFakeConn()
	leased := make(chan Delegation, 1)
	c := NewClient(ClientConfig{
		Interface:      "wan0",
		ClientID:       clientDUID,
		Timers:         fastTimers(),
		Conn:           conn,
		Dst:            &net.UDPAddr{IP: net.ParseIP("ff02::1:2"), Port: dhcp6.ServerPort},
		OnPrefixLeased: func(d Delegation) { leased <- d },
	})
	id, err := c.Register("lan0", 3, 64)
	if err != nil {
		t.Fatal(err)
	}
	if id != lan0ID {
		t.Fatalf("lease id = %s, want %s", id, lan0ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sol := conn.expect(t, dhcp6.MessageTypeSolicit)
	conn.send(t, advertise(t, sol.TransactionID, serverA, 255))

	req := conn.expect(t, dhcp6.MessageTypeRequest)
	conn.send(t, reply(t, req.TransactionID, serverA, 1800, 2880, "2001:db8:1::/64", 3000, 4000))

	select {
	case d := <-leased:
		if d.Prefix != netip.MustParsePrefix("2001:db8:1::/64") || d.Interface != "lan0" {
			t.Errorf("delegation = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prefix never leased")
	}

	snap := c.Snapshot()
	if snap.State != StateBound || !bytes.Equal(snap.ServerID, serverA) {
		t.Errorf("snapshot = %+v", snap)
	}
	if st := c.Stats().Snapshot(); st.RepliesAccepted != 1 || st.AdvertisesAccepted != 1 {
		t.Errorf("stats = %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientRegisterLimits(t *testing.T) {
	c := NewClient(ClientConfig{Interface: "wan0", ClientID: clientDUID, MaxLeases: 1})
	if _, err := c.Register("lan0", 3, 64); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Register("lan0", 3, 64); err == nil {
		t.Error("duplicate registration accepted")
	}
	if _, err := c.Register("lan1", 4, 64); err == nil {
		t.Error("registration beyond capacity accepted")
	}
}

func TestClientRegisterIfIndexRange(t *testing.T) {
	tests := []struct {
		ifindex int
		ok      bool
	}{
		{1, true},
		{0xffff, true},
		{0, false},
		{0x10000, false},
		{0x10003, false},
	}
	for _, tt := range tests {
		c := NewClient(ClientConfig{Interface: "wan0", ClientID: clientDUID, MaxLeases: 2})
		_, err := c.Register("lan0", tt.ifindex, 64)
		if tt.ok && err != nil {
			t.Errorf("Register(ifindex %d): %v", tt.ifindex, err)
		}
		if !tt.ok && !errors.Is(err, lease.ErrIfIndexRange) {
			t.Errorf("Register(ifindex %d) err = %v, want ErrIfIndexRange", tt.ifindex, err)
		}
	}
}

func TestClientSendRespectsBufferSize(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(ClientConfig{
		Interface:  "wan0",
		ClientID:   clientDUID,
		Timers:     fastTimers(),
		BufferSize: 20,
		Conn:       conn,
		Dst:        &net.UDPAddr{IP: net.ParseIP("ff02::1:2"), Port: dhcp6.ServerPort},
	})
	if _, err := c.Register("lan0", 3, 64); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-conn.out:
		t.Error("oversized message was sent")
	default:
	}
}
