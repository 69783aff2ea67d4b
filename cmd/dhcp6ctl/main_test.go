package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/psaab/dhcp6d/pkg/dhcp"
	"github.com/psaab/dhcp6d/pkg/grpcapi"
	"github.com/psaab/dhcp6d/pkg/lease"
	"github.com/psaab/dhcp6d/pkg/relay"
)

const activeConfig = `dhcpv6-client {
    interface wan0 {
        prefix-delegation lan0;
    }
}
`

type fakeDHCP struct{}

func (fakeDHCP) Snapshots() []dhcp.Snapshot {
	return []dhcp.Snapshot{{
		Interface: "wan0",
		State:     dhcp.StateBound,
		Leases: []lease.Lease{{
			ID:                lease.NewID(5, lease.IATypePD),
			Interface:         "lan0",
			Leased:            true,
			Prefix:            netip.MustParsePrefix("2001:db8:aa00::/56"),
			PreferredLifetime: 600,
			ValidLifetime:     900,
			Obtained:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}},
	}}
}

func (fakeDHCP) DelegatedPrefixes() []dhcp.DelegatedPrefix { return nil }
func (fakeDHCP) ClientStats() map[string]dhcp.StatsSnapshot {
	return map[string]dhcp.StatsSnapshot{"wan0": {}}
}
func (fakeDHCP) DUIDs() []dhcp.DUIDInfo {
	return []dhcp.DUIDInfo{{Interface: "wan0", Type: "DUID-LL", HexBytes: "0003000102", Display: "00:03:00:01:02"}}
}
func (fakeDHCP) ClearDUID(string) error { return nil }
func (fakeDHCP) Renew(iface string) error {
	if iface != "wan0" {
		return errors.New("no DHCPv6 client on " + iface)
	}
	return nil
}

type fakeRelay struct{}

func (fakeRelay) Running() bool { return true }
func (fakeRelay) Stats() relay.StatsSnapshot {
	return relay.StatsSnapshot{Forwarded: 11}
}

func testCtl(t *testing.T) (*ctl, *bytes.Buffer) {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	ctx, cancel := context.WithCancel(context.Background())
	srv := grpcapi.NewServer("", grpcapi.Config{
		DHCP:       fakeDHCP{},
		Relay:      fakeRelay{},
		ConfigText: func() (string, []string) { return activeConfig, nil },
		Version:    "test",
	})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})

	var out bytes.Buffer
	return newCtl(grpcapi.NewClient(conn), &out), &out
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"show status", "DHCPv6 clients:  1"},
		{"sh dh le", "2001:db8:aa00::/56"},
		{"show dhcpv6 sessions", "bound"},
		{"show dhcpv6 identifiers", "DUID-LL"},
		{"show relay statistics", "Forwarded:          11"},
		{"show configuration", "prefix-delegation lan0;"},
		{"show configuration set", "set dhcpv6-client interface wan0 prefix-delegation lan0\n"},
		{"request dhcpv6 renew wan0", "DHCPv6 renew started on wan0"},
		{"clear dhcpv6 client-identifier", "All DHCPv6 DUIDs cleared"},
		{"clear dhcpv6 client-identifier wan0", "DHCPv6 DUID cleared for wan0"},
		{"show ?", "configuration"},
		{"help", "request"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, out := testCtl(t)
			if err := c.dispatch(tt.line); err != nil {
				t.Fatalf("dispatch(%q): %v", tt.line, err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("dispatch(%q) output missing %q:\n%s", tt.line, tt.want, out)
			}
		})
	}
}

func TestDispatchErrors(t *testing.T) {
	c, _ := testCtl(t)
	if err := c.dispatch("quit"); !errors.Is(err, errExit) {
		t.Errorf("quit = %v, want errExit", err)
	}
	if err := c.dispatch("reboot"); err == nil || !strings.Contains(err.Error(), "syntax error") {
		t.Errorf("reboot = %v", err)
	}
	if err := c.dispatch("request dhcpv6 renew wan9"); err == nil {
		t.Error("renew of unknown interface succeeded")
	}
	if err := c.dispatch("request dhcpv6 renew"); err == nil {
		t.Error("renew without interface succeeded")
	}
}

func TestDispatchStructured(t *testing.T) {
	tests := []struct {
		format string
		line   string
		want   string
	}{
		{"json", "show relay statistics", `"forwarded": 11`},
		{"json", "show dhcpv6 leases", `"downstream": "lan0"`},
		{"yaml", "show status", "version: test"},
		{"yaml", "show dhcpv6 identifiers", "type: DUID-LL"},
	}
	for _, tt := range tests {
		t.Run(tt.format+" "+tt.line, func(t *testing.T) {
			c, out := testCtl(t)
			c.format = tt.format
			if err := c.dispatch(tt.line); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestWriteValue(t *testing.T) {
	var buf bytes.Buffer
	if err := writeValue(&buf, "yaml", map[string]any{"a": 1.0}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "a: 1\n" {
		t.Errorf("yaml = %q", buf.String())
	}
	if err := writeValue(&buf, "xml", nil); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestCompleter(t *testing.T) {
	c, _ := testCtl(t)
	rc := &completer{ctl: c}
	tests := []struct {
		line string
		want []string
		n    int
	}{
		{"sh", []string{"ow "}, 2},
		{"show dhcpv6 l", []string{"eases "}, 1},
		{"request dhcpv6 renew ", []string{"wan0 "}, 0},
		{"bogus x", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, n := rc.Do([]rune(tt.line), len(tt.line))
			if n != tt.n || len(got) != len(tt.want) {
				t.Fatalf("Do(%q) = %q, %d", tt.line, got, n)
			}
			for i := range got {
				if string(got[i]) != tt.want[i] {
					t.Errorf("Do(%q)[%d] = %q, want %q", tt.line, i, got[i], tt.want[i])
				}
			}
		})
	}
}
