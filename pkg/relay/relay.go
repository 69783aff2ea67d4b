package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/psaab/dhcp6d/pkg/config"
	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

// multicastHopLimit keeps RELAY-FORW to ff02::1:2 on the server link.
const multicastHopLimit = 8

const readBufferSize = 8192

// packetConn is the part of *ipv6.PacketConn the relay loop uses.
type packetConn interface {
	ReadFrom(b []byte) (int, *ipv6.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv6.ControlMessage, dst net.Addr) (int, error)
	Close() error
}

// Manager runs the relay socket for the configured links.
type Manager struct {
	mu     sync.Mutex
	agent  *Agent
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a relay Manager with nothing running.
func NewManager() *Manager {
	return &Manager{}
}

// Apply (re)starts the relay for cfg. A nil cfg only stops it.
func (m *Manager) Apply(ctx context.Context, cfg *config.DHCPv6RelayConfig) error {
	m.Stop()
	if cfg == nil {
		return nil
	}
	if len(cfg.ClientInterfaces) == 0 || cfg.ServerInterface == "" {
		return errors.New("dhcp6-relay: client-interface and server-interface are required")
	}

	names := make(map[int]string)
	var clients []*net.Interface
	for _, name := range cfg.ClientInterfaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return fmt.Errorf("dhcp6-relay: client interface %s: %w", name, err)
		}
		clients = append(clients, ifi)
		names[ifi.Index] = ifi.Name
	}
	srv, err := net.InterfaceByName(cfg.ServerInterface)
	if err != nil {
		return fmt.Errorf("dhcp6-relay: server interface %s: %w", cfg.ServerInterface, err)
	}
	names[srv.Index] = srv.Name

	conn, err := listen(ctx, clients)
	if err != nil {
		return err
	}

	links := make([]int, 0, len(clients))
	for _, ifi := range clients {
		links = append(links, ifi.Index)
	}
	agent := NewAgent(cfg.HopLimit, links, srv.Index, cfg.Servers)

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.agent, m.cancel, m.done = agent, cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		serve(rctx, conn, agent, names)
	}()
	slog.Info("dhcp6-relay: started",
		"clients", cfg.ClientInterfaces,
		"server_interface", cfg.ServerInterface,
		"upstream", agent.Upstream,
		"hop_limit", agent.HopLimit)
	return nil
}

// Stats returns the counters of the running relay, or zeros.
func (m *Manager) Stats() StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agent == nil {
		return StatsSnapshot{}
	}
	return m.agent.stats.Snapshot()
}

// Running reports whether a relay is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Stop stops the relay and waits for its goroutine.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("dhcp6-relay: stopped")
}

// listen opens [::]:547 with the arrival interface reported per packet and
// ff02::1:2 joined on every client link.
func listen(ctx context.Context, clients []*net.Interface) (*ipv6.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			var seterr error
			err := rc.Control(func(fd uintptr) {
				seterr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return seterr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", dhcp6.ServerPort))
	if err != nil {
		return nil, fmt.Errorf("dhcp6-relay: listen: %w", err)
	}
	p := ipv6.NewPacketConn(pc)
	if err := p.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		p.Close()
		return nil, fmt.Errorf("dhcp6-relay: control messages: %w", err)
	}
	if err := p.SetMulticastLoopback(false); err != nil {
		p.Close()
		return nil, fmt.Errorf("dhcp6-relay: multicast loopback: %w", err)
	}
	group := &net.UDPAddr{IP: dhcp6.AllRelayAgentsAndServers.AsSlice()}
	for _, ifi := range clients {
		if err := p.JoinGroup(ifi, group); err != nil {
			p.Close()
			return nil, fmt.Errorf("dhcp6-relay: join %s on %s: %w", group.IP, ifi.Name, err)
		}
	}
	return p, nil
}

// serve reads datagrams until ctx is done, passing each through the agent.
func serve(ctx context.Context, conn packetConn, agent *Agent, names map[int]string) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, cm, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				slog.Warn("dhcp6-relay: socket closed", "err", err)
				return
			}
			slog.Warn("dhcp6-relay: read error", "err", err)
			continue
		}
		in := Packet{Data: buf[:n], Addr: addrPort(src)}
		if cm != nil {
			in.IfIndex = cm.IfIndex
		}

		out, err := agent.Handle(in)
		if err != nil {
			slog.Debug("dhcp6-relay: dropped",
				"interface", names[in.IfIndex], "src", in.Addr, "err", err)
			continue
		}
		for _, p := range out {
			dst := &net.UDPAddr{
				IP:   p.Addr.Addr().AsSlice(),
				Port: int(p.Addr.Port()),
			}
			if p.Addr.Addr().IsLinkLocalUnicast() || p.Addr.Addr().IsLinkLocalMulticast() {
				dst.Zone = names[p.IfIndex]
			}
			wcm := &ipv6.ControlMessage{IfIndex: p.IfIndex}
			if p.Addr.Addr().IsMulticast() {
				wcm.HopLimit = multicastHopLimit
			}
			if _, err := conn.WriteTo(p.Data, wcm, dst); err != nil {
				agent.stats.SendErrors.Add(1)
				slog.Warn("dhcp6-relay: send failed",
					"interface", names[p.IfIndex], "dst", dst, "err", err)
				continue
			}
			slog.Debug("dhcp6-relay: relayed",
				"from", names[in.IfIndex], "to", names[p.IfIndex], "dst", dst, "bytes", len(p.Data))
		}
	}
}

func addrPort(a net.Addr) netip.AddrPort {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.AddrPort()
	}
	return netip.AddrPort{}
}
