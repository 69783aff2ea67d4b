package dhcp

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

// PacketConn is the datagram transport a Client runs over. A net.PacketConn
// satisfies it.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

// serverAddr is where client messages go on the given link.
func serverAddr(ifaceName string) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   dhcp6.AllRelayAgentsAndServers.AsSlice(),
		Port: dhcp6.ServerPort,
		Zone: ifaceName,
	}
}

// listenClient opens the client socket on [::]:546 bound to ifaceName.
// Multicast sends leave through that interface with loopback off, so a
// relay on the same host does not see our own SOLICITs.
func listenClient(ctx context.Context, ifaceName string) (PacketConn, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifaceName, err)
	}
	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			return socketOptions(rc, ifaceName)
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", dhcp6.ClientPort))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", ifaceName, err)
	}
	p := ipv6.NewPacketConn(pc)
	if err := p.SetMulticastInterface(iface); err != nil {
		pc.Close()
		return nil, fmt.Errorf("multicast interface %s: %w", ifaceName, err)
	}
	if err := p.SetMulticastLoopback(false); err != nil {
		pc.Close()
		return nil, fmt.Errorf("multicast loopback: %w", err)
	}
	return pc, nil
}

// socketOptions sets SO_REUSEADDR and SO_BINDTODEVICE so one client socket
// per upstream interface can share port 546.
func socketOptions(rc syscall.RawConn, ifaceName string) error {
	var seterr error
	err := rc.Control(func(fd uintptr) {
		if seterr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); seterr != nil {
			return
		}
		seterr = unix.BindToDevice(int(fd), ifaceName)
	})
	if err != nil {
		return err
	}
	return seterr
}
