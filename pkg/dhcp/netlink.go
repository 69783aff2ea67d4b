package dhcp

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// netlinkOps programs downstream addresses through a netlink handle.
type netlinkOps struct {
	h *netlink.Handle
}

func (n *netlinkOps) LinkIndex(name string) (int, error) {
	link, err := n.h.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("link lookup %s: %w", name, err)
	}
	return link.Attrs().Index, nil
}

// AddrReplace sets the address with the delegated lifetimes so the kernel
// ages it out on its own if the daemon goes away.
func (n *netlinkOps) AddrReplace(iface string, addr netip.Prefix, preferred, valid uint32) error {
	link, err := n.h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	a := &netlink.Addr{
		IPNet:       prefixToIPNet(addr),
		PreferedLft: int(preferred),
		ValidLft:    int(valid),
	}
	if err := n.h.AddrReplace(link, a); err != nil {
		return fmt.Errorf("addr replace: %w", err)
	}
	return nil
}

func (n *netlinkOps) AddrDel(iface string, addr netip.Prefix) error {
	link, err := n.h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	if err := n.h.AddrDel(link, &netlink.Addr{IPNet: prefixToIPNet(addr)}); err != nil {
		return fmt.Errorf("addr del: %w", err)
	}
	return nil
}

func (n *netlinkOps) Close() {
	n.h.Close()
}

// prefixToIPNet converts an IPv6 netip.Prefix to *net.IPNet.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), 128),
	}
}
