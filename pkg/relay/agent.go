// Package relay implements a stateless DHCPv6 relay agent (RFC 8415 §19).
// Client messages received on client-facing links are wrapped in
// RELAY-FORW with an Interface-ID naming the arrival link and sent
// upstream; RELAY-REPL from upstream is unwrapped and delivered to the
// peer address on the link its Interface-ID names.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

var (
	ErrHopLimit            = errors.New("relay: hop limit exceeded")
	ErrMissingInterfaceID  = errors.New("relay: missing interface-id")
	ErrMissingRelayMessage = errors.New("relay: missing relay message")
	ErrUnspecifiedPeer     = errors.New("relay: unspecified peer address")
	ErrUnsupportedType     = errors.New("relay: unsupported message type")
	ErrUnknownInterface    = errors.New("relay: interface not relayed")
)

// DefaultHopLimit is the highest hop count accepted on a received
// RELAY-FORW.
const DefaultHopLimit = 8

// MaxHopLimit is the largest value the hop count field can carry.
const MaxHopLimit = 255

// Packet is a datagram together with the link it crossed. Addr is the
// source on receive and the destination on send.
type Packet struct {
	IfIndex int
	Addr    netip.AddrPort
	Data    []byte
}

// Agent makes the per-packet relay decision. It holds no sockets and no
// per-transaction state.
type Agent struct {
	HopLimit    int
	ClientLinks []int            // ifindexes of client-facing links
	ServerLink  int              // ifindex RELAY-FORW leaves through
	Upstream    []netip.AddrPort // RELAY-FORW destinations

	stats Stats
}

// NewAgent returns an agent forwarding to ff02::1:2 on serverLink unless
// servers are given.
func NewAgent(hopLimit int, clientLinks []int, serverLink int, servers []netip.Addr) *Agent {
	if hopLimit <= 0 {
		hopLimit = DefaultHopLimit
	}
	a := &Agent{
		HopLimit:    min(hopLimit, MaxHopLimit),
		ClientLinks: slices.Clone(clientLinks),
		ServerLink:  serverLink,
	}
	for _, s := range servers {
		a.Upstream = append(a.Upstream, netip.AddrPortFrom(s, dhcp6.ServerPort))
	}
	if len(a.Upstream) == 0 {
		a.Upstream = []netip.AddrPort{netip.AddrPortFrom(dhcp6.AllRelayAgentsAndServers, dhcp6.ServerPort)}
	}
	return a
}

// Stats returns the live counters.
func (a *Agent) Stats() *Stats { return &a.stats }

// Handle returns the datagrams to send in response to in. Errors mean the
// packet was dropped; they are counted before being returned.
func (a *Agent) Handle(in Packet) ([]Packet, error) {
	out, err := a.handle(in)
	if err != nil {
		a.stats.dropped(err)
		return nil, err
	}
	return out, nil
}

func (a *Agent) handle(in Packet) ([]Packet, error) {
	t, err := dhcp6.PeekType(in.Data)
	if err != nil {
		return nil, err
	}
	switch {
	case t == dhcp6.MessageTypeRelayReply:
		return a.deliver(in)
	case t == dhcp6.MessageTypeRelayForward, t.IsClientMessage():
		if !slices.Contains(a.ClientLinks, in.IfIndex) {
			return nil, fmt.Errorf("%w: %s on link %d", ErrUnknownInterface, t, in.IfIndex)
		}
		return a.forward(in, t)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// forward wraps a client message or a downstream relay's RELAY-FORW.
func (a *Agent) forward(in Packet, t dhcp6.MessageType) ([]Packet, error) {
	src := in.Addr.Addr()
	if !src.IsValid() || src.IsUnspecified() {
		return nil, ErrUnspecifiedPeer
	}

	var hops uint8
	if t.IsClientMessage() {
		if _, err := dhcp6.ParseMessage(in.Data); err != nil {
			return nil, err
		}
	} else {
		inner, err := dhcp6.ParseRelayMessage(in.Data)
		if err != nil {
			return nil, err
		}
		if int(inner.HopCount) > a.HopLimit || inner.HopCount == MaxHopLimit {
			return nil, fmt.Errorf("%w: hop count %d, limit %d", ErrHopLimit, inner.HopCount, a.HopLimit)
		}
		hops = inner.HopCount + 1
	}

	fwd := &dhcp6.RelayMessage{
		Type:     dhcp6.MessageTypeRelayForward,
		HopCount: hops,
		LinkAddr: netip.IPv6Unspecified(),
		PeerAddr: src.WithZone(""),
		Options: dhcp6.Options{
			dhcp6.InterfaceIDOption(EncodeInterfaceID(in.IfIndex)),
			dhcp6.RelayMessageOption(in.Data),
		},
	}
	b, err := fwd.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]Packet, 0, len(a.Upstream))
	for _, dst := range a.Upstream {
		out = append(out, Packet{IfIndex: a.ServerLink, Addr: dst, Data: b})
	}
	a.stats.Forwarded.Add(1)
	return out, nil
}

// deliver unwraps a RELAY-REPL towards the peer it names.
func (a *Agent) deliver(in Packet) ([]Packet, error) {
	rep, err := dhcp6.ParseRelayMessage(in.Data)
	if err != nil {
		return nil, err
	}
	id, ok := rep.InterfaceID()
	if !ok {
		return nil, ErrMissingInterfaceID
	}
	ifindex, err := DecodeInterfaceID(id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(a.ClientLinks, ifindex) {
		return nil, fmt.Errorf("%w: interface-id %d", ErrUnknownInterface, ifindex)
	}
	payload, ok := rep.RelayedMessage()
	if !ok || len(payload) == 0 {
		return nil, ErrMissingRelayMessage
	}
	if !rep.PeerAddr.IsValid() || rep.PeerAddr.IsUnspecified() {
		return nil, ErrUnspecifiedPeer
	}

	port := uint16(dhcp6.ClientPort)
	if dhcp6.MessageType(payload[0]) == dhcp6.MessageTypeRelayReply {
		port = dhcp6.ServerPort
	}
	a.stats.Delivered.Add(1)
	return []Packet{{
		IfIndex: ifindex,
		Addr:    netip.AddrPortFrom(rep.PeerAddr, port),
		Data:    payload,
	}}, nil
}

// EncodeInterfaceID renders an ifindex as the Interface-ID option value:
// four bytes, big endian.
func EncodeInterfaceID(ifindex int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(ifindex))
}

// DecodeInterfaceID is the inverse of EncodeInterfaceID.
func DecodeInterfaceID(b []byte) (int, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: %d-byte interface-id", ErrMissingInterfaceID, len(b))
	}
	return int(binary.BigEndian.Uint32(b)), nil
}
