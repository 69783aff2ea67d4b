// Package dhcp6 implements the DHCPv6 wire format shared by the prefix
// delegation client and the relay agent: message and relay framing,
// option TLVs, and the typed options those two agents act on.
//
// All reads go through a bounded cursor so a corrupt length field can never
// index past the end of a datagram; any framing error is reported as
// ErrMalformedMessage and the caller discards the whole message.
package dhcp6

import (
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// Well-known ports and addresses (RFC 8415 §7.1).
const (
	ClientPort = 546
	ServerPort = 547
)

// AllRelayAgentsAndServers is the link-scoped multicast group
// All_DHCP_Relay_Agents_and_Servers.
var AllRelayAgentsAndServers = netip.MustParseAddr("ff02::1:2")

// MessageType is the first byte of every DHCPv6 message.
type MessageType uint8

const (
	MessageTypeSolicit            MessageType = 1
	MessageTypeAdvertise          MessageType = 2
	MessageTypeRequest            MessageType = 3
	MessageTypeConfirm            MessageType = 4
	MessageTypeRenew              MessageType = 5
	MessageTypeRebind             MessageType = 6
	MessageTypeReply              MessageType = 7
	MessageTypeRelease            MessageType = 8
	MessageTypeDecline            MessageType = 9
	MessageTypeReconfigure        MessageType = 10
	MessageTypeInformationRequest MessageType = 11
	MessageTypeRelayForward       MessageType = 12
	MessageTypeRelayReply         MessageType = 13
)

func (t MessageType) String() string {
	return dhcpv6.MessageType(t).String()
}

// IsRelay reports whether t uses the relay frame layout.
func (t MessageType) IsRelay() bool {
	return t == MessageTypeRelayForward || t == MessageTypeRelayReply
}

// IsClientMessage reports whether t is sent by clients towards servers and
// is therefore relayed upstream.
func (t MessageType) IsClientMessage() bool {
	switch t {
	case MessageTypeSolicit, MessageTypeRequest, MessageTypeConfirm,
		MessageTypeRenew, MessageTypeRebind, MessageTypeRelease,
		MessageTypeDecline, MessageTypeInformationRequest:
		return true
	}
	return false
}

// OptionCode identifies an option TLV.
type OptionCode uint16

const (
	OptionClientID    OptionCode = 1
	OptionServerID    OptionCode = 2
	OptionIANA        OptionCode = 3
	OptionORO         OptionCode = 6
	OptionPreference  OptionCode = 7
	OptionElapsedTime OptionCode = 8
	OptionRelayMsg    OptionCode = 9
	OptionStatusCode  OptionCode = 13
	OptionInterfaceID OptionCode = 18
	OptionIAPD        OptionCode = 25
	OptionIAPrefix    OptionCode = 26
	OptionSolMaxRT    OptionCode = 82
)

func (c OptionCode) String() string {
	return dhcpv6.OptionCode(c).String()
}

// StatusCode is the code carried in a Status Code option.
type StatusCode uint16

const (
	StatusSuccess       StatusCode = 0
	StatusUnspecFail    StatusCode = 1
	StatusNoAddrsAvail  StatusCode = 2
	StatusNoBinding     StatusCode = 3
	StatusNotOnLink     StatusCode = 4
	StatusUseMulticast  StatusCode = 5
	StatusNoPrefixAvail StatusCode = 6
)

func (s StatusCode) String() string {
	return iana.StatusCode(s).String()
}

// Infinity is the lifetime/T1/T2 value meaning "forever".
const Infinity = 0xffffffff

// Accepted SOL_MAX_RT range in seconds (RFC 8415 §21.24).
const (
	MinSolMaxRT = 60
	MaxSolMaxRT = 86400
)

// Header sizes on the wire.
const (
	messageHeaderLen = 4
	relayHeaderLen   = 34
	optionHeaderLen  = 4
	iapdFixedLen     = 12
	iaPrefixFixedLen = 25
)

// MaxTransactionID bounds the 24-bit transaction identifier.
const MaxTransactionID = 1 << 24

// Uint32Source is satisfied by *math/rand/v2.Rand.
type Uint32Source interface {
	Uint32() uint32
}

// NewTransactionID draws a fresh 24-bit transaction identifier.
func NewTransactionID(r Uint32Source) uint32 {
	return r.Uint32() & (MaxTransactionID - 1)
}
