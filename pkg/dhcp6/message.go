package dhcp6

import (
	"fmt"
	"net/netip"

	"github.com/u-root/uio/uio"
)

// Message is a client/server message: type, 24-bit transaction ID, options.
type Message struct {
	Type          MessageType
	TransactionID uint32
	Options       Options
}

// Marshal encodes the message.
func (m *Message) Marshal() ([]byte, error) {
	if m.Type.IsRelay() {
		return nil, fmt.Errorf("dhcp6: %s needs the relay frame layout", m.Type)
	}
	if m.TransactionID >= MaxTransactionID {
		return nil, fmt.Errorf("dhcp6: transaction id %#x exceeds 24 bits", m.TransactionID)
	}
	buf := uio.NewBigEndianBuffer(make([]byte, 0, messageHeaderLen+m.Options.Len()))
	buf.Write8(uint8(m.Type))
	buf.Write8(uint8(m.TransactionID >> 16))
	buf.Write16(uint16(m.TransactionID))
	if err := m.Options.write(buf); err != nil {
		return nil, err
	}
	return buf.Data(), nil
}

// ParseMessage decodes a client/server message.
func ParseMessage(b []byte) (*Message, error) {
	if len(b) < messageHeaderLen {
		return nil, malformed("message of %d bytes, need %d", len(b), messageHeaderLen)
	}
	buf := uio.NewBigEndianBuffer(b)
	m := &Message{Type: MessageType(buf.Read8())}
	if m.Type.IsRelay() {
		return nil, malformed("%s in client/server frame", m.Type)
	}
	hi := uint32(buf.Read8())
	m.TransactionID = hi<<16 | uint32(buf.Read16())
	opts, err := ParseOptions(buf.ReadAll())
	if err != nil {
		return nil, err
	}
	m.Options = opts
	return m, nil
}

// RelayMessage is a RELAY-FORW or RELAY-REPL frame (RFC 8415 §9).
type RelayMessage struct {
	Type     MessageType
	HopCount uint8
	LinkAddr netip.Addr
	PeerAddr netip.Addr
	Options  Options
}

// Marshal encodes the relay frame. Invalid addresses encode as ::.
func (m *RelayMessage) Marshal() ([]byte, error) {
	if !m.Type.IsRelay() {
		return nil, fmt.Errorf("dhcp6: %s is not a relay message", m.Type)
	}
	buf := uio.NewBigEndianBuffer(make([]byte, 0, relayHeaderLen+m.Options.Len()))
	buf.Write8(uint8(m.Type))
	buf.Write8(m.HopCount)
	link := addr16(m.LinkAddr)
	peer := addr16(m.PeerAddr)
	buf.WriteBytes(link[:])
	buf.WriteBytes(peer[:])
	if err := m.Options.write(buf); err != nil {
		return nil, err
	}
	return buf.Data(), nil
}

// ParseRelayMessage decodes a relay frame.
func ParseRelayMessage(b []byte) (*RelayMessage, error) {
	if len(b) < relayHeaderLen {
		return nil, malformed("relay message of %d bytes, need %d", len(b), relayHeaderLen)
	}
	buf := uio.NewBigEndianBuffer(b)
	m := &RelayMessage{Type: MessageType(buf.Read8())}
	if !m.Type.IsRelay() {
		return nil, malformed("%s in relay frame", m.Type)
	}
	m.HopCount = buf.Read8()
	var link, peer [16]byte
	buf.ReadBytes(link[:])
	buf.ReadBytes(peer[:])
	m.LinkAddr = netip.AddrFrom16(link)
	m.PeerAddr = netip.AddrFrom16(peer)
	opts, err := ParseOptions(buf.ReadAll())
	if err != nil {
		return nil, err
	}
	m.Options = opts
	return m, nil
}

// InterfaceID returns the Interface-ID payload, if present.
func (m *RelayMessage) InterfaceID() ([]byte, bool) {
	opt, ok := m.Options.Get(OptionInterfaceID)
	return opt.Data, ok
}

// RelayedMessage returns the embedded frame, if present.
func (m *RelayMessage) RelayedMessage() ([]byte, bool) {
	opt, ok := m.Options.Get(OptionRelayMsg)
	return opt.Data, ok
}

// PeekType returns the message type without decoding the rest.
func PeekType(b []byte) (MessageType, error) {
	if len(b) == 0 {
		return 0, malformed("empty datagram")
	}
	return MessageType(b[0]), nil
}

func addr16(a netip.Addr) [16]byte {
	if !a.IsValid() {
		return [16]byte{}
	}
	return a.As16()
}
