package dhcp6

import (
	"net/netip"
	"time"

	"github.com/u-root/uio/uio"
)

// IAPD is an Identity Association for Prefix Delegation (RFC 8415 §21.21).
type IAPD struct {
	IAID    uint32
	T1      uint32 // seconds
	T2      uint32 // seconds
	Options Options
}

// Option encodes the IA_PD. Its length is 12 plus the inner options.
func (ia *IAPD) Option() (Option, error) {
	buf := uio.NewBigEndianBuffer(make([]byte, 0, iapdFixedLen+ia.Options.Len()))
	buf.Write32(ia.IAID)
	buf.Write32(ia.T1)
	buf.Write32(ia.T2)
	if err := ia.Options.write(buf); err != nil {
		return Option{}, err
	}
	return Option{Code: OptionIAPD, Data: buf.Data()}, nil
}

// ParseIAPD decodes an IA_PD payload.
func ParseIAPD(data []byte) (*IAPD, error) {
	if len(data) < iapdFixedLen {
		return nil, malformed("IA_PD payload of %d bytes, need %d", len(data), iapdFixedLen)
	}
	buf := uio.NewBigEndianBuffer(data)
	ia := &IAPD{
		IAID: buf.Read32(),
		T1:   buf.Read32(),
		T2:   buf.Read32(),
	}
	opts, err := ParseOptions(buf.ReadAll())
	if err != nil {
		return nil, err
	}
	ia.Options = opts
	return ia, nil
}

// Status returns the IA-level Status Code, or nil when absent.
func (ia *IAPD) Status() (*Status, error) {
	opt, ok := ia.Options.Get(OptionStatusCode)
	if !ok {
		return nil, nil
	}
	return ParseStatus(opt.Data)
}

// Prefixes decodes every IA Prefix option inside the IA_PD.
func (ia *IAPD) Prefixes() ([]*IAPrefix, error) {
	var result []*IAPrefix
	for _, opt := range ia.Options.GetAll(OptionIAPrefix) {
		p, err := ParseIAPrefix(opt.Data)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// IAPrefix is a delegated prefix with its lifetimes (RFC 8415 §21.22).
type IAPrefix struct {
	PreferredLifetime uint32 // seconds
	ValidLifetime     uint32 // seconds
	Prefix            netip.Prefix
	Options           Options
}

// Option encodes the IA Prefix. An invalid Prefix encodes as ::/0, which is
// how a client asks for "any prefix".
func (p *IAPrefix) Option() (Option, error) {
	buf := uio.NewBigEndianBuffer(make([]byte, 0, iaPrefixFixedLen+p.Options.Len()))
	buf.Write32(p.PreferredLifetime)
	buf.Write32(p.ValidLifetime)
	addr := netip.IPv6Unspecified()
	bits := 0
	if p.Prefix.IsValid() {
		addr = p.Prefix.Addr()
		bits = p.Prefix.Bits()
	}
	a16 := addr.As16()
	buf.Write8(uint8(bits))
	buf.WriteBytes(a16[:])
	if err := p.Options.write(buf); err != nil {
		return Option{}, err
	}
	return Option{Code: OptionIAPrefix, Data: buf.Data()}, nil
}

// ParseIAPrefix decodes an IA Prefix payload.
func ParseIAPrefix(data []byte) (*IAPrefix, error) {
	if len(data) < iaPrefixFixedLen {
		return nil, malformed("IA Prefix payload of %d bytes, need %d", len(data), iaPrefixFixedLen)
	}
	buf := uio.NewBigEndianBuffer(data)
	p := &IAPrefix{
		PreferredLifetime: buf.Read32(),
		ValidLifetime:     buf.Read32(),
	}
	bits := int(buf.Read8())
	if bits > 128 {
		return nil, malformed("IA Prefix length %d", bits)
	}
	var a16 [16]byte
	buf.ReadBytes(a16[:])
	p.Prefix = netip.PrefixFrom(netip.AddrFrom16(a16), bits)
	opts, err := ParseOptions(buf.ReadAll())
	if err != nil {
		return nil, err
	}
	p.Options = opts
	return p, nil
}

// Status returns the prefix-level Status Code, or nil when absent.
func (p *IAPrefix) Status() (*Status, error) {
	opt, ok := p.Options.Get(OptionStatusCode)
	if !ok {
		return nil, nil
	}
	return ParseStatus(opt.Data)
}

// Status is a decoded Status Code option.
type Status struct {
	Code    StatusCode
	Message string
}

// ParseStatus decodes a Status Code payload.
func ParseStatus(data []byte) (*Status, error) {
	if len(data) < 2 {
		return nil, malformed("status code payload of %d bytes", len(data))
	}
	buf := uio.NewBigEndianBuffer(data)
	code := StatusCode(buf.Read16())
	return &Status{Code: code, Message: string(buf.ReadAll())}, nil
}

// Err returns nil for success and a *StatusError otherwise.
func (s *Status) Err() error {
	if s == nil || s.Code == StatusSuccess {
		return nil
	}
	return &StatusError{Code: s.Code, Message: s.Message}
}

// Lifetime converts a seconds field to a duration. Infinity maps to the
// largest representable duration.
func Lifetime(seconds uint32) time.Duration {
	if seconds == Infinity {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(seconds) * time.Second
}
