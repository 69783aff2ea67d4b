package dhcp6

import (
	"time"

	"github.com/u-root/uio/uio"
)

// Option is a single option TLV. Data excludes the 4-byte header.
type Option struct {
	Code OptionCode
	Data []byte
}

// Len returns the encoded size of the option including its header.
func (o Option) Len() int {
	return optionHeaderLen + len(o.Data)
}

// Options is an ordered option sequence.
type Options []Option

// Get returns the first option with the given code.
func (o Options) Get(code OptionCode) (Option, bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt, true
		}
	}
	return Option{}, false
}

// GetAll returns every option with the given code, in order.
func (o Options) GetAll(code OptionCode) []Option {
	var result []Option
	for _, opt := range o {
		if opt.Code == code {
			result = append(result, opt)
		}
	}
	return result
}

// Len returns the encoded size of all options.
func (o Options) Len() int {
	n := 0
	for _, opt := range o {
		n += opt.Len()
	}
	return n
}

func (o Options) write(buf *uio.Lexer) error {
	for _, opt := range o {
		if len(opt.Data) > 0xffff {
			return malformed("option %s payload of %d bytes does not fit a 16-bit length", opt.Code, len(opt.Data))
		}
		buf.Write16(uint16(opt.Code))
		buf.Write16(uint16(len(opt.Data)))
		buf.WriteBytes(opt.Data)
	}
	return nil
}

// Marshal encodes the options back to back.
func (o Options) Marshal() ([]byte, error) {
	buf := uio.NewBigEndianBuffer(make([]byte, 0, o.Len()))
	if err := o.write(buf); err != nil {
		return nil, err
	}
	return buf.Data(), nil
}

// ParseOptions decodes an option sequence that must fill b exactly.
//
// Each option header is checked against the bytes still unread before its
// payload is taken, so the running total of option lengths can never exceed
// len(b). A truncated header or a length pointing past the end fails the
// whole sequence.
func ParseOptions(b []byte) (Options, error) {
	buf := uio.NewBigEndianBuffer(b)
	var opts Options
	for buf.Len() > 0 {
		if !buf.Has(optionHeaderLen) {
			return nil, malformed("truncated option header: %d bytes left", buf.Len())
		}
		code := OptionCode(buf.Read16())
		length := int(buf.Read16())
		if !buf.Has(length) {
			return nil, malformed("option %s declares %d bytes, %d remain", code, length, buf.Len())
		}
		opts = append(opts, Option{Code: code, Data: buf.CopyN(length)})
	}
	if err := buf.FinError(); err != nil {
		return nil, malformed("%v", err)
	}
	return opts, nil
}

// ClientIDOption carries the client DUID.
func ClientIDOption(duid []byte) Option {
	return Option{Code: OptionClientID, Data: append([]byte(nil), duid...)}
}

// ServerIDOption carries the server DUID.
func ServerIDOption(duid []byte) Option {
	return Option{Code: OptionServerID, Data: append([]byte(nil), duid...)}
}

// ElapsedTimeOption reports hundredths of a second since the transaction
// started. The field is 16 bits wide and saturates at 0xffff.
func ElapsedTimeOption(start, now time.Time) Option {
	buf := uio.NewBigEndianBuffer(make([]byte, 0, 2))
	buf.Write16(ElapsedCentiseconds(start, now))
	return Option{Code: OptionElapsedTime, Data: buf.Data()}
}

// ElapsedCentiseconds converts the time since start to the Elapsed Time
// field value.
func ElapsedCentiseconds(start, now time.Time) uint16 {
	cs := now.Sub(start).Microseconds() / 10000
	switch {
	case cs < 0:
		return 0
	case cs > 0xffff:
		return 0xffff
	}
	return uint16(cs)
}

// OptionRequestOption lists requested option codes.
func OptionRequestOption(codes ...OptionCode) Option {
	buf := uio.NewBigEndianBuffer(make([]byte, 0, 2*len(codes)))
	for _, c := range codes {
		buf.Write16(uint16(c))
	}
	return Option{Code: OptionORO, Data: buf.Data()}
}

// RequestedOptions decodes an Option Request payload.
func RequestedOptions(data []byte) ([]OptionCode, error) {
	if len(data)%2 != 0 {
		return nil, malformed("option request length %d is odd", len(data))
	}
	buf := uio.NewBigEndianBuffer(data)
	codes := make([]OptionCode, 0, len(data)/2)
	for buf.Len() > 0 {
		codes = append(codes, OptionCode(buf.Read16()))
	}
	return codes, buf.FinError()
}

// PreferenceOption carries a server preference value.
func PreferenceOption(pref uint8) Option {
	return Option{Code: OptionPreference, Data: []byte{pref}}
}

// SolMaxRTOption carries the SOL_MAX_RT override in seconds.
func SolMaxRTOption(seconds uint32) Option {
	buf := uio.NewBigEndianBuffer(make([]byte, 0, 4))
	buf.Write32(seconds)
	return Option{Code: OptionSolMaxRT, Data: buf.Data()}
}

// StatusCodeOption carries a status code and an optional UTF-8 message.
func StatusCodeOption(code StatusCode, msg string) Option {
	buf := uio.NewBigEndianBuffer(make([]byte, 0, 2+len(msg)))
	buf.Write16(uint16(code))
	buf.WriteBytes([]byte(msg))
	return Option{Code: OptionStatusCode, Data: buf.Data()}
}

// InterfaceIDOption carries an opaque relay interface identifier.
func InterfaceIDOption(id []byte) Option {
	return Option{Code: OptionInterfaceID, Data: append([]byte(nil), id...)}
}

// RelayMessageOption embeds a full DHCPv6 message.
func RelayMessageOption(msg []byte) Option {
	return Option{Code: OptionRelayMsg, Data: append([]byte(nil), msg...)}
}
