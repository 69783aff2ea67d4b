package dhcp6

import (
	"bytes"

	"github.com/u-root/uio/uio"
)

// Contents is the client's view of an ADVERTISE or REPLY.
type Contents struct {
	ClientID   []byte
	ServerID   []byte
	Preference uint8
	// HasPreference is false when the server sent no Preference option,
	// which ranks the same as preference 0.
	HasPreference bool
	// SolMaxRT is zero unless a value inside [MinSolMaxRT, MaxSolMaxRT]
	// was received. Out-of-range values are ignored.
	SolMaxRT uint32
	Status   *Status
	IAPDs    []*IAPD
}

// DecodeContents decodes the options a prefix delegation client acts on.
// Unknown options are skipped; a framing error anywhere rejects the whole
// message.
func DecodeContents(opts Options) (*Contents, error) {
	c := &Contents{}
	for _, opt := range opts {
		switch opt.Code {
		case OptionClientID:
			if c.ClientID == nil {
				c.ClientID = opt.Data
			}
		case OptionServerID:
			if c.ServerID == nil {
				c.ServerID = opt.Data
			}
		case OptionPreference:
			if len(opt.Data) != 1 {
				return nil, malformed("preference option of %d bytes", len(opt.Data))
			}
			c.Preference = opt.Data[0]
			c.HasPreference = true
		case OptionSolMaxRT:
			if len(opt.Data) != 4 {
				return nil, malformed("SOL_MAX_RT option of %d bytes", len(opt.Data))
			}
			v := uio.NewBigEndianBuffer(opt.Data).Read32()
			if v >= MinSolMaxRT && v <= MaxSolMaxRT {
				c.SolMaxRT = v
			}
		case OptionStatusCode:
			s, err := ParseStatus(opt.Data)
			if err != nil {
				return nil, err
			}
			if c.Status == nil {
				c.Status = s
			}
		case OptionIAPD:
			ia, err := ParseIAPD(opt.Data)
			if err != nil {
				return nil, err
			}
			// Validate nested prefixes now so a bad one rejects the message.
			if _, err := ia.Prefixes(); err != nil {
				return nil, err
			}
			if _, err := ia.Status(); err != nil {
				return nil, err
			}
			c.IAPDs = append(c.IAPDs, ia)
		}
	}
	return c, nil
}

// CheckIdentity verifies the Client-ID echoes ours and, when serverID is
// non-nil, that the Server-ID matches it byte for byte.
func (c *Contents) CheckIdentity(clientID, serverID []byte) error {
	if c.ClientID == nil {
		return mismatch("missing Client-ID")
	}
	if !bytes.Equal(c.ClientID, clientID) {
		return mismatch("Client-ID %x is not ours", c.ClientID)
	}
	if c.ServerID == nil {
		return mismatch("missing Server-ID")
	}
	if serverID != nil && !bytes.Equal(c.ServerID, serverID) {
		return mismatch("Server-ID %x, expected %x", c.ServerID, serverID)
	}
	return nil
}

// IAPD returns the IA_PD with the given IAID.
func (c *Contents) IAPD(iaid uint32) (*IAPD, bool) {
	for _, ia := range c.IAPDs {
		if ia.IAID == iaid {
			return ia, true
		}
	}
	return nil, false
}
