package dhcp6

import (
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// LinkLayerDUID builds a DUID-LL (type 3, hardware type 1) from an
// Ethernet address.
func LinkLayerDUID(mac net.HardwareAddr) ([]byte, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("dhcp6: DUID-LL needs a 6-byte MAC, got %d bytes", len(mac))
	}
	d := &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: mac}
	return d.ToBytes(), nil
}

// ValidateDUID accepts a persisted client DUID only if it is a well formed
// DUID-LL.
func ValidateDUID(b []byte) error {
	d, err := dhcpv6.DUIDFromBytes(b)
	if err != nil {
		return fmt.Errorf("dhcp6: invalid DUID: %w", err)
	}
	if d.DUIDType() != dhcpv6.DUID_LL {
		return fmt.Errorf("dhcp6: DUID type %s, want DUID-LL", d.DUIDType())
	}
	return nil
}

// DUIDTypeName returns the DUID type for display, e.g. "DUID-LL".
func DUIDTypeName(b []byte) (string, error) {
	d, err := dhcpv6.DUIDFromBytes(b)
	if err != nil {
		return "", err
	}
	return d.DUIDType().String(), nil
}

// FormatDUID renders a DUID as colon-separated hex.
func FormatDUID(b []byte) string {
	return net.HardwareAddr(b).String()
}
