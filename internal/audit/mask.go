package audit

import (
	"fmt"
	"net/netip"
	"strings"
)

// MaskIP hides the host part of an address: the last IPv4 octet, or
// everything after the fourth IPv6 group. IPv4-mapped IPv6 addresses keep
// their ::ffff: prefix. Unparseable input yields "invalid".
func MaskIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "invalid"
	}
	addr = addr.WithZone("")
	switch {
	case addr.Is4():
		return maskV4(addr)
	case addr.Is4In6():
		return "::ffff:" + maskV4(addr.Unmap())
	default:
		b := addr.As16()
		return fmt.Sprintf("%x:%x:%x:%x::xxxx",
			uint16(b[0])<<8|uint16(b[1]),
			uint16(b[2])<<8|uint16(b[3]),
			uint16(b[4])<<8|uint16(b[5]),
			uint16(b[6])<<8|uint16(b[7]),
		)
	}
}

func maskV4(addr netip.Addr) string {
	b := addr.As4()
	return fmt.Sprintf("%d.%d.%d.xxx", b[0], b[1], b[2])
}
