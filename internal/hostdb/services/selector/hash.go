package selector

import (
	"encoding/binary"
	"net/netip"
)

// affinityHash mixes a client address with an endpoint address into a 16-bit
// score. Addresses of different families always score 0xFFFF.
func affinityHash(client, target netip.Addr) uint32 {
	z := ^uint32(0)
	c, t := client.Unmap(), target.Unmap()
	switch {
	case c.Is4() && t.Is4():
		a, b := c.As4(), t.As4()
		ip1 := binary.BigEndian.Uint32(a[:])
		ip2 := binary.BigEndian.Uint32(b[:])
		z = (ip1 >> 16) ^ ip1 ^ ip2 ^ (ip2 >> 16)
	case c.Is6() && t.Is6():
		a, b := c.As16(), t.As16()
		for i := 0; i < 16; i += 4 {
			ip1 := binary.BigEndian.Uint32(a[i : i+4])
			ip2 := binary.BigEndian.Uint32(b[i : i+4])
			z ^= (ip1 >> 16) ^ ip1 ^ ip2 ^ (ip2 >> 16)
		}
	}
	return z & 0xFFFF
}
