// Package targets turns an input stream into dialable target addresses.
package targets

import (
	"encoding/binary"
	"net/netip"
)

// Iterator yields target addresses until exhausted.
type Iterator interface {
	Next() (string, bool)
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
