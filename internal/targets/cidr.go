package targets

import (
	"fmt"
	"net/netip"
)

// maxExpand bounds how many addresses a single CIDR line may produce.
const maxExpand = 1 << 24

// CIDRIterator iterates over an IPv4 CIDR block in address order.
type CIDRIterator struct {
	current uint64
	last    uint64
}

// NewCIDRIterator creates an iterator for the given IPv4 CIDR string.
func NewCIDRIterator(cidrStr string) (*CIDRIterator, error) {
	prefix, err := netip.ParsePrefix(cidrStr)
	if err != nil {
		return nil, err
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("cidr %s: only IPv4 blocks expand", cidrStr)
	}
	size := uint64(1) << (32 - prefix.Bits())
	if size > maxExpand {
		return nil, fmt.Errorf("cidr %s: block larger than /8", cidrStr)
	}

	start := uint64(addrToUint32(prefix.Masked().Addr()))

	return &CIDRIterator{
		current: start,
		last:    start + size - 1,
	}, nil
}

// Next returns the next address in the block.
func (it *CIDRIterator) Next() (string, bool) {
	if it.current > it.last {
		return "", false
	}
	ip := uint32ToAddr(uint32(it.current))
	it.current++
	return ip.String(), true
}

// Remaining is the number of addresses not yet returned.
func (it *CIDRIterator) Remaining() uint64 {
	if it.current > it.last {
		return 0
	}
	return it.last - it.current + 1
}
