package ftpscan

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go4.org/netipx"
)

// ErrInvalidRange is returned for malformed or out-of-bounds network descriptors.
var ErrInvalidRange = errors.New("invalid range")

// AddressRange lazily walks every IPv4 address of one prefix in ascending
// order, network and broadcast addresses included. It cannot be rewound.
type AddressRange struct {
	prefix netip.Prefix
	next   netip.Addr
	last   netip.Addr
	done   bool
}

// ParseRange accepts "a.b.c.d/n" or a bare "a.b.c.d", which is read as /32.
func ParseRange(expr string) (*AddressRange, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidRange, "empty range")
	}
	base, bitsText, hasBits := strings.Cut(expr, "/")
	if !hasBits {
		return NewRange(base, 32)
	}
	bits, err := strconv.Atoi(strings.TrimSpace(bitsText))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRange, "prefix length %q", bitsText)
	}
	return NewRange(base, bits)
}

// NewRange builds the block containing base with the given prefix length.
// The base is masked, so 10.0.0.5/30 covers 10.0.0.4 to 10.0.0.7.
func NewRange(base string, bits int) (*AddressRange, error) {
	if bits < 0 || bits > 32 {
		return nil, errors.Wrapf(ErrInvalidRange, "prefix length %d outside 0-32", bits)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(base))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRange, "address %q", base)
	}
	if !addr.Is4() {
		return nil, errors.Wrapf(ErrInvalidRange, "address %q is not IPv4", base)
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRange, "%s/%d", base, bits)
	}
	span := netipx.RangeOfPrefix(prefix)
	return &AddressRange{
		prefix: prefix,
		next:   span.From(),
		last:   span.To(),
	}, nil
}

// Count returns the total number of addresses in the block, 2^(32-bits),
// regardless of how many have been consumed.
func (r *AddressRange) Count() int {
	return 1 << (32 - r.prefix.Bits())
}

// Next returns the following address, or false once the block is exhausted.
func (r *AddressRange) Next() (netip.Addr, bool) {
	if r == nil || r.done {
		return netip.Addr{}, false
	}
	cur := r.next
	if cur == r.last {
		r.done = true
	} else {
		r.next = cur.Next()
	}
	return cur, true
}

func (r *AddressRange) String() string {
	return r.prefix.String()
}
