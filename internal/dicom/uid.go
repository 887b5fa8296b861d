package dicom

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// rootOID is a private "org root" under the UUID-derived arc (DICOM
// PS3.5 B.2): any UUID can be turned into a DICOM UID by encoding it as
// "2.25.<uuid-as-decimal-128-bit-integer>". Real PACS systems accept
// this without requiring a registered UID root, so a fresh UUID per
// instance/series/study is sufficient for the uniqueness spec.md
// requires without needing a registered vendor OID.
const rootOID = "2.25."

// NewUID mints a fresh, globally-unique DICOM UID.
func NewUID() string {
	u := uuid.New()
	hi := binary.BigEndian.Uint64(u[:8])
	lo := binary.BigEndian.Uint64(u[8:])
	return rootOID + uint128Decimal(hi, lo)
}

// uint128Decimal renders the 128-bit value (hi<<64 | lo) in decimal
// without pulling in math/big for a single call site.
func uint128Decimal(hi, lo uint64) string {
	// Repeated divide-by-10 over a little 2-limb number.
	digits := make([]byte, 0, 39)
	h, l := hi, lo
	if h == 0 && l == 0 {
		return "0"
	}
	for h != 0 || l != 0 {
		rem := uint64(0)
		h, rem = divmod64(h, rem, 10)
		l, rem = divmod64(l, rem, 10)
		digits = append(digits, byte('0'+rem))
	}
	// reverse
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

// divmod64 divides the 64-bit limb (with an incoming carry-in
// remainder treated as the high bits of a 65-bit dividend) by
// divisor, returning the quotient and the new remainder. Used to
// implement 128-bit division as two chained 64-bit divisions.
func divmod64(limb, carryIn, divisor uint64) (quotient, remainder uint64) {
	// carryIn is always < divisor (<=9 here), so carryIn*2^64 + limb
	// fits the classic long-division-by-chunks trick only for
	// divisor <= 2^32; our divisor is 10 so this is safe.
	acc := carryIn
	q := uint64(0)
	for bit := 63; bit >= 0; bit-- {
		acc = acc<<1 | (limb>>uint(bit))&1
		q <<= 1
		if acc >= divisor {
			acc -= divisor
			q |= 1
		}
	}
	return q, acc
}

// UID strings must never exceed 64 chars per DICOM PS3.5; "2.25." (5
// chars) plus at most 39 decimal digits for a 128-bit value is
// comfortably under that limit.
