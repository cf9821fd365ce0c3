package nonce

import (
	"math"
	"slices"
	"strconv"
)

// DefaultExclusionCap bounds the exclusion set when no cap is configured
const DefaultExclusionCap = 32768

// ExclusionSet is a sorted, duplicate-free set of "low-entropy" nonces.
// It is read-only once built.
type ExclusionSet struct {
	values []uint32
}

// BuildExclusionSet collects every family of patterned values in the uint32
// range, then keeps the smallest limit of them. The result depends only on limit.
func BuildExclusionSet(limit int) *ExclusionSet {
	if limit <= 0 {
		limit = DefaultExclusionCap
	}

	var values []uint32
	for _, family := range families {
		values = family(values)
	}

	slices.Sort(values)
	values = slices.Compact(values)
	if len(values) > limit {
		values = values[:limit]
	}
	return &ExclusionSet{values: slices.Clip(values)}
}

// Contains reports membership in O(log n)
func (s *ExclusionSet) Contains(v uint32) bool {
	if s == nil {
		return false
	}
	_, found := slices.BinarySearch(s.values, v)
	return found
}

// Len returns the number of excluded values
func (s *ExclusionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// Values returns a copy of the set in ascending order
func (s *ExclusionSet) Values() []uint32 {
	if s == nil {
		return nil
	}
	return slices.Clone(s.values)
}

type generator func(dst []uint32) []uint32

var families = []generator{
	decimalPalindromes,
	repdigits,
	powersOfTwo,
	powersOfTen,
	fibonacci,
	perfectSquares,
	triangular,
	binaryPalindromes,
	monotonicRuns,
	alternatingPatterns,
}

func appendIfFits(dst []uint32, v uint64) []uint32 {
	if v <= math.MaxUint32 {
		dst = append(dst, uint32(v))
	}
	return dst
}

// decimalPalindromes mirrors every prefix into odd and even length palindromes
func decimalPalindromes(dst []uint32) []uint32 {
	for half := uint64(1); half < 100000; half++ {
		s := strconv.FormatUint(half, 10)
		rev := []byte(s)
		slices.Reverse(rev)

		if even, err := strconv.ParseUint(s+string(rev), 10, 64); err == nil {
			dst = appendIfFits(dst, even)
		}
		if odd, err := strconv.ParseUint(s+string(rev[1:]), 10, 64); err == nil {
			dst = appendIfFits(dst, odd)
		}
	}
	// 0 mirrors to nothing above
	return append(dst, 0)
}

func repdigits(dst []uint32) []uint32 {
	for d := uint64(1); d <= 9; d++ {
		v := d
		for v <= math.MaxUint32 {
			dst = append(dst, uint32(v))
			v = v*10 + d
		}
	}
	return dst
}

func powersOfTwo(dst []uint32) []uint32 {
	for i := range 32 {
		dst = append(dst, uint32(1)<<i)
	}
	return dst
}

func powersOfTen(dst []uint32) []uint32 {
	for v := uint64(1); v <= math.MaxUint32; v *= 10 {
		dst = append(dst, uint32(v))
	}
	return dst
}

func fibonacci(dst []uint32) []uint32 {
	a, b := uint64(0), uint64(1)
	for a <= math.MaxUint32 {
		dst = append(dst, uint32(a))
		a, b = b, a+b
	}
	return dst
}

func perfectSquares(dst []uint32) []uint32 {
	for n := uint64(0); n*n <= math.MaxUint32; n++ {
		dst = append(dst, uint32(n*n))
	}
	return dst
}

func triangular(dst []uint32) []uint32 {
	for n := uint64(0); n*(n+1)/2 <= math.MaxUint32; n++ {
		dst = append(dst, uint32(n*(n+1)/2))
	}
	return dst
}

// binaryPalindromes mirrors the high half of every bit length onto the low half
func binaryPalindromes(dst []uint32) []uint32 {
	dst = append(dst, 0)
	for length := 1; length <= 32; length++ {
		halfBits := (length + 1) / 2
		lo := uint64(1) << (halfBits - 1)
		hi := uint64(1) << halfBits
		for half := lo; half < hi; half++ {
			v := half << (length - halfBits)
			// mirror the bits that are not shared with the middle
			for i := 0; i < length-halfBits; i++ {
				bit := (half >> (halfBits - 1 - i)) & 1
				v |= bit << i
			}
			dst = appendIfFits(dst, v)
		}
	}
	return dst
}

// monotonicRuns covers runs of consecutive digits such as 1234 or 98765
func monotonicRuns(dst []uint32) []uint32 {
	for _, digits := range []string{"0123456789", "9876543210"} {
		for start := 0; start < len(digits); start++ {
			for end := start + 3; end <= len(digits); end++ {
				if v, err := strconv.ParseUint(digits[start:end], 10, 64); err == nil {
					dst = appendIfFits(dst, v)
				}
			}
		}
	}
	return dst
}

// alternatingPatterns covers decimal abab... strings and the classic
// alternating hex bit patterns
func alternatingPatterns(dst []uint32) []uint32 {
	for a := byte('0'); a <= '9'; a++ {
		for b := byte('0'); b <= '9'; b++ {
			if a == b || a == '0' {
				continue
			}
			buf := make([]byte, 0, 10)
			for i := range 10 {
				if i%2 == 0 {
					buf = append(buf, a)
				} else {
					buf = append(buf, b)
				}
				if len(buf) < 3 {
					continue
				}
				if v, err := strconv.ParseUint(string(buf), 10, 64); err == nil {
					dst = appendIfFits(dst, v)
				}
			}
		}
	}

	return append(dst,
		0xAAAAAAAA, 0x55555555,
		0xCCCCCCCC, 0x33333333,
		0xF0F0F0F0, 0x0F0F0F0F,
		0xFF00FF00, 0x00FF00FF,
		0xFFFF0000, 0x0000FFFF,
		0xFFFFFFFF,
	)
}
