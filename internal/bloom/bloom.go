// Package bloom implements a probabilistic set-membership filter sized by
// expected element count and target false-positive rate, used to guard hash
// index probes and to build sideways-information-passing filters for joins.
package bloom

import (
	"hash/fnv"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is a fixed-size bloom filter using double hashing over two
// independent hash families (xxhash and fnv), per spec §4.2.
type Filter struct {
	bits []uint64
	m    uint64 // number of bits
	k    int    // number of hash functions
}

// New creates a filter sized for n expected elements at false-positive rate p.
// m = ceil(-n*ln(p) / ln(2)^2), k = clamp(round(m/n * ln 2), 1, 16).
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &Filter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// NumBits returns the total bit-array size m.
func (f *Filter) NumBits() uint64 { return f.m }

// NumHashes returns the configured hash-function count k.
func (f *Filter) NumHashes() int { return f.k }

func (f *Filter) hashPair(data []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(data)
	fh := fnv.New64a()
	fh.Write(data) //nolint:errcheck // fnv.Write never errors
	h2 := fh.Sum64()
	// Ensure h2 is odd so repeated addition cycles through all residues
	// mod a power-of-two-sized bit array instead of collapsing onto a
	// short orbit.
	if h2%2 == 0 {
		h2++
	}
	return h1, h2
}

// index computes h_i(x) = (h1 + i*h2) mod m for the i-th hash function.
func (f *Filter) index(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % f.m
}

// Add inserts an element, setting its k bits.
func (f *Filter) Add(data []byte) {
	h1, h2 := f.hashPair(data)
	for i := 0; i < f.k; i++ {
		idx := f.index(h1, h2, i)
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MightContain returns false only if the element is definitely absent (no
// false negatives); true means "possibly present".
func (f *Filter) MightContain(data []byte) bool {
	h1, h2 := f.hashPair(data)
	for i := 0; i < f.k; i++ {
		idx := f.index(h1, h2, i)
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}
