package utils

import "math/bits"

// Bitset is a fixed-length bit vector.
type Bitset struct {
	n     int
	words []uint64
}

func NewBitset(n int) Bitset {
	return Bitset{
		n:     n,
		words: make([]uint64, (n+63)/64),
	}
}

func (b *Bitset) Len() int {
	return b.n
}

func (b *Bitset) Set(i int) {
	b.check(i)
	b.words[i/64] |= 1 << (uint(i) % 64)
}

func (b *Bitset) Clear(i int) {
	b.check(i)
	b.words[i/64] &^= 1 << (uint(i) % 64)
}

func (b *Bitset) Test(i int) bool {
	b.check(i)
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

func (b *Bitset) Count() int {
	total := 0
	for _, w := range b.words {
		total += bits.OnesCount64(w)
	}
	return total
}

// All reports whether every bit in [0, Len) is set.
func (b *Bitset) All() bool {
	return b.Count() == b.n
}

// Unset returns indices of bits that are not set, in increasing order.
func (b *Bitset) Unset() []int {
	res := make([]int, 0, b.n-b.Count())
	for i := range b.n {
		if !b.Test(i) {
			res = append(res, i)
		}
	}
	return res
}

func (b *Bitset) check(i int) {
	if i < 0 || i >= b.n {
		panic("bitset index out of range")
	}
}
