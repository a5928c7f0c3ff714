package cache

// Bitstr is a growable bitset indexed by QOS id. Its length tracks the
// global QOS count; Set grows it on demand.
type Bitstr []uint64

func (b *Bitstr) Set(i int32) {
	if i < 0 {
		return
	}
	w := int(i) / 64
	for len(*b) <= w {
		*b = append(*b, 0)
	}
	(*b)[w] |= 1 << (uint(i) % 64)
}

func (b Bitstr) Clear(i int32) {
	if i < 0 {
		return
	}
	w := int(i) / 64
	if w < len(b) {
		b[w] &^= 1 << (uint(i) % 64)
	}
}

func (b Bitstr) Test(i int32) bool {
	if i < 0 {
		return false
	}
	w := int(i) / 64
	return w < len(b) && b[w]&(1<<(uint(i)%64)) != 0
}

func (b Bitstr) Clone() Bitstr {
	out := make(Bitstr, len(b))
	copy(out, b)
	return out
}

// Bits returns the set indices, ascending.
func (b Bitstr) Bits() []int32 {
	var out []int32
	for w, word := range b {
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) != 0 {
				out = append(out, int32(w*64+bit))
			}
		}
	}
	return out
}
