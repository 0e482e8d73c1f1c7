package storefile

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// rowBloom is a row-level bloom filter: rows added at write time, probed at
// read time to skip files with no chance of containing a requested row.
type rowBloom struct {
	bits []uint64
	m    uint64 // bit count
	k    uint32 // hash count
}

func newRowBloom(expectedRows int64, fpRate float64) *rowBloom {
	if expectedRows < 1 {
		expectedRows = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n ln(p) / ln(2)^2, k = (m/n) ln(2)
	n := float64(expectedRows)
	m := uint64(math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	return &rowBloom{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// indexes derives k bit positions via double hashing over a single FNV pass.
func (b *rowBloom) indexes(key []byte, fn func(idx uint64)) {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	h1 := sum
	h2 := sum>>33 | sum<<31
	for i := uint32(0); i < b.k; i++ {
		fn((h1 + uint64(i)*h2) % b.m)
	}
}

func (b *rowBloom) Add(key []byte) {
	b.indexes(key, func(idx uint64) {
		b.bits[idx/64] |= 1 << (idx % 64)
	})
}

func (b *rowBloom) MayContain(key []byte) bool {
	ok := true
	b.indexes(key, func(idx uint64) {
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			ok = false
		}
	})
	return ok
}

// SizeBytes is the serialized bit-array size, reported by introspection.
func (b *rowBloom) SizeBytes() int64 {
	return int64(len(b.bits) * 8)
}

func (b *rowBloom) marshal() []byte {
	out := make([]byte, 12+len(b.bits)*8)
	binary.LittleEndian.PutUint64(out[0:], b.m)
	binary.LittleEndian.PutUint32(out[8:], b.k)
	for i, w := range b.bits {
		binary.LittleEndian.PutUint64(out[12+i*8:], w)
	}
	return out
}

func unmarshalRowBloom(data []byte) (*rowBloom, bool) {
	if len(data) < 12 {
		return nil, false
	}
	m := binary.LittleEndian.Uint64(data[0:])
	k := binary.LittleEndian.Uint32(data[8:])
	words := (m + 63) / 64
	if k == 0 || uint64(len(data)-12) < words*8 {
		return nil, false
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[12+i*8:])
	}
	return &rowBloom{bits: bits, m: m, k: k}, true
}
