package wasmtr

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// dedupTable maps a function signature's content hash to the canonical
// index it was first assigned at, so structurally identical signatures
// collapse to one CanonicalTypes entry. The layout is a bucket array
// with a per-bucket RWMutex (hash, then walk the bucket's chain), keyed
// by an xxhash of the signature's structure.
type dedupTable struct {
	buckets []dedupBucket
}

type dedupBucket struct {
	mu    sync.RWMutex
	chain []dedupEntry
}

type dedupEntry struct {
	hash uint64
	sig  string
	idx  int
}

func newDedupTable(size int) *dedupTable {
	return &dedupTable{buckets: make([]dedupBucket, size)}
}

func encodeSig(ft FuncType) string {
	b := make([]byte, 0, len(ft.Params)+len(ft.Results)+2)
	b = append(b, byte(len(ft.Params)))
	for _, p := range ft.Params {
		b = append(b, byte(p))
	}
	b = append(b, byte(len(ft.Results)))
	for _, r := range ft.Results {
		b = append(b, byte(r))
	}
	return string(b)
}

// internTypeIndex returns the canonical index for ft within types,
// appending it if it has not been seen before.
func (d *dedupTable) internTypeIndex(ft FuncType, types *[]FuncType) int {
	sig := encodeSig(ft)
	h := xxhash.Sum64String(sig)
	b := &d.buckets[h%uint64(len(d.buckets))]

	b.mu.RLock()
	for _, e := range b.chain {
		if e.hash == h && e.sig == sig {
			b.mu.RUnlock()
			return e.idx
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.chain {
		if e.hash == h && e.sig == sig {
			return e.idx
		}
	}
	idx := len(*types)
	*types = append(*types, ft)
	b.chain = append(b.chain, dedupEntry{hash: h, sig: sig, idx: idx})
	return idx
}
