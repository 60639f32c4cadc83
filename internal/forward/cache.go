package forward

// KVCache stores rotated keys and raw values of one layer, laid out
// [kv_head][pos][head_dim].
type KVCache struct {
	nKVHeads int
	maxSeq   int
	headDim  int
	k        []float32
	v        []float32
}

func newKVCache(nKVHeads, maxSeq, headDim int) *KVCache {
	n := nKVHeads * maxSeq * headDim
	return &KVCache{
		nKVHeads: nKVHeads,
		maxSeq:   maxSeq,
		headDim:  headDim,
		k:        make([]float32, n),
		v:        make([]float32, n),
	}
}

func (c *KVCache) row(head, pos int) (int, int) {
	off := (head*c.maxSeq + pos) * c.headDim
	return off, off + c.headDim
}

// K returns the cached key row. The slice aliases the cache.
func (c *KVCache) K(head, pos int) []float32 {
	lo, hi := c.row(head, pos)
	return c.k[lo:hi:hi]
}

// V returns the cached value row. The slice aliases the cache.
func (c *KVCache) V(head, pos int) []float32 {
	lo, hi := c.row(head, pos)
	return c.v[lo:hi:hi]
}

func (c *KVCache) KVHeads() int { return c.nKVHeads }
func (c *KVCache) MaxSeq() int  { return c.maxSeq }
func (c *KVCache) HeadDim() int { return c.headDim }

func (c *KVCache) reset() {
	clear(c.k)
	clear(c.v)
}
