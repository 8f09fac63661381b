package store

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// storeCache is the write-through LRU layer sitting in front of the three
// hot tables (vectors, nodes, edges), per spec.md §5 "write-through cache,
// read-through on miss". Hits and misses are tracked globally for Stats;
// each sub-cache gets its own capacity from config.Cache so callers can
// size the vector cache differently from the (typically smaller, hotter)
// node/edge caches.
type storeCache struct {
	vectors *lru.Cache[string, *VectorRecord]
	nodes   *lru.Cache[string, *NodeRecord]
	edges   *lru.Cache[string, *EdgeRecord]

	hits   atomic.Int64
	misses atomic.Int64
}

func newStoreCache(vectorCap, nodeCap, edgeCap int) (*storeCache, error) {
	if vectorCap <= 0 {
		vectorCap = 1
	}
	if nodeCap <= 0 {
		nodeCap = 1
	}
	if edgeCap <= 0 {
		edgeCap = 1
	}
	vecCache, err := lru.New[string, *VectorRecord](vectorCap)
	if err != nil {
		return nil, err
	}
	nodeCache, err := lru.New[string, *NodeRecord](nodeCap)
	if err != nil {
		return nil, err
	}
	edgeCache, err := lru.New[string, *EdgeRecord](edgeCap)
	if err != nil {
		return nil, err
	}
	return &storeCache{vectors: vecCache, nodes: nodeCache, edges: edgeCache}, nil
}

func (c *storeCache) getVector(id string) (*VectorRecord, bool) {
	v, ok := c.vectors.Get(id)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *storeCache) putVector(v *VectorRecord) { c.vectors.Add(v.ID, v) }

func (c *storeCache) dropVector(id string) { c.vectors.Remove(id) }

func (c *storeCache) getNode(id string) (*NodeRecord, bool) {
	n, ok := c.nodes.Get(id)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return n, ok
}

func (c *storeCache) putNode(n *NodeRecord) { c.nodes.Add(n.ID, n) }

func (c *storeCache) dropNode(id string) { c.nodes.Remove(id) }

func (c *storeCache) getEdge(id string) (*EdgeRecord, bool) {
	e, ok := c.edges.Get(id)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

func (c *storeCache) putEdge(e *EdgeRecord) { c.edges.Add(e.ID, e) }

func (c *storeCache) dropEdge(id string) { c.edges.Remove(id) }

func (c *storeCache) hitRate() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
