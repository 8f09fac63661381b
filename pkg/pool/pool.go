// Package pool provides object pooling to reduce GC pressure during
// personalized PageRank iteration and retrieval scoring, the two hot loops
// in the engine that allocate scratch buffers on every call.
package pool

import "sync"

// FloatSlicePool pools []float64 scratch buffers used for PPR's teleport
// vector v and rank vector r.
var FloatSlicePool = sync.Pool{
	New: func() interface{} {
		return make([]float64, 0, 256)
	},
}

// ScoredSlicePool pools []Scored scratch slices for ranked candidates. No
// package in this module draws from it: the vector store's linear scan and
// the retriever's fusion allocate their own result slices.
var ScoredSlicePool = sync.Pool{
	New: func() interface{} {
		return make([]Scored, 0, 64)
	},
}

// StringSlicePool pools []string, used for seed-id and neighbor-id lists.
var StringSlicePool = sync.Pool{
	New: func() interface{} {
		return make([]string, 0, 32)
	},
}

// Scored pairs an identifier with a ranking score; it is the element type
// of ScoredSlicePool.
type Scored struct {
	ID    string
	Score float64
}

// GetFloatSlice returns a zero-length []float64 with spare capacity.
func GetFloatSlice() []float64 {
	s := FloatSlicePool.Get().([]float64)
	return s[:0]
}

// PutFloatSlice returns a []float64 to the pool.
func PutFloatSlice(s []float64) {
	FloatSlicePool.Put(s) //nolint:staticcheck // intentionally reusing backing array
}

// GetScoredSlice returns a zero-length []Scored with spare capacity.
func GetScoredSlice() []Scored {
	s := ScoredSlicePool.Get().([]Scored)
	return s[:0]
}

// PutScoredSlice returns a []Scored to the pool.
func PutScoredSlice(s []Scored) {
	ScoredSlicePool.Put(s) //nolint:staticcheck
}

// GetStringSlice returns a zero-length []string with spare capacity.
func GetStringSlice() []string {
	s := StringSlicePool.Get().([]string)
	return s[:0]
}

// PutStringSlice returns a []string to the pool.
func PutStringSlice(s []string) {
	StringSlicePool.Put(s) //nolint:staticcheck
}
