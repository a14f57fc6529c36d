package diagnosis

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/straja-ai/cxrlens/internal/gradcam"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

type cacheKey struct {
	digest [sha256.Size]byte
	class  xray.Class
	layer  string
}

// heatmapCache memoizes attribution results. Attribution is a pure function of the
// image, class and layer for an immutable classifier, so entries never go stale.
type heatmapCache struct {
	lru *lru.Cache[cacheKey, *gradcam.Heatmap]
}

func newHeatmapCache(size int) (*heatmapCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New[cacheKey, *gradcam.Heatmap](size)
	if err != nil {
		return nil, err
	}
	return &heatmapCache{lru: c}, nil
}

func (c *heatmapCache) get(k cacheKey) (*gradcam.Heatmap, bool) {
	if c == nil {
		return nil, false
	}
	h, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	return cloneHeatmap(h), true
}

func (c *heatmapCache) add(k cacheKey, h *gradcam.Heatmap) {
	if c == nil {
		return
	}
	c.lru.Add(k, cloneHeatmap(h))
}

func (c *heatmapCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func imageDigest(t *tensor.Tensor) [sha256.Size]byte {
	h := sha256.New()
	var buf [8]byte
	for _, d := range []int{t.H, t.W, t.C} {
		binary.LittleEndian.PutUint64(buf[:], uint64(d))
		h.Write(buf[:])
	}
	for _, v := range t.Data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func cloneHeatmap(h *gradcam.Heatmap) *gradcam.Heatmap {
	out := *h
	out.Values = append([]float64(nil), h.Values...)
	return &out
}
