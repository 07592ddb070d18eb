package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached memoizes another embedder's vectors, keyed by model and a digest
// of the input.
type Cached struct {
	inner Embedder
	store *cache.Cache
}

// NewCached wraps e with an in-memory cache whose entries live for ttl.
func NewCached(e Embedder, ttl time.Duration) *Cached {
	return &Cached{inner: e, store: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Model() string { return c.inner.Model() }

func (c *Cached) Embed(ctx context.Context, in Input) ([]float32, error) {
	key := c.key(in)
	if v, ok := c.store.Get(key); ok {
		return slices.Clone(v.([]float32)), nil
	}
	v, err := c.inner.Embed(ctx, in)
	if err != nil {
		return nil, err
	}
	c.store.Set(key, slices.Clone(v), cache.DefaultExpiration)
	return v, nil
}

// Len reports the number of live cache entries.
func (c *Cached) Len() int { return c.store.ItemCount() }

func (c *Cached) key(in Input) string {
	h := sha256.New()
	if in.IsImage() {
		h.Write([]byte("image\x00" + in.MediaType + "\x00"))
		h.Write(in.Image)
	} else {
		h.Write([]byte("text\x00" + in.Text))
	}
	return c.inner.Model() + ":" + hex.EncodeToString(h.Sum(nil))
}
