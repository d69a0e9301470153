package agent

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/store"
)

const defaultDocCacheSize = 128

// DocumentCache serves context documents with an LRU layer over the store.
// Documents change rarely; seeding invalidates updated entries explicitly.
type DocumentCache struct {
	store store.EntityStore
	cache *lru.Cache[string, *models.DocumentSpec]
}

// NewDocumentCache creates a cache holding up to size documents (0 uses the
// default).
func NewDocumentCache(s store.EntityStore, size int) (*DocumentCache, error) {
	if size <= 0 {
		size = defaultDocCacheSize
	}
	cache, err := lru.New[string, *models.DocumentSpec](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}
	return &DocumentCache{store: s, cache: cache}, nil
}

// Get returns the documents for names in input order. Unknown names are
// skipped, matching the store contract.
func (c *DocumentCache) Get(ctx context.Context, names []string) ([]*models.DocumentSpec, error) {
	out := make([]*models.DocumentSpec, 0, len(names))
	var missing []string
	for _, name := range names {
		if doc, ok := c.cache.Get(name); ok {
			out = append(out, doc)
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.store.GetContextDocumentsByNames(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to load context documents: %w", err)
	}
	byName := make(map[string]*models.DocumentSpec, len(fetched))
	for _, doc := range fetched {
		c.cache.Add(doc.Name, doc)
		byName[doc.Name] = doc
	}

	// Rebuild in input order now that the cache is warm.
	out = out[:0]
	for _, name := range names {
		if doc, ok := c.cache.Get(name); ok {
			out = append(out, doc)
		} else if doc, ok := byName[name]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Invalidate drops a cached document, forcing a reload on next use.
func (c *DocumentCache) Invalidate(name string) {
	c.cache.Remove(name)
}
