package whisper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/book-expert/tts-pipeline/internal/core"
)

const errFmtLoadModel = "%w: loading %s model: %w"

// ModelCache holds one loaded model per language. Models are loaded on first use
// and shared by every request afterwards. Concurrent first requests for one
// language share a single load; other languages stay readable meanwhile.
type ModelCache struct {
	loader   ModelLoader
	mu       sync.RWMutex
	models   map[core.Language]Model
	inflight singleflight.Group
	loads    atomic.Int64
}

// NewModelCache creates an empty cache backed by loader.
func NewModelCache(loader ModelLoader) *ModelCache {
	return &ModelCache{
		loader: loader,
		models: make(map[core.Language]Model),
	}
}

// Get returns the model for lang, loading it if this is the first request for it.
// A failed load is not cached.
func (c *ModelCache) Get(ctx context.Context, lang core.Language) (Model, error) {
	model, ok := c.cached(lang)
	if ok {
		return model, nil
	}

	result, err, _ := c.inflight.Do(string(lang), func() (any, error) {
		loaded, found := c.cached(lang)
		if found {
			return loaded, nil
		}

		c.loads.Add(1)

		loaded, loadErr := c.loader.Load(ctx, lang)
		if loadErr != nil {
			return nil, fmt.Errorf(errFmtLoadModel, core.ErrAlignmentFailure, lang, loadErr)
		}

		c.mu.Lock()
		c.models[lang] = loaded
		c.mu.Unlock()

		return loaded, nil
	})
	if err != nil {
		return nil, err
	}

	model, _ = result.(Model)

	return model, nil
}

func (c *ModelCache) cached(lang core.Language) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	model, ok := c.models[lang]

	return model, ok
}

// Loads reports how many times the loader has been called.
func (c *ModelCache) Loads() int64 {
	return c.loads.Load()
}

// Cached lists the languages with a loaded model.
func (c *ModelCache) Cached() []core.Language {
	c.mu.RLock()
	defer c.mu.RUnlock()

	langs := make([]core.Language, 0, len(c.models))
	for _, lang := range core.SupportedLanguages {
		if _, ok := c.models[lang]; ok {
			langs = append(langs, lang)
		}
	}

	return langs
}
