package config

import (
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/quadstore/internal/page"
	"github.com/calvinalkan/quadstore/internal/pool"
	"github.com/calvinalkan/quadstore/internal/quadstore"
	"github.com/calvinalkan/quadstore/pkg/storefs"
)

// OpenStore loads Options via [Load] (layered global-then-project config
// rooted at workDir) and opens (creating if necessary) the store at dir
// with the resulting PageCache size and WAL checkpoint trigger, so an
// operator's config file governs every store opened this way instead of
// each call site hardcoding the engine defaults.
func OpenStore(workDir, dir string) (*quadstore.Store, error) {
	opts, _, err := Load(workDir)
	if err != nil {
		return nil, fmt.Errorf("config: open store %q: %w", dir, err)
	}

	cache := page.NewCache(opts.PageCacheSlots)

	exists, err := (&storefs.Real{}).Exists(filepath.Join(dir, "atoms.data"))
	if err != nil {
		return nil, fmt.Errorf("config: open store %q: %w", dir, err)
	}
	if exists {
		return quadstore.OpenWithThresholds(dir, cache, nil, opts.CheckpointSizeTrigger, opts.CheckpointTimeTrigger())
	}
	return quadstore.CreateWithThresholds(dir, cache, nil, opts.CheckpointSizeTrigger, opts.CheckpointTimeTrigger())
}

// OpenPool loads Options via [Load] and opens (creating if necessary) the
// store pool at dir with the resulting gate capacity, PageCache size, and
// WAL checkpoint trigger.
func OpenPool(workDir, dir string) (*pool.Pool, error) {
	opts, _, err := Load(workDir)
	if err != nil {
		return nil, fmt.Errorf("config: open pool %q: %w", dir, err)
	}

	return pool.OpenWithOptions(&storefs.Real{}, dir, opts.PoolGateCapacity, opts.PageCacheSlots,
		opts.CheckpointSizeTrigger, opts.CheckpointTimeTrigger())
}
