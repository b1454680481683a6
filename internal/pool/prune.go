package pool

import (
	"fmt"

	"github.com/calvinalkan/quadstore/internal/prune"
)

// PruneAndSwitch runs the full prune-and-switch protocol (spec §4.6):
// it opens target (which must be empty) and source, runs a
// [prune.Transfer] from source into target, and — only if the transfer
// succeeds and opts is not a dry run — switches the pool's active pointer
// from source to target, then clears source's now-superseded files.
//
// A failed or dry-run Transfer never touches the active pointer: target
// is left as an ordinary, non-active sibling store for the caller to
// inspect or discard, so a partial transfer is never published.
func (p *Pool) PruneAndSwitch(source, target string, opts prune.Options) (prune.Stats, error) {
	sourceStore, err := p.Get(source)
	if err != nil {
		return prune.Stats{}, fmt.Errorf("pool: prune: open source %q: %w", source, err)
	}

	targetStore, err := p.Get(target)
	if err != nil {
		return prune.Stats{}, fmt.Errorf("pool: prune: open target %q: %w", target, err)
	}

	stats, err := prune.Transfer(sourceStore, targetStore, opts)
	if err != nil {
		return prune.Stats{}, err
	}
	if opts.DryRun {
		return stats, nil
	}

	if err := p.Switch(source, target); err != nil {
		return prune.Stats{}, fmt.Errorf("pool: prune: switch: %w", err)
	}
	if err := p.Clear(source); err != nil {
		return prune.Stats{}, fmt.Errorf("pool: prune: clear superseded source %q: %w", source, err)
	}

	return stats, nil
}
