package main

import (
	"context"
	"encoding/json"
	"fmt"
)

// StatsCmd prints cache statistics.
type StatsCmd struct {
	CacheFlags
}

// CacheStats is printed by the stats command.
type CacheStats struct {
	Store      string `json:"store"`
	Kind       string `json:"kind"`
	StorageKey string `json:"storageKey"`
	TTLDays    int    `json:"ttlDays"`
	Entries    int    `json:"entries"`
}

// Run prints the number of live entries in the store.
func (c *StatsCmd) Run(ctx context.Context, g *Globals) error {
	store, err := c.CacheFlags.open(ctx, g.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.WithoutCancel(ctx)) }()

	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(CacheStats{
		Store:      c.Store,
		Kind:       store.kind,
		StorageKey: c.StorageKey,
		TTLDays:    c.TTLDays,
		Entries:    store.Len(),
	})
}

// ClearCmd empties the cache.
type ClearCmd struct {
	CacheFlags
}

// Run removes every entry and the durable store key.
func (c *ClearCmd) Run(ctx context.Context, g *Globals) error {
	store, err := c.CacheFlags.open(ctx, g.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.WithoutCancel(ctx)) }()

	n := store.Len()
	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	_, err = fmt.Fprintf(g.out, "cleared %d entries from %s\n", n, c.Store)
	return err
}
