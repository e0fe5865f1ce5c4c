// -------------------------------------------------------------------------------
// Layer Set - Prioritized Source Fallback
//
// Project: Munchbox / Author: Alex Freidah
//
// A layer is an ordered chain of tile stores: the primary cache first, then
// any fallback caches, in config order. Lookup walks the chain until a source
// returns the tile, skipping sources whose health tracker has degraded them.
// Degraded sources are retried once their recovery interval elapses, or
// immediately after any successful read.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/store"
	"github.com/munchbox/tile-proxy/internal/tile"
)

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

var (
	// ErrUnknownLayer is returned for a layer name not in the configuration.
	ErrUnknownLayer = errors.New("unknown layer")
)

// Source pairs one tile store with its server-side health tracker.
type Source struct {
	Name   string
	Tiles  store.Tiles
	Health *store.Health
}

// Layer is an ordered fallback chain of sources for one logical layer.
type Layer struct {
	Name    string
	Format  store.Format
	Sources []*Source
}

// Primary returns the first source, the write target for downloads.
func (l *Layer) Primary() *Source { return l.Sources[0] }

// LookupResult is one resolved tile read.
type LookupResult struct {
	Data   []byte
	Format store.Format
	Source string
	// Fallback is true when the tile came from any source past the primary.
	Fallback bool
}

// LayerSet holds every configured layer and runs the health recovery ticker.
type LayerSet struct {
	layers       map[string]*Layer
	order        []string
	storeTimeout time.Duration
	recovery     time.Duration
}

// recoveryTick is how often degraded sources are re-checked against their
// recovery interval.
const recoveryTick = 30 * time.Second

// -------------------------------------------------------------------------
// CONSTRUCTION
// -------------------------------------------------------------------------

// NewLayerSet opens every configured store in priority order. Any open
// failure closes the stores opened so far and aborts startup; a missing
// fallback file is a config error, not a runtime condition.
func NewLayerSet(cfg *config.Config) (*LayerSet, error) {
	ls := &LayerSet{
		layers:       make(map[string]*Layer),
		storeTimeout: cfg.Server.StoreTimeout,
		recovery:     cfg.Health.RecoveryInterval,
	}

	for _, lc := range cfg.Layers {
		layer := &Layer{Name: lc.Name}

		for _, sc := range lc.Sources {
			format, err := store.ParseFormat(sc.Format)
			if err != nil {
				ls.Close()
				return nil, fmt.Errorf("layer %s source %s: %w", lc.Name, sc.Name, err)
			}

			s, err := store.Open(sc.Path, store.Metadata{
				Name:        sc.Name,
				Format:      format,
				Attribution: sc.Attribution,
			})
			if err != nil {
				ls.Close()
				return nil, fmt.Errorf("layer %s source %s: %w", lc.Name, sc.Name, err)
			}

			layer.Sources = append(layer.Sources, &Source{
				Name:   sc.Name,
				Tiles:  s,
				Health: store.NewHealth(lc.Name+"/"+sc.Name, cfg.Health.ErrorThreshold, cfg.Health.ErrorWindow),
			})
		}

		// The primary's format is the layer's served format.
		layer.Format = layer.Sources[0].Tiles.Metadata().Format
		ls.layers[lc.Name] = layer
		ls.order = append(ls.order, lc.Name)
	}

	return ls, nil
}

// Layer returns the named layer, or nil.
func (ls *LayerSet) Layer(name string) *Layer {
	return ls.layers[name]
}

// Names returns layer names in config order.
func (ls *LayerSet) Names() []string {
	return ls.order
}

// Primaries maps each layer name to its primary store, the set handed to the
// download manager as write targets.
func (ls *LayerSet) Primaries() map[string]store.Tiles {
	out := make(map[string]store.Tiles, len(ls.layers))
	for name, l := range ls.layers {
		out[name] = l.Primary().Tiles
	}
	return out
}

// Close closes every opened store. Safe on a partially constructed set.
func (ls *LayerSet) Close() {
	for _, l := range ls.layers {
		for _, src := range l.Sources {
			if c, ok := src.Tiles.(interface{ Close() error }); ok {
				c.Close()
			}
		}
	}
}

// -------------------------------------------------------------------------
// LOOKUP
// -------------------------------------------------------------------------

// Lookup resolves one tile through the layer's fallback chain. Healthy
// sources are tried in priority order; degraded sources are deferred and
// only read once every healthy source has missed, so a tile held only by a
// degraded fallback is still served. Returns store.ErrTileNotFound when no
// source holds the tile.
func (ls *LayerSet) Lookup(ctx context.Context, layerName string, c tile.Coord) (*LookupResult, error) {
	layer := ls.layers[layerName]
	if layer == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, layerName)
	}

	var deferred []int
	for i, src := range layer.Sources {
		if src.Health.Degraded() {
			deferred = append(deferred, i)
			continue
		}

		res, err := ls.readSource(ctx, layer, src, c, i > 0)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	for _, i := range deferred {
		res, err := ls.readSource(ctx, layer, layer.Sources[i], c, i > 0)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %s in layer %s", store.ErrTileNotFound, c, layerName)
}

// readSource performs one bounded read against one source, updating its
// health tracker.
func (ls *LayerSet) readSource(ctx context.Context, layer *Layer, src *Source, c tile.Coord, fallback bool) (*LookupResult, error) {
	rctx, cancel := context.WithTimeout(ctx, ls.storeTimeout)
	defer cancel()

	data, err := src.Tiles.Get(rctx, c)
	if err != nil {
		src.Health.RecordFailure()
		if !errors.Is(err, store.ErrTileNotFound) {
			slog.Warn("Source read failed",
				"layer", layer.Name, "source", src.Name, "tile", c.String(), "error", err)
		}
		return nil, err
	}

	src.Health.RecordSuccess()
	return &LookupResult{
		Data:     data,
		Format:   src.Tiles.Metadata().Format,
		Source:   src.Name,
		Fallback: fallback,
	}, nil
}

// -------------------------------------------------------------------------
// RECOVERY
// -------------------------------------------------------------------------

// RunRecovery periodically re-admits degraded sources whose recovery
// interval has elapsed. Blocks until ctx is canceled; run it on its own
// goroutine.
func (ls *LayerSet) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(recoveryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range ls.layers {
				for _, src := range l.Sources {
					src.Health.MaybeRecover(ls.recovery)
				}
			}
		}
	}
}
