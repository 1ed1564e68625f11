// Package compendium keeps a best-effort map from compendium references to
// display names.
package compendium

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/a-essam23/tablelink/pkg/state"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// packConcurrency bounds simultaneous pack index requests.
const packConcurrency = 4

// buildTimeout bounds a shared build, which outlives the caller that started it.
const buildTimeout = 30 * time.Second

// Source enumerates packs and their entries.
type Source interface {
	Packs(ctx context.Context) ([]state.PackInfo, error)
	// PackIndex returns document id to name for one pack.
	PackIndex(ctx context.Context, pack state.PackInfo) (map[string]string, error)
}

// Index is built at most once until Reset. Concurrent Build calls share a
// single pass.
type Index struct {
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	names map[string]string
	built bool
}

func New(logger *slog.Logger) *Index {
	return &Index{
		logger: logger.With(slog.String("component", "compendium")),
		names:  make(map[string]string),
	}
}

// Ref formats the reference id of a pack entry.
func Ref(pack state.PackInfo, id string) string {
	return fmt.Sprintf("Compendium.%s.%s.%s", pack.ID, pack.Type, id)
}

// Build indexes every pack of src. Packs that fail are skipped.
func (x *Index) Build(ctx context.Context, src Source) (map[string]string, error) {
	x.mu.RLock()
	if x.built {
		out := maps.Clone(x.names)
		x.mu.RUnlock()
		return out, nil
	}
	x.mu.RUnlock()

	// one caller giving up must not fail the others waiting on the same pass
	buildCtx := context.WithoutCancel(ctx)
	ch := x.group.DoChan("build", func() (any, error) {
		bctx, cancel := context.WithTimeout(buildCtx, buildTimeout)
		defer cancel()
		return x.build(bctx, src)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			x.logger.Debug("Joined in-flight compendium build")
		}
		return maps.Clone(res.Val.(map[string]string)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *Index) build(ctx context.Context, src Source) (map[string]string, error) {
	packs, err := src.Packs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list packs: %w", err)
	}

	names := make(map[string]string)
	var namesMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(packConcurrency)
	for _, pack := range packs {
		g.Go(func() error {
			entries, err := src.PackIndex(gctx, pack)
			if err != nil {
				x.logger.Warn("Skipping pack", slog.String("pack", pack.ID), slog.Any("error", err))
				return nil
			}
			namesMu.Lock()
			for id, name := range entries {
				names[Ref(pack, id)] = name
			}
			namesMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	x.names = names
	x.built = true
	x.mu.Unlock()
	x.logger.Info("Compendium index built", slog.Int("packs", len(packs)), slog.Int("entries", len(names)))
	return names, nil
}

func (x *Index) Lookup(ref string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	name, ok := x.names[ref]
	return name, ok
}

func (x *Index) Built() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.built
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.names)
}

// Reset forgets the index so the next Build runs again.
func (x *Index) Reset() {
	x.mu.Lock()
	x.names = make(map[string]string)
	x.built = false
	x.mu.Unlock()
}
