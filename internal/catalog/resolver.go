package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
	"github.com/kidoz/esxi-patcher-go/internal/telemetry"
)

// Fetcher reads catalog documents. *artifact.Opener implements it.
type Fetcher interface {
	ReadAll(ctx context.Context, location string) ([]byte, error)
}

// Resolver loads catalogs (once per location) and computes host plans.
type Resolver struct {
	cfg   *config.Config
	fetch Fetcher
	log   *slog.Logger
	opts  Options

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*Catalog
}

// NewResolver creates a resolver from the patch config section.
func NewResolver(cfg *config.Config, fetch Fetcher, log *slog.Logger) (*Resolver, error) {
	opts := Options{Pinned: make(map[string]bool, len(cfg.Patch.Pinned))}
	for _, id := range cfg.Patch.Pinned {
		opts.Pinned[id] = true
	}
	if cfg.Patch.MaxVersion != "" {
		maxV, err := patch.ParseVersion(cfg.Patch.MaxVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid patch.max_version: %w", err)
		}
		opts.Max = maxV
	}

	return &Resolver{
		cfg:   cfg,
		fetch: fetch,
		log:   log,
		opts:  opts,
		cache: make(map[string]*Catalog),
	}, nil
}

// Resolve returns the plan for target given the version it reported.
func (r *Resolver) Resolve(ctx context.Context, target patch.HostTarget, current patch.Version) (patch.Plan, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Resolver.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("host.address", target.Address),
		attribute.String("host.version", current.String()),
	)

	c, err := r.catalogFor(ctx, target)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return patch.Plan{From: current}, err
	}

	plan, err := c.Plan(current, r.opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return plan, err
	}
	span.SetAttributes(attribute.Int("plan.artifacts", len(plan.Artifacts)))

	r.log.Debug("Resolved plan",
		slog.String("host", target.DisplayName()),
		slog.String("from", current.String()),
		slog.String("to", plan.Target().String()),
		slog.Any("artifacts", plan.IDs()),
	)
	return plan, nil
}

func (r *Resolver) catalogFor(ctx context.Context, target patch.HostTarget) (*Catalog, error) {
	switch {
	case target.PatchSource != "":
		return r.Load(ctx, target.PatchSource)
	case r.cfg.Patch.Catalog != "":
		return r.Load(ctx, r.cfg.Patch.Catalog)
	case r.cfg.Patch.PatchFile != "":
		return SingleFile(r.cfg.Patch.PatchFile, r.cfg.Patch.TargetVersion)
	default:
		return nil, &Error{Reason: "no patch source configured for " + target.DisplayName()}
	}
}

// Load fetches and parses the catalog at location, caching the result.
func (r *Resolver) Load(ctx context.Context, location string) (*Catalog, error) {
	r.mu.RLock()
	c, ok := r.cache[location]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := r.group.Do(location, func() (interface{}, error) {
		r.log.Info("Loading patch catalog", slog.String("source", location))
		data, err := r.fetch.ReadAll(ctx, location)
		if err != nil {
			return nil, &Error{Source: location, Reason: "source unreachable", Err: err}
		}
		c, err := Parse(data, location)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[location] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}
