package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/metrics"
)

// Cache tags.
const (
	tagMatrix     = "matrix"
	tagPopulation = "population"
)

func serviceTag(id int64) string { return fmt.Sprintf("service:%d", id) }
func levelTag(id int64) string   { return fmt.Sprintf("area_level:%d", id) }

// Engine computes indicators by name, caching results until their inputs
// change.
type Engine struct {
	registry *Registry
	cache    *Cache
	metrics  *metrics.Metrics
	classes  int
	log      *zap.Logger
}

// NewEngine creates an Engine. A nil cache disables caching; a nil metrics
// records nothing.
func NewEngine(registry *Registry, c *Cache, m *metrics.Metrics, legendClasses int) *Engine {
	return &Engine{
		registry: registry,
		cache:    c,
		metrics:  m,
		classes:  legendClasses,
		log:      zap.L().With(zap.String("component", "indicator")),
	}
}

// Describe lists the available indicators.
func (e *Engine) Describe() []Description {
	return e.registry.Describe()
}

// Compute returns the result of the named indicator for p.
func (e *Engine) Compute(ctx context.Context, name string, p Params) (Result, error) {
	ind, err := e.registry.Get(name)
	if err != nil {
		return Result{}, err
	}
	desc := ind.Describe()

	key, err := cacheKey(name, p)
	if err != nil {
		return Result{}, err
	}
	if e.cache != nil {
		if res, ok := e.cache.Get(ctx, key); ok {
			e.metrics.CacheHit(true)
			return res, nil
		}
		e.metrics.CacheHit(false)
	}

	start := time.Now()
	res, err := ind.Compute(ctx, p)
	if err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)
	e.metrics.ObserveIndicator(name, elapsed)

	if desc.Legend {
		res.Legend = Legend(res.Values, e.classes)
	}

	e.log.Debug("indicator computed",
		zap.String("indicator", name),
		zap.Int("values", len(res.Values)),
		zap.Duration("elapsed", elapsed),
	)

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, res, tags(desc, p)); err != nil {
			e.log.Warn("indicator: cache store failed", zap.String("indicator", name), zap.Error(err))
		}
	}
	return res, nil
}

func cacheKey(name string, p Params) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", eris.Wrapf(err, "indicator: cache key %s", name)
	}
	return name + "?" + string(b), nil
}

// tags names the inputs a result depends on.
func tags(d Description, p Params) []string {
	out := []string{tagPopulation}
	if p.ServiceID != 0 {
		out = append(out, serviceTag(p.ServiceID))
	}
	if p.AreaLevelID != 0 {
		out = append(out, levelTag(p.AreaLevelID))
	}
	if d.UsesMatrix {
		out = append(out, tagMatrix)
	}
	return out
}

// Subscribe drops cached results when their inputs change.
func (e *Engine) Subscribe(bus *events.Bus) {
	if e.cache == nil {
		return
	}
	bus.Subscribe(events.AreasChanged, func(ctx context.Context, ev events.Event) error {
		return e.cache.Invalidate(ctx, levelTag(ev.AreaLevelID))
	})
	// Area results carry labels.
	bus.Subscribe(events.AreaAttributesChanged, func(ctx context.Context, ev events.Event) error {
		return e.cache.Invalidate(ctx, levelTag(ev.AreaLevelID))
	})
	bus.Subscribe(events.MatrixRebuilt, func(ctx context.Context, ev events.Event) error {
		return e.cache.Invalidate(ctx, tagMatrix)
	})
	bus.Subscribe(events.CapacitiesChanged, func(ctx context.Context, ev events.Event) error {
		if ev.ServiceID == 0 {
			return e.cache.Clear(ctx)
		}
		return e.cache.Invalidate(ctx, serviceTag(ev.ServiceID))
	})
	bus.Subscribe(events.PopulationChanged, func(ctx context.Context, ev events.Event) error {
		return e.cache.Invalidate(ctx, tagPopulation)
	})
	// Implicit defaults are resolved inside the computation, so any moved
	// default may change any result.
	bus.Subscribe(events.DefaultsChanged, func(ctx context.Context, ev events.Event) error {
		return e.cache.Clear(ctx)
	})
}
