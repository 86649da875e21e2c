package eligibility

import (
	"context"
	"fmt"
	"time"

	"leadmarket/pkg/config"
	"leadmarket/services/filter"
	"leadmarket/services/marketplace"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eligibility_cache_hits_total",
		Help: "Eligibility lookups served from cache.",
	})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eligibility_cache_miss_total",
		Help: "Eligibility lookups resolved from the database.",
	})
	cacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eligibility_cache_errors_total",
		Help: "Cache operations that failed and fell back to uncached resolution.",
	})
)

// CandidateSource lists the subscriptions of a niche that may be eligible.
type CandidateSource interface {
	ListCandidateSubscriptions(ctx context.Context, nicheID string) ([]*marketplace.Subscription, error)
}

type Resolver struct {
	source CandidateSource
	cache  *Cache
	group  singleflight.Group
}

type ResolverParams struct {
	fx.In
	Marketplace *marketplace.Service
	Cache       *Cache `optional:"true"`
}

func NewResolver(p ResolverParams) *Resolver {
	return newResolver(p.Marketplace, p.Cache)
}

func newResolver(source CandidateSource, cache *Cache) *Resolver {
	return &Resolver{source: source, cache: cache}
}

type cacheParams struct {
	fx.In
	Redis  *redis.Client
	Config *config.Config
}

func provideCache(p cacheParams) *Cache {
	return NewCache(p.Redis, p.Config.Distribution.EligibilityCacheTTL)
}

// ResolveEligible returns the lead's eligible subscriptions per tier. Only
// active, non-deleted subscriptions with a valid filter set on active tiers
// are considered; every rule must match.
func (r *Resolver) ResolveEligible(ctx context.Context, lead *marketplace.Lead) (*Eligibility, error) {
	var gen int64
	if r.cache != nil {
		g, err := r.cache.Generation(ctx, lead.NicheID)
		if err != nil {
			cacheErrors.Inc()
			zap.L().Warn("eligibility cache unavailable", zap.String("lead_id", lead.ID), zap.Error(err))
			return r.resolve(ctx, lead, 0)
		}
		gen = g

		cached, ok, err := r.cache.Get(ctx, lead.ID, gen)
		if err != nil {
			cacheErrors.Inc()
			zap.L().Warn("eligibility cache read failed", zap.String("lead_id", lead.ID), zap.Error(err))
		}
		if ok {
			cacheHits.Inc()
			return cached, nil
		}
	}
	cacheMiss.Inc()

	key := fmt.Sprintf("%s:%d", lead.ID, gen)
	v, err, _ := r.group.Do(key, func() (any, error) {
		e, err := r.resolve(ctx, lead, gen)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.Set(ctx, lead.ID, e); err != nil {
				cacheErrors.Inc()
				zap.L().Warn("eligibility cache write failed", zap.String("lead_id", lead.ID), zap.Error(err))
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Eligibility), nil
}

func (r *Resolver) resolve(ctx context.Context, lead *marketplace.Lead, gen int64) (*Eligibility, error) {
	form, err := lead.Form()
	if err != nil {
		// Unreadable form data matches nothing.
		zap.L().Warn("lead form data is not an object", zap.String("lead_id", lead.ID), zap.Error(err))
		form = nil
	}

	subs, err := r.source.ListCandidateSubscriptions(ctx, lead.NicheID)
	if err != nil {
		return nil, fmt.Errorf("list candidate subscriptions: %w", err)
	}

	out := &Eligibility{
		LeadID:     lead.ID,
		NicheID:    lead.NicheID,
		Generation: gen,
		ByTier:     map[string][]*marketplace.Subscription{},
		ResolvedAt: time.Now().UTC(),
	}
	for _, sub := range subs {
		if !sub.IsActive || !sub.FilterIsValid || sub.DeletedAt.Valid {
			continue
		}
		rules, err := sub.Rules()
		if err != nil {
			zap.L().Warn("skipping subscription with unreadable rules",
				zap.String("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		if form == nil && len(rules) > 0 {
			continue
		}
		if filter.MatchAll(rules, form) {
			out.ByTier[sub.TierID] = append(out.ByTier[sub.TierID], sub)
		}
	}
	return out, nil
}

// InvalidateNiche drops cached eligibility of every lead in the niche.
func (r *Resolver) InvalidateNiche(ctx context.Context, nicheID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.InvalidateNiche(ctx, nicheID)
}
