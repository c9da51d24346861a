package usecase

import (
	"context"
	"errors"

	"convopipe/internal/cache"
	"convopipe/internal/domain"
	"convopipe/internal/ports"
)

// ErrLoadInProgress is returned when another caller is already fetching the same payload.
var ErrLoadInProgress = errors.New("load already in progress")

// ResultsLoader serves analysis payloads from the cache and fetches misses,
// allowing one in-flight fetch per session and namespace.
type ResultsLoader struct {
	cache       *cache.ResultCache
	detail      ports.DetailService
	strategy    ports.StrategyService
	credentials ports.CredentialProvider
}

func NewResultsLoader(c *cache.ResultCache, detail ports.DetailService, strategy ports.StrategyService, credentials ports.CredentialProvider) *ResultsLoader {
	return &ResultsLoader{cache: c, detail: detail, strategy: strategy, credentials: credentials}
}

func (l *ResultsLoader) LoadDetail(ctx context.Context, sessionID string) (domain.AnalysisDetail, error) {
	return load(l, cache.NamespaceDetail, sessionID, l.cache.GetDetail, l.cache.PutDetail,
		func(credential string) (domain.AnalysisDetail, error) {
			return l.detail.Detail(ctx, sessionID, credential)
		})
}

func (l *ResultsLoader) LoadStrategy(ctx context.Context, sessionID string) (domain.StrategyAnalysis, error) {
	return load(l, cache.NamespaceStrategy, sessionID, l.cache.GetStrategy, l.cache.PutStrategy,
		func(credential string) (domain.StrategyAnalysis, error) {
			return l.strategy.Strategies(ctx, sessionID, credential)
		})
}

// Invalidate drops both cached payloads for sessionID.
func (l *ResultsLoader) Invalidate(sessionID string) {
	l.cache.Invalidate(sessionID)
}

func load[T any](
	l *ResultsLoader,
	ns cache.Namespace,
	sessionID string,
	get func(string) (T, bool),
	put func(string, T),
	fetch func(credential string) (T, error),
) (T, error) {
	var zero T
	if value, ok := get(sessionID); ok {
		return value, nil
	}
	if !l.cache.TryStartLoading(ns, sessionID) {
		return zero, ErrLoadInProgress
	}
	defer l.cache.SetLoading(ns, sessionID, false)

	credential := ""
	if l.credentials != nil {
		credential = l.credentials.CurrentCredential()
	}
	if credential == "" {
		return zero, ErrNotAuthenticated
	}
	value, err := fetch(credential)
	if err != nil {
		return zero, err
	}
	put(sessionID, value)
	return value, nil
}
