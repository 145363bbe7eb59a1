// Package aggregator assembles the facts a risk score is computed from.
// Each fact is resolved through a tiered chain: cache, then the primary
// upstream, then fallbacks, then a zero default. Upstream trouble never
// surfaces as an error; it shows up in the per-fact source tags instead.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/circuitbreaker"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/sources"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidAddress is returned for anything that is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("aggregator: invalid contract address")

var errAllSourcesFailed = errors.New("aggregator: all sources failed")

// FactType names one fact in a RiskFactSet.
type FactType string

const (
	FactBytecode  FactType = "bytecode"
	FactHolders   FactType = "holders"
	FactAge       FactType = "age"
	FactVerified  FactType = "verified"
	FactLiquidity FactType = "liquidity"
)

// SourceTag records which tier supplied a fact.
type SourceTag string

const (
	TagCache    SourceTag = "cache"
	TagPrimary  SourceTag = "primary"
	TagFallback SourceTag = "fallback"
	TagDefault  SourceTag = "default"
)

// RiskFactSet is the input to the scorer. It is rebuilt for every request.
type RiskFactSet struct {
	Contract           string                 `json:"contract"`
	HasCode            bool                   `json:"hasCode"`
	HolderCount        int64                  `json:"holderCount"`
	AgeDays            int64                  `json:"ageDays"`
	IsVerified         bool                   `json:"isVerified"`
	LiquidityEstimate  float64                `json:"liquidityEstimate"`
	BytecodeComplexity sources.Complexity     `json:"bytecodeComplexity"`
	IsProxy            bool                   `json:"isProxy"`
	HasSelfDestruct    bool                   `json:"hasSelfDestruct"`
	Sources            map[FactType]SourceTag `json:"sources"`
}

// Upstream is one named source for a fact of type T.
type Upstream[T any] struct {
	Name  string
	Fetch func(ctx context.Context, addr common.Address) (T, error)
}

// Chains lists upstreams per fact in priority order. The first entry is
// the primary; the rest are fallbacks.
type Chains struct {
	Bytecode  []Upstream[sources.CodeProfile]
	Holders   []Upstream[int64]
	Age       []Upstream[time.Time]
	Verified  []Upstream[bool]
	Liquidity []Upstream[decimal.Decimal]
}

// Aggregator resolves fact sets. It is safe for concurrent use.
type Aggregator struct {
	chains        Chains
	cache         Cache
	ttl           time.Duration
	sourceTimeout time.Duration
	breaker       *circuitbreaker.Breaker
	group         singleflight.Group
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// WithTTL sets the cache TTL.
func WithTTL(ttl time.Duration) Option { return func(a *Aggregator) { a.ttl = ttl } }

// WithSourceTimeout bounds each individual upstream call.
func WithSourceTimeout(d time.Duration) Option { return func(a *Aggregator) { a.sourceTimeout = d } }

// WithBreaker sets the per-upstream circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(a *Aggregator) { a.breaker = b } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// New creates an aggregator. A nil cache gets an in-memory one.
func New(chains Chains, cache Cache, opts ...Option) *Aggregator {
	if cache == nil {
		cache = NewMemoryCache()
	}
	a := &Aggregator{
		chains:        chains,
		cache:         cache,
		ttl:           DefaultTTL,
		sourceTimeout: 5 * time.Second,
		logger:        logging.Discard(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collect resolves every fact for contract. Only an invalid address is an error.
func (a *Aggregator) Collect(ctx context.Context, contract string) (RiskFactSet, error) {
	if !common.IsHexAddress(contract) {
		return RiskFactSet{}, ErrInvalidAddress
	}
	start := time.Now()
	defer func() { collectDuration.Observe(time.Since(start).Seconds()) }()

	addr := common.HexToAddress(contract)
	set := RiskFactSet{
		Contract: strings.ToLower(addr.Hex()),
		Sources:  make(map[FactType]SourceTag, 5),
	}

	// Unknown bytecode is treated as a contract of low complexity so the
	// remaining facts still get scored.
	profile, tag := resolve(ctx, a, FactBytecode, addr, a.chains.Bytecode,
		sources.CodeProfile{HasCode: true, Complexity: sources.ComplexityLow})
	set.Sources[FactBytecode] = tag
	if !profile.HasCode {
		return set, nil
	}
	set.HasCode = true
	set.BytecodeComplexity = profile.Complexity
	set.IsProxy = profile.IsProxy
	set.HasSelfDestruct = profile.HasSelfDestruct

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		holders   int64
		createdAt time.Time
		verified  bool
		liquidity decimal.Decimal
	)
	record := func(f FactType, t SourceTag) {
		mu.Lock()
		set.Sources[f] = t
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		v, t := resolve(ctx, a, FactHolders, addr, a.chains.Holders, 0)
		holders = v
		record(FactHolders, t)
	}()
	go func() {
		defer wg.Done()
		v, t := resolve(ctx, a, FactAge, addr, a.chains.Age, time.Time{})
		createdAt = v
		record(FactAge, t)
	}()
	go func() {
		defer wg.Done()
		v, t := resolve(ctx, a, FactVerified, addr, a.chains.Verified, false)
		verified = v
		record(FactVerified, t)
	}()
	go func() {
		defer wg.Done()
		v, t := resolve(ctx, a, FactLiquidity, addr, a.chains.Liquidity, decimal.Zero)
		liquidity = v
		record(FactLiquidity, t)
	}()
	wg.Wait()

	set.HolderCount = holders
	set.AgeDays = a.ageDays(createdAt)
	set.IsVerified = verified
	set.LiquidityEstimate = liquidity.InexactFloat64()
	return set, nil
}

func (a *Aggregator) ageDays(createdAt time.Time) int64 {
	if createdAt.IsZero() {
		return 0
	}
	d := a.now().Sub(createdAt)
	if d < 0 {
		return 0
	}
	return int64(d / (24 * time.Hour))
}

type fetched[T any] struct {
	value T
	tag   SourceTag
}

func cacheKey(fact FactType, addr common.Address) string {
	return string(fact) + ":" + strings.ToLower(addr.Hex())
}

// resolve walks cache, upstreams and default for one fact. Concurrent
// callers for the same key share a single upstream walk, which runs
// detached from any one caller's cancellation so the cache write survives.
func resolve[T any](ctx context.Context, a *Aggregator, fact FactType, addr common.Address, chain []Upstream[T], zero T) (T, SourceTag) {
	key := cacheKey(fact, addr)
	log := logging.L(ctx)

	raw, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		log.Debug("fact cache read failed", "fact", fact, "error", err)
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			factResolutions.WithLabelValues(string(fact), string(TagCache)).Inc()
			return v, TagCache
		}
	}

	if len(chain) == 0 {
		factResolutions.WithLabelValues(string(fact), string(TagDefault)).Inc()
		return zero, TagDefault
	}

	budget := a.sourceTimeout * time.Duration(len(chain))
	ch := a.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()

		v, tag, err := walk(fctx, a, fact, addr, chain)
		if err != nil {
			return nil, err
		}
		if encoded, err := json.Marshal(v); err == nil {
			if err := a.cache.Set(fctx, key, encoded, a.ttl); err != nil {
				a.logger.Warn("fact cache write failed", "fact", fact, "error", err)
			}
		}
		return fetched[T]{value: v, tag: tag}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			log.Warn("fact unavailable, using default", "fact", fact, "contract", addr.Hex(), "error", res.Err)
			factResolutions.WithLabelValues(string(fact), string(TagDefault)).Inc()
			return zero, TagDefault
		}
		f := res.Val.(fetched[T])
		factResolutions.WithLabelValues(string(fact), string(f.tag)).Inc()
		return f.value, f.tag
	case <-ctx.Done():
		factResolutions.WithLabelValues(string(fact), string(TagDefault)).Inc()
		return zero, TagDefault
	}
}

func walk[T any](ctx context.Context, a *Aggregator, fact FactType, addr common.Address, chain []Upstream[T]) (T, SourceTag, error) {
	var zero T
	for i, up := range chain {
		if ctx.Err() != nil {
			return zero, "", ctx.Err()
		}

		var v T
		var fetchErr error
		sctx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
		err := a.breaker.Call(up.Name, func() error {
			v, fetchErr = up.Fetch(sctx, addr)
			if errors.Is(fetchErr, sources.ErrNoData) {
				return nil
			}
			return fetchErr
		})
		cancel()
		if err == nil {
			err = fetchErr
		}
		if err == nil {
			if i == 0 {
				return v, TagPrimary, nil
			}
			return v, TagFallback, nil
		}

		sourceFailures.WithLabelValues(string(fact), up.Name).Inc()
		a.logger.Debug("upstream fetch failed", "fact", fact, "upstream", up.Name, "error", err)
	}
	return zero, "", errAllSourcesFailed
}
