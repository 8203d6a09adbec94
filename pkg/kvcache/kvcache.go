// Package kvcache is the public facade wiring the log-structured block
// cache, salience scoring, quantization, attention session store, eviction
// scheduling, and metrics/audit into one Engine.
package kvcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zetareticula/kvcached/internal/attention"
	"github.com/zetareticula/kvcached/internal/eviction"
	"github.com/zetareticula/kvcached/internal/logcache"
	"github.com/zetareticula/kvcached/internal/metrics"
	"github.com/zetareticula/kvcached/internal/quant"
	"github.com/zetareticula/kvcached/internal/salience"
	"github.com/zetareticula/kvcached/internal/segment"
	"github.com/zetareticula/kvcached/internal/telemetry"
	"github.com/zetareticula/kvcached/internal/transfer"
)

// Config enumerates every tunable the engine exposes.
type Config struct {
	Precision          quant.Precision
	QuantAlgorithm     quant.Algorithm
	BlockSize          int
	SpotCapacity       int
	MaxCacheItems      int
	SalienceThreshold  float32
	EvictionPolicy     eviction.Policy
	CompressionEnabled bool

	HostMemoryCapacityKB int
	DiskCapacityKB       int

	LayerCount         int
	MaxGenerationSteps int
	EOSToken           uint32

	// EvictionInterval paces the background scheduler that reclaims
	// low-value spots from the log-structured cache.
	EvictionInterval time.Duration

	Hook     segment.Hook
	Transfer transfer.Engine
	Compute  attention.Compute
}

// DefaultConfig returns the documented defaults: block_size 1024,
// salience_threshold 0.7, 4-bit salience-weighted quantization.
func DefaultConfig() Config {
	return Config{
		Precision:            quant.Int4,
		QuantAlgorithm:       quant.SalienceWeighted,
		BlockSize:            1024,
		SpotCapacity:         64,
		MaxCacheItems:        100000,
		SalienceThreshold:    0.7,
		EvictionPolicy:       eviction.Adaptive,
		CompressionEnabled:   true,
		HostMemoryCapacityKB: 1024 * 1024,
		DiskCapacityKB:       10 * 1024 * 1024,
		LayerCount:           attention.LayerCount,
		MaxGenerationSteps:   attention.MaxGenerationSteps,
		EOSToken:             attention.EOSToken,
		EvictionInterval:     5 * time.Second,
	}
}

// Stats aggregates the observable state exposed across all wired
// subsystems, for a single GetStats call.
type Stats struct {
	Cache           logcache.Stats
	Attention       attention.Stats
	MesolimbicState salience.MesolimbicState
	Counters        map[string]uint64
}

// Engine composes every core component behind one surface.
type Engine struct {
	cfg Config

	Cache     *logcache.Cache
	Salience  *salience.System
	Quant     *quant.Codec
	Attention *attention.Store
	Metrics   *metrics.Recorder

	evictor *eviction.Scheduler
}

// New wires an Engine from cfg, filling in defaults for zero-valued sizes,
// capacities, threshold, interval, and EOS token. Precision and
// QuantAlgorithm take their defaults only when both are zero; EvictionPolicy
// and CompressionEnabled are used as given.
func New(cfg Config) *Engine {
	cfg = mergeDefaults(cfg, DefaultConfig())

	cache := logcache.New(cfg.SpotCapacity, cfg.BlockSize, cfg.SalienceThreshold)
	sal := salience.New(salience.DefaultConfig())
	qcfg := quant.DefaultConfig()
	qcfg.Precision = cfg.Precision
	qcfg.Algorithm = cfg.QuantAlgorithm
	qc := quant.New(qcfg)
	rec := metrics.New()

	store := attention.New(attention.Config{
		HostMemoryCapacityKB: cfg.HostMemoryCapacityKB,
		DiskCapacityKB:       cfg.DiskCapacityKB,
		LayerCount:           cfg.LayerCount,
		MaxGenerationSteps:   cfg.MaxGenerationSteps,
		EOSToken:             cfg.EOSToken,
		Hook:                 cfg.Hook,
		Transfer:             cfg.Transfer,
		Compute:              cfg.Compute,
		EvictionPolicy:       cfg.EvictionPolicy,
		CompressionEnabled:   cfg.CompressionEnabled,
	})

	return &Engine{
		cfg:       cfg,
		Cache:     cache,
		Salience:  sal,
		Quant:     qc,
		Attention: store,
		Metrics:   rec,

		evictor: eviction.NewScheduler(cache.EvictionSource(), cfg.EvictionPolicy, cfg.EvictionInterval),
	}
}

func mergeDefaults(cfg, d Config) Config {
	if cfg.SpotCapacity == 0 {
		cfg.SpotCapacity = d.SpotCapacity
	}
	if cfg.MaxCacheItems == 0 {
		cfg.MaxCacheItems = d.MaxCacheItems
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = d.BlockSize
	}
	if cfg.SalienceThreshold == 0 {
		cfg.SalienceThreshold = d.SalienceThreshold
	}
	if cfg.HostMemoryCapacityKB == 0 {
		cfg.HostMemoryCapacityKB = d.HostMemoryCapacityKB
	}
	if cfg.DiskCapacityKB == 0 {
		cfg.DiskCapacityKB = d.DiskCapacityKB
	}
	if cfg.LayerCount == 0 {
		cfg.LayerCount = d.LayerCount
	}
	if cfg.MaxGenerationSteps == 0 {
		cfg.MaxGenerationSteps = d.MaxGenerationSteps
	}
	if cfg.EvictionInterval == 0 {
		cfg.EvictionInterval = d.EvictionInterval
	}
	if cfg.EOSToken == 0 {
		cfg.EOSToken = d.EOSToken
	}
	if cfg.Precision == 0 && cfg.QuantAlgorithm == 0 {
		cfg.Precision = d.Precision
		cfg.QuantAlgorithm = d.QuantAlgorithm
	}
	return cfg
}

// Start launches the engine's background work: the attention store's
// persistence sweep and the spot eviction scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.Attention.StartSweep(ctx)
	e.evictor.Start(ctx)
}

// Shutdown stops background work.
func (e *Engine) Shutdown() {
	e.Attention.StopSweep()
	e.evictor.Stop()
}

// Update admits one token into the log-structured cache, scoring its
// salience first.
func (e *Engine) Update(tokenID uint32, value float32, pointer int, bias float32) (admitted, placed bool) {
	_, done := telemetry.StartOp(context.Background(), telemetry.ComponentLogCache, "update",
		attribute.Int64("token_id", int64(tokenID)))
	defer done(nil)

	start := time.Now()
	results := e.Salience.ComputeSalience([]uint32{tokenID})
	var score float32
	if len(results) > 0 {
		score = results[0].SalienceScore
	}
	if score >= e.cfg.SalienceThreshold && e.Cache.GetStats().TotalBlocks >= e.cfg.MaxCacheItems {
		// Admission would push the cache past its item budget; report
		// needs-eviction the same way a full SpotManager does.
		e.Metrics.Observe("update", time.Since(start))
		e.Metrics.RecordEvent("cache.update", tokenID, "needs eviction")
		return true, false
	}
	admitted, placed = e.Cache.Update(tokenID, value, score, pointer, bias)
	if admitted && !placed {
		// SpotManager is at capacity: force an eviction pass, reclaim any
		// fully-occupied spots, and retry once. A second refusal is the
		// caller's capacity failure.
		if err := e.Attention.Evict(); err != nil {
			e.Metrics.RecordEvent("cache.update", tokenID, "eviction pass failed")
		}
		e.Cache.EraseFullSpots()
		admitted, placed = e.Cache.Update(tokenID, value, score, pointer, bias)
	}
	e.Metrics.Observe("update", time.Since(start))
	if admitted {
		e.Metrics.RecordEvent("cache.update", tokenID, "admitted")
	} else {
		e.Metrics.RecordEvent("cache.update", tokenID, "rejected")
	}
	return admitted, placed
}

// InvalidateLowSalience forwards to the log-structured cache.
func (e *Engine) InvalidateLowSalience(scores []logcache.TokenSalience) {
	_, done := telemetry.StartOp(context.Background(), telemetry.ComponentLogCache, "invalidate_low_salience")
	defer done(nil)

	start := time.Now()
	e.Cache.InvalidateLowSalience(scores)
	e.Metrics.Observe("invalidate_low_salience", time.Since(start))
}

// EraseFullSpots forwards to the log-structured cache.
func (e *Engine) EraseFullSpots() {
	_, done := telemetry.StartOp(context.Background(), telemetry.ComponentLogCache, "erase_full_spots")
	defer done(nil)

	start := time.Now()
	e.Cache.EraseFullSpots()
	e.Metrics.Observe("erase_full_spots", time.Since(start))
}

// GetStats aggregates stats across the wired subsystems.
func (e *Engine) GetStats() Stats {
	return Stats{
		Cache:           e.Cache.GetStats(),
		Attention:       e.Attention.GetStats(),
		MesolimbicState: e.Salience.State(),
		Counters: map[string]uint64{
			"update.count": e.Metrics.Counter("update.count"),
		},
	}
}

// Prefill forwards to the attention store.
func (e *Engine) Prefill(ctx context.Context, sessionID string, newTokens []uint32) ([]attention.KVChunk, error) {
	ctx, done := telemetry.StartOp(ctx, telemetry.ComponentAttention, "prefill",
		attribute.String("session_id", sessionID))

	start := time.Now()
	cache, err := e.Attention.Prefill(ctx, sessionID, newTokens)
	e.Metrics.Observe("prefill", time.Since(start))
	done(err)
	return cache, err
}

// Decode forwards to the attention store.
func (e *Engine) Decode(ctx context.Context, sessionID string, token uint32, prevCache []attention.KVChunk) (uint32, []attention.KVChunk, error) {
	ctx, done := telemetry.StartOp(ctx, telemetry.ComponentAttention, "decode",
		attribute.String("session_id", sessionID))

	start := time.Now()
	next, cache, err := e.Attention.Decode(ctx, sessionID, token, prevCache)
	e.Metrics.Observe("decode", time.Since(start))
	done(err)
	return next, cache, err
}

// TruncateCache forwards to the attention store.
func (e *Engine) TruncateCache(ctx context.Context, sessionID string, maxTokens int) error {
	ctx, done := telemetry.StartOp(ctx, telemetry.ComponentAttention, "truncate_cache",
		attribute.String("session_id", sessionID))

	start := time.Now()
	err := e.Attention.TruncateCache(ctx, sessionID, maxTokens)
	e.Metrics.Observe("truncate_cache", time.Since(start))
	done(err)
	return err
}

// Evict forwards to the attention store.
func (e *Engine) Evict() error {
	_, done := telemetry.StartOp(context.Background(), telemetry.ComponentAttention, "evict")

	start := time.Now()
	err := e.Attention.Evict()
	e.Metrics.Observe("evict", time.Since(start))
	done(err)
	return err
}

// Quantize forwards to the quantization codec.
func (e *Engine) Quantize(data []float32) (quant.Result, error) {
	_, done := telemetry.StartOp(context.Background(), telemetry.ComponentQuant, "quantize",
		attribute.Int("dims", len(data)))

	start := time.Now()
	result, err := e.Quant.Quantize(data)
	e.Metrics.Observe("quantize", time.Since(start))
	done(err)
	return result, err
}

// Dequantize forwards to the quantization codec.
func (e *Engine) Dequantize(result quant.Result) []float32 {
	_, done := telemetry.StartOp(context.Background(), telemetry.ComponentQuant, "dequantize")
	defer done(nil)

	start := time.Now()
	out := e.Quant.Dequantize(result.QuantizedData, result.Parameters)
	e.Metrics.Observe("dequantize", time.Since(start))
	return out
}

// SetSalienceWeights forwards to the quantization codec.
func (e *Engine) SetSalienceWeights(weights map[int]float32) {
	e.Quant.SetSalienceWeights(weights)
}
