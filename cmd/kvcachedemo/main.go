// cmd/kvcachedemo wires a kvcache.Engine with default configuration and
// drives one prefill/decode/evict cycle against stub compute callbacks,
// printing the resulting stats. It does not listen on any network port.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zetareticula/kvcached/internal/attention"
	"github.com/zetareticula/kvcached/internal/telemetry"
	"github.com/zetareticula/kvcached/pkg/kvcache"
)

func stubCompute(ctx context.Context, prevToken uint32, cache []attention.KVChunk) (uint32, attention.KVChunk, error) {
	chunk := attention.KVChunk{Values: make([]float32, 8)}
	for i := range chunk.Values {
		chunk.Values[i] = rand.Float32()
	}
	if len(cache) >= 4 {
		return attention.EOSToken, chunk, nil
	}
	return prevToken + 1, chunk, nil
}

func main() {
	jaegerEndpoint := os.Getenv("JAEGER_ENDPOINT")
	if jaegerEndpoint != "" {
		sampleRatio := 1.0
		if v := os.Getenv("JAEGER_SAMPLE_RATIO"); v != "" {
			if r, err := strconv.ParseFloat(v, 64); err == nil {
				sampleRatio = r
			}
		}
		if err := telemetry.Init(jaegerEndpoint, sampleRatio); err != nil {
			log.Printf("warning: tracing init failed: %v", err)
		}
	}

	cfg := kvcache.DefaultConfig()
	cfg.Compute = stubCompute
	engine := kvcache.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Shutdown()

	fmt.Println("kvcachedemo: running prefill/decode/evict cycle")

	sessionID := "demo-session"
	cache, err := engine.Prefill(ctx, sessionID, []uint32{11, 12, 13})
	if err != nil {
		log.Fatalf("prefill: %v", err)
	}
	fmt.Printf("prefilled %d KV chunks\n", len(cache))

	next, cache, err := engine.Decode(ctx, sessionID, 13, cache)
	if err != nil {
		log.Fatalf("decode: %v", err)
	}
	fmt.Printf("decode produced next token %d, cache now %d chunks\n", next, len(cache))

	admitted, placed := engine.Update(42, 0.75, 0, 0)
	fmt.Printf("cache update: admitted=%v placed=%v\n", admitted, placed)

	if err := engine.Evict(); err != nil {
		log.Printf("evict: %v", err)
	}

	stats := engine.GetStats()
	fmt.Printf("stats: total_blocks=%d valid_blocks=%d total_spots=%d dopamine=%.3f\n",
		stats.Cache.TotalBlocks, stats.Cache.ValidBlocks, stats.Cache.TotalSpots, stats.MesolimbicState.DopamineLevel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("shutting down")
	case <-time.After(200 * time.Millisecond):
	}
}
