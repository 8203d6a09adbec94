// Package transfer defines the transfer engine the core consumes to move
// KV chunks across tiers (device buffer, host, disk) or across nodes, and
// a circuit breaker that guards calls to it.
package transfer

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zetareticula/kvcached/internal/kverrors"
)

// DefaultDeadline is the overall timeout applied to a transfer operation
// when no environment override is set.
const DefaultDeadline = 30 * time.Second

// Default circuit-breaker thresholds applied when a caller wires a transfer
// engine without specifying its own: open after 5 consecutive failures,
// close again after 2 consecutive half-open successes, probe again 30s
// after opening.
const (
	DefaultFailureThreshold   = 5
	DefaultSuccessThreshold   = 2
	DefaultBreakerOpenTimeout = 30 * time.Second
)

// NewDefaultGuardedEngine wraps engine with a CircuitBreaker using the
// package's default thresholds, the guard every default transfer
// construction in this module goes through.
func NewDefaultGuardedEngine(engine Engine) *GuardedEngine {
	return NewGuardedEngine(engine, DefaultFailureThreshold, DefaultSuccessThreshold, DefaultBreakerOpenTimeout)
}

// deadlineEnvVar names the environment variable that overrides
// DefaultDeadline, per spec's "configurable via environment" requirement.
const deadlineEnvVar = "KVCACHED_TRANSFER_DEADLINE_SECONDS"

// Deadline reads the configured transfer deadline: the value of
// deadlineEnvVar in seconds if set and valid, otherwise DefaultDeadline.
func Deadline() time.Duration {
	if v := os.Getenv(deadlineEnvVar); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultDeadline
}

// Opcode is the direction of a transfer request.
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
)

// Status mirrors the lifecycle a submitted transfer moves through.
type Status int

const (
	StatusWaiting Status = iota
	StatusPending
	StatusCompleted
	StatusFailed
	StatusTimeout
)

// Request describes one chunk move: length bytes at targetOffset within
// targetID, read from or written to source.
type Request struct {
	Opcode       Opcode
	Source       []byte
	TargetID     int64
	TargetOffset uint64
	Length       uint64
}

// Engine is the narrow collaborator the core depends on. AsyncLoad pulls a
// previously-saved session's KV chunk; AsyncSave pushes one out. Both are
// expected to be safe to call without holding any core lock.
type Engine interface {
	AsyncLoad(ctx context.Context, req Request) ([]byte, error)
	AsyncSave(ctx context.Context, req Request) error
}

// MemEngine is an in-memory Engine stub: it keeps saved payloads in a map
// keyed by (TargetID, TargetOffset), standing in for a real RDMA/TCP
// transfer engine. Useful for tests and for cmd/kvcachedemo.
type MemEngine struct {
	mu    sync.RWMutex
	store map[memKey][]byte
}

type memKey struct {
	targetID int64
	offset   uint64
}

// NewMemEngine constructs an empty in-memory transfer engine.
func NewMemEngine() *MemEngine {
	return &MemEngine{store: make(map[memKey][]byte)}
}

func (e *MemEngine) AsyncSave(_ context.Context, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, len(req.Source))
	copy(buf, req.Source)
	e.store[memKey{req.TargetID, req.TargetOffset}] = buf
	return nil
}

func (e *MemEngine) AsyncLoad(_ context.Context, req Request) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	buf, ok := e.store[memKey{req.TargetID, req.TargetOffset}]
	if !ok {
		return nil, kverrors.ErrNotFound
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

var _ Engine = (*MemEngine)(nil)

const (
	breakerState_Closed int32 = iota
	breakerState_Open
	breakerState_HalfOpen
)

// CircuitBreaker guards calls to a transfer Engine, opening after a run of
// failures. Once the open timeout has passed it goes half-open and lets
// calls through until successThreshold consecutive successes close it; a
// failure while half-open reopens it. One breaker is meant to be shared by
// all callers targeting the same remote endpoint.
type CircuitBreaker struct {
	state       atomic.Int32
	failures    atomic.Int64
	successes   atomic.Int64
	lastFailure atomic.Int64

	threshold        int64
	successThreshold int64
	openTimeout      time.Duration
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and, once open, waits openTimeout before allowing a
// half-open probe; successThreshold consecutive successes in half-open
// close it again.
func NewCircuitBreaker(failureThreshold, successThreshold int64, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:        failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow reports whether a call should be attempted now.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.state.Load() {
	case breakerState_Closed:
		return true
	case breakerState_Open:
		if time.Now().UnixNano()-cb.lastFailure.Load() > cb.openTimeout.Nanoseconds() {
			cb.state.CompareAndSwap(breakerState_Open, breakerState_HalfOpen)
			return true
		}
		return false
	case breakerState_HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess marks a call as having succeeded, potentially closing a
// half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	successes := cb.successes.Add(1)
	switch cb.state.Load() {
	case breakerState_HalfOpen:
		if successes >= cb.successThreshold {
			cb.state.Store(breakerState_Closed)
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	case breakerState_Closed:
		cb.failures.Store(0)
	}
}

// RecordFailure marks a call as having failed, potentially opening the
// breaker.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailure.Store(time.Now().UnixNano())
	cb.successes.Store(0)
	if failures >= cb.threshold {
		cb.state.Store(breakerState_Open)
	}
}

// State reports the breaker's current state for metrics/introspection.
func (cb *CircuitBreaker) State() string {
	switch cb.state.Load() {
	case breakerState_Closed:
		return "closed"
	case breakerState_Open:
		return "open"
	case breakerState_HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// GuardedEngine wraps an Engine with a CircuitBreaker and an overall
// deadline: calls are rejected outright with kverrors.ErrTransfer while the
// breaker is open, and a call that exceeds deadline surfaces
// kverrors.ErrTransfer without invalidating the session per spec's
// "Exceeded deadlines surface as a transfer error" rule.
type GuardedEngine struct {
	engine   Engine
	breaker  *CircuitBreaker
	deadline time.Duration
}

// NewGuardedEngine wraps engine with a fresh breaker using the given
// thresholds and open-state timeout. The overall per-call deadline comes
// from Deadline() (environment-overridable, default 30s).
func NewGuardedEngine(engine Engine, failureThreshold, successThreshold int64, openTimeout time.Duration) *GuardedEngine {
	return &GuardedEngine{
		engine:   engine,
		breaker:  NewCircuitBreaker(failureThreshold, successThreshold, openTimeout),
		deadline: Deadline(),
	}
}

func (g *GuardedEngine) AsyncSave(ctx context.Context, req Request) error {
	if !g.breaker.Allow() {
		return kverrors.ErrTransfer
	}
	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()
	err := g.engine.AsyncSave(ctx, req)
	if err != nil || ctx.Err() != nil {
		g.breaker.RecordFailure()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return kverrors.ErrTransfer
		}
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

func (g *GuardedEngine) AsyncLoad(ctx context.Context, req Request) ([]byte, error) {
	if !g.breaker.Allow() {
		return nil, kverrors.ErrTransfer
	}
	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()
	data, err := g.engine.AsyncLoad(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.breaker.RecordFailure()
			return nil, kverrors.ErrTransfer
		}
		if err != kverrors.ErrNotFound {
			g.breaker.RecordFailure()
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return data, nil
}

func (g *GuardedEngine) BreakerState() string { return g.breaker.State() }

var _ Engine = (*GuardedEngine)(nil)
