package capability

import (
	"context"
	"errors"
	"sync"
	"time"

	"stratagen/internal/advice"
	"stratagen/internal/evidence"
)

// ErrCircuitOpen is returned without invoking the wrapped capability while
// the circuit is open.
var ErrCircuitOpen = errors.New("capability circuit open")

// BreakerConfig tunes the circuit breaker wrapped around a capability.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 30 * time.Second
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker wraps a capability and fails fast once FailureThreshold
// consecutive calls have failed. After Cooldown a single probe call is let
// through: if it succeeds the circuit closes, otherwise it reopens. Any
// successful call while closed resets the failure count.
type Breaker struct {
	inner Capability
	cfg   BreakerConfig
	now   func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(inner Capability, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{inner: inner, cfg: cfg, now: time.Now}
}

func (b *Breaker) Name() string {
	return b.inner.Name() + "+breaker"
}

// State reports the current circuit state for diagnostics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *Breaker) GenerateInitial(ctx context.Context, inv Invocation) Result[*advice.GenerationResult] {
	if err := b.allow(); err != nil {
		return Fail[*advice.GenerationResult](err, 0)
	}
	res := b.inner.GenerateInitial(ctx, inv)
	b.record(res.Success)
	return res
}

func (b *Breaker) ScoreQuality(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.QualityScore] {
	if err := b.allow(); err != nil {
		return Fail[*advice.QualityScore](err, 0)
	}
	res := b.inner.ScoreQuality(ctx, inv, result)
	b.record(res.Success)
	return res
}

func (b *Breaker) RefineWithContext(ctx context.Context, inv Invocation, prev *advice.GenerationResult, score *advice.QualityScore, added []evidence.Bucket) Result[*advice.GenerationResult] {
	if err := b.allow(); err != nil {
		return Fail[*advice.GenerationResult](err, 0)
	}
	res := b.inner.RefineWithContext(ctx, inv, prev, score, added)
	b.record(res.Success)
	return res
}

func (b *Breaker) CheckConsistency(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.GenerationResult] {
	if err := b.allow(); err != nil {
		return Fail[*advice.GenerationResult](err, 0)
	}
	res := b.inner.CheckConsistency(ctx, inv, result)
	b.record(res.Success)
	return res
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.state = breakerHalfOpen
		b.probing = true
		return nil
	default:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.probing = false
		if ok {
			b.state = breakerClosed
			b.failures = 0
		} else {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
		return
	}
	if ok {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}
