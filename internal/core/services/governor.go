package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/pkg/clock"
	"peerlink/pkg/retry"
)

// GovernorConfig bounds reconnection attempts per logical key.
type GovernorConfig struct {
	// MinInterval is the minimum spacing between two attempts.
	MinInterval time.Duration
	// MaxAttempts within Window blocks the key for BlockDuration.
	MaxAttempts int
	Window      time.Duration
	// BlockDuration is the cooldown; when it elapses the key unblocks and
	// its windowed attempts reset.
	BlockDuration time.Duration
	// HardCap is the lifetime attempt limit. Reaching it is terminal: the
	// key stays blocked until Reset (an explicit caller action).
	HardCap int
	// Backoff shape for Delay.
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// LatencyScale stretches backoff delays on slow networks. 1.0 is
	// neutral.
	LatencyScale float64
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MinInterval:   2 * time.Second,
		MaxAttempts:   3,
		Window:        30 * time.Second,
		BlockDuration: 60 * time.Second,
		HardCap:       10,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		LatencyScale:  1.0,
	}
}

type governorRecord struct {
	windowAttempts []time.Time
	totalAttempts  int
	lastAttemptAt  time.Time
	blockedUntil   time.Time
	blockReason    string
	exhausted      bool
}

// Governor rate-limits reconnection attempts per key. Keys are typically a
// remote peer id or "<peer>:<reason>". Attempts inside the rolling window
// beyond the limit block the key for a cooldown; the lifetime hard cap is
// terminal and only an explicit Reset clears it.
type Governor struct {
	mu      sync.Mutex
	cfg     GovernorConfig
	clk     clock.Clock
	log     *zap.SugaredLogger
	records map[string]*governorRecord
}

func NewGovernor(cfg GovernorConfig, clk clock.Clock, log *zap.SugaredLogger) *Governor {
	return &Governor{
		cfg:     cfg,
		clk:     clk,
		log:     log,
		records: make(map[string]*governorRecord),
	}
}

// ShouldAllow reports whether an attempt for key may proceed now. It never
// mutates attempt counts; callers pair it with RecordAttempt.
func (g *Governor) ShouldAllow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok {
		return true
	}
	now := g.clk.Now()

	if rec.exhausted {
		return false
	}

	if !rec.blockedUntil.IsZero() {
		if now.Before(rec.blockedUntil) {
			return false
		}
		// Cooldown elapsed: unblock and reset the window.
		rec.blockedUntil = time.Time{}
		rec.blockReason = ""
		rec.windowAttempts = nil
		g.log.Infow("retry key unblocked", "key", key)
	}

	if !rec.lastAttemptAt.IsZero() && now.Sub(rec.lastAttemptAt) < g.cfg.MinInterval {
		return false
	}

	g.pruneLocked(rec, now)
	if len(rec.windowAttempts) >= g.cfg.MaxAttempts {
		rec.blockedUntil = now.Add(g.cfg.BlockDuration)
		rec.blockReason = "attempt window exceeded"
		g.log.Warnw("retry key blocked",
			"key", key,
			"attempts", len(rec.windowAttempts),
			"cooldown", g.cfg.BlockDuration,
		)
		return false
	}

	// Exponential backoff between consecutive attempts.
	if !rec.lastAttemptAt.IsZero() {
		if now.Sub(rec.lastAttemptAt) < g.delayLocked(len(rec.windowAttempts)) {
			return false
		}
	}
	return true
}

// RecordAttempt counts one attempt for key. Reaching the lifetime hard cap
// marks the key exhausted, a terminal state surfaced as RetryExhausted.
func (g *Governor) RecordAttempt(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok {
		rec = &governorRecord{}
		g.records[key] = rec
	}
	now := g.clk.Now()

	g.pruneLocked(rec, now)
	rec.windowAttempts = append(rec.windowAttempts, now)
	rec.totalAttempts++
	rec.lastAttemptAt = now

	if len(rec.windowAttempts) >= g.cfg.MaxAttempts {
		rec.blockedUntil = now.Add(g.cfg.BlockDuration)
		rec.blockReason = "attempt window exceeded"
		g.log.Warnw("retry key blocked",
			"key", key,
			"attempts", len(rec.windowAttempts),
			"cooldown", g.cfg.BlockDuration,
		)
	}

	if rec.totalAttempts >= g.cfg.HardCap {
		rec.exhausted = true
		rec.blockReason = "retry budget exhausted"
		g.log.Errorw("retry key exhausted", "key", key, "total_attempts", rec.totalAttempts)
	}
}

// Reset clears the record for key. A successful connection calls this; it
// is also the only way out of exhaustion.
func (g *Governor) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, key)
}

// Exhausted reports whether key hit the lifetime hard cap.
func (g *Governor) Exhausted(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	return ok && rec.exhausted
}

// Delay returns the backoff to wait before the next attempt for key.
func (g *Governor) Delay(key string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok {
		return 0
	}
	g.pruneLocked(rec, g.clk.Now())
	return g.delayLocked(len(rec.windowAttempts))
}

// Record snapshots the state of key.
func (g *Governor) Record(key string) domain.RetryRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok {
		return domain.RetryRecord{Key: key}
	}

	now := g.clk.Now()
	g.pruneLocked(rec, now)
	blocked := rec.exhausted || (!rec.blockedUntil.IsZero() && now.Before(rec.blockedUntil))
	return domain.RetryRecord{
		Key:           key,
		Attempts:      len(rec.windowAttempts),
		LastAttemptAt: rec.lastAttemptAt,
		Blocked:       blocked,
		BlockReason:   rec.blockReason,
		BlockedUntil:  rec.blockedUntil,
	}
}

func (g *Governor) pruneLocked(rec *governorRecord, now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	kept := rec.windowAttempts[:0]
	for _, t := range rec.windowAttempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.windowAttempts = kept
}

func (g *Governor) delayLocked(attempts int) time.Duration {
	if attempts == 0 {
		return 0
	}
	cfg := retry.Config{
		InitialDelay: g.cfg.BaseDelay,
		MaxDelay:     g.cfg.MaxDelay,
		Multiplier:   g.cfg.Multiplier,
	}
	d := retry.DelayForAttempt(cfg, attempts-1)
	scale := g.cfg.LatencyScale
	if scale <= 0 {
		scale = 1.0
	}
	scaled := time.Duration(float64(d) * scale)
	if scaled > g.cfg.MaxDelay {
		scaled = g.cfg.MaxDelay
	}
	return scaled
}
