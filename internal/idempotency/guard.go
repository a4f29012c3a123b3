// Package idempotency deduplicates side-effecting tool invocations. A
// deterministic key derived from the tool name, agent, and arguments is
// claimed before the tool runs; duplicate invocations within the TTL window
// get the cached outcome instead of a second side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

// ErrExecutionFailed is wrapped into the error returned when a deduplicated
// invocation resolves as failed, so callers can distinguish a cached failure
// from a fresh one.
var ErrExecutionFailed = errors.New("deduplicated execution failed")

// Key derives the dedup key for one invocation. Arguments are serialized as
// canonical JSON (encoding/json emits map keys sorted), so logically equal
// argument maps always produce the same key.
func Key(toolName, agentID string, args map[string]any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode args for key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0x1f})
	h.Write([]byte(agentID))
	h.Write([]byte{0x1f})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Guard is the dedup gate for side-effecting tools.
type Guard struct {
	db  *store.LocalStore
	cfg config.IdempotencyConfig
}

// New returns a guard over db.
func New(db *store.LocalStore, cfg config.IdempotencyConfig) *Guard {
	return &Guard{db: db, cfg: cfg}
}

// BeginResult reports the outcome of a Begin call.
type BeginResult struct {
	// Claimed is true when the caller owns the key and must run the tool,
	// then call Complete or Fail.
	Claimed bool

	// Key is the derived dedup key.
	Key string

	// Existing is the entry already holding the key when Claimed is false.
	Existing *types.IdempotencyEntry
}

// Begin claims the dedup key for this invocation. Exactly one of any set of
// concurrent callers with the same key gets Claimed=true; the rest receive
// the existing entry and should Await its resolution.
func (g *Guard) Begin(ctx context.Context, toolName, agentID string, args map[string]any) (*BeginResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := Key(toolName, agentID, args)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &types.IdempotencyEntry{
		Key:       key,
		ToolName:  toolName,
		AgentID:   agentID,
		ExpiresAt: now.Add(g.cfg.TTL.Std()),
	}
	claimed, existing, err := g.db.ClaimEntry(entry, now)
	if err != nil {
		return nil, err
	}
	if claimed {
		logging.IdempotencyDebug("Begin: claimed %s for tool %s", shortKey(key), toolName)
		return &BeginResult{Claimed: true, Key: key}, nil
	}
	logging.Idempotency("Duplicate invocation of %s suppressed (key %s, holder %s)",
		toolName, shortKey(key), existing.Status)
	return &BeginResult{Claimed: false, Key: key, Existing: existing}, nil
}

// Complete resolves a claimed key with the successful result.
func (g *Guard) Complete(key, result string) error {
	return g.db.ResolveEntry(key, types.IdempotencyCompleted, result, "")
}

// Fail resolves a claimed key with the failure message. The failure is cached
// like a success: retrying a failed side effect within the window requires a
// new key, not a replay.
func (g *Guard) Fail(key, errMsg string) error {
	return g.db.ResolveEntry(key, types.IdempotencyFailed, "", errMsg)
}

// Await blocks until the entry for key resolves, polling with exponential
// backoff, and returns the resolved entry. Returns an error when ctx expires
// first or the entry disappears (TTL elapsed while pending).
func (g *Guard) Await(ctx context.Context, key string) (*types.IdempotencyEntry, error) {
	delay := g.cfg.PollBase.Std()
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	max := g.cfg.PollMax.Std()
	if max <= 0 {
		max = 2 * time.Second
	}

	for {
		entry, err := g.db.GetEntry(key)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("entry %s vanished while awaiting resolution", shortKey(key))
		}
		if entry.Status != types.IdempotencyPending {
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = delay * 3 / 2
		if delay > max {
			delay = max
		}
	}
}

// Execute wraps fn with the full dedup protocol: claim, run, resolve. A
// duplicate call waits for the original and returns its cached result; a
// cached failure surfaces as an error wrapping ErrExecutionFailed.
func (g *Guard) Execute(ctx context.Context, toolName, agentID string, args map[string]any,
	fn func(ctx context.Context) (string, error)) (string, error) {

	begin, err := g.Begin(ctx, toolName, agentID, args)
	if err != nil {
		return "", err
	}

	if !begin.Claimed {
		entry := begin.Existing
		if entry.Status == types.IdempotencyPending {
			entry, err = g.Await(ctx, begin.Key)
			if err != nil {
				return "", err
			}
		}
		if entry.Status == types.IdempotencyFailed {
			return "", fmt.Errorf("%w: %s", ErrExecutionFailed, entry.Error)
		}
		return entry.Result, nil
	}

	result, err := fn(ctx)
	if err != nil {
		if rerr := g.Fail(begin.Key, err.Error()); rerr != nil {
			logging.Get(logging.CategoryIdempotency).Errorf("Failed to record failure for %s: %v",
				shortKey(begin.Key), rerr)
		}
		return "", err
	}
	if rerr := g.Complete(begin.Key, result); rerr != nil {
		logging.Get(logging.CategoryIdempotency).Errorf("Failed to record result for %s: %v",
			shortKey(begin.Key), rerr)
	}
	return result, nil
}

// Sweep purges entries past their TTL.
func (g *Guard) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := g.db.PurgeExpiredEntries(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.IdempotencyDebug("Purged %d expired entries", n)
	}
	return n, nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
