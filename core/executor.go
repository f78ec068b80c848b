package core

// executor.go – the executor adapter (C4, §4.4). Execution itself is an
// externally supplied pure function; this file owns only the contract and
// the per-(block, transaction) result cache, grounded in how the teacher's
// ledger layer memoizes expensive, purity-guaranteed work with an LRU.

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// VirtualSubstate is a substate value supplied out-of-band (e.g. a
// foreign pledge) so execution can resolve an input it does not itself
// hold a local copy of.
type VirtualSubstate struct {
	Address SubstateAddress
	Data    []byte
}

// ExecuteFunc is the pure execution contract (§4.4, §6 "Execution-engine
// interface"): same inputs must always produce the same ExecutionResult
// (I6 depends on this).
type ExecuteFunc func(ctx context.Context, tx *Transaction, resolved []ResolvedInput, virtual []VirtualSubstate, epoch Epoch) (*ExecutionResult, error)

type execCacheKey struct {
	Block       BlockId
	Transaction TransactionId
}

// Executor wraps an ExecuteFunc with a cache keyed by (block_id,
// transaction_id), evicted when a block is abandoned (§4.4).
type Executor struct {
	fn    ExecuteFunc
	cache *lru.Cache[execCacheKey, *ExecutionResult]
}

// NewExecutor builds an Executor with a cache sized for capacity
// concurrently in-flight (block, transaction) pairs.
func NewExecutor(fn ExecuteFunc, capacity int) (*Executor, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	cache, err := lru.New[execCacheKey, *ExecutionResult](capacity)
	if err != nil {
		return nil, Wrap(KindInvariantViolation, err, "construct executor cache")
	}
	return &Executor{fn: fn, cache: cache}, nil
}

// Execute runs (or returns the cached result of) executing tx within the
// context of blockId.
func (e *Executor) Execute(ctx context.Context, blockId BlockId, tx *Transaction, resolved []ResolvedInput, virtual []VirtualSubstate, epoch Epoch) (*ExecutionResult, error) {
	key := execCacheKey{Block: blockId, Transaction: tx.Id}
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}
	result, err := e.fn(ctx, tx, resolved, virtual, epoch)
	if err != nil {
		return nil, Wrap(KindExecutionError, err, "execute transaction")
	}
	e.cache.Add(key, result)
	return result, nil
}

// Abandon evicts every cached result for blockId, called when that block
// is orphaned or discarded (§4.4 "on block abandonment the cache row is
// removed").
func (e *Executor) Abandon(blockId BlockId) {
	for _, key := range e.cache.Keys() {
		if key.Block == blockId {
			e.cache.Remove(key)
		}
	}
}
