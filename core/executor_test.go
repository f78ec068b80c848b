package core

import (
	"context"
	"errors"
	"testing"
)

var errExecutionFailure = errors.New("deterministic reject")

func TestExecutorCachesByBlockAndTransaction(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context, tx *Transaction, resolved []ResolvedInput, virtual []VirtualSubstate, epoch Epoch) (*ExecutionResult, error) {
		calls++
		return &ExecutionResult{Accepted: true}, nil
	}
	exec, err := NewExecutor(fn, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx := &Transaction{Id: TransactionId(NewHash256([]byte("tx-cache")))}
	block := BlockId(NewHash256([]byte("block-cache")))

	if _, err := exec.Execute(context.Background(), block, tx, nil, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := exec.Execute(context.Background(), block, tx, nil, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the second call to hit the cache, fn invoked %d times", calls)
	}
}

func TestExecutorAbandonEvictsOnlyThatBlock(t *testing.T) {
	fn := func(ctx context.Context, tx *Transaction, resolved []ResolvedInput, virtual []VirtualSubstate, epoch Epoch) (*ExecutionResult, error) {
		return &ExecutionResult{Accepted: true}, nil
	}
	exec, err := NewExecutor(fn, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	txA := &Transaction{Id: TransactionId(NewHash256([]byte("tx-a")))}
	txB := &Transaction{Id: TransactionId(NewHash256([]byte("tx-b")))}
	blockA := BlockId(NewHash256([]byte("block-a")))
	blockB := BlockId(NewHash256([]byte("block-b")))

	if _, err := exec.Execute(context.Background(), blockA, txA, nil, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := exec.Execute(context.Background(), blockB, txB, nil, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec.Abandon(blockA)

	if _, ok := exec.cache.Get(execCacheKey{Block: blockA, Transaction: txA.Id}); ok {
		t.Fatal("expected blockA's cache entry to be evicted")
	}
	if _, ok := exec.cache.Get(execCacheKey{Block: blockB, Transaction: txB.Id}); !ok {
		t.Fatal("expected blockB's cache entry to survive abandoning blockA")
	}
}

func TestExecutorWrapsExecutionError(t *testing.T) {
	fn := func(ctx context.Context, tx *Transaction, resolved []ResolvedInput, virtual []VirtualSubstate, epoch Epoch) (*ExecutionResult, error) {
		return nil, errExecutionFailure
	}
	exec, err := NewExecutor(fn, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx := &Transaction{Id: TransactionId(NewHash256([]byte("tx-fail")))}
	_, err = exec.Execute(context.Background(), BlockId(NewHash256([]byte("block-fail"))), tx, nil, nil, 0)
	if err == nil {
		t.Fatal("expected an error")
	}
	if KindOf(err) != KindExecutionError {
		t.Fatalf("expected KindExecutionError, got %s", KindOf(err))
	}
}
