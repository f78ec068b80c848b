package core

// lock_manager.go – substate lock semantics layered over the raw store
// (C2, §4.2). The store only knows how to read/write lock rows; this file
// owns the exclusivity rules and lock-conflict bookkeeping.

import "context"

// LockOutcome is the result of a try_lock_all / check_lock_all attempt.
type LockOutcome struct {
	Granted   bool
	Conflicts []LockConflict
}

// LockManager implements §4.2 over a Store.
type LockManager struct {
	store Store
}

func NewLockManager(store Store) *LockManager {
	return &LockManager{store: store}
}

// LockRequest is one address's desired lock, scoped to a transaction and
// the block proposing it.
type LockRequest struct {
	Address    SubstateAddress
	SubstateId SubstateId
	Flag       LockFlag
}

// TryLockAll attempts to grant every lock in reqs atomically for txId
// within blockId. On any conflict, nothing is granted, the conflicting
// pairs are recorded in lock_conflicts, and Granted is false (§4.2 rule 4).
func (m *LockManager) TryLockAll(ctx context.Context, blockId BlockId, txId TransactionId, reqs []LockRequest) (LockOutcome, error) {
	var outcome LockOutcome
	err := m.store.WithWriteTx(ctx, func(tx WriteTx) error {
		conflicts, err := m.evaluate(tx, blockId, txId, reqs)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			for _, c := range conflicts {
				if err := tx.RecordLockConflict(c); err != nil {
					return err
				}
				MetricLockConflicts.Inc()
			}
			outcome = LockOutcome{Granted: false, Conflicts: conflicts}
			return nil
		}
		grants := make([]SubstateLock, 0, len(reqs))
		for _, r := range reqs {
			grants = append(grants, SubstateLock{
				Address:     r.Address,
				SubstateId:  r.SubstateId,
				Transaction: txId,
				Block:       blockId,
				Flag:        r.Flag,
			})
		}
		if err := tx.LockAll(blockId, grants); err != nil {
			return err
		}
		outcome = LockOutcome{Granted: true}
		return nil
	})
	return outcome, err
}

// CheckLockAll is the read-only pre-flight form used by the decider
// (§4.2). It never mutates state; it only reports whether the requested
// locks would be granted against the current state.
func (m *LockManager) CheckLockAll(ctx context.Context, blockId BlockId, txId TransactionId, reqs []LockRequest) (LockOutcome, error) {
	var outcome LockOutcome
	err := m.store.WithReadTx(ctx, func(tx ReadTx) error {
		conflicts, err := m.evaluateRead(tx, blockId, txId, reqs)
		if err != nil {
			return err
		}
		outcome = LockOutcome{Granted: len(conflicts) == 0, Conflicts: conflicts}
		return nil
	})
	return outcome, err
}

// evaluate runs the exclusivity rules against a write-tx view (used right
// before granting).
func (m *LockManager) evaluate(tx ReadTx, blockId BlockId, txId TransactionId, reqs []LockRequest) ([]LockConflict, error) {
	return m.evaluateRead(tx, blockId, txId, reqs)
}

func (m *LockManager) evaluateRead(tx ReadTx, blockId BlockId, txId TransactionId, reqs []LockRequest) ([]LockConflict, error) {
	var conflicts []LockConflict
	for _, r := range reqs {
		held, err := tx.GetLocksForAddress(r.Address)
		if err != nil {
			return nil, err
		}
		conflict := evaluateOne(blockId, txId, r.Address, r.Flag, held)
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
	}
	return conflicts, nil
}

// evaluateOne applies rules 1-4 of §4.2 for a single address/flag request
// against the locks currently held on it.
func evaluateOne(blockId BlockId, txId TransactionId, addr SubstateAddress, flag LockFlag, held []SubstateLock) *LockConflict {
	for _, h := range held {
		if h.Transaction == txId {
			continue
		}
		switch flag {
		case LockWrite:
			// Rule 1: Write needs exclusivity over any other lock.
			return &LockConflict{Block: blockId, LaterTx: txId, DependsOnTx: h.Transaction, RequestedLock: flag, Address: addr}
		case LockRead:
			// Rule 2: Read fails only against a held Write.
			if h.Flag == LockWrite {
				return &LockConflict{Block: blockId, LaterTx: txId, DependsOnTx: h.Transaction, RequestedLock: flag, Address: addr}
			}
		case LockOutput:
			// Rule 3: Output collides with another Output on the same
			// address within the same block only.
			if h.Flag == LockOutput && h.Block == blockId {
				return &LockConflict{Block: blockId, LaterTx: txId, DependsOnTx: h.Transaction, RequestedLock: flag, Address: addr}
			}
		}
	}
	return nil
}

// ReleaseAllFor releases every lock held by txId, regardless of block
// (§4.2 "release_all_for").
func (m *LockManager) ReleaseAllFor(ctx context.Context, txIds []TransactionId) error {
	return m.store.WithWriteTx(ctx, func(tx WriteTx) error {
		return tx.ReleaseByTransactions(txIds)
	})
}

// ReleaseForBlock releases every lock a given block holds, used when a
// block is abandoned or orphaned (§4.2 "release_for_block").
func (m *LockManager) ReleaseForBlock(ctx context.Context, blockId BlockId) error {
	return m.store.WithWriteTx(ctx, func(tx WriteTx) error {
		return tx.ReleaseByBlock(blockId)
	})
}

