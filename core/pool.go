package core

// pool.go – the transaction pool (C3, §4.3). The pool itself keeps no
// state beyond what the store holds; every call reads and writes through
// Store (§5 "Shared-resource policy").

import "context"

// Pool implements §4.3 over a Store.
type Pool struct {
	store Store
}

func NewPool(store Store) *Pool {
	return &Pool{store: store}
}

// Admit inserts a brand-new pool entry for a transaction just seen for the
// first time (stage New).
func (p *Pool) Admit(ctx context.Context, txId TransactionId, fee uint64, localDecision Decision, involvedShardGroups []ShardGroup) error {
	return p.store.WithWriteTx(ctx, func(tx WriteTx) error {
		existing, err := tx.GetPoolEntry(txId)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		entry := NewPoolEntry(txId, fee, localDecision)
		entry.InvolvedShardGroups = involvedShardGroups
		// A New entry is offered to the proposer at once; its locks are
		// checked when the block carrying its Prepare command is decided.
		entry.IsReady = true
		if err := tx.InsertNewPoolEntry(entry); err != nil {
			return err
		}
		MetricPoolSize.Inc()
		return nil
	})
}

// Get fetches the pool entry for a transaction, or nil if absent.
func (p *Pool) Get(ctx context.Context, txId TransactionId) (*PoolEntry, error) {
	var entry *PoolEntry
	err := p.store.WithReadTx(ctx, func(tx ReadTx) error {
		e, err := tx.GetPoolEntry(txId)
		entry = e
		return err
	})
	return entry, err
}

// Ready returns up to limit entries the proposer may draw from, i.e.
// those already marked is_ready by the stage machine (§4.3 "Readiness").
func (p *Pool) Ready(ctx context.Context, limit int) ([]*PoolEntry, error) {
	var entries []*PoolEntry
	err := p.store.WithReadTx(ctx, func(tx ReadTx) error {
		e, err := tx.AllReadyPoolEntries(limit)
		entries = e
		return err
	})
	return entries, err
}

// computeReadiness derives is_ready for a stage transition per §4.3's
// readiness rule: (a) New/Prepared with a passing lock pre-check, (b)
// LocalPrepared with complete evidence, or (c) an explicit abort.
func computeReadiness(stage Stage, localDecision Decision, lockPrecheckOk bool, evidenceComplete bool) bool {
	switch stage {
	case StageNew, StagePrepared:
		return lockPrecheckOk
	case StageLocalPrepared:
		return evidenceComplete || localDecision == DecisionAbort
	default:
		return false
	}
}

// AddPendingStatusUpdate stages a transition keyed by the proposing block
// (§4.3 "add_pending_status_update"). It does not mutate the entry's
// confirmed Stage; that only happens via ConfirmAllTransitions once the
// block locks.
func (p *Pool) AddPendingStatusUpdate(ctx context.Context, blockId BlockId, txId TransactionId, newStage Stage, isReadyNow bool, leaderFee *uint64) error {
	return p.store.WithWriteTx(ctx, func(tx WriteTx) error {
		entry, err := tx.GetPoolEntry(txId)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrUnknownTransaction
		}
		update := PendingStageUpdate{
			Block:      blockId,
			Transaction: txId,
			NewStage:   newStage,
			IsReadyNow: isReadyNow,
			LeaderFee:  leaderFee,
		}
		if err := tx.AddPendingUpdate(blockId, update); err != nil {
			return err
		}
		entry.PendingStage = &newStage
		return tx.InsertNewPoolEntry(entry)
	})
}

// ConfirmAllTransitions commits every pending update keyed by
// newLockedBlock, discarding updates bound to blocks that never locked
// (§4.3, §4.7.4 "on_lock_block").
func (p *Pool) ConfirmAllTransitions(ctx context.Context, newLockedBlock BlockId) error {
	return p.store.WithWriteTx(ctx, func(tx WriteTx) error {
		return tx.ConfirmAllTransitions(newLockedBlock)
	})
}

// Finalize removes a batch of transactions from the pool once their
// owning block commits (§4.7.4 "release locks ... remove from pool").
func (p *Pool) Finalize(ctx context.Context, blockId BlockId, txIds []TransactionId) error {
	return p.store.WithWriteTx(ctx, func(tx WriteTx) error {
		entries := make([]*PoolEntry, 0, len(txIds))
		for _, id := range txIds {
			e, err := tx.GetPoolEntry(id)
			if err != nil {
				return err
			}
			if e != nil {
				entries = append(entries, e)
			}
		}
		if err := tx.FinalizeMany(blockId, entries); err != nil {
			return err
		}
		MetricPoolSize.Sub(float64(len(entries)))
		return nil
	})
}

// RecordEvidence merges a foreign shard's contribution into a
// transaction's evidence map and re-evaluates readiness (§4.9 step 2).
func (p *Pool) RecordEvidence(ctx context.Context, txId TransactionId, sg ShardGroup, ev ShardEvidence) error {
	return p.store.WithWriteTx(ctx, func(tx WriteTx) error {
		entry, err := tx.GetPoolEntry(txId)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrUnknownTransaction
		}
		if entry.Evidence == nil {
			entry.Evidence = Evidence{}
		}
		merged := entry.Evidence.Clone()
		existing := merged[sg]
		if ev.PreparedQc != nil {
			existing.PreparedQc = ev.PreparedQc
		}
		if ev.AcceptQc != nil {
			existing.AcceptQc = ev.AcceptQc
		}
		if ev.Decision != nil {
			existing.Decision = ev.Decision
		}
		if ev.SubstateAddressesTouched != nil {
			existing.SubstateAddressesTouched = ev.SubstateAddressesTouched
		}
		merged[sg] = existing
		entry.Evidence = merged

		if ev.Decision != nil && *ev.Decision == DecisionAbort {
			abort := DecisionAbort
			entry.RemoteDecision = &abort
		}

		if entry.Stage == StageLocalPrepared {
			evidenceComplete := entry.Evidence.AllShardsComplete(entry.InvolvedShardGroups)
			entry.IsReady = computeReadiness(entry.Stage, entry.LocalDecision, true, evidenceComplete) || entry.HasRemoteAbort()
		}
		return tx.InsertNewPoolEntry(entry)
	})
}

// HasRemoteAbort reports whether a foreign shard has already recorded an
// Abort for this transaction.
func (e *PoolEntry) HasRemoteAbort() bool {
	return e.RemoteDecision != nil && *e.RemoteDecision == DecisionAbort
}
