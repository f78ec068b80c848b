package core

// store_bbolt.go – the C1 state store backed by go.etcd.io/bbolt. bbolt's
// View/Update closures are exactly the with_read_tx/with_write_tx
// combinators the spec asks for (§4.1): View opens a read-only, consistent
// snapshot; Update opens a serialized read-write transaction and commits
// atomically when the closure returns nil.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Bucket names mirror the persisted-state layout of §6 as closely as
// bbolt's flat bucket namespace allows.
var (
	bucketBlocks           = []byte("blocks")
	bucketQcs              = []byte("quorum_certificates")
	bucketQcByBlock        = []byte("qc_by_block")
	bucketMeta             = []byte("meta") // leaf_block, locked_block, last_voted, last_executed, high_qcs
	bucketTransactions     = []byte("transactions")
	bucketPool             = []byte("transaction_pool")
	bucketPoolUpdates      = []byte("transaction_pool_state_updates")
	bucketExecutions       = []byte("transaction_executions")
	bucketSubstates        = []byte("substates")
	bucketStateTransitions = []byte("state_transitions")
	bucketLocks            = []byte("substate_locks")
	bucketLockConflicts    = []byte("lock_conflicts")
	bucketForeignProposals = []byte("foreign_proposals")
	bucketForeignPledges   = []byte("foreign_substate_pledges")
	bucketParkedBlocks     = []byte("parked_blocks")
	bucketVotes            = []byte("votes")
	bucketPendingTreeDiffs = []byte("pending_state_tree_diffs")
	bucketStateTree        = []byte("state_tree")
	bucketEpochCheckpoints = []byte("epoch_checkpoints")
	bucketNoVotes          = []byte("diagnostics_no_votes")
)

var allBuckets = [][]byte{
	bucketBlocks, bucketQcs, bucketQcByBlock, bucketMeta, bucketTransactions,
	bucketPool, bucketPoolUpdates, bucketExecutions, bucketSubstates,
	bucketStateTransitions, bucketLocks, bucketLockConflicts,
	bucketForeignProposals, bucketForeignPledges, bucketParkedBlocks,
	bucketVotes, bucketPendingTreeDiffs, bucketStateTree,
	bucketEpochCheckpoints, bucketNoVotes,
}

const (
	metaKeyLeaf          = "leaf_block"
	metaKeyLocked        = "locked_block"
	metaKeyLastExecuted  = "last_executed"
	metaKeyLastVoted     = "last_voted"
	metaKeyLastCommitted = "last_committed"
	metaKeyHighQc        = "high_qc"
)

// BoltStore is the bbolt-backed implementation of Store.
type BoltStore struct {
	db  *bolt.DB
	log *logrus.Entry
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path and
// ensures every persisted-state bucket from §6 exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, Wrap(KindInvariantViolation, err, "open bbolt store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, Wrap(KindInvariantViolation, err, "create buckets")
	}
	return &BoltStore{db: db, log: logrus.WithField("component", "store")}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// WithReadTx runs f inside a read-only bbolt transaction (§4.1).
func (s *BoltStore) WithReadTx(ctx context.Context, f func(ReadTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return f(&boltReadTx{tx: tx})
	})
}

// WithWriteTx runs f inside a read-write bbolt transaction. bbolt
// serializes all writers, so a returned nil always means the whole
// closure's effects committed atomically (§4.1 "each with_write_tx is
// serializable with respect to every other write transaction").
func (s *BoltStore) WithWriteTx(ctx context.Context, f func(WriteTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return f(&boltWriteTx{boltReadTx{tx: tx}})
	})
}

// --- encoding helpers ---

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// --- read tx ---

type boltReadTx struct {
	tx *bolt.Tx
}

func (r *boltReadTx) GetBlock(id BlockId) (*Block, error) {
	b := r.tx.Bucket(bucketBlocks)
	var blk Block
	ok, err := getJSON(b, id[:], &blk)
	if err != nil || !ok {
		return nil, err
	}
	return &blk, nil
}

func (r *boltReadTx) GetParent(id BlockId) (*Block, error) {
	blk, err := r.GetBlock(id)
	if err != nil || blk == nil {
		return nil, err
	}
	return r.GetBlock(blk.Header.Parent)
}

func (r *boltReadTx) HasBeenJustified(id BlockId) (bool, error) {
	b := r.tx.Bucket(bucketQcByBlock)
	return b.Get(id[:]) != nil, nil
}

func (r *boltReadTx) getMetaBlockId(key string) (*Block, error) {
	b := r.tx.Bucket(bucketMeta)
	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var id BlockId
	copy(id[:], data)
	return r.GetBlock(id)
}

func (r *boltReadTx) GetLastCommitted() (*Block, error) { return r.getMetaBlockId(metaKeyLastCommitted) }
func (r *boltReadTx) GetTip() (*Block, error)            { return r.getMetaBlockId(metaKeyLeaf) }
func (r *boltReadTx) GetLockedBlock() (*Block, error)    { return r.getMetaBlockId(metaKeyLocked) }
func (r *boltReadTx) GetLastExecuted() (*Block, error)   { return r.getMetaBlockId(metaKeyLastExecuted) }

func (r *boltReadTx) GetLastVoted() (NodeHeight, error) {
	b := r.tx.Bucket(bucketMeta)
	data := b.Get([]byte(metaKeyLastVoted))
	if data == nil {
		return 0, nil
	}
	var h NodeHeight
	if err := json.Unmarshal(data, &h); err != nil {
		return 0, err
	}
	return h, nil
}

func (r *boltReadTx) GetHighQc() (*QuorumCertificate, error) {
	b := r.tx.Bucket(bucketMeta)
	data := b.Get([]byte(metaKeyHighQc))
	if data == nil {
		return nil, nil
	}
	var id QcId
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return r.getQc(id)
}

func (r *boltReadTx) GetQc(id QcId) (*QuorumCertificate, error) { return r.getQc(id) }

func (r *boltReadTx) getQc(id QcId) (*QuorumCertificate, error) {
	b := r.tx.Bucket(bucketQcs)
	var qc QuorumCertificate
	ok, err := getJSON(b, id[:], &qc)
	if err != nil || !ok {
		return nil, err
	}
	return &qc, nil
}

func (r *boltReadTx) GetQcByBlockId(id BlockId) (*QuorumCertificate, error) {
	idx := r.tx.Bucket(bucketQcByBlock)
	data := idx.Get(id[:])
	if data == nil {
		return nil, nil
	}
	var qcId QcId
	copy(qcId[:], data)
	return r.getQc(qcId)
}

func (r *boltReadTx) GetTransaction(id TransactionId) (*Transaction, error) {
	b := r.tx.Bucket(bucketTransactions)
	var t Transaction
	ok, err := getJSON(b, id[:], &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (r *boltReadTx) GetPoolEntry(id TransactionId) (*PoolEntry, error) {
	b := r.tx.Bucket(bucketPool)
	var e PoolEntry
	ok, err := getJSON(b, id[:], &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (r *boltReadTx) AllReadyPoolEntries(limit int) ([]*PoolEntry, error) {
	b := r.tx.Bucket(bucketPool)
	var out []*PoolEntry
	err := b.ForEach(func(k, v []byte) error {
		if limit > 0 && len(out) >= limit {
			return nil
		}
		var e PoolEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if e.IsReady {
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (r *boltReadTx) GetLocksForAddress(addr SubstateAddress) ([]SubstateLock, error) {
	b := r.tx.Bucket(bucketLocks)
	var locks []SubstateLock
	ok, err := getJSON(b, addr[:], &locks)
	if err != nil || !ok {
		return nil, err
	}
	return locks, nil
}

func (r *boltReadTx) GetSubstate(addr SubstateAddress) (*Substate, error) {
	b := r.tx.Bucket(bucketSubstates)
	var s Substate
	ok, err := getJSON(b, addr[:], &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (r *boltReadTx) UnparkIfReady(currentHeight NodeHeight, txId TransactionId) (*Block, []BlockId, error) {
	b := r.tx.Bucket(bucketParkedBlocks)
	var found *ParkedBlock
	var foundKey []byte
	err := b.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		var p ParkedBlock
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		for _, m := range p.MissingTransactionIds {
			if m == txId {
				// still missing others? only ready if this was the last one.
				remaining := 0
				for _, m2 := range p.MissingTransactionIds {
					if m2 != txId {
						remaining++
					}
				}
				if remaining == 0 {
					found = &p
					foundKey = append([]byte(nil), k...)
				}
				return nil
			}
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, nil, err
	}
	_ = foundKey
	return found.Block, found.ForeignProposals, nil
}

func (r *boltReadTx) LoadLatestEpochCheckpoint() (*EpochCheckpoint, error) {
	b := r.tx.Bucket(bucketEpochCheckpoints)
	var latest *EpochCheckpoint
	err := b.ForEach(func(k, v []byte) error {
		var c EpochCheckpoint
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if latest == nil || c.Epoch > latest.Epoch {
			cp := c
			latest = &cp
		}
		return nil
	})
	return latest, err
}

// --- write tx ---

type boltWriteTx struct {
	boltReadTx
}

func (w *boltWriteTx) InsertBlock(b *Block) error {
	bucket := w.tx.Bucket(bucketBlocks)
	id := b.Id()
	return putJSON(bucket, id[:], b)
}

func (w *boltWriteTx) DeleteBlock(id BlockId) error {
	return w.tx.Bucket(bucketBlocks).Delete(id[:])
}

func (w *boltWriteTx) MarkCommitted(id BlockId) error {
	return w.tx.Bucket(bucketMeta).Put([]byte(metaKeyLastCommitted), id[:])
}

func (w *boltWriteTx) MarkJustified(id BlockId) error {
	// Justification is recorded implicitly whenever a QC referencing the
	// block is inserted (InsertQc populates qc_by_block); this is a no-op
	// retained so callers can mark justification explicitly for blocks
	// whose QC arrives out of band (e.g. during sync).
	return nil
}

func (w *boltWriteTx) SetLeaf(id BlockId) error {
	return w.tx.Bucket(bucketMeta).Put([]byte(metaKeyLeaf), id[:])
}

func (w *boltWriteTx) SetLocked(id BlockId) error {
	return w.tx.Bucket(bucketMeta).Put([]byte(metaKeyLocked), id[:])
}

func (w *boltWriteTx) SetLastExecuted(id BlockId) error {
	return w.tx.Bucket(bucketMeta).Put([]byte(metaKeyLastExecuted), id[:])
}

func (w *boltWriteTx) SetLastVoted(h NodeHeight) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return w.tx.Bucket(bucketMeta).Put([]byte(metaKeyLastVoted), data)
}

func (w *boltWriteTx) SaveDiff(blockId BlockId, diff SubstateChange) error {
	bucket := w.tx.Bucket(bucketStateTransitions)
	if err := putJSON(bucket, blockId[:], diff); err != nil {
		return err
	}
	pending := w.tx.Bucket(bucketPendingTreeDiffs)
	if err := putJSON(pending, blockId[:], diff); err != nil {
		return err
	}
	substates := w.tx.Bucket(bucketSubstates)
	for _, up := range diff.Up {
		addr := up.Address()
		if err := putJSON(substates, addr[:], up); err != nil {
			return err
		}
	}
	for _, down := range diff.Down {
		var s Substate
		ok, err := getJSON(substates, down[:], &s)
		if err != nil {
			return err
		}
		if ok {
			s.Status = SubstateDown
			if err := putJSON(substates, down[:], s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *boltWriteTx) InsertQc(qc *QuorumCertificate) error {
	if qc.Id.IsZero() {
		qc.Id = qc.computeId()
	}
	bucket := w.tx.Bucket(bucketQcs)
	if err := putJSON(bucket, qc.Id[:], qc); err != nil {
		return err
	}
	idx := w.tx.Bucket(bucketQcByBlock)
	return idx.Put(qc.BlockId[:], qc.Id[:])
}

func (w *boltWriteTx) UpdateHighQc(qc *QuorumCertificate) error {
	if err := w.InsertQc(qc); err != nil {
		return err
	}
	data, err := json.Marshal(qc.Id)
	if err != nil {
		return err
	}
	return w.tx.Bucket(bucketMeta).Put([]byte(metaKeyHighQc), data)
}

func (w *boltWriteTx) InsertTransaction(t *Transaction) error {
	bucket := w.tx.Bucket(bucketTransactions)
	return putJSON(bucket, t.Id[:], t)
}

func (w *boltWriteTx) UpdateExecution(id TransactionId, result *ExecutionResult, resolved []ResolvedInput, outputs []SubstateId) error {
	bucket := w.tx.Bucket(bucketTransactions)
	var t Transaction
	ok, err := getJSON(bucket, id[:], &t)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("core: UpdateExecution: unknown transaction %s", id)
	}
	t.ExecutionResult = result
	t.ResolvedInputs = resolved
	t.Outputs = outputs
	d := result.Decision()
	t.FinalDecision = &d
	if err := putJSON(bucket, id[:], &t); err != nil {
		return err
	}
	exec := w.tx.Bucket(bucketExecutions)
	return putJSON(exec, id[:], result)
}

func (w *boltWriteTx) FinalizeMany(blockId BlockId, entries []*PoolEntry) error {
	bucket := w.tx.Bucket(bucketPool)
	for _, e := range entries {
		if err := bucket.Delete(e.TransactionId[:]); err != nil {
			return err
		}
	}
	return nil
}

func (w *boltWriteTx) InsertNewPoolEntry(e *PoolEntry) error {
	bucket := w.tx.Bucket(bucketPool)
	return putJSON(bucket, e.TransactionId[:], e)
}

func pendingUpdateKey(blockId BlockId, txId TransactionId) []byte {
	key := make([]byte, 0, IdSize*2)
	key = append(key, blockId[:]...)
	key = append(key, txId[:]...)
	return key
}

func (w *boltWriteTx) AddPendingUpdate(blockId BlockId, update PendingStageUpdate) error {
	bucket := w.tx.Bucket(bucketPoolUpdates)
	return putJSON(bucket, pendingUpdateKey(blockId, update.Transaction), update)
}

func (w *boltWriteTx) ConfirmAllTransitions(newLockedBlock BlockId) error {
	updates := w.tx.Bucket(bucketPoolUpdates)
	pool := w.tx.Bucket(bucketPool)

	prefix := newLockedBlock[:]
	c := updates.Cursor()
	var toDelete [][]byte
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var u PendingStageUpdate
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		var entry PoolEntry
		ok, err := getJSON(pool, u.Transaction[:], &entry)
		if err != nil {
			return err
		}
		if ok && entry.Stage.CanAdvanceTo(u.NewStage) {
			entry.Stage = u.NewStage
			entry.IsReady = u.IsReadyNow
			if u.LeaderFee != nil {
				entry.LeaderFee = u.LeaderFee
			}
			entry.PendingStage = nil
			if err := putJSON(pool, entry.TransactionId[:], &entry); err != nil {
				return err
			}
		}
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := updates.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (w *boltWriteTx) RemoveAllFromPool(ids []TransactionId) error {
	bucket := w.tx.Bucket(bucketPool)
	for _, id := range ids {
		if err := bucket.Delete(id[:]); err != nil {
			return err
		}
	}
	return nil
}

func (w *boltWriteTx) LockAll(blockId BlockId, locks []SubstateLock) error {
	bucket := w.tx.Bucket(bucketLocks)
	byAddr := map[SubstateAddress][]SubstateLock{}
	for _, l := range locks {
		byAddr[l.Address] = append(byAddr[l.Address], l)
	}
	for addr, newLocks := range byAddr {
		var existing []SubstateLock
		if _, err := getJSON(bucket, addr[:], &existing); err != nil {
			return err
		}
		existing = append(existing, newLocks...)
		if err := putJSON(bucket, addr[:], existing); err != nil {
			return err
		}
	}
	return nil
}

func (w *boltWriteTx) ReleaseByTransactions(ids []TransactionId) error {
	set := make(map[TransactionId]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return w.filterLocks(func(l SubstateLock) bool {
		_, drop := set[l.Transaction]
		return !drop
	})
}

func (w *boltWriteTx) ReleaseByBlock(blockId BlockId) error {
	return w.filterLocks(func(l SubstateLock) bool {
		return l.Block != blockId
	})
}

// filterLocks rewrites every address's lock list keeping only locks for
// which keep returns true.
func (w *boltWriteTx) filterLocks(keep func(SubstateLock) bool) error {
	bucket := w.tx.Bucket(bucketLocks)
	c := bucket.Cursor()
	type upd struct {
		key   []byte
		locks []SubstateLock
	}
	var updates []upd
	var deletes [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var locks []SubstateLock
		if err := json.Unmarshal(v, &locks); err != nil {
			return err
		}
		var kept []SubstateLock
		for _, l := range locks {
			if keep(l) {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			deletes = append(deletes, append([]byte(nil), k...))
		} else if len(kept) != len(locks) {
			updates = append(updates, upd{key: append([]byte(nil), k...), locks: kept})
		}
	}
	for _, u := range updates {
		if err := putJSON(bucket, u.key, u.locks); err != nil {
			return err
		}
	}
	for _, k := range deletes {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (w *boltWriteTx) RecordLockConflict(c LockConflict) error {
	bucket := w.tx.Bucket(bucketLockConflicts)
	key := pendingUpdateKey(c.Block, c.LaterTx)
	return putJSON(bucket, key, c)
}

func (w *boltWriteTx) SaveForeignPledges(txId TransactionId, sg ShardGroup, pledges []ForeignPledge) error {
	bucket := w.tx.Bucket(bucketForeignPledges)
	key := foreignPledgeKey(txId, sg)
	return putJSON(bucket, key, pledges)
}

func foreignPledgeKey(txId TransactionId, sg ShardGroup) []byte {
	key := make([]byte, 0, IdSize+8)
	key = append(key, txId[:]...)
	key = appendUint32(key, uint32(sg.Start))
	key = appendUint32(key, uint32(sg.End))
	return key
}

func (w *boltWriteTx) RemoveForeignPledgesMany(ids []TransactionId) error {
	bucket := w.tx.Bucket(bucketForeignPledges)
	c := bucket.Cursor()
	var deletes [][]byte
	for _, id := range ids {
		for k, _ := c.Seek(id[:]); k != nil && hasPrefix(k, id[:]); k, _ = c.Next() {
			deletes = append(deletes, append([]byte(nil), k...))
		}
	}
	for _, k := range deletes {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (w *boltWriteTx) Park(block *Block, foreignProposals []BlockId, missing []TransactionId) error {
	bucket := w.tx.Bucket(bucketParkedBlocks)
	id := block.Id()
	p := ParkedBlock{Block: block, ForeignProposals: foreignProposals, MissingTransactionIds: missing}
	return putJSON(bucket, id[:], p)
}

func (w *boltWriteTx) SaveEpochCheckpoint(c EpochCheckpoint) error {
	bucket := w.tx.Bucket(bucketEpochCheckpoints)
	var key [8]byte
	putUint64(key[:], uint64(c.Epoch))
	return putJSON(bucket, key[:], c)
}

func (w *boltWriteTx) PurgeEpoch(e Epoch) error {
	// §6 "old epoch's foreign_proposals and votes tables are purged" (S6).
	if err := purgeAll(w.tx.Bucket(bucketForeignProposals)); err != nil {
		return err
	}
	return purgeAll(w.tx.Bucket(bucketVotes))
}

func purgeAll(b *bolt.Bucket) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func (w *boltWriteTx) InsertStateTreeNode(n StateTreeNode) error {
	bucket := w.tx.Bucket(bucketStateTree)
	return putJSON(bucket, n.Hash[:], n)
}

func (w *boltWriteTx) RecordStale(addr SubstateAddress) error {
	// Staleness is tracked via the substate's Down status (set in
	// SaveDiff); nothing further to persist, matching how the teacher's
	// ledger snapshot/prune cycle treats spent state as already marked.
	return nil
}

func (w *boltWriteTx) PendingDiffsRemoveAndReturn(blockId BlockId) (SubstateChange, error) {
	bucket := w.tx.Bucket(bucketPendingTreeDiffs)
	var diff SubstateChange
	ok, err := getJSON(bucket, blockId[:], &diff)
	if err != nil {
		return SubstateChange{}, err
	}
	if ok {
		if err := bucket.Delete(blockId[:]); err != nil {
			return SubstateChange{}, err
		}
	}
	return diff, nil
}

func (w *boltWriteTx) RecordNoVote(d NoVoteDiagnostic) error {
	bucket := w.tx.Bucket(bucketNoVotes)
	key := make([]byte, 0, IdSize+4)
	key = append(key, d.Block[:]...)
	key = appendUint32(key, uint32(d.CommandIndex))
	return putJSON(bucket, key, d)
}

func (w *boltWriteTx) SaveVote(v Vote) error {
	bucket := w.tx.Bucket(bucketVotes)
	key := make([]byte, 0, IdSize+1+len(v.Signer))
	key = append(key, v.BlockId[:]...)
	key = append(key, byte(v.Decision))
	key = append(key, v.Signer...)
	return putJSON(bucket, key, v)
}

func (r *boltReadTx) VotesFor(blockId BlockId, decision Decision) ([]Vote, error) {
	bucket := r.tx.Bucket(bucketVotes)
	prefix := append(append([]byte{}, blockId[:]...), byte(decision))
	c := bucket.Cursor()
	var out []Vote
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var vote Vote
		if err := json.Unmarshal(v, &vote); err != nil {
			return nil, err
		}
		out = append(out, vote)
	}
	return out, nil
}

func (w *boltWriteTx) SaveForeignProposal(r ForeignProposalRecord) error {
	bucket := w.tx.Bucket(bucketForeignProposals)
	id := r.Block.Id()
	return putJSON(bucket, id[:], r)
}

func (r *boltReadTx) GetForeignProposal(blockId BlockId) (*ForeignProposalRecord, error) {
	bucket := r.tx.Bucket(bucketForeignProposals)
	var rec ForeignProposalRecord
	ok, err := getJSON(bucket, blockId[:], &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}
