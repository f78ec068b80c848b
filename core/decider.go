package core

// decider.go – block validator & decider (C7, §4.7). Owns structural
// validation, dummy-block synthesis, per-command decision, voting and the
// 3-chain commit rule. This is the piece §5 calls "decide_on_block",
// offloaded to a worker pool by the consensus loop; everything here is a
// plain function of its inputs plus the store.

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ProposalMessage is the Proposal variant of §6: a block plus any foreign
// proposals the leader attached so the committee doesn't have to fetch
// them separately.
type ProposalMessage struct {
	Block                    *Block
	AttachedForeignProposals []*ForeignProposalRecord
}

// Signer produces the signatures the decider attaches to votes.
type Signer interface {
	PublicKey() []byte
	Sign(digest []byte) ([]byte, error)
}

// DeciderHooks are the side effects the decider triggers but does not own
// (§7 propagation policy, §4.7.4 on_lock_block, §4.9 foreign rebroadcast).
type DeciderHooks interface {
	SendVote(to ValidatorInfo, vote Vote) error
	OnBlockValidationFailed(blockId BlockId, reason string)
	OnError(err error)
	OnLockBlock(block *Block)
	RequestCatchUpSync(epoch Epoch, highQc QcId)
}

// Decider implements C7 over the other components.
type Decider struct {
	store    Store
	locks    *LockManager
	pool     *Pool
	executor *Executor
	oracle   EpochOracle
	pace     *Pacemaker
	signer   Signer
	hooks    DeciderHooks

	exhaustDivisor uint64
	numPreshards   uint32

	log *logrus.Entry
}

// NewDecider wires C7 over its collaborators.
func NewDecider(store Store, locks *LockManager, pool *Pool, executor *Executor, oracle EpochOracle, pace *Pacemaker, signer Signer, hooks DeciderHooks, exhaustDivisor uint64, numPreshards uint32) *Decider {
	return &Decider{
		store: store, locks: locks, pool: pool, executor: executor,
		oracle: oracle, pace: pace, signer: signer, hooks: hooks,
		exhaustDivisor: exhaustDivisor, numPreshards: numPreshards,
		log: logrus.WithField("component", "decider"),
	}
}

// blockCtx accumulates the per-block transient state the spec describes
// in §4.7.2: "a transient per-block locked_inputs set", staged updates,
// and the running leader-fee total.
type blockCtx struct {
	lockedInputs  map[SubstateAddress]TransactionId
	lockedOutputs map[SubstateAddress]TransactionId
	stagedUpdates []PendingStageUpdate
	totalLeaderFee uint64
}

// HandleLocalProposal is the C7 entry point (§4.7).
func (d *Decider) HandleLocalProposal(ctx context.Context, currentEpoch Epoch, localCommittee Committee, msg ProposalMessage) error {
	candidate := msg.Block
	candidateId := candidate.Id()

	var justifyBlock *Block
	var lockedBlock *Block
	var highQc *QuorumCertificate
	var alreadyJustified bool

	err := d.store.WithReadTx(ctx, func(tx ReadTx) error {
		var err error
		alreadyJustified, err = tx.HasBeenJustified(candidateId)
		if err != nil {
			return err
		}
		justifyQc, err := tx.GetQc(candidate.Header.Justify)
		if err != nil {
			return err
		}
		if justifyQc == nil {
			return newError(KindJustifyBlockMissing, "candidate's justify QC is unknown")
		}
		justifyBlock, err = tx.GetBlock(justifyQc.BlockId)
		if err != nil {
			return err
		}
		if justifyBlock == nil {
			return newError(KindJustifyBlockMissing, "candidate's justify block is unknown")
		}
		if justifyQc.BlockHeight != justifyBlock.Header.Height {
			return ErrJustifyHeightMismatch
		}
		lockedBlock, err = tx.GetLockedBlock()
		if err != nil {
			return err
		}
		highQc, err = tx.GetHighQc()
		return err
	})
	if err != nil {
		if KindOf(err) == KindJustifyBlockMissing {
			d.hooks.RequestCatchUpSync(currentEpoch, candidate.Header.Justify)
			return nil
		}
		d.hooks.OnBlockValidationFailed(candidateId, err.Error())
		return nil
	}

	if alreadyJustified {
		d.hooks.OnBlockValidationFailed(candidateId, "block already justified")
		return nil
	}
	if candidate.Header.Height < justifyBlock.Header.Height {
		d.hooks.OnBlockValidationFailed(candidateId, "candidate height below justify height")
		return nil
	}
	if highQc != nil && !highQc.BlockId.IsZero() {
		safe, err := d.isSafe(ctx, candidate, lockedBlock)
		if err != nil {
			d.hooks.OnError(err)
			return nil
		}
		if !safe {
			d.hooks.OnBlockValidationFailed(candidateId, "candidate does not extend locked branch")
			return nil
		}
	}

	d.pace.SuspendLeaderFailure()
	defer d.pace.ResumeLeaderFailure()

	dummies, err := d.synthesizeDummies(ctx, justifyBlock, candidate, localCommittee)
	if err != nil {
		d.hooks.OnError(err)
		return nil
	}

	return d.store.WithWriteTx(ctx, func(tx WriteTx) error {
		for _, dummy := range dummies {
			if err := tx.InsertBlock(dummy); err != nil {
				return err
			}
		}
		return d.decideAndPersist(ctx, tx, candidate, localCommittee)
	})
}

// isSafe reports whether candidate extends the locked branch, i.e. the
// locked block is an ancestor of candidate (§4.7.1).
func (d *Decider) isSafe(ctx context.Context, candidate, locked *Block) (bool, error) {
	if locked == nil {
		return true, nil
	}
	var ancestorAtLockedHeight BlockId
	err := d.store.WithReadTx(ctx, func(tx ReadTx) error {
		cur := candidate
		for cur.Header.Height > locked.Header.Height {
			parent, err := tx.GetBlock(cur.Header.Parent)
			if err != nil {
				return err
			}
			if parent == nil {
				// The ancestor chain is incomplete: candidate cannot be shown
				// to extend the locked block, so it is reported as not safe.
				return nil
			}
			cur = parent
		}
		ancestorAtLockedHeight = cur.Id()
		return nil
	})
	if err != nil {
		return false, err
	}
	lockedId := locked.Id()
	return ancestorAtLockedHeight == lockedId, nil
}

// synthesizeDummies builds the implicit chain of empty blocks between
// justifyBlock and candidate when a leader failure skipped heights
// (§4.7.1 "Dummy-block synthesis").
func (d *Decider) synthesizeDummies(ctx context.Context, justifyBlock, candidate *Block, committee Committee) ([]*Block, error) {
	justifyId := justifyBlock.Id()
	if candidate.Header.Parent == justifyId {
		return nil, nil
	}
	var dummies []*Block
	parent := justifyId
	for h := justifyBlock.Header.Height + 1; h < candidate.Header.Height; h++ {
		leader := d.oracle.LeaderForHeight(committee, h)
		dummy := dummyBlock(parent, candidate.Header.Justify, h, candidate.Header.Epoch, candidate.Header.ShardGroup, leader.PublicKey)
		dummies = append(dummies, dummy)
		parent = dummy.Id()
	}
	if parent != candidate.Header.Parent {
		return nil, newError(KindInvariantViolation, "synthesized dummy chain does not connect to candidate")
	}
	return dummies, nil
}

// decideAndPersist runs §4.7.2's per-command loop and either votes or
// no-votes, then runs the 3-chain update (§4.7.4). Must run inside tx.
func (d *Decider) decideAndPersist(ctx context.Context, tx WriteTx, candidate *Block, localCommittee Committee) error {
	bctx := &blockCtx{
		lockedInputs:  map[SubstateAddress]TransactionId{},
		lockedOutputs: map[SubstateAddress]TransactionId{},
	}

	passed := true
	var noVoteReason string
	var noVoteIndex int

	for i, cmd := range candidate.Commands {
		if cmd.Kind == CmdForeignProposal {
			continue
		}
		ok, reason, err := d.decideCommand(tx, candidate, cmd, bctx)
		if err != nil {
			return err
		}
		if !ok {
			passed = false
			noVoteReason = reason
			noVoteIndex = i
			break
		}
	}

	if passed && bctx.totalLeaderFee != candidate.Header.TotalLeaderFee {
		passed = false
		noVoteReason = "total leader fee mismatch"
		noVoteIndex = -1
	}

	candidateId := candidate.Id()
	if err := tx.InsertBlock(candidate); err != nil {
		return err
	}

	if !passed {
		// Earlier commands in this candidate may already have granted and
		// persisted locks via precheckLocks before a later command failed;
		// since this block will never be adopted, release them immediately
		// rather than leaving them to block every competing proposal.
		if err := tx.ReleaseByBlock(candidateId); err != nil {
			return err
		}
		if err := tx.RecordNoVote(NoVoteDiagnostic{Block: candidateId, CommandIndex: noVoteIndex, Reason: noVoteReason}); err != nil {
			return err
		}
		MetricNoVotes.WithLabelValues(noVoteReason).Inc()
		MetricBlocksDecided.WithLabelValues("no_vote").Inc()
		d.log.WithFields(logrus.Fields{"block": candidateId.String(), "reason": noVoteReason}).Info("no-vote")
		return nil
	}
	MetricBlocksDecided.WithLabelValues("voted").Inc()

	for _, u := range bctx.stagedUpdates {
		if err := tx.AddPendingUpdate(candidateId, u); err != nil {
			return err
		}
	}

	highQc, err := tx.GetHighQc()
	if err != nil {
		return err
	}
	justifyQc, err := tx.GetQc(candidate.Header.Justify)
	if err != nil {
		return err
	}
	if justifyQc != nil && (highQc == nil || justifyQc.BlockHeight > highQc.BlockHeight) {
		if err := tx.UpdateHighQc(justifyQc); err != nil {
			return err
		}
		d.pace.AdvanceHighQc(justifyQc.BlockHeight)
	}

	if err := tx.SetLastVoted(candidate.Header.Height); err != nil {
		return err
	}

	vote := Vote{
		Epoch:       candidate.Header.Epoch,
		BlockId:     candidateId,
		BlockHeight: candidate.Header.Height,
		Decision:    DecisionCommit,
		Signer:      d.signer.PublicKey(),
	}
	digest := NewHash256(voteDigest(vote))
	sig, err := d.signer.Sign(digest[:])
	if err != nil {
		return Wrap(KindInvariantViolation, err, "sign vote")
	}
	vote.Signature = sig

	nextLeader := d.oracle.LeaderForHeight(localCommittee, candidate.Header.Height+1)
	if err := d.hooks.SendVote(nextLeader, vote); err != nil {
		d.hooks.OnError(err)
	}

	return d.threeChainUpdate(ctx, tx, candidate)
}

func voteDigest(v Vote) []byte {
	buf := append([]byte{}, v.BlockId[:]...)
	buf = appendUint64(buf, uint64(v.BlockHeight))
	buf = append(buf, byte(v.Decision))
	return buf
}

// decideCommand applies §4.7.2's per-command rules for Prepare,
// LocalPrepared and LocalAccepted commands.
func (d *Decider) decideCommand(tx WriteTx, block *Block, cmd Command, bctx *blockCtx) (bool, string, error) {
	atom := cmd.Atom
	entry, err := tx.GetPoolEntry(atom.Id)
	if err != nil {
		return false, "", err
	}
	if entry == nil {
		return false, "unknown transaction referenced by proposal", nil
	}

	switch cmd.Kind {
	case CmdPrepare:
		return d.decidePrepare(tx, block, atom, entry, bctx)
	case CmdLocalPrepared:
		return d.decideLocalPrepared(block, atom, entry, bctx)
	case CmdLocalAccepted:
		return d.decideLocalAccepted(block, atom, entry, bctx)
	default:
		return false, "unrecognized command kind", nil
	}
}

func (d *Decider) decidePrepare(tx WriteTx, block *Block, atom *TransactionAtom, entry *PoolEntry, bctx *blockCtx) (bool, string, error) {
	if entry.Stage != StageNew && entry.Stage != StagePrepared {
		return false, "prepare command for entry not in New/Prepared", nil
	}
	if atom.Fee != entry.TransactionFee {
		return false, "fee mismatch", nil
	}

	localDecision := entry.LocalDecision
	if atom.Decision == DecisionCommit {
		t, err := tx.GetTransaction(atom.Id)
		if err != nil {
			return false, "", err
		}
		if t == nil {
			return false, "unknown transaction body", nil
		}
		if !d.precheckLocks(tx, block.Id(), t, bctx) {
			localDecision = DecisionAbort
		}
	}
	if localDecision != atom.Decision {
		return false, "local decision disagrees with proposal", nil
	}

	bctx.stagedUpdates = append(bctx.stagedUpdates, PendingStageUpdate{
		Block: block.Id(), Transaction: atom.Id, NewStage: StagePrepared, IsReadyNow: false,
	})
	return true, "", nil
}

// precheckLocks runs the transient per-block lock pre-check described in
// §4.7.2 step 3. bctx.lockedInputs/lockedOutputs track which transaction
// already owns each address granted earlier in this same block; a later,
// different transaction requesting that address is a conflict exactly like
// one held by an earlier, already-persisted block (§4.2 rule 4) — only the
// same transaction re-locking its own address is waved through. Locks that
// clear both the in-block and store-held checks are persisted via
// tx.LockAll so subsequent blocks observe them through GetLocksForAddress.
func (d *Decider) precheckLocks(tx WriteTx, blockId BlockId, t *Transaction, bctx *blockCtx) bool {
	var grants []SubstateLock
	for _, res := range t.ResolvedInputs {
		addr := res.Address()
		flag := LockRead
		if res.Lock == LockWrite {
			flag = LockWrite
		}
		if owner, locked := bctx.lockedInputs[addr]; locked {
			if owner == t.Id {
				continue
			}
			if err := d.recordConflict(tx, LockConflict{Block: blockId, LaterTx: t.Id, DependsOnTx: owner, RequestedLock: flag, Address: addr}); err != nil {
				return false
			}
			return false
		}
		held, err := tx.GetLocksForAddress(addr)
		if err != nil {
			return false
		}
		if c := evaluateOne(blockId, t.Id, addr, flag, held); c != nil {
			if err := d.recordConflict(tx, *c); err != nil {
				return false
			}
			return false
		}
		bctx.lockedInputs[addr] = t.Id
		grants = append(grants, SubstateLock{Address: addr, SubstateId: res.Id, Transaction: t.Id, Block: blockId, Flag: flag})
	}
	for _, out := range t.Outputs {
		addr := AddressOf(out, 0)
		if owner, locked := bctx.lockedOutputs[addr]; locked {
			if owner == t.Id {
				continue
			}
			if err := d.recordConflict(tx, LockConflict{Block: blockId, LaterTx: t.Id, DependsOnTx: owner, RequestedLock: LockOutput, Address: addr}); err != nil {
				return false
			}
			return false
		}
		bctx.lockedOutputs[addr] = t.Id
		grants = append(grants, SubstateLock{Address: addr, SubstateId: out, Transaction: t.Id, Block: blockId, Flag: LockOutput})
	}
	if len(grants) > 0 {
		if err := tx.LockAll(blockId, grants); err != nil {
			return false
		}
	}
	return true
}

// recordConflict persists a lock conflict the same way LockManager.TryLockAll
// does, so decisions reached through the decider's own lock pre-check are
// visible in lock_conflicts just like ones reached through the lock manager.
func (d *Decider) recordConflict(tx WriteTx, c LockConflict) error {
	if err := tx.RecordLockConflict(c); err != nil {
		return err
	}
	MetricLockConflicts.Inc()
	return nil
}

func (d *Decider) decideLocalPrepared(block *Block, atom *TransactionAtom, entry *PoolEntry, bctx *blockCtx) (bool, string, error) {
	if entry.Stage != StagePrepared && entry.Stage != StageLocalPrepared {
		return false, "local-prepared command for entry not in Prepared/LocalPrepared", nil
	}
	if entry.LocalDecision != atom.Decision {
		return false, "local decision mismatch", nil
	}
	if atom.Fee != entry.TransactionFee {
		return false, "fee mismatch", nil
	}
	ready := entry.Evidence.AllShardsComplete(entry.InvolvedShardGroups)
	bctx.stagedUpdates = append(bctx.stagedUpdates, PendingStageUpdate{
		Block: block.Id(), Transaction: atom.Id, NewStage: StageLocalPrepared, IsReadyNow: ready,
	})
	return true, "", nil
}

func (d *Decider) decideLocalAccepted(block *Block, atom *TransactionAtom, entry *PoolEntry, bctx *blockCtx) (bool, string, error) {
	if entry.Stage != StageLocalPrepared && entry.Stage != StageLocalAccepted {
		return false, "local-accepted command for entry not in LocalPrepared/LocalAccepted", nil
	}
	if entry.LocalDecision != atom.Decision {
		return false, "local decision mismatch", nil
	}
	if atom.Fee != entry.TransactionFee {
		return false, "fee mismatch", nil
	}
	if !entry.Evidence.AllShardsComplete(entry.InvolvedShardGroups) {
		return false, "evidence incomplete", nil
	}

	distinctShards := len(entry.InvolvedShardGroups)
	if distinctShards == 0 {
		distinctShards = 1
	}
	calculatedFee := atom.Fee * uint64(distinctShards) / d.exhaustDivisor
	if atom.LeaderFee == nil || *atom.LeaderFee != calculatedFee {
		return false, "leader fee mismatch", nil
	}
	bctx.totalLeaderFee += calculatedFee

	nextStage := StageAllPrepared
	if entry.HasRemoteAbort() {
		nextStage = StageSomePrepared
	}
	bctx.stagedUpdates = append(bctx.stagedUpdates, PendingStageUpdate{
		Block: block.Id(), Transaction: atom.Id, NewStage: nextStage, IsReadyNow: true, LeaderFee: &calculatedFee,
	})
	return true, "", nil
}

// threeChainUpdate walks the chain of justifies after a successful
// decision and applies the lock/execute/commit rules of §4.7.4.
func (d *Decider) threeChainUpdate(ctx context.Context, tx WriteTx, block *Block) error {
	b2Qc, err := tx.GetQc(block.Header.Justify)
	if err != nil || b2Qc == nil {
		return err
	}
	b2, err := tx.GetBlock(b2Qc.BlockId)
	if err != nil || b2 == nil {
		return err
	}
	b1Qc, err := tx.GetQc(b2.Header.Justify)
	if err != nil || b1Qc == nil {
		return err
	}
	b1, err := tx.GetBlock(b1Qc.BlockId)
	if err != nil || b1 == nil {
		return err
	}
	b0Qc, err := tx.GetQc(b1.Header.Justify)
	if err != nil || b0Qc == nil {
		return err
	}
	b0, err := tx.GetBlock(b0Qc.BlockId)
	if err != nil || b0 == nil {
		return err
	}

	lockedBlock, err := tx.GetLockedBlock()
	if err != nil {
		return err
	}
	if lockedBlock == nil || b0.Header.Height > lockedBlock.Header.Height {
		if err := tx.SetLocked(b0.Id()); err != nil {
			return err
		}
		if err := tx.ConfirmAllTransitions(b0.Id()); err != nil {
			return err
		}
		if err := d.recordOwnEvidence(tx, b0, b0Qc.Id); err != nil {
			return err
		}
		d.hooks.OnLockBlock(b0)
	}

	lastExecuted, err := tx.GetLastExecuted()
	if err != nil {
		return err
	}
	if lastExecuted == nil || b1.Header.Height > lastExecuted.Header.Height {
		return d.executeAndCommitChain(ctx, tx, b1, lastExecuted)
	}
	return nil
}

// recordOwnEvidence stamps our own shard group's contribution into each
// Prepare transaction's evidence map once b0's Prepare-phase QC has
// locked in. The evidence map is symmetric across shard groups: a
// foreign shard's contribution arrives through the foreign-proposal
// handler, ours arrives here.
func (d *Decider) recordOwnEvidence(tx WriteTx, b0 *Block, preparedQc QcId) error {
	for _, cmd := range b0.Commands {
		if cmd.Kind != CmdPrepare {
			continue
		}
		atom := cmd.Atom
		entry, err := tx.GetPoolEntry(atom.Id)
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}
		if entry.Evidence == nil {
			entry.Evidence = Evidence{}
		}
		merged := entry.Evidence.Clone()
		ev := merged[b0.Header.ShardGroup]
		ev.PreparedQc = &preparedQc
		merged[b0.Header.ShardGroup] = ev
		entry.Evidence = merged
		if entry.Stage == StageLocalPrepared {
			entry.IsReady = entry.Evidence.AllShardsComplete(entry.InvolvedShardGroups) || entry.HasRemoteAbort()
		}
		if err := tx.InsertNewPoolEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

// executeAndCommitChain executes and commits target and any unexecuted
// ancestors, depth-first from the oldest ancestor downward (§4.7.4).
func (d *Decider) executeAndCommitChain(ctx context.Context, tx WriteTx, target *Block, lastExecuted *Block) error {
	var chain []*Block
	cur := target
	for lastExecuted == nil || cur.Header.Height > lastExecuted.Header.Height {
		chain = append([]*Block{cur}, chain...)
		if cur.Header.Parent.IsZero() {
			break
		}
		parent, err := tx.GetBlock(cur.Header.Parent)
		if err != nil {
			return err
		}
		if parent == nil {
			break
		}
		cur = parent
	}

	for _, blk := range chain {
		if err := d.executeAndCommitOne(ctx, tx, blk); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decider) executeAndCommitOne(ctx context.Context, tx WriteTx, blk *Block) error {
	blockId := blk.Id()
	var finalizedTxs []TransactionId

	for _, cmd := range blk.Commands {
		if cmd.Kind != CmdLocalAccepted {
			continue
		}
		atom := cmd.Atom
		t, err := tx.GetTransaction(atom.Id)
		if err != nil {
			return err
		}
		if t == nil {
			return newError(KindInvariantViolation, "committed transaction body missing")
		}

		if t.ExecutionResult == nil {
			result, err := d.executor.Execute(ctx, blockId, t, t.ResolvedInputs, nil, blk.Header.Epoch)
			if err != nil {
				return err
			}
			if err := tx.UpdateExecution(t.Id, result, t.ResolvedInputs, t.Outputs); err != nil {
				return err
			}
			t.ExecutionResult = result
		}

		executionDecision := t.ExecutionResult.Decision()
		if atom.Decision == DecisionCommit && executionDecision == DecisionAbort {
			return Wrap(KindRejectedWithCommitDecision, fmt.Errorf("transaction %s", atom.Id), "committee accepted a reject")
		}

		if executionDecision == DecisionCommit {
			if err := tx.SaveDiff(blockId, t.ExecutionResult.Diff); err != nil {
				return err
			}
		}

		finalizedTxs = append(finalizedTxs, t.Id)
	}

	if err := tx.SetLastExecuted(blockId); err != nil {
		return err
	}
	if err := tx.MarkCommitted(blockId); err != nil {
		return err
	}
	if len(finalizedTxs) > 0 {
		if err := tx.ReleaseByTransactions(finalizedTxs); err != nil {
			return err
		}
		if err := tx.RemoveForeignPledgesMany(finalizedTxs); err != nil {
			return err
		}
		entries := make([]*PoolEntry, 0, len(finalizedTxs))
		for _, id := range finalizedTxs {
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
	}
	d.executor.Abandon(blockId)
	return nil
}
