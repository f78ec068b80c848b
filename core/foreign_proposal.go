package core

// foreign_proposal.go – the foreign-proposal handler (C9, §4.9). Ingests
// proposals observed from other shard groups, updates local evidence,
// persists pledges, and manages parked blocks waiting on missing
// transactions.

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ForeignProposalMessage is the wire payload of §6's ForeignProposal
// variant.
type ForeignProposalMessage struct {
	Block       *Block
	BlockPledge []ForeignPledge
	JustifyQc   *QuorumCertificate
}

// ForeignCommitteeLookup resolves the committee that must have signed a
// foreign block's justify QC, scoped by epoch and shard group.
type ForeignCommitteeLookup func(epoch Epoch, sg ShardGroup) (Committee, error)

// ForeignProposalHandler implements C9.
type ForeignProposalHandler struct {
	store          Store
	pool           *Pool
	committeeOf    ForeignCommitteeLookup
	ourShardGroup  ShardGroup
	log            *logrus.Entry
}

func NewForeignProposalHandler(store Store, pool *Pool, committeeOf ForeignCommitteeLookup, ourShardGroup ShardGroup) *ForeignProposalHandler {
	return &ForeignProposalHandler{
		store: store, pool: pool, committeeOf: committeeOf, ourShardGroup: ourShardGroup,
		log: logrus.WithField("component", "foreign_proposal"),
	}
}

// HandleForeignProposal runs §4.9's ingestion steps inside one write
// transaction.
func (h *ForeignProposalHandler) HandleForeignProposal(ctx context.Context, msg ForeignProposalMessage) error {
	committee, err := h.committeeOf(msg.Block.Header.Epoch, msg.Block.Header.ShardGroup)
	if err != nil {
		return err
	}
	if !h.verifyQuorum(committee, msg.JustifyQc) {
		return newError(KindProposalValidation, "foreign justify QC does not meet quorum for its committee")
	}

	return h.store.WithWriteTx(ctx, func(tx WriteTx) error {
		for _, cmd := range msg.Block.Commands {
			if cmd.Kind != CmdLocalPrepared && cmd.Kind != CmdLocalAccepted {
				continue
			}
			atom := cmd.Atom
			if _, involved := atom.Evidence[h.ourShardGroup]; !involved {
				continue
			}
			entry, err := tx.GetPoolEntry(atom.Id)
			if err != nil {
				return err
			}
			if entry == nil {
				continue // not a transaction we track locally
			}
			if entry.Evidence == nil {
				entry.Evidence = Evidence{}
			}
			merged := entry.Evidence.Clone()
			ev := merged[msg.Block.Header.ShardGroup]
			qcId := msg.JustifyQc.Id
			ev.PreparedQc = &qcId
			if atom.Decision == DecisionAbort {
				abort := DecisionAbort
				ev.Decision = &abort
				entry.RemoteDecision = &abort
			}
			merged[msg.Block.Header.ShardGroup] = ev
			entry.Evidence = merged

			if entry.Stage == StageLocalPrepared {
				entry.IsReady = entry.Evidence.AllShardsComplete(entry.InvolvedShardGroups) || entry.HasRemoteAbort()
			}
			if err := tx.InsertNewPoolEntry(entry); err != nil {
				return err
			}
		}

		if err := tx.SaveForeignPledges(blockPledgeKey(msg.Block), msg.Block.Header.ShardGroup, msg.BlockPledge); err != nil {
			return err
		}

		return tx.SaveForeignProposal(ForeignProposalRecord{
			Block:      msg.Block,
			JustifyQc:  msg.JustifyQc,
			ShardGroup: msg.Block.Header.ShardGroup,
		})
	})
}

// blockPledgeKey derives a stable transaction-shaped key for pledges that
// are scoped to a whole foreign block rather than one transaction; we key
// them off the block id reinterpreted as a TransactionId, which keeps the
// store's (txId, shard_group) pledge schema uniform for both cases.
func blockPledgeKey(b *Block) TransactionId {
	return TransactionId(b.Id())
}

func (h *ForeignProposalHandler) verifyQuorum(committee Committee, qc *QuorumCertificate) bool {
	if qc == nil {
		return false
	}
	if len(qc.Signers) < quorumSize(len(committee.Members)) {
		return false
	}
	members := map[string]bool{}
	for _, m := range committee.Members {
		members[string(m.PublicKey)] = true
	}
	for i, signer := range qc.Signers {
		if !members[string(signer)] {
			return false
		}
		digest := voteDigest(Vote{BlockId: qc.BlockId, BlockHeight: qc.BlockHeight, Decision: qc.Decision})
		if !VerifyVoteSignature(signer, digest, qc.Signatures[i]) {
			return false
		}
	}
	return true
}

// Park records a local proposal that cannot be decided yet because one or
// more referenced transactions are missing locally (§4.9 "Parked
// blocks").
func (h *ForeignProposalHandler) Park(ctx context.Context, block *Block, foreignProposals []BlockId, missing []TransactionId) error {
	return h.store.WithWriteTx(ctx, func(tx WriteTx) error {
		return tx.Park(block, foreignProposals, missing)
	})
}

// UnparkIfReady re-checks a parked block whose dependency txId just
// arrived via mempool; if it was the last missing dependency, the block
// is returned so the caller can re-enter the validator pipeline (§4.9).
func (h *ForeignProposalHandler) UnparkIfReady(ctx context.Context, currentHeight NodeHeight, txId TransactionId) (*Block, []BlockId, error) {
	var block *Block
	var foreign []BlockId
	err := h.store.WithReadTx(ctx, func(tx ReadTx) error {
		b, f, err := tx.UnparkIfReady(currentHeight, txId)
		block, foreign = b, f
		return err
	})
	return block, foreign, err
}

// MulticastTargets computes the foreign-multicast policy (§4.9 "Foreign
// multicast policy"): f+1 deterministically chosen members of our own
// committee (leader plus the next f by index) multicast to every
// non-local shard group referenced by a LocalPrepared/LocalAccepted
// command, excluding shard groups that are output-only for every command.
func MulticastTargets(ourCommittee Committee, height NodeHeight, block *Block, ourShardGroup ShardGroup, outputOnly func(ShardGroup) bool) (senders []ValidatorInfo, targetShardGroups []ShardGroup) {
	n := len(ourCommittee.Members)
	f := (n - 1) / 3
	leaderIdx := int(uint64(height) % uint64(n))
	for i := 0; i <= f; i++ {
		senders = append(senders, ourCommittee.Members[(leaderIdx+i)%n])
	}

	seen := map[ShardGroup]bool{}
	for _, cmd := range block.Commands {
		if cmd.Kind != CmdLocalPrepared && cmd.Kind != CmdLocalAccepted {
			continue
		}
		for sg := range cmd.Atom.Evidence {
			if sg == ourShardGroup || seen[sg] {
				continue
			}
			if outputOnly != nil && outputOnly(sg) {
				continue
			}
			seen[sg] = true
			targetShardGroups = append(targetShardGroups, sg)
		}
	}
	return senders, targetShardGroups
}
