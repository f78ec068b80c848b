package core

// proposer.go – the proposer (C10, §4.10). Drafts blocks from the ready
// set plus buffered foreign proposals when we are leader for the next
// height.

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ProposerHooks are the side effects of successfully drafting a block:
// broadcasting it to the committee and enqueuing foreign-multicast
// targets (§4.10 step 5, §4.9 "Foreign multicast policy").
type ProposerHooks interface {
	Broadcast(committee Committee, block *Block) error
	EnqueueForeignMulticast(senders []ValidatorInfo, targets []ShardGroup, block *Block)
}

// Proposer implements C10.
type Proposer struct {
	store      Store
	pool       *Pool
	oracle     EpochOracle
	signer     Signer
	hooks      ProposerHooks
	shardGroup ShardGroup

	maxCommandsPerBlock int
	exhaustDivisor      uint64

	log *logrus.Entry
}

func NewProposer(store Store, pool *Pool, oracle EpochOracle, signer Signer, hooks ProposerHooks, shardGroup ShardGroup, maxCommandsPerBlock int, exhaustDivisor uint64) *Proposer {
	return &Proposer{
		store: store, pool: pool, oracle: oracle, signer: signer, hooks: hooks,
		shardGroup: shardGroup, maxCommandsPerBlock: maxCommandsPerBlock, exhaustDivisor: exhaustDivisor,
		log: logrus.WithField("component", "proposer"),
	}
}

// OnBeat runs §4.10's five steps if and only if we are leader for
// leaf.height + 1. It is a no-op otherwise; NEWVIEW on timeout is the
// pacemaker's responsibility, not the proposer's. pendingForeign supplies
// any buffered foreign proposals not yet included in a local block.
func (p *Proposer) OnBeat(ctx context.Context, currentEpoch Epoch, committee Committee, ourKey []byte, dummies []*Block, pendingForeign []*ForeignProposalRecord) (*Block, error) {
	var leaf *Block
	var highQc *QuorumCertificate
	err := p.store.WithReadTx(ctx, func(tx ReadTx) error {
		var err error
		leaf, err = tx.GetTip()
		if err != nil {
			return err
		}
		highQc, err = tx.GetHighQc()
		return err
	})
	if err != nil {
		return nil, err
	}
	if leaf == nil {
		return nil, newError(KindInvariantViolation, "no leaf block; store not bootstrapped")
	}

	nextHeight := leaf.Header.Height + 1
	leader := p.oracle.LeaderForHeight(committee, nextHeight)
	if string(leader.PublicKey) != string(ourKey) {
		return nil, nil
	}

	ready, err := p.pool.Ready(ctx, p.maxCommandsPerBlock)
	if err != nil {
		return nil, err
	}

	commands := make([]Command, 0, len(ready)+len(pendingForeign))
	var totalLeaderFee uint64
	for _, entry := range ready {
		cmd, fee, ok := p.synthesizeCommand(entry)
		if !ok {
			continue
		}
		commands = append(commands, cmd)
		totalLeaderFee += fee
	}
	for _, fr := range pendingForeign {
		id := fr.Block.Id()
		commands = append(commands, ForeignProposalCommand(id))
	}

	parent := leaf.Id()
	if len(dummies) > 0 {
		parent = dummies[len(dummies)-1].Id()
	}

	block := &Block{
		Header: BlockHeader{
			Parent:         parent,
			Height:         nextHeight,
			Epoch:          currentEpoch,
			ShardGroup:     p.shardGroup,
			ProposedBy:     ourKey,
			TotalLeaderFee: totalLeaderFee,
			Timestamp:      timeNow(),
		},
		Commands: commands,
	}
	if highQc != nil {
		block.Header.Justify = highQc.Id
	}

	digest := blockSignDigest(block)
	sig, err := p.signer.Sign(digest)
	if err != nil {
		return nil, Wrap(KindInvariantViolation, err, "sign block")
	}
	block.Signature = sig

	if err := p.hooks.Broadcast(committee, block); err != nil {
		return nil, err
	}

	senders, targets := MulticastTargets(committee, nextHeight, block, p.shardGroup, nil)
	if len(targets) > 0 {
		p.hooks.EnqueueForeignMulticast(senders, targets, block)
	}

	return block, nil
}

// synthesizeCommand picks the correct command kind for a pool entry by
// its current stage (§4.10 step 2).
func (p *Proposer) synthesizeCommand(entry *PoolEntry) (Command, uint64, bool) {
	atom := TransactionAtom{
		Id:       entry.TransactionId,
		Decision: entry.LocalDecision,
		Evidence: entry.Evidence,
		Fee:      entry.TransactionFee,
	}
	switch entry.Stage {
	case StageNew, StagePrepared:
		return PrepareCommand(atom), 0, true
	case StageLocalPrepared:
		return LocalPreparedCommand(atom), 0, true
	case StageAllPrepared, StageSomePrepared:
		distinct := len(entry.InvolvedShardGroups)
		if distinct == 0 {
			distinct = 1
		}
		fee := entry.TransactionFee * uint64(distinct) / p.exhaustDivisor
		atom.LeaderFee = &fee
		return LocalAcceptedCommand(atom), fee, true
	default:
		return Command{}, 0, false
	}
}

func blockSignDigest(b *Block) []byte {
	id := b.Id()
	return id[:]
}

func timeNow() time.Time { return time.Now() }
