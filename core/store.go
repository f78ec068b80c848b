package core

// store.go – the state-store contract (C1, §4.1). The store is the sole
// serialization point: every mutation happens inside a single write
// transaction, and no other component keeps an in-memory copy of anything
// listed here (§5 "Shared-resource policy").

import (
	"context"
)

// ParkedBlock is a local proposal that could not be decided because one or
// more referenced transactions' execution/pledges were missing (§4.9).
type ParkedBlock struct {
	Block                *Block            `json:"block"`
	ForeignProposals     []BlockId         `json:"foreign_proposals"`
	MissingTransactionIds []TransactionId  `json:"missing_transaction_ids"`
}

// ForeignProposalRecord is what C9 persists about a proposal observed from
// another shard group (§4.9).
type ForeignProposalRecord struct {
	Block       *Block             `json:"block"`
	JustifyQc   *QuorumCertificate `json:"justify_qc"`
	ShardGroup  ShardGroup         `json:"shard_group"`
}

// ForeignPledge is a commitment from a foreign committee to the value of a
// substate needed by a cross-shard transaction (glossary "Pledge").
type ForeignPledge struct {
	Address SubstateAddress `json:"address"`
	Lock    LockFlag        `json:"lock"`
	Data    []byte          `json:"data"`
}

// EpochCheckpoint is the per-epoch-end record persisted at a shard's
// close-out (S6).
type EpochCheckpoint struct {
	Epoch      Epoch      `json:"epoch"`
	ShardGroup ShardGroup `json:"shard_group"`
	Roots      []Hash256  `json:"roots"`
}

// NoVoteDiagnostic is persisted whenever the decider chooses not to vote
// (§4.7.3, §7) so operators can reconstruct why after the fact.
type NoVoteDiagnostic struct {
	Block        BlockId `json:"block"`
	CommandIndex int     `json:"command_index"`
	Reason       string  `json:"reason"`
}

// StateTreeNode is one node of the versioned Merkle state tree (§4.1
// "state tree").
type StateTreeNode struct {
	Hash     Hash256  `json:"hash"`
	Children []Hash256 `json:"children"`
	Leaf     *SubstateAddress `json:"leaf,omitempty"`
}

// ReadTx is the read-only view handed to with_read_tx callbacks. Every
// accessor reads a consistent snapshot (§4.1 "Guarantees").
type ReadTx interface {
	GetBlock(id BlockId) (*Block, error)
	GetParent(id BlockId) (*Block, error)
	HasBeenJustified(id BlockId) (bool, error)
	GetLastCommitted() (*Block, error)
	GetTip() (*Block, error)
	GetLockedBlock() (*Block, error)
	GetLastExecuted() (*Block, error)
	GetLastVoted() (NodeHeight, error)
	GetHighQc() (*QuorumCertificate, error)
	GetQc(id QcId) (*QuorumCertificate, error)
	GetQcByBlockId(id BlockId) (*QuorumCertificate, error)

	GetTransaction(id TransactionId) (*Transaction, error)
	GetPoolEntry(id TransactionId) (*PoolEntry, error)
	AllReadyPoolEntries(limit int) ([]*PoolEntry, error)

	// GetLocksForAddress returns every lock currently held on addr, across
	// all blocks that have not yet released it. The lock manager (C2)
	// layers the read/write/output exclusivity rules (§4.2) on top of
	// this raw view; the store itself has no opinion about semantics.
	GetLocksForAddress(addr SubstateAddress) ([]SubstateLock, error)
	GetSubstate(addr SubstateAddress) (*Substate, error)

	UnparkIfReady(currentHeight NodeHeight, txId TransactionId) (*Block, []BlockId, error)
	LoadLatestEpochCheckpoint() (*EpochCheckpoint, error)

	VotesFor(blockId BlockId, decision Decision) ([]Vote, error)
	GetForeignProposal(blockId BlockId) (*ForeignProposalRecord, error)
}

// WriteTx is the mutating view handed to with_write_tx callbacks. All of
// §4.1's operations are grouped here by subject.
type WriteTx interface {
	ReadTx

	InsertBlock(b *Block) error
	DeleteBlock(id BlockId) error
	MarkCommitted(id BlockId) error
	MarkJustified(id BlockId) error
	SetLeaf(id BlockId) error
	SetLocked(id BlockId) error
	SetLastExecuted(id BlockId) error
	SetLastVoted(h NodeHeight) error
	SaveDiff(blockId BlockId, diff SubstateChange) error

	InsertQc(qc *QuorumCertificate) error
	UpdateHighQc(qc *QuorumCertificate) error

	InsertTransaction(t *Transaction) error
	UpdateExecution(id TransactionId, result *ExecutionResult, resolved []ResolvedInput, outputs []SubstateId) error
	FinalizeMany(blockId BlockId, entries []*PoolEntry) error

	InsertNewPoolEntry(e *PoolEntry) error
	AddPendingUpdate(blockId BlockId, update PendingStageUpdate) error
	ConfirmAllTransitions(newLockedBlock BlockId) error
	RemoveAllFromPool(ids []TransactionId) error

	LockAll(blockId BlockId, locks []SubstateLock) error
	ReleaseByTransactions(ids []TransactionId) error
	ReleaseByBlock(blockId BlockId) error
	RecordLockConflict(c LockConflict) error

	SaveForeignPledges(txId TransactionId, sg ShardGroup, pledges []ForeignPledge) error
	RemoveForeignPledgesMany(ids []TransactionId) error

	Park(block *Block, foreignProposals []BlockId, missing []TransactionId) error

	SaveEpochCheckpoint(c EpochCheckpoint) error
	PurgeEpoch(e Epoch) error

	InsertStateTreeNode(n StateTreeNode) error
	RecordStale(addr SubstateAddress) error
	PendingDiffsRemoveAndReturn(blockId BlockId) (SubstateChange, error)

	RecordNoVote(d NoVoteDiagnostic) error
	SaveVote(v Vote) error

	SaveForeignProposal(r ForeignProposalRecord) error
}

// Store is the top-level C1 contract: with_read_tx/with_write_tx
// combinators over snapshot-isolated transactions (§4.1).
type Store interface {
	WithReadTx(ctx context.Context, f func(ReadTx) error) error
	WithWriteTx(ctx context.Context, f func(WriteTx) error) error
	Close() error
}
