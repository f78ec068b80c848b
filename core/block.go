package core

// block.go – blocks, commands and quorum certificates (§3).

import (
	"encoding/binary"
	"time"
)

// CommandKind discriminates the four Command variants (§3).
type CommandKind uint8

const (
	CmdPrepare CommandKind = iota
	CmdLocalPrepared
	CmdLocalAccepted
	CmdForeignProposal
)

func (k CommandKind) String() string {
	switch k {
	case CmdPrepare:
		return "Prepare"
	case CmdLocalPrepared:
		return "LocalPrepared"
	case CmdLocalAccepted:
		return "LocalAccepted"
	case CmdForeignProposal:
		return "ForeignProposal"
	default:
		return "Unknown"
	}
}

// TransactionAtom is the per-transaction payload a Prepare/LocalPrepared/
// LocalAccepted command carries (§3).
type TransactionAtom struct {
	Id        TransactionId `json:"id"`
	Decision  Decision      `json:"decision"`
	Evidence  Evidence      `json:"evidence"`
	Fee       uint64        `json:"fee"`
	LeaderFee *uint64       `json:"leader_fee,omitempty"`
}

// Command is one entry in a block's command list. Exactly one of Atom or
// ForeignBlock is set, matching Kind.
type Command struct {
	Kind         CommandKind `json:"kind"`
	Atom         *TransactionAtom `json:"atom,omitempty"`
	ForeignBlock *BlockId         `json:"foreign_block,omitempty"`
}

// TransactionId returns the transaction this command concerns. It panics
// for ForeignProposal commands, which are not about a single transaction;
// callers must check Kind first.
func (c Command) TransactionId() TransactionId {
	if c.Atom == nil {
		panic("core: Command.TransactionId called on a command with no atom")
	}
	return c.Atom.Id
}

func PrepareCommand(a TransactionAtom) Command {
	return Command{Kind: CmdPrepare, Atom: &a}
}
func LocalPreparedCommand(a TransactionAtom) Command {
	return Command{Kind: CmdLocalPrepared, Atom: &a}
}
func LocalAcceptedCommand(a TransactionAtom) Command {
	return Command{Kind: CmdLocalAccepted, Atom: &a}
}
func ForeignProposalCommand(id BlockId) Command {
	return Command{Kind: CmdForeignProposal, ForeignBlock: &id}
}

// BlockHeader captures everything hashed into the block id except the
// command list itself, so that Block.Id() = H(header || commands).
type BlockHeader struct {
	Parent          BlockId    `json:"parent"`
	Justify         QcId       `json:"justify"`
	Height          NodeHeight `json:"height"`
	Epoch           Epoch      `json:"epoch"`
	ShardGroup      ShardGroup `json:"shard_group"`
	ProposedBy      []byte     `json:"proposed_by"` // compressed pubkey
	TotalLeaderFee  uint64     `json:"total_leader_fee"`
	MerkleRoot      Hash256    `json:"merkle_root"`
	IsDummy         bool       `json:"is_dummy"`
	IsEpochEnd      bool       `json:"is_epoch_end"`
	BaseLayerHeight uint64     `json:"base_layer_block_height"`
	BaseLayerHash   Hash256    `json:"base_layer_block_hash"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Block is a single proposal in the chain (§3).
type Block struct {
	Header   BlockHeader `json:"header"`
	Commands []Command   `json:"commands"`
	// Signature is the proposer's signature over Id(); nil until signed.
	Signature []byte `json:"signature,omitempty"`
}

// Id computes id = H(header || commands) as specified in §3. The encoding
// used for hashing is deterministic but intentionally not a wire format
// (the spec leaves wire encoding external, §1).
func (b *Block) Id() BlockId {
	buf := make([]byte, 0, 256)
	buf = append(buf, b.Header.Parent[:]...)
	buf = append(buf, b.Header.Justify[:]...)
	buf = appendUint64(buf, uint64(b.Header.Height))
	buf = appendUint64(buf, uint64(b.Header.Epoch))
	buf = appendUint32(buf, uint32(b.Header.ShardGroup.Start))
	buf = appendUint32(buf, uint32(b.Header.ShardGroup.End))
	buf = append(buf, b.Header.ProposedBy...)
	buf = appendUint64(buf, b.Header.TotalLeaderFee)
	buf = append(buf, b.Header.MerkleRoot[:]...)
	for _, c := range b.Commands {
		buf = append(buf, byte(c.Kind))
		if c.Atom != nil {
			buf = append(buf, c.Atom.Id[:]...)
			buf = append(buf, byte(c.Atom.Decision))
			buf = appendUint64(buf, c.Atom.Fee)
		}
		if c.ForeignBlock != nil {
			buf = append(buf, c.ForeignBlock[:]...)
		}
	}
	return BlockId(NewHash256(buf))
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// dummyBlock synthesizes an empty block extending parent, carrying the
// same justify, for the leader at the given height (§4.7.1 "Dummy-block
// synthesis").
func dummyBlock(parent BlockId, justify QcId, height NodeHeight, epoch Epoch, sg ShardGroup, leader []byte) *Block {
	return &Block{
		Header: BlockHeader{
			Parent:     parent,
			Justify:    justify,
			Height:     height,
			Epoch:      epoch,
			ShardGroup: sg,
			ProposedBy: leader,
			IsDummy:    true,
		},
	}
}

// Vote is a replica's signed endorsement of a block (§6).
type Vote struct {
	Epoch       Epoch      `json:"epoch"`
	BlockId     BlockId    `json:"block_id"`
	BlockHeight NodeHeight `json:"block_height"`
	Decision    Decision   `json:"decision"`
	Signer      []byte     `json:"signer"`
	Signature   []byte     `json:"signature"`
}

// QuorumCertificate aggregates >= 2f+1 distinct signatures on a block at a
// height (§3).
type QuorumCertificate struct {
	Id                   QcId       `json:"id"`
	BlockId              BlockId    `json:"block_id"`
	BlockHeight          NodeHeight `json:"block_height"`
	Epoch                Epoch      `json:"epoch"`
	Decision             Decision   `json:"decision"`
	Signatures           [][]byte   `json:"signatures"`
	Signers              [][]byte   `json:"signers"`
	MergedInclusionProof []byte     `json:"merged_inclusion_proof"`
	LeafHashes           []Hash256  `json:"leaf_hashes"`
}

func (qc *QuorumCertificate) computeId() QcId {
	buf := append([]byte{}, qc.BlockId[:]...)
	buf = appendUint64(buf, uint64(qc.BlockHeight))
	buf = appendUint64(buf, uint64(qc.Epoch))
	for _, s := range qc.Signers {
		buf = append(buf, s...)
	}
	return QcId(NewHash256(buf))
}
