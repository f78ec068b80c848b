package core

// vote_aggregator.go – the vote aggregator (C8, §4.8). Buffers votes by
// (block_id, decision) in the store until a quorum accumulates, then
// builds and persists a QuorumCertificate.

import (
	"context"

	"github.com/sirupsen/logrus"
)

// VoteAggregator implements C8 over a Store and an EpochOracle.
type VoteAggregator struct {
	store  Store
	oracle EpochOracle
	log    *logrus.Entry
}

func NewVoteAggregator(store Store, oracle EpochOracle) *VoteAggregator {
	return &VoteAggregator{store: store, oracle: oracle, log: logrus.WithField("component", "vote_aggregator")}
}

// quorumSize returns 2f+1 for a committee of size n = 3f+1 (standard BFT
// threshold): ceil(2n/3) rounded up to the next integer above 2f.
func quorumSize(n int) int {
	f := (n - 1) / 3
	return 2*f + 1
}

// AddVote validates and buffers a vote, returning the freshly formed QC
// if this vote completed a quorum, or nil otherwise (§4.8).
func (a *VoteAggregator) AddVote(ctx context.Context, committee Committee, vote Vote) (*QuorumCertificate, error) {
	if !a.isCommitteeMember(committee, vote.Signer) {
		return nil, newError(KindProposalValidation, "vote from non-committee member")
	}
	if !VerifyVoteSignature(vote.Signer, voteDigest(vote), vote.Signature) {
		return nil, newError(KindProposalValidation, "invalid vote signature")
	}

	var qc *QuorumCertificate
	err := a.store.WithWriteTx(ctx, func(tx WriteTx) error {
		existing, err := tx.VotesFor(vote.BlockId, vote.Decision)
		if err != nil {
			return err
		}
		for _, v := range existing {
			if string(v.Signer) == string(vote.Signer) {
				return nil // duplicate signature, ignore silently
			}
		}
		if err := tx.SaveVote(vote); err != nil {
			return err
		}
		votes, err := tx.VotesFor(vote.BlockId, vote.Decision)
		if err != nil {
			return err
		}
		if len(votes) < quorumSize(len(committee.Members)) {
			return nil
		}
		built, err := a.buildQc(votes, vote)
		if err != nil {
			return err
		}
		if err := tx.InsertQc(built); err != nil {
			return err
		}
		qc = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	if qc != nil {
		MetricQuorumCertificates.Inc()
		a.log.WithFields(logrus.Fields{"block": vote.BlockId.String(), "signers": len(qc.Signers)}).Info("quorum certificate formed")
	}
	return qc, nil
}

func (a *VoteAggregator) isCommitteeMember(committee Committee, pk []byte) bool {
	for _, m := range committee.Members {
		if string(m.PublicKey) == string(pk) {
			return true
		}
	}
	return false
}

// buildQc aggregates votes into a QuorumCertificate with a deterministic
// merged inclusion proof over the signers' validator-set leaves (§4.8).
func (a *VoteAggregator) buildQc(votes []Vote, sample Vote) (*QuorumCertificate, error) {
	signatures := make([][]byte, 0, len(votes))
	signers := make([][]byte, 0, len(votes))
	leaves := make([]Hash256, 0, len(votes))
	for _, v := range votes {
		signatures = append(signatures, v.Signature)
		signers = append(signers, v.Signer)
		leaves = append(leaves, NewHash256(v.Signer))
	}
	merged := mergeInclusionProof(leaves)

	qc := &QuorumCertificate{
		BlockId:              sample.BlockId,
		BlockHeight:          sample.BlockHeight,
		Epoch:                sample.Epoch,
		Decision:             sample.Decision,
		Signatures:           signatures,
		Signers:              signers,
		MergedInclusionProof: merged,
		LeafHashes:           leaves,
	}
	qc.Id = qc.computeId()
	return qc, nil
}

// mergeInclusionProof folds the validator-set leaves into a single
// digest. leaves must already be in a canonical order (VotesFor returns
// them sorted by signer key) so every replica that sees the same vote set
// computes the same merged proof regardless of arrival order.
func mergeInclusionProof(leaves []Hash256) []byte {
	acc := ZeroHash
	for _, l := range leaves {
		acc = NewHash256(acc[:], l[:])
	}
	return acc[:]
}
