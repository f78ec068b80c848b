package core

// epoch.go – the epoch & committee oracle (C5, §4.5). This is a read-only
// view from consensus's perspective; the authority that populates it
// (base-layer registration, stake, etc.) lives outside this module, so the
// oracle here is a pluggable snapshot the caller refreshes per epoch.

import (
	"bytes"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ValidatorInfo is one committee member, identified by its compressed
// secp256k1 public key (§4.5).
type ValidatorInfo struct {
	PublicKey []byte
	ShardKey  []byte // sortition key, if distinct from PublicKey
}

// Committee is the sorted validator set for one shard group in one epoch.
// Sorting is canonical (lexicographic over PublicKey) so every honest
// replica derives the same leader for a given height (§4.5).
type Committee struct {
	Epoch      Epoch
	ShardGroup ShardGroup
	Members    []ValidatorInfo
}

// newCommittee builds a Committee whose Members are in canonical order,
// sorted once at construction so repeated leader lookups don't re-sort.
func newCommittee(epoch Epoch, sg ShardGroup, members []ValidatorInfo) Committee {
	sorted := append([]ValidatorInfo(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].PublicKey, sorted[j].PublicKey) < 0
	})
	return Committee{Epoch: epoch, ShardGroup: sg, Members: sorted}
}

// LeaderFor returns the deterministic leader for height within the
// committee: rotation by height mod |committee| over the canonically
// sorted member list (§4.5).
func LeaderFor(committee Committee, height NodeHeight) ValidatorInfo {
	n := len(committee.Members)
	idx := int(uint64(height) % uint64(n))
	return committee.Members[idx]
}

// EpochOracle is the C5 contract. Implementations are expected to be
// backed by whatever base-layer / registration source the deployment
// uses; StaticEpochOracle below is the in-process variant used by tests
// and single-process deployments.
type EpochOracle interface {
	CurrentEpoch() Epoch
	IsRegisteredFor(epoch Epoch) bool
	CommitteeFor(epoch Epoch, sg ShardGroup) (Committee, error)
	CommitteeInfoFor(epoch Epoch, pk []byte) (*ValidatorInfo, ShardGroup, error)
	LeaderForHeight(committee Committee, height NodeHeight) ValidatorInfo
	NumCommittees(epoch Epoch) int
	OurValidator(epoch Epoch) (*ValidatorInfo, error)
}

// StaticEpochOracle is a simple, swappable-snapshot EpochOracle: the
// caller installs a new snapshot at each epoch boundary (§4.5's
// "current_epoch()" is just the last installed snapshot's epoch).
type StaticEpochOracle struct {
	epoch      Epoch
	committees map[ShardGroup]Committee
	ourKey     []byte
}

// NewStaticEpochOracle builds a snapshot for one epoch over the given
// per-shard-group committees, with ourKey identifying our own validator.
func NewStaticEpochOracle(epoch Epoch, committees map[ShardGroup][]ValidatorInfo, ourKey []byte) *StaticEpochOracle {
	built := make(map[ShardGroup]Committee, len(committees))
	for sg, members := range committees {
		built[sg] = newCommittee(epoch, sg, members)
	}
	return &StaticEpochOracle{epoch: epoch, committees: built, ourKey: ourKey}
}

func (o *StaticEpochOracle) CurrentEpoch() Epoch { return o.epoch }

func (o *StaticEpochOracle) IsRegisteredFor(epoch Epoch) bool {
	if epoch != o.epoch {
		return false
	}
	_, _, err := o.CommitteeInfoFor(epoch, o.ourKey)
	return err == nil
}

func (o *StaticEpochOracle) CommitteeFor(epoch Epoch, sg ShardGroup) (Committee, error) {
	if epoch != o.epoch {
		return Committee{}, newError(KindNotRegisteredForEpoch, "no snapshot for requested epoch")
	}
	c, ok := o.committees[sg]
	if !ok {
		return Committee{}, newError(KindInvariantViolation, "no committee for shard group")
	}
	return c, nil
}

func (o *StaticEpochOracle) CommitteeInfoFor(epoch Epoch, pk []byte) (*ValidatorInfo, ShardGroup, error) {
	if epoch != o.epoch {
		return nil, ShardGroup{}, newError(KindNotRegisteredForEpoch, "no snapshot for requested epoch")
	}
	for sg, c := range o.committees {
		for _, m := range c.Members {
			if bytes.Equal(m.PublicKey, pk) {
				v := m
				return &v, sg, nil
			}
		}
	}
	return nil, ShardGroup{}, newError(KindNotRegisteredForEpoch, "validator not found in any committee")
}

func (o *StaticEpochOracle) LeaderForHeight(committee Committee, height NodeHeight) ValidatorInfo {
	return LeaderFor(committee, height)
}

func (o *StaticEpochOracle) NumCommittees(epoch Epoch) int {
	if epoch != o.epoch {
		return 0
	}
	return len(o.committees)
}

func (o *StaticEpochOracle) OurValidator(epoch Epoch) (*ValidatorInfo, error) {
	v, _, err := o.CommitteeInfoFor(epoch, o.ourKey)
	return v, err
}

// VerifyVoteSignature checks that sig is a valid secp256k1 signature by
// signer over msg. Used by the vote aggregator (C8) and foreign-proposal
// handler (C9) to authenticate committee messages.
func VerifyVoteSignature(signerPubKey, msg, sig []byte) bool {
	pk, err := secp256k1.ParsePubKey(signerPubKey)
	if err != nil {
		return false
	}
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := NewHash256(msg)
	return parsedSig.Verify(digest[:], pk)
}
