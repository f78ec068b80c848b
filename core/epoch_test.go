package core

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

func mustValidator(t *testing.T, seed byte) (ValidatorInfo, *secp256k1.PrivateKey) {
	t.Helper()
	var b [32]byte
	b[0] = seed
	priv := secp256k1.PrivKeyFromBytes(b[:])
	return ValidatorInfo{PublicKey: priv.PubKey().SerializeCompressed()}, priv
}

func TestLeaderForRotatesDeterministically(t *testing.T) {
	v1, _ := mustValidator(t, 1)
	v2, _ := mustValidator(t, 2)
	v3, _ := mustValidator(t, 3)
	committee := newCommittee(0, ShardGroup{Start: 0, End: 1}, []ValidatorInfo{v1, v2, v3})

	first := LeaderFor(committee, 0)
	again := LeaderFor(committee, NodeHeight(len(committee.Members)))
	if string(first.PublicKey) != string(again.PublicKey) {
		t.Fatal("expected leader rotation to repeat with period |committee|")
	}
}

func TestStaticEpochOracleCommitteeLookup(t *testing.T) {
	v1, _ := mustValidator(t, 1)
	sg := ShardGroup{Start: 0, End: 1}
	oracle := NewStaticEpochOracle(7, map[ShardGroup][]ValidatorInfo{sg: {v1}}, v1.PublicKey)

	if oracle.CurrentEpoch() != 7 {
		t.Fatalf("expected epoch 7, got %d", oracle.CurrentEpoch())
	}
	committee, err := oracle.CommitteeFor(7, sg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(committee.Members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(committee.Members))
	}
	if !oracle.IsRegisteredFor(7) {
		t.Fatal("expected our own validator to be registered")
	}
	if oracle.IsRegisteredFor(8) {
		t.Fatal("expected epoch 8 to not be registered (no snapshot)")
	}
}

func TestStaticEpochOracleUnknownShardGroup(t *testing.T) {
	v1, _ := mustValidator(t, 1)
	sg := ShardGroup{Start: 0, End: 1}
	other := ShardGroup{Start: 5, End: 6}
	oracle := NewStaticEpochOracle(1, map[ShardGroup][]ValidatorInfo{sg: {v1}}, v1.PublicKey)

	if _, err := oracle.CommitteeFor(1, other); err == nil {
		t.Fatal("expected an error for a shard group with no committee")
	}
}

func TestVerifyVoteSignatureRoundTrip(t *testing.T) {
	_, priv := mustValidator(t, 9)
	msg := []byte("vote-digest")
	digest := NewHash256(msg)
	sig := ecdsa.Sign(priv, digest[:])

	if !VerifyVoteSignature(priv.PubKey().SerializeCompressed(), msg, sig.Serialize()) {
		t.Fatal("expected a correctly signed message to verify")
	}
	if VerifyVoteSignature(priv.PubKey().SerializeCompressed(), []byte("tampered"), sig.Serialize()) {
		t.Fatal("expected a tampered message to fail verification")
	}
}
