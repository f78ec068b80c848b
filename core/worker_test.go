package core

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func newTestWorkerDeps(t *testing.T, store Store) (*Worker, *recordingDeciderHooks, ValidatorInfo) {
	t.Helper()
	pool := NewPool(store)
	signer := newTestSigner(3)
	member := ValidatorInfo{PublicKey: signer.PublicKey()}
	sg := ShardGroup{Start: 0, End: 1}
	committees := map[ShardGroup][]ValidatorInfo{sg: {member}}
	oracle := NewStaticEpochOracle(0, committees, signer.PublicKey())
	pace := NewPacemaker(time.Hour, 2*time.Hour)
	hooks := &recordingDeciderHooks{}
	locks := NewLockManager(store)
	executor := acceptingExecutor(t)
	decider := NewDecider(store, locks, pool, executor, oracle, pace, signer, hooks, 100, 0)
	proposerHooks := &recordingHooks{}
	proposer := NewProposer(store, pool, oracle, signer, proposerHooks, sg, 10, 100)
	votes := NewVoteAggregator(store, oracle)
	lookup := func(epoch Epoch, sg ShardGroup) (Committee, error) { return oracle.CommitteeFor(epoch, sg) }
	foreign := NewForeignProposalHandler(store, pool, lookup, sg)

	deps := WorkerDeps{
		Oracle: oracle, Pace: pace, Decider: decider, Proposer: proposer,
		Votes: votes, Foreign: foreign, Pool: pool, OurKey: signer.PublicKey(), ShardGroup: sg,
	}
	w := NewWorker(deps, 1)
	return w, hooks, member
}

func TestWorkerHandleNewTransactionBeatsOnlyIfEntryExists(t *testing.T) {
	store, cleanup := openTestStore(t)
	defer cleanup()
	w, _, _ := newTestWorkerDeps(t, store)
	ctx := context.Background()

	w.handleNewTransaction(ctx, TransactionId(NewHash256([]byte("absent"))))
	select {
	case <-w.deps.Pace.Signals():
		t.Fatal("expected no beat signal for an unknown transaction")
	default:
	}

	txId := TransactionId(NewHash256([]byte("present")))
	if err := w.deps.Pool.Admit(ctx, txId, 5, DecisionCommit, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.handleNewTransaction(ctx, txId)
	select {
	case sig := <-w.deps.Pace.Signals():
		if sig.Kind != BeatOnBeat {
			t.Fatalf("expected BeatOnBeat, got %v", sig.Kind)
		}
	default:
		t.Fatal("expected a beat signal once the transaction was found in the pool")
	}
}

func TestWorkerHandleVoteFormsQcAndAdvancesPacemaker(t *testing.T) {
	store, cleanup := openTestStore(t)
	defer cleanup()
	w, _, member := newTestWorkerDeps(t, store)
	ctx := context.Background()

	blockId := BlockId(NewHash256([]byte("worker-vote-block")))
	_, vote := signedVote(t, 3, blockId, 7, 0, DecisionCommit)
	vote.Signer = member.PublicKey

	if err := w.handleVote(ctx, vote); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case sig := <-w.deps.Pace.Signals():
		if sig.Kind != BeatOnBeat {
			t.Fatalf("expected BeatOnBeat after QC formation, got %v", sig.Kind)
		}
	default:
		t.Fatal("expected a beat signal once quorum was reached with a single-member committee")
	}
}

func TestWorkerDispatchRoutesForeignProposal(t *testing.T) {
	store, cleanup := openTestStore(t)
	defer cleanup()
	w, _, _ := newTestWorkerDeps(t, store)
	ctx := context.Background()

	block := &Block{Header: BlockHeader{Height: 1}}
	qc := &QuorumCertificate{BlockId: block.Id(), BlockHeight: 1}
	qc.Id = qc.computeId()
	msg := InboundMessage{ForeignProposal: &ForeignProposalMessage{Block: block, JustifyQc: qc}}

	group, gctx := errgroup.WithContext(ctx)
	err := w.dispatch(gctx, group, msg)
	if err == nil {
		t.Fatal("expected an error since the foreign block's shard group has no known committee")
	}
}

func TestWorkerRunHandlesShutdown(t *testing.T) {
	store, cleanup := openTestStore(t)
	defer cleanup()
	w, _, _ := newTestWorkerDeps(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error from Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
