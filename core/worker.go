package core

// worker.go – the consensus worker (§5). One goroutine drains messages,
// pacemaker beats and new-transaction notifications off separate
// channels and dispatches them sequentially, so validation, voting and
// proposing never interleave. decide_on_block is offloaded to a worker
// pool (errgroup) per §5. Foreign multicast is not run here: the proposer
// hands it to ProposerHooks.EnqueueForeignMulticast.

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// InboundMessage is anything arriving from the transport layer that the
// worker must react to (§6's message variants).
type InboundMessage struct {
	Proposal        *ProposalMessage
	ForeignProposal *ForeignProposalMessage
	Vote            *Vote
	NewView         *NewViewMessage
	SyncRequest     *CatchUpSyncRequest
}

// NewViewMessage is the NewView variant of §6.
type NewViewMessage struct {
	Epoch     Epoch
	NewHeight NodeHeight
	HighQc    *QuorumCertificate
	LastVote  *Vote
}

// CatchUpSyncRequest is the CatchUpSyncRequest variant of §6.
type CatchUpSyncRequest struct {
	Epoch  Epoch
	HighQc QcId
}

// WorkerDeps bundles everything the worker loop dispatches into.
type WorkerDeps struct {
	Oracle    EpochOracle
	Pace      *Pacemaker
	Decider   *Decider
	Proposer  *Proposer
	Votes     *VoteAggregator
	Foreign   *ForeignProposalHandler
	Pool      *Pool
	OurKey    []byte
	ShardGroup ShardGroup
}

// Worker drives the single-goroutine main loop of §5.
type Worker struct {
	deps WorkerDeps

	inbound   chan InboundMessage
	newTx     chan TransactionId
	shutdown  chan struct{}
	decideSem chan struct{} // bounds concurrent offloaded decide_on_block runs

	log *logrus.Entry
	wg  sync.WaitGroup
}

// NewWorker constructs a Worker. offloadWidth bounds how many
// decide_on_block calls may run concurrently on the blocking pool;
// §5 requires that "while offloaded, no other state-mutating work for the
// same shard proceeds", so in practice this is 1 per shard group, but the
// knob is exposed for multi-shard-group processes hosting several
// workers.
func NewWorker(deps WorkerDeps, offloadWidth int) *Worker {
	if offloadWidth <= 0 {
		offloadWidth = 1
	}
	return &Worker{
		deps:      deps,
		inbound:   make(chan InboundMessage, 256),
		newTx:     make(chan TransactionId, 256),
		shutdown:  make(chan struct{}),
		decideSem: make(chan struct{}, offloadWidth),
		log:       logrus.WithField("component", "worker"),
	}
}

// Inbound exposes the channel transport adapters push messages onto.
func (w *Worker) Inbound() chan<- InboundMessage { return w.inbound }

// NewTransaction exposes the channel the mempool pushes arrivals onto,
// used to fire on_beat when the proposer was otherwise idle (§4.6).
func (w *Worker) NewTransaction() chan<- TransactionId { return w.newTx }

// Shutdown requests the loop stop at its next suspension point (§5
// "Cancellation").
func (w *Worker) Shutdown() { close(w.shutdown) }

// Run is the main cooperative-scheduling loop. It returns when ctx is
// canceled, Shutdown is called, or a fatal error kind is encountered
// (§7 propagation policy).
func (w *Worker) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	w.deps.Pace.Start(gctx, w.deps.Oracle.CurrentEpoch(), 0)
	defer w.deps.Pace.Stop()

	for {
		select {
		case <-ctx.Done():
			return group.Wait()
		case <-w.shutdown:
			return group.Wait()

		case msg := <-w.inbound:
			if err := w.dispatch(gctx, group, msg); err != nil {
				if KindOf(err).Fatal() {
					return err
				}
				w.log.WithError(err).Warn("recoverable dispatch error")
			}

		case txId := <-w.newTx:
			w.handleNewTransaction(gctx, txId)

		case beat := <-w.deps.Pace.Signals():
			w.handleBeat(gctx, beat)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, group *errgroup.Group, msg InboundMessage) error {
	switch {
	case msg.Proposal != nil:
		return w.offloadDecide(ctx, group, *msg.Proposal)
	case msg.ForeignProposal != nil:
		return w.deps.Foreign.HandleForeignProposal(ctx, *msg.ForeignProposal)
	case msg.Vote != nil:
		return w.handleVote(ctx, *msg.Vote)
	case msg.NewView != nil:
		w.handleNewView(*msg.NewView)
		return nil
	case msg.SyncRequest != nil:
		// Answering CatchUpSyncRequest is transport-layer's job (it owns
		// SyncResponse framing); the worker only needs to know a gap
		// occurred, already signaled via KindJustifyBlockMissing.
		return nil
	default:
		return nil
	}
}

// offloadDecide runs decide_on_block on the blocking pool (§5 "Offloaded
// work"). Acquiring decideSem enforces that no other state-mutating work
// for this shard proceeds while it is in flight; the main loop continues
// draining other channels in the meantime since the errgroup task runs on
// its own goroutine.
func (w *Worker) offloadDecide(ctx context.Context, group *errgroup.Group, proposal ProposalMessage) error {
	select {
	case w.decideSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	group.Go(func() error {
		defer func() { <-w.decideSem }()
		committee, err := w.deps.Oracle.CommitteeFor(w.deps.Oracle.CurrentEpoch(), w.deps.ShardGroup)
		if err != nil {
			return err
		}
		return w.deps.Decider.HandleLocalProposal(ctx, w.deps.Oracle.CurrentEpoch(), committee, proposal)
	})
	return nil
}

func (w *Worker) handleVote(ctx context.Context, vote Vote) error {
	committee, err := w.deps.Oracle.CommitteeFor(vote.Epoch, w.deps.ShardGroup)
	if err != nil {
		return err
	}
	qc, err := w.deps.Votes.AddVote(ctx, committee, vote)
	if err != nil {
		return err
	}
	if qc != nil {
		w.deps.Pace.AdvanceHighQc(qc.BlockHeight)
		w.deps.Pace.OnBeat()
	}
	return nil
}

func (w *Worker) handleNewView(nv NewViewMessage) {
	if nv.HighQc != nil {
		w.deps.Pace.AdvanceHighQc(nv.HighQc.BlockHeight)
	}
}

func (w *Worker) handleNewTransaction(ctx context.Context, txId TransactionId) {
	entry, err := w.deps.Pool.Get(ctx, txId)
	if err != nil || entry == nil {
		return
	}
	w.deps.Pace.OnBeat()
}

func (w *Worker) handleBeat(ctx context.Context, beat BeatSignal) {
	switch beat.Kind {
	case BeatOnBeat, BeatOnForceBeat:
		w.tryPropose(ctx)
	case BeatOnLeaderTimeout:
		// NEWVIEW emission belongs to the transport adapter, which
		// observes the pacemaker's signal channel directly; the worker
		// itself has nothing further to do beyond having already
		// advanced height inside the pacemaker.
	}
}

func (w *Worker) tryPropose(ctx context.Context) {
	committee, err := w.deps.Oracle.CommitteeFor(w.deps.Oracle.CurrentEpoch(), w.deps.ShardGroup)
	if err != nil {
		w.log.WithError(err).Warn("no committee for current epoch, cannot propose")
		return
	}
	block, err := w.deps.Proposer.OnBeat(ctx, w.deps.Oracle.CurrentEpoch(), committee, w.deps.OurKey, nil, nil)
	if err != nil {
		w.log.WithError(err).Warn("propose failed")
		return
	}
	if block != nil {
		w.deps.Pace.SetHeight(block.Header.Height)
	}
}
