package core

// pacemaker.go – the pacemaker (C6, §4.6). It owns view/height bookkeeping
// and timeout backoff; it emits signals on channels rather than calling
// back directly, matching the single-consumer main-loop model of §5.

import (
	"context"
	"sync"
	"time"
)

// BeatKind discriminates the three pacemaker signals of §4.6.
type BeatKind int

const (
	BeatOnBeat BeatKind = iota
	BeatOnForceBeat
	BeatOnLeaderTimeout
)

// BeatSignal is what the pacemaker pushes onto its output channel.
type BeatSignal struct {
	Kind       BeatKind
	Leaf       *BlockId   // set for OnForceBeat's NEWVIEW path
	NewHeight  NodeHeight // set for OnLeaderTimeout
}

// Pacemaker tracks {epoch, height, high_qc_height} and drives view
// timeouts with exponential backoff, reset on any accepted proposal
// (§4.6).
type Pacemaker struct {
	mu sync.Mutex

	epoch        Epoch
	height       NodeHeight
	highQcHeight NodeHeight

	base    time.Duration
	max     time.Duration
	current time.Duration
	streak  int

	suspended bool

	timer  *time.Timer
	beats  chan BeatSignal
	cancel context.CancelFunc
}

// NewPacemaker constructs a Pacemaker with the given base/max view
// timeouts (§6 configuration keys view_timeout_base/view_timeout_max).
func NewPacemaker(base, max time.Duration) *Pacemaker {
	return &Pacemaker{
		base:    base,
		max:     max,
		current: base,
		beats:   make(chan BeatSignal, 16),
	}
}

// Signals returns the channel the consensus worker selects on (§5).
func (p *Pacemaker) Signals() <-chan BeatSignal { return p.beats }

// Start begins the timeout loop for the given starting view.
func (p *Pacemaker) Start(ctx context.Context, epoch Epoch, height NodeHeight) {
	p.mu.Lock()
	p.epoch = epoch
	p.height = height
	p.mu.Unlock()
	p.armTimeout(height)
}

func (p *Pacemaker) armTimeout(forHeight NodeHeight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	timeout := p.current
	p.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		suspended := p.suspended
		height := p.height
		p.mu.Unlock()
		if suspended || height != forHeight {
			return
		}
		p.onTimeout(forHeight)
	})
}

func (p *Pacemaker) onTimeout(forHeight NodeHeight) {
	MetricViewTimeouts.Inc()
	p.mu.Lock()
	p.streak++
	p.current = backoff(p.base, p.max, p.streak)
	newHeight := forHeight + 1
	p.height = newHeight
	p.mu.Unlock()

	select {
	case p.beats <- BeatSignal{Kind: BeatOnLeaderTimeout, NewHeight: newHeight}:
	default:
	}
	p.armTimeout(newHeight)
}

// backoff computes exponential view-timeout growth, capped at max.
func backoff(base, max time.Duration, streak int) time.Duration {
	d := base
	for i := 0; i < streak && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// OnBeat signals "try to propose now" (QC advancement, new-tx arrival
// while idle, or epoch-change quick close) per §4.6.
func (p *Pacemaker) OnBeat() {
	select {
	case p.beats <- BeatSignal{Kind: BeatOnBeat}:
	default:
	}
}

// OnForceBeat signals the NEWVIEW path: propose now using an optionally
// specified leaf.
func (p *Pacemaker) OnForceBeat(leaf *BlockId) {
	select {
	case p.beats <- BeatSignal{Kind: BeatOnForceBeat, Leaf: leaf}:
	default:
	}
}

// AdvanceHighQc resets the timeout streak whenever a new, higher QC is
// observed, and fires on_beat (§4.6 "fires on QC advancement").
func (p *Pacemaker) AdvanceHighQc(height NodeHeight) {
	p.mu.Lock()
	advanced := height > p.highQcHeight
	if advanced {
		p.highQcHeight = height
	}
	p.mu.Unlock()
	if advanced {
		p.ResetBackoff()
		p.OnBeat()
	}
}

// ResetBackoff clears the consecutive-failure streak, called whenever a
// proposal is accepted (§4.6).
func (p *Pacemaker) ResetBackoff() {
	p.mu.Lock()
	p.streak = 0
	p.current = p.base
	p.mu.Unlock()
}

// SuspendLeaderFailure and ResumeLeaderFailure bracket proposal
// processing so a replica does not time out on its own work (§4.6).
func (p *Pacemaker) SuspendLeaderFailure() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}

func (p *Pacemaker) ResumeLeaderFailure() {
	p.mu.Lock()
	p.suspended = false
	height := p.height
	p.mu.Unlock()
	p.armTimeout(height)
}

// Stop cancels the outstanding timer. Safe to call multiple times.
func (p *Pacemaker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

// SetHeight updates the tracked height, e.g. after a valid proposal moves
// the replica forward; it also resets the view timer for the new height.
func (p *Pacemaker) SetHeight(h NodeHeight) {
	p.mu.Lock()
	p.height = h
	p.mu.Unlock()
	p.ResetBackoff()
	p.armTimeout(h)
}
