package tbi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ocaml-multicore/tezos-sub005/internal/tbchan"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbclock"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbengine/tbelink"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbstore"
	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// bufferedEventLimit caps how many early next-level events are retained.
const bufferedEventLimit = 64

// KernelConfig holds the wiring for a [Kernel].
type KernelConfig struct {
	// Signer is nil when running as an observer.
	Signer tbcrypto.Signer

	CommitteeSource tbconsensus.CommitteeSource
	SignatureScheme tbconsensus.SignatureScheme

	// PayloadSource is required when Signer is set.
	PayloadSource tbconsensus.PayloadSource

	Clock     tbclock.Clock
	WallClock func() time.Time

	DecisionStore tbstore.DecisionStore
	StateStore    tbstore.StateStore
	EvidenceStore tbstore.EvidenceStore

	// InitialLevel is the first level to run
	// when the decision log is empty.
	InitialLevel uint64

	// ManualTimeouts disables the kernel's own round timers;
	// rounds then only expire through TimeoutRequests.
	// Deterministic tests drive the machine this way.
	ManualTimeouts bool

	// StallThreshold is the number of consecutive timed-out rounds
	// after which a stall report is emitted. Zero disables reports.
	StallThreshold uint32

	// BufferWindowRounds is how many round advances a buffered
	// next-level event survives before it is dropped.
	BufferWindowRounds uint32

	AddCandidateRequests <-chan AddCandidateRequest
	AddVoteRequests      <-chan AddVoteRequest
	TimeoutRequests      <-chan TimeoutRequest
	SnapshotRequests     <-chan SnapshotRequest

	// Outbound channels. DecisionOut is required;
	// the others may be nil when the caller has no use for them.
	CandidateOut  chan<- tbconsensus.CandidateBlock
	VoteOut       chan<- tbconsensus.Vote
	DecisionOut   chan<- tbconsensus.Decision
	EvidenceOut   chan<- tbconsensus.Evidence
	StallOut      chan<- tbelink.StallReport
	LevelRoundOut chan<- tbelink.LevelRoundChange
}

func (cfg KernelConfig) validate() error {
	var err error

	if cfg.CommitteeSource == nil {
		err = errors.Join(err, errors.New("CommitteeSource must not be nil"))
	}
	if cfg.SignatureScheme == nil {
		err = errors.Join(err, errors.New("SignatureScheme must not be nil"))
	}
	if cfg.Signer != nil && cfg.PayloadSource == nil {
		err = errors.Join(err, errors.New("PayloadSource must not be nil when Signer is set"))
	}
	if cfg.DecisionStore == nil {
		err = errors.Join(err, errors.New("DecisionStore must not be nil"))
	}
	if cfg.StateStore == nil {
		err = errors.Join(err, errors.New("StateStore must not be nil"))
	}
	if cfg.EvidenceStore == nil {
		err = errors.Join(err, errors.New("EvidenceStore must not be nil"))
	}
	if cfg.InitialLevel == 0 {
		err = errors.Join(err, errors.New("InitialLevel must be positive"))
	}
	if cfg.DecisionOut == nil {
		err = errors.Join(err, errors.New("DecisionOut must not be nil"))
	}

	return err
}

// Kernel owns all mutable round state for the live level.
// It runs as a single goroutine;
// every interaction happens over the request channels,
// so processing one event is atomic with respect to the visible state.
type Kernel struct {
	log *slog.Logger

	cfg KernelConfig

	wallClock func() time.Time

	// Round timer; nil under ManualTimeouts.
	timer *time.Timer

	done chan struct{}
}

// kState is the per-level mutable state,
// confined to the kernel's main loop.
type kState struct {
	level uint64
	round uint32

	step Step

	committee *tbconsensus.Committee

	// Our slot in the committee; isMember false for observers
	// and for levels where our key is not selected.
	ourSlot  int
	isMember bool

	arena *VoteArena

	// First accepted candidate per round.
	candidates map[uint32]*tbconsensus.CandidateBlock

	// Lock discipline state. lockedRound is -1 when unlocked.
	lockedRound   int32
	lockedPayload string

	// Highest observed preendorsement quorum for the level.
	// preQCRound is -1 before any quorum is observed.
	preQCRound   int32
	preQCPayload string

	// Preendorsement quorums already processed,
	// so each is acted on exactly once.
	handledPreQCs map[voteKey]struct{}

	// Predecessor linkage for candidates and decisions.
	prevQC           *tbconsensus.QuorumCertificate
	predecessorHash  string
	predecessorRound uint32

	// baseline anchors the level's round clock:
	// the instant the predecessor decided.
	baseline time.Time

	consecutiveTimeouts uint32

	buffered []bufferedEvent
}

// bufferedEvent is an early event for the immediately following level.
// Exactly one of candidate and vote is set.
type bufferedEvent struct {
	// arrivalRound is the live round when the event was buffered,
	// used to expire events that outlive the buffering window.
	arrivalRound uint32

	candidate *tbconsensus.CandidateBlock
	vote      *tbconsensus.Vote
}

// NewKernel rehydrates the round state machine from the stores
// and starts the kernel goroutine.
//
// Rehydration needs only the last decision and the live level's lock record;
// vote history is never replayed.
func NewKernel(ctx context.Context, log *slog.Logger, cfg KernelConfig) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}

	wallClock := cfg.WallClock
	if wallClock == nil {
		wallClock = time.Now
	}
	if cfg.BufferWindowRounds == 0 {
		cfg.BufferWindowRounds = 2
	}

	k := &Kernel{
		log: log,

		cfg: cfg,

		wallClock: wallClock,

		done: make(chan struct{}),
	}

	s, err := k.rehydrate(ctx)
	if err != nil {
		return nil, err
	}

	go k.mainLoop(ctx, s)
	return k, nil
}

// Wait blocks until the kernel goroutine has finished.
// To stop the kernel, cancel the context passed to [NewKernel].
func (k *Kernel) Wait() {
	<-k.done
}

func (k *Kernel) rehydrate(ctx context.Context) (*kState, error) {
	s := &kState{
		lockedRound: -1,
		preQCRound:  -1,

		candidates:    make(map[uint32]*tbconsensus.CandidateBlock),
		handledPreQCs: make(map[voteKey]struct{}),
	}

	s.level = k.cfg.InitialLevel
	s.baseline = k.wallClock()

	last, ok, err := k.cfg.DecisionStore.LastDecidedLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load last decided level: %w", err)
	}
	if ok && last >= s.level {
		d, err := k.cfg.DecisionStore.LoadDecision(ctx, last)
		if err != nil {
			return nil, fmt.Errorf("failed to load decision for level %d: %w", last, err)
		}

		s.level = last + 1

		qc := d.EndorsementQC.Clone()
		s.prevQC = &qc
		s.predecessorHash = d.PayloadHash
		s.predecessorRound = d.Round
		if !d.Time.IsZero() {
			s.baseline = d.Time
		}
	}

	s.committee, err = k.cfg.CommitteeSource.Committee(ctx, s.level)
	if err != nil {
		return nil, fmt.Errorf("failed to load committee for level %d: %w", s.level, err)
	}
	s.arena = NewVoteArena(s.level, s.committee, k.cfg.SignatureScheme)
	k.resolveOwnSlot(s)

	lockRound, lockPayload, hasLock, err := k.cfg.StateStore.LoadLock(ctx, s.level)
	if err != nil {
		return nil, fmt.Errorf("failed to load lock for level %d: %w", s.level, err)
	}
	if hasLock {
		s.lockedRound = int32(lockRound)
		s.lockedPayload = lockPayload

		// A lock implies a preendorsement quorum was observed at that round.
		s.preQCRound = int32(lockRound)
		s.preQCPayload = lockPayload
	}

	if !k.cfg.ManualTimeouts {
		s.round = k.cfg.Clock.RoundAt(s.baseline, k.wallClock())
	}

	return s, nil
}

func (k *Kernel) resolveOwnSlot(s *kState) {
	s.isMember = false
	if k.cfg.Signer == nil {
		return
	}

	slot, ok := s.committee.SlotOf(k.cfg.Signer.PubKey())
	if !ok {
		return
	}
	s.ourSlot = slot
	s.isMember = true
}

func (k *Kernel) mainLoop(ctx context.Context, s *kState) {
	defer close(k.done)

	k.enterRound(ctx, s)

	for {
		var timerCh <-chan time.Time
		if k.timer != nil {
			timerCh = k.timer.C
		}

		select {
		case <-ctx.Done():
			k.log.Info(
				"Kernel stopping",
				"cause", context.Cause(ctx),
				"level", s.level,
				"round", s.round,
				"step", s.step,
			)
			return

		case req := <-k.cfg.AddCandidateRequests:
			req.Resp <- k.addCandidate(ctx, s, req.Candidate)

		case req := <-k.cfg.AddVoteRequests:
			req.Resp <- k.addVote(ctx, s, req.Vote, req.Slot)

		case req := <-k.cfg.TimeoutRequests:
			if req.Level == s.level && req.Round == s.round && s.step != StepDecided {
				req.Resp <- TimeoutApplied
				k.onRoundExpired(ctx, s)
			} else {
				req.Resp <- TimeoutStale
			}

		case req := <-k.cfg.SnapshotRequests:
			req.Resp <- k.snapshot(s)

		case <-timerCh:
			k.onRoundExpired(ctx, s)
		}
	}
}

// enterRound opens the live round:
// it arms the round timer, processes any already-delivered candidate,
// proposes when we own the round's slot,
// and re-checks quorums that may have formed from early votes.
func (k *Kernel) enterRound(ctx context.Context, s *kState) {
	s.step = StepAwaitingProposal

	if k.cfg.LevelRoundOut != nil {
		_ = tbchan.SendC(
			ctx, k.log,
			k.cfg.LevelRoundOut, tbelink.LevelRoundChange{Level: s.level, Round: s.round},
			"notifying level-round change",
		)
	}

	k.armRoundTimer(s)

	if c, ok := s.candidates[s.round]; ok {
		k.processCurrentCandidate(ctx, s, c)
	} else if s.isMember {
		if _, slot := s.committee.ProposerForRound(s.round); slot == s.ourSlot {
			k.propose(ctx, s)
		}
	}

	k.checkQuorums(ctx, s)
}

func (k *Kernel) armRoundTimer(s *kState) {
	if k.cfg.ManualTimeouts {
		return
	}

	d := k.cfg.Clock.EndOfRound(s.baseline, s.round).Sub(k.wallClock())
	if d < 0 {
		d = 0
	}

	if k.timer == nil {
		k.timer = time.NewTimer(d)
		return
	}

	if !k.timer.Stop() {
		select {
		case <-k.timer.C:
		default:
		}
	}
	k.timer.Reset(d)
}

func (k *Kernel) stopRoundTimer() {
	if k.timer == nil {
		return
	}
	if !k.timer.Stop() {
		select {
		case <-k.timer.C:
		default:
		}
	}
}

// propose bakes our candidate for the live round.
// If a preendorsement quorum for this level has been observed,
// its payload is re-proposed with the quorum as justification;
// otherwise a fresh payload is requested from the payload source.
func (k *Kernel) propose(ctx context.Context, s *kState) {
	c := tbconsensus.CandidateBlock{
		Level: s.level,
		Round: s.round,

		PredecessorHash:   s.predecessorHash,
		PrevEndorsementQC: s.prevQC,
	}

	if s.preQCRound >= 0 {
		c.PayloadHash = s.preQCPayload
		c.PayloadRound = uint32(s.preQCRound)

		qc, ok := s.arena.Certificate(
			tbconsensus.VoteKindPreendorsement, uint32(s.preQCRound), s.preQCPayload,
		)
		if !ok {
			// The quorum may have been observed through a justification
			// rather than accumulated votes; reuse that certificate.
			prior, found := k.justificationFor(s, uint32(s.preQCRound), s.preQCPayload)
			if !found {
				k.log.Warn(
					"No certificate available for observed preendorsement quorum; skipping proposal",
					"level", s.level,
					"round", s.round,
					"payload_round", s.preQCRound,
				)
				return
			}
			qc = prior
		}
		c.Justification = &qc
	} else {
		payload, err := k.cfg.PayloadSource.ProducePayload(ctx, s.level, s.round)
		if err != nil {
			k.log.Warn(
				"Failed to produce payload; skipping proposal",
				"level", s.level,
				"round", s.round,
				"err", err,
			)
			return
		}
		c.PayloadHash = payload
		c.PayloadRound = s.round
	}

	if err := tbconsensus.SignCandidate(ctx, k.cfg.Signer, &c, k.cfg.SignatureScheme); err != nil {
		k.log.Warn(
			"Failed to sign candidate; skipping proposal",
			"level", s.level,
			"round", s.round,
			"err", err,
		)
		return
	}

	if k.cfg.CandidateOut != nil {
		if !tbchan.SendC(ctx, k.log, k.cfg.CandidateOut, c, "emitting candidate") {
			return
		}
	}

	// Self-delivery, so our own proposal follows
	// the same path as a remote one.
	_ = k.applyCandidate(ctx, s, c)
}

// justificationFor finds a stored candidate whose justification certificate
// covers the given preendorsement quorum.
func (k *Kernel) justificationFor(s *kState, round uint32, payloadHash string) (tbconsensus.QuorumCertificate, bool) {
	for _, c := range s.candidates {
		j := c.Justification
		if j == nil {
			continue
		}
		if j.Round == round && j.PayloadHash == payloadHash {
			return j.Clone(), true
		}
	}
	return tbconsensus.QuorumCertificate{}, false
}

func (k *Kernel) addCandidate(ctx context.Context, s *kState, c tbconsensus.CandidateBlock) tbconsensus.HandleCandidateResult {
	switch {
	case c.Level == s.level:
		return k.applyCandidate(ctx, s, c)

	case c.Level == s.level+1:
		if len(s.buffered) >= bufferedEventLimit {
			return tbconsensus.HandleCandidateBeyondWindow
		}
		s.buffered = append(s.buffered, bufferedEvent{
			arrivalRound: s.round,
			candidate:    &c,
		})
		return tbconsensus.HandleCandidateBuffered

	case c.Level < s.level:
		return tbconsensus.HandleCandidateOutOfDate

	default:
		return tbconsensus.HandleCandidateBeyondWindow
	}
}

func (k *Kernel) applyCandidate(ctx context.Context, s *kState, c tbconsensus.CandidateBlock) tbconsensus.HandleCandidateResult {
	if s.step == StepDecided {
		return tbconsensus.HandleCandidateOutOfDate
	}
	if c.Round < s.round && !k.hasPendingEndorsementQuorum(s, c.Round, c.PayloadHash) {
		// A candidate for an expired round is only still relevant
		// when an endorsement quorum is waiting on it to decide.
		return tbconsensus.HandleCandidateOutOfDate
	}
	if c.Round > s.round+k.cfg.BufferWindowRounds {
		// Storing candidates for arbitrarily distant rounds would let
		// future-round proposers grow state without limit.
		return tbconsensus.HandleCandidateBeyondWindow
	}

	if prior, ok := s.candidates[c.Round]; ok {
		if prior.PayloadHash == c.PayloadHash {
			return tbconsensus.HandleCandidateAccepted
		}

		// Only the first candidate per round counts;
		// a conflicting second one is double baking.
		k.recordEvidence(ctx, s, tbconsensus.Evidence{
			Kind:            tbconsensus.EvidenceDoubleBaking,
			FirstCandidate:  prior,
			SecondCandidate: &c,
		})
		return tbconsensus.HandleCandidateEquivocation
	}

	if res := k.checkReProposal(s, c); res != tbconsensus.HandleCandidateAccepted {
		return res
	}

	stored := c
	s.candidates[c.Round] = &stored

	// A justification certificate is an observed preendorsement quorum.
	if c.Justification != nil {
		k.observePreQuorum(ctx, s, c.Justification.Round, c.Justification.PayloadHash)
	}

	if c.Round == s.round && s.step == StepAwaitingProposal {
		k.processCurrentCandidate(ctx, s, &stored)
	}

	k.checkQuorums(ctx, s)
	return tbconsensus.HandleCandidateAccepted
}

func (k *Kernel) hasPendingEndorsementQuorum(s *kState, round uint32, payloadHash string) bool {
	return s.arena.HasQuorum(tbconsensus.VoteKindEndorsement, round, payloadHash)
}

// checkReProposal enforces the re-proposal rule:
// a payload first proposed at an earlier round needs its
// preendorsement quorum as justification,
// and a payload conflicting with an observed preendorsement quorum
// needs a strictly higher-round quorum superseding it.
func (k *Kernel) checkReProposal(s *kState, c tbconsensus.CandidateBlock) tbconsensus.HandleCandidateResult {
	if c.PayloadRound < c.Round {
		j := c.Justification
		if j == nil ||
			j.Kind != tbconsensus.VoteKindPreendorsement ||
			j.Level != c.Level ||
			j.Round != c.PayloadRound ||
			j.PayloadHash != c.PayloadHash {
			return tbconsensus.HandleCandidateReProposalMismatch
		}
	}

	if s.preQCRound >= 0 && c.PayloadHash != s.preQCPayload {
		j := c.Justification
		if j == nil || int32(j.Round) <= s.preQCRound {
			return tbconsensus.HandleCandidateReProposalMismatch
		}
	}

	return tbconsensus.HandleCandidateAccepted
}

// processCurrentCandidate preendorses the live round's candidate,
// subject to the lock discipline,
// and advances to awaiting the preendorsement quorum.
func (k *Kernel) processCurrentCandidate(ctx context.Context, s *kState, c *tbconsensus.CandidateBlock) {
	s.step = StepAwaitingPreendorsementQuorum

	if !s.isMember {
		return
	}

	if s.lockedRound >= 0 && c.PayloadHash != s.lockedPayload {
		// Locked on a conflicting payload.
		// Preendorsing requires a strictly higher-round
		// preendorsement quorum justifying the new payload.
		j := c.Justification
		if j == nil || int32(j.Round) <= s.lockedRound {
			k.log.Info(
				"Withholding preendorsement: candidate conflicts with lock",
				"level", s.level,
				"round", s.round,
				"locked_round", s.lockedRound,
			)
			return
		}
	}

	k.castVote(ctx, s, tbconsensus.VoteKindPreendorsement, s.round, c.PayloadHash)
}

// castVote signs and emits our vote, then counts it locally.
// It is a no-op if we already voted this kind at this round.
func (k *Kernel) castVote(ctx context.Context, s *kState, kind tbconsensus.VoteKind, round uint32, payloadHash string) {
	if !s.isMember {
		return
	}
	if _, voted := s.arena.seen[seenKey{Kind: kind, Round: round, Slot: s.ourSlot}]; voted {
		return
	}

	vt := tbconsensus.VoteTarget{Level: s.level, Round: round, PayloadHash: payloadHash}
	v, err := tbconsensus.NewSignedVote(ctx, k.cfg.Signer, kind, vt, k.cfg.SignatureScheme)
	if err != nil {
		k.log.Warn(
			"Failed to sign vote",
			"kind", kind,
			"level", s.level,
			"round", round,
			"err", err,
		)
		return
	}

	if k.cfg.VoteOut != nil {
		if !tbchan.SendC(ctx, k.log, k.cfg.VoteOut, v, "emitting vote") {
			return
		}
	}

	if _, _, err := s.arena.AddVote(v, s.ourSlot); err != nil {
		k.log.Error(
			"Failed to count own vote",
			"kind", kind,
			"level", s.level,
			"round", round,
			"err", err,
		)
	}
}

func (k *Kernel) addVote(ctx context.Context, s *kState, v tbconsensus.Vote, slot int) tbconsensus.HandleVoteResult {
	switch {
	case v.Level == s.level:
		// Apply below.

	case v.Level == s.level+1:
		if len(s.buffered) >= bufferedEventLimit {
			return tbconsensus.HandleVoteBeyondWindow
		}
		s.buffered = append(s.buffered, bufferedEvent{
			arrivalRound: s.round,
			vote:         &v,
		})
		return tbconsensus.HandleVoteBuffered

	case v.Level < s.level:
		return tbconsensus.HandleVoteOutOfDate

	default:
		return tbconsensus.HandleVoteBeyondWindow
	}

	if s.step == StepDecided {
		return tbconsensus.HandleVoteOutOfDate
	}

	outcome, ev, err := s.arena.AddVote(v, slot)
	if err != nil {
		k.log.Error(
			"Failed to apply vote",
			"level", v.Level,
			"round", v.Round,
			"err", err,
		)
		return tbconsensus.HandleVoteInternalError
	}

	switch outcome {
	case VoteOutcomeRedundant:
		return tbconsensus.HandleVoteRedundant
	case VoteOutcomeEquivocation:
		k.recordEvidence(ctx, s, *ev)
		return tbconsensus.HandleVoteEquivocation
	}

	k.checkQuorums(ctx, s)
	return tbconsensus.HandleVoteAccepted
}

// checkQuorums acts on every newly formed quorum in the arena:
// preendorsement quorums move the lock and trigger our endorsement,
// endorsement quorums decide the level.
func (k *Kernel) checkQuorums(ctx context.Context, s *kState) {
	if s.step == StepDecided {
		return
	}

	threshold := s.committee.QuorumThreshold()

	// Process preendorsement quorums in round order,
	// so the lock lands on the highest round.
	var preKeys []voteKey
	for key, b := range s.arena.buckets {
		if key.Kind != tbconsensus.VoteKindPreendorsement || b.power < threshold {
			continue
		}
		if _, handled := s.handledPreQCs[key]; handled {
			continue
		}
		preKeys = append(preKeys, key)
	}
	sort.Slice(preKeys, func(i, j int) bool { return preKeys[i].Round < preKeys[j].Round })

	for _, key := range preKeys {
		s.handledPreQCs[key] = struct{}{}
		k.observePreQuorum(ctx, s, key.Round, key.PayloadHash)
	}

	for key, b := range s.arena.buckets {
		if key.Kind != tbconsensus.VoteKindEndorsement || b.power < threshold {
			continue
		}
		k.tryDecide(ctx, s, key.Round, key.PayloadHash)
		if s.step == StepDecided {
			return
		}
	}
}

// observePreQuorum applies a preendorsement quorum for (round, payloadHash):
// it moves the lock if the quorum's round is strictly higher,
// and if the quorum is for the live round, casts our endorsement.
func (k *Kernel) observePreQuorum(ctx context.Context, s *kState, round uint32, payloadHash string) {
	if int32(round) > s.preQCRound {
		s.preQCRound = int32(round)
		s.preQCPayload = payloadHash
	}

	if int32(round) > s.lockedRound {
		s.lockedRound = int32(round)
		s.lockedPayload = payloadHash

		if err := k.cfg.StateStore.SaveLock(ctx, s.level, round, payloadHash); err != nil {
			k.log.Error(
				"Failed to persist lock",
				"level", s.level,
				"round", round,
				"err", err,
			)
		}
	}

	if round == s.round &&
		(s.step == StepAwaitingProposal || s.step == StepAwaitingPreendorsementQuorum) {
		s.step = StepAwaitingEndorsementQuorum
		k.castVote(ctx, s, tbconsensus.VoteKindEndorsement, round, payloadHash)
	}
}

// tryDecide finalizes the level on an endorsement quorum,
// once the quorum's candidate has been observed.
// Until the candidate arrives the quorum stays pending;
// a later candidate delivery re-enters here through checkQuorums.
func (k *Kernel) tryDecide(ctx context.Context, s *kState, round uint32, payloadHash string) {
	var cand *tbconsensus.CandidateBlock
	if c, ok := s.candidates[round]; ok && c.PayloadHash == payloadHash {
		cand = c
	} else {
		for _, c := range s.candidates {
			if c.PayloadHash == payloadHash {
				cand = c
				break
			}
		}
	}
	if cand == nil {
		return
	}

	qc, ok := s.arena.Certificate(tbconsensus.VoteKindEndorsement, round, payloadHash)
	if !ok {
		return
	}

	lockedRound := int32(-1)
	if cand.PayloadRound < round {
		lockedRound = int32(cand.PayloadRound)
	}

	d := tbconsensus.Decision{
		Level: s.level,
		Round: round,

		PayloadRound: cand.PayloadRound,

		PayloadHash:     payloadHash,
		PredecessorHash: cand.PredecessorHash,

		ProposerPubKey: cand.ProposerPubKey,

		Fitness: tbconsensus.Fitness{
			Level:            s.level,
			LockedRound:      lockedRound,
			PredecessorRound: s.predecessorRound,
			Round:            round,
		},

		Time: k.wallClock(),

		EndorsementQC:     qc,
		PrevEndorsementQC: cand.PrevEndorsementQC,
	}

	if err := k.cfg.DecisionStore.SaveDecision(ctx, d); err != nil {
		// A conflicting decision at one level means the threshold math
		// or the single-writer discipline is broken. Not recoverable.
		panic(fmt.Errorf(
			"FATAL: failed to persist decision at level %d: %w", s.level, err,
		))
	}

	if err := k.cfg.StateStore.ClearLock(ctx, s.level); err != nil {
		k.log.Error(
			"Failed to clear lock after decision",
			"level", s.level,
			"err", err,
		)
	}

	s.step = StepDecided
	k.stopRoundTimer()

	k.log.Info(
		"Level decided",
		"level", s.level,
		"round", round,
		"endorsement_power", qc.Power,
	)

	if !tbchan.SendC(ctx, k.log, k.cfg.DecisionOut, d, "emitting decision") {
		return
	}

	k.advanceLevel(ctx, s, d)
}

// advanceLevel starts the next level's instance:
// fresh committee, fresh arena, round zero,
// with the decision time as the new round-clock baseline.
// Buffered next-level events are replayed into the new instance.
func (k *Kernel) advanceLevel(ctx context.Context, s *kState, d tbconsensus.Decision) {
	committee, ok := k.loadCommittee(ctx, s.level+1)
	if !ok {
		// Shutting down; the main loop exits on its next pass.
		return
	}

	s.level++
	s.round = 0

	s.committee = committee
	k.resolveOwnSlot(s)

	s.arena = NewVoteArena(s.level, s.committee, k.cfg.SignatureScheme)
	s.candidates = make(map[uint32]*tbconsensus.CandidateBlock)
	s.handledPreQCs = make(map[voteKey]struct{})

	s.lockedRound = -1
	s.lockedPayload = ""
	s.preQCRound = -1
	s.preQCPayload = ""

	qc := d.EndorsementQC.Clone()
	s.prevQC = &qc
	s.predecessorHash = d.PayloadHash
	s.predecessorRound = d.Round

	s.baseline = d.Time
	s.consecutiveTimeouts = 0

	replay := s.buffered
	s.buffered = nil

	k.enterRound(ctx, s)

	for _, ev := range replay {
		if s.step == StepDecided {
			// The replayed events decided the new level already;
			// anything left is for the level after and was not buffered.
			break
		}

		if ev.candidate != nil {
			_ = k.addCandidate(ctx, s, *ev.candidate)
			continue
		}

		v := *ev.vote
		slot, ok := s.committee.SlotOf(v.PubKey)
		if !ok {
			continue
		}
		_ = k.addVote(ctx, s, v, slot)
	}
}

// loadCommittee fetches the committee for a level,
// retrying while the committee source fails transiently.
// It reports false only when ctx is canceled.
func (k *Kernel) loadCommittee(ctx context.Context, level uint64) (*tbconsensus.Committee, bool) {
	for {
		committee, err := k.cfg.CommitteeSource.Committee(ctx, level)
		if err == nil {
			return committee, true
		}

		k.log.Error(
			"Failed to load committee; retrying",
			"level", level,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(k.cfg.Clock.RoundDuration(0)):
		}
	}
}

// onRoundExpired advances to the next round after a timeout,
// carrying the lock forward for the re-proposal rule.
func (k *Kernel) onRoundExpired(ctx context.Context, s *kState) {
	if s.step == StepDecided {
		return
	}

	s.consecutiveTimeouts++
	if k.cfg.StallThreshold > 0 &&
		s.consecutiveTimeouts >= k.cfg.StallThreshold &&
		k.cfg.StallOut != nil {
		_ = tbchan.SendC(
			ctx, k.log,
			k.cfg.StallOut, tbelink.StallReport{
				Level:               s.level,
				Round:               s.round,
				ConsecutiveTimeouts: s.consecutiveTimeouts,
				PreendorsementPower: s.arena.DistinctPower(
					tbconsensus.VoteKindPreendorsement, s.round,
				),
			},
			"reporting stalled level",
		)
	}

	k.log.Info(
		"Round expired without decision",
		"level", s.level,
		"round", s.round,
		"step", s.step,
	)

	s.round++
	k.expireBuffered(s)
	k.enterRound(ctx, s)
}

// expireBuffered drops buffered next-level events
// that have outlived the buffering window.
func (k *Kernel) expireBuffered(s *kState) {
	if len(s.buffered) == 0 {
		return
	}

	kept := s.buffered[:0]
	for _, ev := range s.buffered {
		if ev.arrivalRound+k.cfg.BufferWindowRounds > s.round {
			kept = append(kept, ev)
		}
	}
	s.buffered = kept
}

func (k *Kernel) recordEvidence(ctx context.Context, s *kState, ev tbconsensus.Evidence) {
	if err := k.cfg.EvidenceStore.SaveEvidence(ctx, ev); err != nil {
		k.log.Error(
			"Failed to persist evidence",
			"kind", ev.Kind,
			"level", ev.Level(),
			"round", ev.Round(),
			"err", err,
		)
	}

	if k.cfg.EvidenceOut != nil {
		_ = tbchan.SendC(ctx, k.log, k.cfg.EvidenceOut, ev, "emitting evidence")
	}
}

func (k *Kernel) snapshot(s *kState) RoundStateSnapshot {
	snap := RoundStateSnapshot{
		Level: s.level,
		Round: s.round,

		Step: s.step,

		LockedRound:       s.lockedRound,
		LockedPayloadHash: s.lockedPayload,

		QuorumThreshold: s.committee.QuorumThreshold(),

		ConsecutiveTimeouts: s.consecutiveTimeouts,
	}

	if c, ok := s.candidates[s.round]; ok {
		snap.CandidatePayloadHash = c.PayloadHash
		snap.PreendorsementPower = s.arena.Power(
			tbconsensus.VoteKindPreendorsement, s.round, c.PayloadHash,
		)
		snap.EndorsementPower = s.arena.Power(
			tbconsensus.VoteKindEndorsement, s.round, c.PayloadHash,
		)
	}

	return snap
}
