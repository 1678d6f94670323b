// Package tbengine assembles the consensus engine:
// a concurrency-safe front end doing stateless validation,
// backed by a single kernel goroutine
// owning the live level's round state machine.
package tbengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocaml-multicore/tezos-sub005/internal/tbchan"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbclock"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbengine/internal/tbi"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbengine/tbelink"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbstore"
	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// RoundStateSnapshot is an alias into the internal package,
// so callers can introspect the engine without importing it.
type RoundStateSnapshot = tbi.RoundStateSnapshot

// TimeoutResult is an alias into the internal package.
type TimeoutResult = tbi.TimeoutResult

const (
	TimeoutApplied = tbi.TimeoutApplied
	TimeoutStale   = tbi.TimeoutStale
)

// Config holds the collaborators and protocol constants
// required to start an [Engine].
type Config struct {
	// Signer is nil for an observer that follows consensus
	// without proposing or voting.
	Signer tbcrypto.Signer

	CommitteeSource tbconsensus.CommitteeSource
	SignatureScheme tbconsensus.SignatureScheme

	// PayloadSource is required when Signer is set.
	PayloadSource tbconsensus.PayloadSource

	// PayloadVerifier checks incoming candidates' payload proofs.
	// Nil skips the check, for deployments where payload validity
	// is enforced downstream of consensus.
	PayloadVerifier tbconsensus.PayloadVerifier

	Clock tbclock.Config

	// WallClock defaults to time.Now when nil.
	WallClock func() time.Time

	DecisionStore tbstore.DecisionStore
	StateStore    tbstore.StateStore
	EvidenceStore tbstore.EvidenceStore

	// InitialLevel is the first level to run
	// when the decision log is empty.
	InitialLevel uint64

	// ManualTimeouts disables internal round timers;
	// round expiry then only happens through HandleTimeout.
	ManualTimeouts bool

	// StallThreshold is the number of consecutive timed-out rounds
	// after which a report goes to StallOut. Zero disables reports.
	StallThreshold uint32

	// BufferWindowRounds bounds how long early next-level messages
	// are retained, measured in round advances.
	BufferWindowRounds uint32

	// Outbound channels. DecisionOut is required;
	// the others may be nil.
	CandidateOut  chan<- tbconsensus.CandidateBlock
	VoteOut       chan<- tbconsensus.Vote
	DecisionOut   chan<- tbconsensus.Decision
	EvidenceOut   chan<- tbconsensus.Evidence
	StallOut      chan<- tbelink.StallReport
	LevelRoundOut chan<- tbelink.LevelRoundChange
}

func (cfg Config) toKernelConfig(clock tbclock.Clock) tbi.KernelConfig {
	return tbi.KernelConfig{
		Signer: cfg.Signer,

		CommitteeSource: cfg.CommitteeSource,
		SignatureScheme: cfg.SignatureScheme,
		PayloadSource:   cfg.PayloadSource,

		Clock:     clock,
		WallClock: cfg.WallClock,

		DecisionStore: cfg.DecisionStore,
		StateStore:    cfg.StateStore,
		EvidenceStore: cfg.EvidenceStore,

		InitialLevel: cfg.InitialLevel,

		ManualTimeouts:     cfg.ManualTimeouts,
		StallThreshold:     cfg.StallThreshold,
		BufferWindowRounds: cfg.BufferWindowRounds,

		CandidateOut:  cfg.CandidateOut,
		VoteOut:       cfg.VoteOut,
		DecisionOut:   cfg.DecisionOut,
		EvidenceOut:   cfg.EvidenceOut,
		StallOut:      cfg.StallOut,
		LevelRoundOut: cfg.LevelRoundOut,
	}
}

// Engine drives rounds for one level at a time,
// emitting candidates, votes, and decisions over the configured channels.
//
// Engine methods are safe to call concurrently:
// they do stateless validation
// (committee membership, proposer slots, signatures)
// and hand validated messages to the kernel goroutine over channels.
type Engine struct {
	log *slog.Logger

	k *tbi.Kernel

	cs     tbconsensus.CommitteeSource
	scheme tbconsensus.SignatureScheme
	pv     tbconsensus.PayloadVerifier

	addCandidateRequests chan<- tbi.AddCandidateRequest
	addVoteRequests      chan<- tbi.AddVoteRequest
	timeoutRequests      chan<- tbi.TimeoutRequest
	snapshotRequests     chan<- tbi.SnapshotRequest
}

var _ tbconsensus.ConsensusHandler = (*Engine)(nil)

// New starts an Engine.
// The engine's kernel goroutine is associated with ctx;
// cancel the context and call [*Engine.Wait] to stop it.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*Engine, error) {
	if cfg.SignatureScheme == nil {
		return nil, errors.New("invalid engine config: SignatureScheme must not be nil")
	}
	if cfg.CommitteeSource == nil {
		return nil, errors.New("invalid engine config: CommitteeSource must not be nil")
	}

	clock, err := tbclock.New(cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("invalid round clock config: %w", err)
	}

	kCfg := cfg.toKernelConfig(clock)

	// The calling method blocks on the response regardless,
	// so no point in buffering these.
	addCandidateRequests := make(chan tbi.AddCandidateRequest)
	addVoteRequests := make(chan tbi.AddVoteRequest)
	timeoutRequests := make(chan tbi.TimeoutRequest)

	// 1-buffered because the caller may initiate the request
	// and do work before reading the response.
	snapshotRequests := make(chan tbi.SnapshotRequest, 1)

	kCfg.AddCandidateRequests = addCandidateRequests
	kCfg.AddVoteRequests = addVoteRequests
	kCfg.TimeoutRequests = timeoutRequests
	kCfg.SnapshotRequests = snapshotRequests

	k, err := tbi.NewKernel(ctx, log.With("e_sys", "kernel"), kCfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		log: log,

		k: k,

		cs:     cfg.CommitteeSource,
		scheme: cfg.SignatureScheme,
		pv:     cfg.PayloadVerifier,

		addCandidateRequests: addCandidateRequests,
		addVoteRequests:      addVoteRequests,
		timeoutRequests:      timeoutRequests,
		snapshotRequests:     snapshotRequests,
	}, nil
}

// Wait blocks until the kernel goroutine has finished.
// To begin shutdown, cancel the context passed to [New].
func (e *Engine) Wait() {
	e.k.Wait()
}

// HandleCandidate satisfies [tbconsensus.ConsensusHandler].
//
// Signature checks and committee lookups happen here,
// outside the kernel's main loop,
// so malformed candidates never reach the state machine.
func (e *Engine) HandleCandidate(ctx context.Context, c tbconsensus.CandidateBlock) tbconsensus.HandleCandidateResult {
	if c.ProposerPubKey == nil {
		return tbconsensus.HandleCandidateInvalidSignature
	}
	if c.PayloadRound > c.Round {
		return tbconsensus.HandleCandidateReProposalMismatch
	}

	committee, err := e.cs.Committee(ctx, c.Level)
	if err != nil {
		e.log.Info(
			"Dropping candidate for level with no committee",
			"level", c.Level,
			"err", err,
		)
		return tbconsensus.HandleCandidateUnknownCommittee
	}

	proposer, _ := committee.ProposerForRound(c.Round)
	if !proposer.PubKey.Equal(c.ProposerPubKey) {
		return tbconsensus.HandleCandidateWrongProposer
	}

	msg, err := tbconsensus.CandidateSignBytes(c, e.scheme)
	if err != nil {
		e.log.Error("Failed to build candidate signing content", "err", err)
		return tbconsensus.HandleCandidateInternalError
	}
	if !c.ProposerPubKey.Verify(msg, c.Signature) {
		return tbconsensus.HandleCandidateInvalidSignature
	}

	if j := c.Justification; j != nil {
		if j.Kind != tbconsensus.VoteKindPreendorsement || j.Level != c.Level {
			return tbconsensus.HandleCandidateInvalidJustification
		}
		if err := j.Verify(committee, e.scheme); err != nil {
			e.log.Info(
				"Dropping candidate with unverifiable justification",
				"level", c.Level,
				"round", c.Round,
				"err", err,
			)
			return tbconsensus.HandleCandidateInvalidJustification
		}
	}

	if qc := c.PrevEndorsementQC; qc != nil {
		prevCommittee, err := e.cs.Committee(ctx, c.Level-1)
		if err != nil {
			return tbconsensus.HandleCandidateUnknownCommittee
		}
		if qc.Kind != tbconsensus.VoteKindEndorsement || qc.Level != c.Level-1 {
			return tbconsensus.HandleCandidateInvalidJustification
		}
		if err := qc.Verify(prevCommittee, e.scheme); err != nil {
			e.log.Info(
				"Dropping candidate with unverifiable predecessor confirmation",
				"level", c.Level,
				"round", c.Round,
				"err", err,
			)
			return tbconsensus.HandleCandidateInvalidJustification
		}
	}

	if e.pv != nil {
		valid, err := e.pv.VerifyPayload(ctx, c)
		if err != nil {
			e.log.Error(
				"Failed to check payload proof",
				"level", c.Level,
				"round", c.Round,
				"err", err,
			)
			return tbconsensus.HandleCandidateInternalError
		}
		if !valid {
			return tbconsensus.HandleCandidateInvalidPayload
		}
	}

	req := tbi.AddCandidateRequest{
		Candidate: c,
		Resp:      make(chan tbconsensus.HandleCandidateResult, 1),
	}
	result, ok := tbchan.ReqResp(
		ctx, e.log,
		e.addCandidateRequests, req,
		req.Resp,
		"HandleCandidate",
	)
	if !ok {
		return tbconsensus.HandleCandidateInternalError
	}
	return result
}

// HandleVote satisfies [tbconsensus.ConsensusHandler].
func (e *Engine) HandleVote(ctx context.Context, v tbconsensus.Vote) tbconsensus.HandleVoteResult {
	if v.PubKey == nil {
		return tbconsensus.HandleVoteInvalidSignature
	}

	committee, err := e.cs.Committee(ctx, v.Level)
	if err != nil {
		e.log.Info(
			"Dropping vote for level with no committee",
			"level", v.Level,
			"err", err,
		)
		return tbconsensus.HandleVoteUnknownCommittee
	}

	slot, ok := committee.SlotOf(v.PubKey)
	if !ok {
		return tbconsensus.HandleVoteUnknownValidator
	}

	msg, err := tbconsensus.VoteSignBytes(v.Kind, v.Target(), e.scheme)
	if err != nil {
		e.log.Error("Failed to build vote signing content", "err", err)
		return tbconsensus.HandleVoteInternalError
	}
	if !v.PubKey.Verify(msg, v.Signature) {
		return tbconsensus.HandleVoteInvalidSignature
	}

	req := tbi.AddVoteRequest{
		Vote: v,
		Slot: slot,
		Resp: make(chan tbconsensus.HandleVoteResult, 1),
	}
	result, ok := tbchan.ReqResp(
		ctx, e.log,
		e.addVoteRequests, req,
		req.Resp,
		"HandleVote",
	)
	if !ok {
		return tbconsensus.HandleVoteInternalError
	}
	return result
}

// HandleTimeout injects a round timeout for (level, round).
// Transports or drivers that own the timing call this;
// under ManualTimeouts it is the only way rounds expire.
// A request not matching the live level and round reports stale.
func (e *Engine) HandleTimeout(ctx context.Context, level uint64, round uint32) (TimeoutResult, bool) {
	req := tbi.TimeoutRequest{
		Level: level,
		Round: round,
		Resp:  make(chan tbi.TimeoutResult, 1),
	}
	return tbchan.ReqResp(
		ctx, e.log,
		e.timeoutRequests, req,
		req.Resp,
		"HandleTimeout",
	)
}

// QueryState returns a read-only snapshot of the live round state.
// The second return is false if the engine is shutting down.
func (e *Engine) QueryState(ctx context.Context) (RoundStateSnapshot, bool) {
	req := tbi.SnapshotRequest{
		Resp: make(chan tbi.RoundStateSnapshot, 1),
	}
	return tbchan.ReqResp(
		ctx, e.log,
		e.snapshotRequests, req,
		req.Resp,
		"QueryState",
	)
}
