package tbengine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbclock"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus/tbconsensustest"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbengine"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbengine/tbelink"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbfinality"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbstore/tbmemstore"
	"github.com/stretchr/testify/require"
)

// testPayload is the deterministic fresh payload
// the fixture payload source produces.
func testPayload(level uint64, round uint32) string {
	return string(tbconsensus.ContentHash(
		[]byte("payload"), []byte(fmt.Sprintf("%d-%d", level, round)),
	))
}

type staticPayloadSource struct{}

func (staticPayloadSource) ProducePayload(_ context.Context, level uint64, round uint32) (string, error) {
	return testPayload(level, round), nil
}

type engineFixture struct {
	Fx *tbconsensustest.Fixture

	DS *tbmemstore.DecisionStore
	SS *tbmemstore.StateStore
	ES *tbmemstore.EvidenceStore

	CandidateOut chan tbconsensus.CandidateBlock
	VoteOut      chan tbconsensus.Vote
	DecisionOut  chan tbconsensus.Decision
	EvidenceOut  chan tbconsensus.Evidence
	StallOut     chan tbelink.StallReport

	E *tbengine.Engine
}

// newEngineFixture starts an engine with manual timeouts
// over a 4-validator committee of one power unit each (threshold 3).
// signerSlot is the committee slot the engine signs as, or -1 for an observer.
func newEngineFixture(
	ctx context.Context, t *testing.T, signerSlot int,
	opts ...func(*tbengine.Config),
) *engineFixture {
	t.Helper()

	ef := &engineFixture{
		Fx: tbconsensustest.NewEd25519Fixture(4),

		DS: tbmemstore.NewDecisionStore(),
		SS: tbmemstore.NewStateStore(),
		ES: tbmemstore.NewEvidenceStore(),

		CandidateOut: make(chan tbconsensus.CandidateBlock, 16),
		VoteOut:      make(chan tbconsensus.Vote, 16),
		DecisionOut:  make(chan tbconsensus.Decision, 16),
		EvidenceOut:  make(chan tbconsensus.Evidence, 16),
		StallOut:     make(chan tbelink.StallReport, 4),
	}

	cfg := tbengine.Config{
		CommitteeSource: ef.Fx.CommitteeSource(),
		SignatureScheme: ef.Fx.SignatureScheme,
		PayloadSource:   staticPayloadSource{},

		Clock: tbclock.Config{
			BaseDuration: 100 * time.Millisecond,
			Increment:    50 * time.Millisecond,
		},

		DecisionStore: ef.DS,
		StateStore:    ef.SS,
		EvidenceStore: ef.ES,

		InitialLevel: 1,

		ManualTimeouts: true,
		StallThreshold: 2,

		CandidateOut: ef.CandidateOut,
		VoteOut:      ef.VoteOut,
		DecisionOut:  ef.DecisionOut,
		EvidenceOut:  ef.EvidenceOut,
		StallOut:     ef.StallOut,
	}
	if signerSlot >= 0 {
		cfg.Signer = ef.Fx.PrivVals[signerSlot].Signer
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Own a derived context so e.Wait below cannot block a subtest's
	// cleanup when the caller's cancel belongs to a parent test.
	ctx, cancel := context.WithCancel(ctx)

	e, err := tbengine.New(ctx, slogt.New(t), cfg)
	if err != nil {
		cancel()
	}
	require.NoError(t, err)
	ef.E = e

	t.Cleanup(e.Wait)
	t.Cleanup(cancel)
	return ef
}

func recvOrFail[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func requireNothingOn[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}

// feedVotes delivers the given slots' votes for the target,
// requiring each to be accepted.
func (ef *engineFixture) feedVotes(
	ctx context.Context, t *testing.T,
	kind tbconsensus.VoteKind, vt tbconsensus.VoteTarget,
	slots ...int,
) {
	t.Helper()
	for _, slot := range slots {
		v := ef.Fx.SignedVote(ctx, slot, kind, vt)
		require.Equal(
			t, tbconsensus.HandleVoteAccepted, ef.E.HandleVote(ctx, v),
			"slot %d %s not accepted", slot, kind,
		)
	}
}

func TestEngine_happyPathDecidesAtRoundZero(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Slot 0 proposes round 0.
	ef := newEngineFixture(ctx, t, 0)

	c := recvOrFail(t, ef.CandidateOut, "round 0 candidate")
	require.Equal(t, uint64(1), c.Level)
	require.Zero(t, c.Round)
	require.Equal(t, testPayload(1, 0), c.PayloadHash)
	require.Nil(t, c.Justification)

	// The proposer preendorses its own candidate.
	pre := recvOrFail(t, ef.VoteOut, "own preendorsement")
	require.Equal(t, tbconsensus.VoteKindPreendorsement, pre.Kind)
	require.Equal(t, c.PayloadHash, pre.PayloadHash)

	vt := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt, 1, 2)

	// Quorum of 3 observed, so the engine locks and endorses.
	end := recvOrFail(t, ef.VoteOut, "own endorsement")
	require.Equal(t, tbconsensus.VoteKindEndorsement, end.Kind)
	require.Equal(t, c.PayloadHash, end.PayloadHash)

	lockRound, lockPayload, hasLock, err := ef.SS.LoadLock(ctx, 1)
	require.NoError(t, err)
	require.True(t, hasLock)
	require.Zero(t, lockRound)
	require.Equal(t, c.PayloadHash, lockPayload)

	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt, 1, 2)

	d := recvOrFail(t, ef.DecisionOut, "decision")
	require.Equal(t, uint64(1), d.Level)
	require.Zero(t, d.Round)
	require.Equal(t, c.PayloadHash, d.PayloadHash)
	require.Equal(t, uint64(3), d.EndorsementQC.Power)

	// The decision's lock record is cleared.
	_, _, hasLock, err = ef.SS.LoadLock(ctx, 1)
	require.NoError(t, err)
	require.False(t, hasLock)

	// The engine moved on and proposed level 2,
	// embedding level 1's endorsement quorum.
	c2 := recvOrFail(t, ef.CandidateOut, "level 2 candidate")
	require.Equal(t, uint64(2), c2.Level)
	require.Equal(t, d.PayloadHash, c2.PredecessorHash)
	require.NotNil(t, c2.PrevEndorsementQC)
	require.NoError(t, c2.PrevEndorsementQC.Verify(ef.Fx.Committee, ef.Fx.SignatureScheme))

	// One confirmation makes level 1's content final.
	tr := tbfinality.NewTracker(ef.DS)
	txFinal, err := tr.IsTransactionFinal(ctx, 1)
	require.NoError(t, err)
	require.False(t, txFinal)

	recvOrFail(t, ef.VoteOut, "own level 2 preendorsement")
	vt2 := tbconsensus.VoteTarget{Level: 2, Round: 0, PayloadHash: c2.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt2, 1, 2)
	recvOrFail(t, ef.VoteOut, "own level 2 endorsement")
	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt2, 1, 2)
	recvOrFail(t, ef.DecisionOut, "level 2 decision")

	txFinal, err = tr.IsTransactionFinal(ctx, 1)
	require.NoError(t, err)
	require.True(t, txFinal)
}

func TestEngine_offlineProposerDecidesAtRoundOne(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Slot 1 proposes round 1; the round 0 proposer stays silent.
	ef := newEngineFixture(ctx, t, 1)

	requireNothingOn(t, ef.CandidateOut, "candidate before round 1")

	res, ok := ef.E.HandleTimeout(ctx, 1, 0)
	require.True(t, ok)
	require.Equal(t, tbengine.TimeoutApplied, res)

	// A stale timeout for the expired round is ignored.
	res, ok = ef.E.HandleTimeout(ctx, 1, 0)
	require.True(t, ok)
	require.Equal(t, tbengine.TimeoutStale, res)

	c := recvOrFail(t, ef.CandidateOut, "round 1 candidate")
	require.Equal(t, uint32(1), c.Round)
	require.Equal(t, uint32(1), c.PayloadRound)
	require.Equal(t, testPayload(1, 1), c.PayloadHash)

	recvOrFail(t, ef.VoteOut, "own preendorsement")

	vt := tbconsensus.VoteTarget{Level: 1, Round: 1, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt, 0, 2)
	recvOrFail(t, ef.VoteOut, "own endorsement")
	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt, 0, 2)

	d := recvOrFail(t, ef.DecisionOut, "decision")
	require.Equal(t, uint32(1), d.Round)
	require.Equal(t, uint32(1), d.Fitness.Round)
	require.Equal(t, int32(-1), d.Fitness.LockedRound)
}

func TestEngine_stallReportAfterConsecutiveTimeouts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observer only, so no candidate or vote of our own interferes.
	ef := newEngineFixture(ctx, t, -1)

	res, ok := ef.E.HandleTimeout(ctx, 1, 0)
	require.True(t, ok)
	require.Equal(t, tbengine.TimeoutApplied, res)

	// One timeout is below the threshold of two.
	requireNothingOn(t, ef.StallOut, "stall report after one timeout")

	// Round 1 preendorsements split across two payloads:
	// two units of distinct power live, but no bucket can reach quorum.
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement,
		tbconsensus.VoteTarget{Level: 1, Round: 1, PayloadHash: testPayload(1, 1)},
		1,
	)
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement,
		tbconsensus.VoteTarget{Level: 1, Round: 1, PayloadHash: testPayload(1, 99)},
		2,
	)

	res, ok = ef.E.HandleTimeout(ctx, 1, 1)
	require.True(t, ok)
	require.Equal(t, tbengine.TimeoutApplied, res)

	sr := recvOrFail(t, ef.StallOut, "stall report")
	require.Equal(t, uint64(1), sr.Level)
	require.Equal(t, uint32(1), sr.Round)
	require.Equal(t, uint32(2), sr.ConsecutiveTimeouts)
	require.Equal(t, uint64(2), sr.PreendorsementPower)
}

func TestEngine_doubleVoteCountsOnceAndYieldsEvidence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observer; all votes arrive from outside.
	ef := newEngineFixture(ctx, t, -1)

	c := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 0,
		PayloadHash: testPayload(1, 0),
	})
	require.Equal(t, tbconsensus.HandleCandidateAccepted, ef.E.HandleCandidate(ctx, c))

	vt := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt, 0, 1)

	// Slot 1 also preendorses a different payload at the same round.
	conflicting := ef.Fx.SignedVote(ctx, 1, tbconsensus.VoteKindPreendorsement, tbconsensus.VoteTarget{
		Level: 1, Round: 0, PayloadHash: testPayload(1, 99),
	})
	require.Equal(t, tbconsensus.HandleVoteEquivocation, ef.E.HandleVote(ctx, conflicting))

	ev := recvOrFail(t, ef.EvidenceOut, "equivocation evidence")
	require.Equal(t, tbconsensus.EvidenceDoublePreendorsing, ev.Kind)
	require.True(t, ev.Offender().Equal(ef.Fx.PrivVals[1].Val.PubKey))
	require.NoError(t, ev.Verify(ef.Fx.Committee, ef.Fx.SignatureScheme))

	stored, err := ef.ES.LoadEvidence(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	// Only the first vote counted: power 2, short of the threshold.
	snap, ok := ef.E.QueryState(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(2), snap.PreendorsementPower)
	require.Equal(t, uint64(3), snap.QuorumThreshold)

	// The third honest preendorsement still completes the quorum.
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt, 2)
	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt, 0, 1, 2)
	d := recvOrFail(t, ef.DecisionOut, "decision")
	require.Equal(t, c.PayloadHash, d.PayloadHash)
}

func TestEngine_reProposalRule(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Slot 3 never proposes in the first two rounds.
	ef := newEngineFixture(ctx, t, 3)

	c := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 0,
		PayloadHash: testPayload(1, 0),
	})
	require.Equal(t, tbconsensus.HandleCandidateAccepted, ef.E.HandleCandidate(ctx, c))
	recvOrFail(t, ef.VoteOut, "own preendorsement")

	// Preendorsement quorum for the round 0 payload,
	// but round 0 times out before the endorsements arrive.
	vt0 := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt0, 0, 1)
	recvOrFail(t, ef.VoteOut, "own endorsement")

	res, ok := ef.E.HandleTimeout(ctx, 1, 0)
	require.True(t, ok)
	require.Equal(t, tbengine.TimeoutApplied, res)

	// Round 1's proposer bakes a fresh payload
	// instead of re-proposing the quorum-bearing one: flagged.
	fresh := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 1,
		PayloadHash:  testPayload(1, 1),
		PayloadRound: 1,
	})
	require.Equal(
		t, tbconsensus.HandleCandidateReProposalMismatch,
		ef.E.HandleCandidate(ctx, fresh),
	)

	// A conforming re-proposal of the round 0 payload,
	// justified by its preendorsement quorum, is accepted.
	justification := ef.Fx.QuorumCertificate(
		ctx, tbconsensus.VoteKindPreendorsement, vt0, 0, 1, 3,
	)
	reProposal := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 1,
		PayloadHash:   c.PayloadHash,
		PayloadRound:  0,
		Justification: &justification,
	})
	require.Equal(
		t, tbconsensus.HandleCandidateAccepted,
		ef.E.HandleCandidate(ctx, reProposal),
	)

	// Locked on the same payload, so the engine preendorses again.
	pre := recvOrFail(t, ef.VoteOut, "round 1 preendorsement")
	require.Equal(t, tbconsensus.VoteKindPreendorsement, pre.Kind)
	require.Equal(t, uint32(1), pre.Round)
	require.Equal(t, c.PayloadHash, pre.PayloadHash)

	vt1 := tbconsensus.VoteTarget{Level: 1, Round: 1, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt1, 0, 1)
	recvOrFail(t, ef.VoteOut, "round 1 endorsement")
	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt1, 0, 1)

	d := recvOrFail(t, ef.DecisionOut, "decision")
	require.Equal(t, c.PayloadHash, d.PayloadHash)
	require.Equal(t, uint32(1), d.Round)
	require.Equal(t, uint32(0), d.PayloadRound)

	// A re-proposed payload records its original round
	// as the locked round in the fitness tuple.
	require.Equal(t, int32(0), d.Fitness.LockedRound)
}

func TestEngine_unlockRequiresHigherRoundQuorum(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(ctx, t, 3)

	c := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 0,
		PayloadHash: testPayload(1, 0),
	})
	require.Equal(t, tbconsensus.HandleCandidateAccepted, ef.E.HandleCandidate(ctx, c))
	recvOrFail(t, ef.VoteOut, "own preendorsement")

	vt0 := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt0, 0, 1)
	recvOrFail(t, ef.VoteOut, "own endorsement")

	// Locked on the round 0 payload now. Advance two rounds:
	// the round 2 proposer re-proposes a payload
	// the engine never saw a quorum for.
	_, _ = ef.E.HandleTimeout(ctx, 1, 0)
	_, _ = ef.E.HandleTimeout(ctx, 1, 1)

	otherPayload := testPayload(1, 77)
	vtOther := tbconsensus.VoteTarget{Level: 1, Round: 1, PayloadHash: otherPayload}
	staleJustification := ef.Fx.QuorumCertificate(
		ctx, tbconsensus.VoteKindPreendorsement, vtOther, 0, 1, 2,
	)

	// The justification is a valid round 1 quorum certificate,
	// strictly above the engine's round 0 lock,
	// so the engine must release its lock and preendorse.
	conflicting := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 2,
		PayloadHash:   otherPayload,
		PayloadRound:  1,
		Justification: &staleJustification,
	})
	require.Equal(
		t, tbconsensus.HandleCandidateAccepted,
		ef.E.HandleCandidate(ctx, conflicting),
	)

	pre := recvOrFail(t, ef.VoteOut, "unlocked preendorsement")
	require.Equal(t, tbconsensus.VoteKindPreendorsement, pre.Kind)
	require.Equal(t, otherPayload, pre.PayloadHash)

	// The lock moved to the justification's round and payload.
	lockRound, lockPayload, hasLock, err := ef.SS.LoadLock(ctx, 1)
	require.NoError(t, err)
	require.True(t, hasLock)
	require.Equal(t, uint32(1), lockRound)
	require.Equal(t, otherPayload, lockPayload)
}

func TestEngine_ingestionRejectsBadArtifacts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(ctx, t, -1)

	payload := testPayload(1, 0)

	t.Run("wrong proposer slot", func(t *testing.T) {
		c := tbconsensus.CandidateBlock{
			Level: 1, Round: 0,
			PayloadHash: payload,
		}
		// Signed by slot 2, but round 0 belongs to slot 0.
		require.NoError(t, tbconsensus.SignCandidate(
			ctx, ef.Fx.PrivVals[2].Signer, &c, ef.Fx.SignatureScheme,
		))
		require.Equal(
			t, tbconsensus.HandleCandidateWrongProposer,
			ef.E.HandleCandidate(ctx, c),
		)
	})

	t.Run("tampered candidate signature", func(t *testing.T) {
		c := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
			Level: 1, Round: 0,
			PayloadHash: payload,
		})
		c.PayloadHash = testPayload(1, 42)
		require.Equal(
			t, tbconsensus.HandleCandidateInvalidSignature,
			ef.E.HandleCandidate(ctx, c),
		)
	})

	t.Run("vote from outside the committee", func(t *testing.T) {
		outsider := tbconsensustest.DeterministicValidatorsEd25519(5)[4]
		vt := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: payload}
		v, err := tbconsensus.NewSignedVote(
			ctx, outsider.Signer, tbconsensus.VoteKindPreendorsement, vt, ef.Fx.SignatureScheme,
		)
		require.NoError(t, err)
		require.Equal(
			t, tbconsensus.HandleVoteUnknownValidator,
			ef.E.HandleVote(ctx, v),
		)
	})

	t.Run("tampered vote signature", func(t *testing.T) {
		vt := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: payload}
		v := ef.Fx.SignedVote(ctx, 1, tbconsensus.VoteKindPreendorsement, vt)
		v.Round = 3
		require.Equal(
			t, tbconsensus.HandleVoteInvalidSignature,
			ef.E.HandleVote(ctx, v),
		)
	})

	t.Run("failed payload proof", func(t *testing.T) {
		vef := newEngineFixture(ctx, t, -1, func(cfg *tbengine.Config) {
			cfg.PayloadVerifier = rejectPayload{hash: payload}
		})

		c := vef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
			Level: 1, Round: 0,
			PayloadHash: payload,
		})
		require.Equal(
			t, tbconsensus.HandleCandidateInvalidPayload,
			vef.E.HandleCandidate(ctx, c),
		)

		// A payload passing the proof check goes through.
		res, ok := vef.E.HandleTimeout(ctx, 1, 0)
		require.True(t, ok)
		require.Equal(t, tbengine.TimeoutApplied, res)

		c = vef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
			Level: 1, Round: 1, PayloadRound: 1,
			PayloadHash: testPayload(1, 1),
		})
		require.Equal(
			t, tbconsensus.HandleCandidateAccepted,
			vef.E.HandleCandidate(ctx, c),
		)
	})
}

// rejectPayload fails the payload proof check for one specific hash.
type rejectPayload struct {
	hash string
}

func (r rejectPayload) VerifyPayload(_ context.Context, c tbconsensus.CandidateBlock) (bool, error) {
	return c.PayloadHash != r.hash, nil
}

func TestEngine_boundsFutureRoundCandidates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(ctx, t, -1)

	// The default window keeps rounds up to two ahead of the live round.
	c := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 5, PayloadRound: 5,
		PayloadHash: testPayload(1, 5),
	})
	require.Equal(
		t, tbconsensus.HandleCandidateBeyondWindow,
		ef.E.HandleCandidate(ctx, c),
	)

	c = ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 2, PayloadRound: 2,
		PayloadHash: testPayload(1, 2),
	})
	require.Equal(
		t, tbconsensus.HandleCandidateAccepted,
		ef.E.HandleCandidate(ctx, c),
	)
}

func TestEngine_buffersNextLevelVotes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(ctx, t, 0)

	c := recvOrFail(t, ef.CandidateOut, "round 0 candidate")
	recvOrFail(t, ef.VoteOut, "own preendorsement")

	// Level 2 votes arrive while level 1 is still live.
	nextPayload := testPayload(2, 0)
	vtNext := tbconsensus.VoteTarget{Level: 2, Round: 0, PayloadHash: nextPayload}
	for _, slot := range []int{1, 2} {
		v := ef.Fx.SignedVote(ctx, slot, tbconsensus.VoteKindPreendorsement, vtNext)
		require.Equal(t, tbconsensus.HandleVoteBuffered, ef.E.HandleVote(ctx, v))
	}

	// A level far beyond the window is not buffered.
	vFar := ef.Fx.SignedVote(ctx, 1, tbconsensus.VoteKindPreendorsement, tbconsensus.VoteTarget{
		Level: 5, Round: 0, PayloadHash: nextPayload,
	})
	require.Equal(t, tbconsensus.HandleVoteBeyondWindow, ef.E.HandleVote(ctx, vFar))

	// Decide level 1; the buffered level 2 votes then count immediately.
	vt := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt, 1, 2)
	recvOrFail(t, ef.VoteOut, "own endorsement")
	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt, 1, 2)
	recvOrFail(t, ef.DecisionOut, "level 1 decision")

	// Level 2's proposal is ours; payload matches what the others
	// preendorsed early, so the quorum completes on replay.
	c2 := recvOrFail(t, ef.CandidateOut, "level 2 candidate")
	require.Equal(t, nextPayload, c2.PayloadHash)
	recvOrFail(t, ef.VoteOut, "own level 2 preendorsement")
	end := recvOrFail(t, ef.VoteOut, "own level 2 endorsement")
	require.Equal(t, tbconsensus.VoteKindEndorsement, end.Kind)

	snap, ok := ef.E.QueryState(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(2), snap.Level)
	require.Equal(t, uint64(3), snap.PreendorsementPower)
}

func TestEngine_rehydratesFromStores(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(ctx, t, 0)

	// Decide level 1.
	c := recvOrFail(t, ef.CandidateOut, "round 0 candidate")
	recvOrFail(t, ef.VoteOut, "own preendorsement")
	vt := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt, 1, 2)
	recvOrFail(t, ef.VoteOut, "own endorsement")
	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt, 1, 2)
	d := recvOrFail(t, ef.DecisionOut, "decision")

	// A second engine over the same stores
	// resumes at level 2 with the decision linkage intact.
	restartCtx, restartCancel := context.WithCancel(context.Background())
	defer restartCancel()

	e2, err := tbengine.New(restartCtx, slogt.New(t), tbengine.Config{
		CommitteeSource: ef.Fx.CommitteeSource(),
		SignatureScheme: ef.Fx.SignatureScheme,

		Clock: tbclock.Config{
			BaseDuration: 100 * time.Millisecond,
			Increment:    50 * time.Millisecond,
		},

		DecisionStore: ef.DS,
		StateStore:    ef.SS,
		EvidenceStore: ef.ES,

		InitialLevel:   1,
		ManualTimeouts: true,

		DecisionOut: make(chan tbconsensus.Decision, 1),
	})
	require.NoError(t, err)
	t.Cleanup(e2.Wait)

	snap, ok := e2.QueryState(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(2), snap.Level)
	require.Zero(t, snap.Round)
	require.Equal(t, int32(-1), snap.LockedRound)

	// The rehydrated observer accepts a level 2 candidate
	// chained to the persisted decision.
	prevQC := d.EndorsementQC
	c2 := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 2, Round: 0,
		PayloadHash:       testPayload(2, 0),
		PredecessorHash:   d.PayloadHash,
		PrevEndorsementQC: &prevQC,
	})
	require.Equal(t, tbconsensus.HandleCandidateAccepted, e2.HandleCandidate(ctx, c2))
}

// flakyCommitteeSource fails the first fetch of one level,
// then delegates to the wrapped source.
type flakyCommitteeSource struct {
	inner     tbconsensus.CommitteeSource
	failLevel uint64
	failed    atomic.Bool
}

func (f *flakyCommitteeSource) Committee(ctx context.Context, level uint64) (*tbconsensus.Committee, error) {
	if level == f.failLevel && f.failed.CompareAndSwap(false, true) {
		return nil, errors.New("committee snapshot not yet published")
	}
	return f.inner.Committee(ctx, level)
}

func TestEngine_retriesTransientCommitteeFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fcs := &flakyCommitteeSource{failLevel: 2}
	ef := newEngineFixture(ctx, t, 0, func(cfg *tbengine.Config) {
		fcs.inner = cfg.CommitteeSource
		cfg.CommitteeSource = fcs
	})

	// Decide level 1.
	c := recvOrFail(t, ef.CandidateOut, "round 0 candidate")
	recvOrFail(t, ef.VoteOut, "own preendorsement")
	vt := tbconsensus.VoteTarget{Level: 1, Round: 0, PayloadHash: c.PayloadHash}
	ef.feedVotes(ctx, t, tbconsensus.VoteKindPreendorsement, vt, 1, 2)
	recvOrFail(t, ef.VoteOut, "own endorsement")
	ef.feedVotes(ctx, t, tbconsensus.VoteKindEndorsement, vt, 1, 2)
	recvOrFail(t, ef.DecisionOut, "level 1 decision")

	// The first level 2 committee fetch failed,
	// but the engine retries and proposes level 2 regardless.
	c2 := recvOrFail(t, ef.CandidateOut, "level 2 candidate after retry")
	require.Equal(t, uint64(2), c2.Level)
	require.True(t, fcs.failed.Load())

	snap, ok := ef.E.QueryState(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(2), snap.Level)
}

func TestEngine_equivocatingProposerYieldsEvidence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(ctx, t, -1)

	c1 := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 0,
		PayloadHash: testPayload(1, 0),
	})
	c2 := ef.Fx.SignedCandidate(ctx, tbconsensus.CandidateBlock{
		Level: 1, Round: 0,
		PayloadHash: testPayload(1, 50),
	})

	require.Equal(t, tbconsensus.HandleCandidateAccepted, ef.E.HandleCandidate(ctx, c1))
	require.Equal(t, tbconsensus.HandleCandidateEquivocation, ef.E.HandleCandidate(ctx, c2))

	ev := recvOrFail(t, ef.EvidenceOut, "double-baking evidence")
	require.Equal(t, tbconsensus.EvidenceDoubleBaking, ev.Kind)
	require.NoError(t, ev.Verify(ef.Fx.Committee, ef.Fx.SignatureScheme))

	// Only the first candidate stands.
	snap, ok := ef.E.QueryState(ctx)
	require.True(t, ok)
	require.Equal(t, c1.PayloadHash, snap.CandidatePayloadHash)
}
