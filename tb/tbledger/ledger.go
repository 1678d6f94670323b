// Package tbledger computes reward and slashing attributions
// from decided levels and equivocation evidence.
//
// The ledger is strictly downstream of consensus:
// it reads the append-only decision log by level index
// and never feeds back into the round state machine.
package tbledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbstore"
	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// Params are the protocol-level incentive constants,
// fixed per network.
type Params struct {
	// BakingReward is credited to the payload producer
	// at every decided level, on top of the payload fees.
	BakingReward uint64

	// BonusPerPowerUnit scales the proposer bonus:
	// one unit per endorsement power unit above the quorum threshold.
	BonusPerPowerUnit uint64

	// MaxBonus caps the proposer bonus at a single level.
	MaxBonus uint64

	// EndorsingRewardPerPowerUnit accrues per endorser power unit
	// at every decided level whose endorsement quorum includes the endorser.
	// Accruals pay out only at cycle settlement.
	EndorsingRewardPerPowerUnit uint64

	// CycleLength is the number of levels per cycle.
	CycleLength uint64

	// MinParticipationNumerator over MinParticipationDenominator
	// is the fraction of a cycle's decided levels an endorser
	// must have participated in to collect its accrual.
	MinParticipationNumerator   uint64
	MinParticipationDenominator uint64

	// DoubleBakingSlash is the fixed slash amount for double baking.
	DoubleBakingSlash uint64

	// DoubleVotingSlashNumerator over DoubleVotingSlashDenominator
	// is the fraction of the offender's frozen deposit
	// slashed for double (pre)endorsing.
	DoubleVotingSlashNumerator   uint64
	DoubleVotingSlashDenominator uint64

	// AccuserShareNumerator over AccuserShareDenominator
	// is the fraction of the slash paid to the evidence submitter.
	// The remainder is burned.
	AccuserShareNumerator   uint64
	AccuserShareDenominator uint64

	// EvidenceWindowCycles is how many cycles after the offense
	// evidence is still accepted.
	EvidenceWindowCycles uint64
}

func (p Params) Validate() error {
	if p.CycleLength == 0 {
		return fmt.Errorf("cycle length must be positive")
	}
	if p.MinParticipationDenominator == 0 {
		return fmt.Errorf("participation denominator must be positive")
	}
	if p.MinParticipationNumerator > p.MinParticipationDenominator {
		return fmt.Errorf(
			"participation ratio %d/%d exceeds one",
			p.MinParticipationNumerator, p.MinParticipationDenominator,
		)
	}
	if p.DoubleVotingSlashDenominator == 0 {
		return fmt.Errorf("double voting slash denominator must be positive")
	}
	if p.DoubleVotingSlashNumerator > p.DoubleVotingSlashDenominator {
		return fmt.Errorf(
			"double voting slash ratio %d/%d exceeds one",
			p.DoubleVotingSlashNumerator, p.DoubleVotingSlashDenominator,
		)
	}
	if p.AccuserShareDenominator == 0 {
		return fmt.Errorf("accuser share denominator must be positive")
	}
	if p.AccuserShareNumerator > p.AccuserShareDenominator {
		return fmt.Errorf(
			"accuser share %d/%d exceeds one",
			p.AccuserShareNumerator, p.AccuserShareDenominator,
		)
	}
	return nil
}

// CycleOf returns the cycle containing level.
func (p Params) CycleOf(level uint64) uint64 {
	return level / p.CycleLength
}

// Attribution is the immediate reward breakdown for one decided level.
// Endorser accruals are provisional until the cycle settles.
type Attribution struct {
	Level uint64

	// PayloadProducer baked the decided payload
	// (the proposer of the payload round, not necessarily the decision round).
	PayloadProducer tbcrypto.PubKey

	// ProducerReward is the payload fees plus the baking reward,
	// credited immediately.
	ProducerReward uint64

	// Proposer baked the candidate that decided the level.
	Proposer tbcrypto.PubKey

	// ProposerBonus is proportional to the endorsement power
	// included above the quorum threshold, capped at MaxBonus.
	ProposerBonus uint64

	// EndorserAccruals lists the per-endorser accruals
	// recorded toward the level's cycle, in slot order.
	EndorserAccruals []Accrual
}

// Accrual is one endorser's provisional reward at one level.
type Accrual struct {
	Validator tbcrypto.PubKey
	Power     uint64
	Amount    uint64
}

// Reward is one validator's settled payout.
type Reward struct {
	Validator tbcrypto.PubKey
	Amount    uint64
}

// SettledCycle is the outcome of settling one cycle's endorsing accruals.
type SettledCycle struct {
	Cycle uint64

	// Rewards lists the paid accruals, ordered by validator address.
	Rewards []Reward

	// Forfeited is the total accrual dropped for validators
	// that missed the participation ratio or withheld their nonce.
	Forfeited uint64
}

// SlashAttribution is the outcome of applying one piece of evidence.
type SlashAttribution struct {
	Kind EvidenceOutcomeKind

	Offender tbcrypto.PubKey
	Level    uint64
	Round    uint32

	// SlashAmount is deducted from the offender's frozen deposit.
	SlashAmount uint64

	// AccuserReward is the evidence submitter's share of the slash.
	AccuserReward uint64

	// Burned is the slash remainder after the accuser share.
	Burned uint64
}

// EvidenceOutcomeKind mirrors the evidence kind in the slash record.
type EvidenceOutcomeKind = tbconsensus.EvidenceKind

// EvidenceExpiredError indicates evidence submitted
// after its acceptance window closed.
type EvidenceExpiredError struct {
	EvidenceCycle uint64
	CurrentCycle  uint64
	WindowCycles  uint64
}

func (e EvidenceExpiredError) Error() string {
	return fmt.Sprintf(
		"evidence from cycle %d rejected at cycle %d: window is %d cycle(s)",
		e.EvidenceCycle, e.CurrentCycle, e.WindowCycles,
	)
}

// AlreadyAttributedError indicates a second attribution of the same level.
type AlreadyAttributedError struct {
	Level uint64
}

func (e AlreadyAttributedError) Error() string {
	return fmt.Sprintf("level %d has already been attributed", e.Level)
}

// Ledger attributes rewards from the decision log
// and slashes from evidence.
type Ledger struct {
	p Params

	cs     tbconsensus.CommitteeSource
	ds     tbstore.DecisionStore
	scheme tbconsensus.SignatureScheme

	mu         sync.Mutex
	attributed map[uint64]struct{}
	cycles     map[uint64]*cycleState
}

type cycleState struct {
	// levels is the number of attributed levels in the cycle so far.
	levels uint64

	// accrued is keyed by validator address.
	accrued map[string]*validatorAccrual
}

type validatorAccrual struct {
	val            tbcrypto.PubKey
	amount         uint64
	levelsEndorsed uint64
}

func NewLedger(
	p Params,
	cs tbconsensus.CommitteeSource,
	ds tbstore.DecisionStore,
	scheme tbconsensus.SignatureScheme,
) (*Ledger, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger params: %w", err)
	}

	return &Ledger{
		p:      p,
		cs:     cs,
		ds:     ds,
		scheme: scheme,

		attributed: make(map[uint64]struct{}),
		cycles:     make(map[uint64]*cycleState),
	}, nil
}

// Attribute computes the reward breakdown for one decided level
// and records the endorser accruals toward the level's cycle.
// fees is the total payload fee at the level,
// credited to the payload producer.
//
// Attributing the same level twice is an error;
// the accruals would otherwise double-count.
func (l *Ledger) Attribute(ctx context.Context, level uint64, fees uint64) (Attribution, error) {
	d, err := l.ds.LoadDecision(ctx, level)
	if err != nil {
		return Attribution{}, fmt.Errorf("failed to load decision for level %d: %w", level, err)
	}

	c, err := l.cs.Committee(ctx, level)
	if err != nil {
		return Attribution{}, fmt.Errorf("failed to load committee for level %d: %w", level, err)
	}

	producer, _ := c.ProposerForRound(d.PayloadRound)
	proposer, _ := c.ProposerForRound(d.Round)

	a := Attribution{
		Level: level,

		PayloadProducer: producer.PubKey,
		ProducerReward:  fees + l.p.BakingReward,

		Proposer:      proposer.PubKey,
		ProposerBonus: l.proposerBonus(c, d.EndorsementQC.Power),
	}

	for _, ss := range d.EndorsementQC.Signatures.Signatures {
		slot := int(binary.BigEndian.Uint16(ss.KeyID))
		if slot >= c.Len() {
			return Attribution{}, fmt.Errorf(
				"decision at level %d carries signature for slot %d, committee size %d",
				level, slot, c.Len(),
			)
		}

		v := c.Validator(slot)
		a.EndorserAccruals = append(a.EndorserAccruals, Accrual{
			Validator: v.PubKey,
			Power:     v.Power,
			Amount:    v.Power * l.p.EndorsingRewardPerPowerUnit,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.attributed[level]; ok {
		return Attribution{}, AlreadyAttributedError{Level: level}
	}
	l.attributed[level] = struct{}{}

	cycle := l.p.CycleOf(level)
	cs := l.cycles[cycle]
	if cs == nil {
		cs = &cycleState{accrued: make(map[string]*validatorAccrual)}
		l.cycles[cycle] = cs
	}
	cs.levels++

	for _, acc := range a.EndorserAccruals {
		addr := string(acc.Validator.Address())
		va := cs.accrued[addr]
		if va == nil {
			va = &validatorAccrual{val: acc.Validator}
			cs.accrued[addr] = va
		}
		va.amount += acc.Amount
		va.levelsEndorsed++
	}

	return a, nil
}

func (l *Ledger) proposerBonus(c *tbconsensus.Committee, qcPower uint64) uint64 {
	threshold := c.QuorumThreshold()
	if qcPower <= threshold {
		return 0
	}

	bonus := (qcPower - threshold) * l.p.BonusPerPowerUnit
	return min(bonus, l.p.MaxBonus)
}

// SettleCycle finalizes the cycle's endorsing accruals.
// An endorser collects its accrual only if it revealed its nonce
// and endorsed at least the minimum participation fraction
// of the cycle's attributed levels; otherwise the accrual is forfeited.
//
// Settling consumes the cycle's state.
func (l *Ledger) SettleCycle(
	_ context.Context,
	cycle uint64,
	nonceRevealed func(tbcrypto.PubKey) bool,
) (SettledCycle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cs := l.cycles[cycle]
	if cs == nil {
		return SettledCycle{Cycle: cycle}, nil
	}
	delete(l.cycles, cycle)

	out := SettledCycle{Cycle: cycle}

	addrs := make([]string, 0, len(cs.accrued))
	for addr := range cs.accrued {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		va := cs.accrued[addr]

		// levelsEndorsed/levels >= num/den, in integer arithmetic.
		participated := va.levelsEndorsed*l.p.MinParticipationDenominator >=
			cs.levels*l.p.MinParticipationNumerator

		if !participated || !nonceRevealed(va.val) {
			out.Forfeited += va.amount
			continue
		}

		out.Rewards = append(out.Rewards, Reward{Validator: va.val, Amount: va.amount})
	}

	return out, nil
}

// Slash applies one piece of equivocation evidence:
// it verifies the evidence against the offense level's committee,
// enforces the acceptance window,
// and computes the deposit slash and the accuser's share.
//
// frozenDeposit is the offender's frozen deposit at slashing time;
// the slash never exceeds it.
// currentLevel anchors the acceptance window check.
func (l *Ledger) Slash(
	ctx context.Context,
	ev tbconsensus.Evidence,
	frozenDeposit uint64,
	currentLevel uint64,
) (SlashAttribution, error) {
	evCycle := l.p.CycleOf(ev.Level())
	curCycle := l.p.CycleOf(currentLevel)
	if curCycle > evCycle+l.p.EvidenceWindowCycles {
		return SlashAttribution{}, EvidenceExpiredError{
			EvidenceCycle: evCycle,
			CurrentCycle:  curCycle,
			WindowCycles:  l.p.EvidenceWindowCycles,
		}
	}

	c, err := l.cs.Committee(ctx, ev.Level())
	if err != nil {
		return SlashAttribution{}, fmt.Errorf(
			"failed to load committee for level %d: %w", ev.Level(), err,
		)
	}

	if err := ev.Verify(c, l.scheme); err != nil {
		return SlashAttribution{}, fmt.Errorf("refusing to slash on invalid evidence: %w", err)
	}

	var amount uint64
	if ev.Kind == tbconsensus.EvidenceDoubleBaking {
		amount = l.p.DoubleBakingSlash
	} else {
		amount = frozenDeposit * l.p.DoubleVotingSlashNumerator / l.p.DoubleVotingSlashDenominator
	}
	amount = min(amount, frozenDeposit)

	accuserReward := amount * l.p.AccuserShareNumerator / l.p.AccuserShareDenominator

	return SlashAttribution{
		Kind: ev.Kind,

		Offender: ev.Offender(),
		Level:    ev.Level(),
		Round:    ev.Round(),

		SlashAmount:   amount,
		AccuserReward: accuserReward,
		Burned:        amount - accuserReward,
	}, nil
}
