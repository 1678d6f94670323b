// Package tbmemstore provides in-memory implementations
// of the tbstore interfaces, for tests and single-process deployments.
package tbmemstore

import (
	"context"
	"sync"

	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tb/tbstore"
)

// DecisionStore is an in-memory [tbstore.DecisionStore].
type DecisionStore struct {
	mu sync.RWMutex

	decisions map[uint64]tbconsensus.Decision

	last    uint64
	haveAny bool
}

func NewDecisionStore() *DecisionStore {
	return &DecisionStore{
		decisions: make(map[uint64]tbconsensus.Decision),
	}
}

func (s *DecisionStore) SaveDecision(_ context.Context, d tbconsensus.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if have, ok := s.decisions[d.Level]; ok {
		if have.PayloadHash == d.PayloadHash {
			// Idempotent re-save.
			return nil
		}
		return tbstore.DecisionConflictError{
			Level:       d.Level,
			HavePayload: have.PayloadHash,
			NewPayload:  d.PayloadHash,
		}
	}

	s.decisions[d.Level] = d
	if !s.haveAny || d.Level > s.last {
		s.last = d.Level
		s.haveAny = true
	}
	return nil
}

func (s *DecisionStore) LoadDecision(_ context.Context, level uint64) (tbconsensus.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decisions[level]
	if !ok {
		return tbconsensus.Decision{}, tbstore.NoDecisionError{Level: level}
	}
	return d, nil
}

func (s *DecisionStore) LastDecidedLevel(_ context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.last, s.haveAny, nil
}

// StateStore is an in-memory [tbstore.StateStore].
type StateStore struct {
	mu sync.Mutex

	locks map[uint64]lockRecord
}

type lockRecord struct {
	round       uint32
	payloadHash string
}

func NewStateStore() *StateStore {
	return &StateStore{locks: make(map[uint64]lockRecord)}
}

func (s *StateStore) SaveLock(_ context.Context, level uint64, round uint32, payloadHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locks[level] = lockRecord{round: round, payloadHash: payloadHash}
	return nil
}

func (s *StateStore) LoadLock(_ context.Context, level uint64) (uint32, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.locks[level]
	return rec.round, rec.payloadHash, ok, nil
}

func (s *StateStore) ClearLock(_ context.Context, level uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, level)
	return nil
}

// EvidenceStore is an in-memory [tbstore.EvidenceStore].
type EvidenceStore struct {
	mu sync.Mutex

	byLevel map[uint64][]tbconsensus.Evidence
}

func NewEvidenceStore() *EvidenceStore {
	return &EvidenceStore{byLevel: make(map[uint64][]tbconsensus.Evidence)}
}

func (s *EvidenceStore) SaveEvidence(_ context.Context, ev tbconsensus.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byLevel[ev.Level()] = append(s.byLevel[ev.Level()], ev)
	return nil
}

func (s *EvidenceStore) LoadEvidence(_ context.Context, level uint64) ([]tbconsensus.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.byLevel[level]
	out := make([]tbconsensus.Evidence, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *EvidenceStore) PruneBefore(_ context.Context, level uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for l := range s.byLevel {
		if l < level {
			delete(s.byLevel, l)
		}
	}
	return nil
}
