package tbelink

// LevelRoundChange is emitted whenever the engine
// enters a new level or advances to a new round within a level.
// Drivers resembling stateful sessions can use it
// to expire interest in stale rounds.
type LevelRoundChange struct {
	Level uint64
	Round uint32
}
